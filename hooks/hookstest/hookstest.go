// Package hookstest provides subscribe hooks for tests.
package hookstest

import (
	"context"
	"sync"

	"github.com/ggoodman/subscription-transport-go/hooks"
)

// Recorder is a subscribe hook that records every invocation and optionally
// rewrites or rejects requests.
type Recorder struct {
	// Rewrite, if set, replaces the params passed on.
	Rewrite func(hooks.SubscribeParams) hooks.SubscribeParams
	// Err, if set, rejects every request.
	Err error

	mu    sync.Mutex
	calls []hooks.SubscribeParams
}

// Hook returns r as a hooks.OnSubscribe.
func (r *Recorder) Hook() hooks.OnSubscribe {
	return func(ctx context.Context, p hooks.SubscribeParams) (hooks.SubscribeParams, error) {
		r.mu.Lock()
		r.calls = append(r.calls, p)
		r.mu.Unlock()

		if r.Err != nil {
			return p, r.Err
		}
		if r.Rewrite != nil {
			return r.Rewrite(p), nil
		}
		return p, nil
	}
}

// Calls returns a copy of the recorded params.
func (r *Recorder) Calls() []hooks.SubscribeParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hooks.SubscribeParams, len(r.calls))
	copy(out, r.calls)
	return out
}
