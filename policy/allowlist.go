// Package policy provides a subscribe hook that admits only allow-listed
// operations. The list is read from a YAML file and can be reloaded while the
// server runs.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ggoodman/subscription-transport-go/hooks"
)

// ErrNoPath is returned by Reload and Watch on an Allowlist built without a
// file.
var ErrNoPath = errors.New("policy: allowlist has no backing file")

// Rules is the YAML document an Allowlist is loaded from.
//
//	operations: [onMessage, onPrice]
//	deny_anonymous: true
type Rules struct {
	// Operations lists the admitted operation names. Empty admits all.
	Operations    []string `yaml:"operations"`
	DenyAnonymous bool     `yaml:"deny_anonymous"`
}

// Parse decodes rules from YAML.
func Parse(data []byte) (Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("policy: parse rules: %w", err)
	}
	return r, nil
}

// Allowlist is a hooks.OnSubscribe source whose rules can be swapped
// atomically.
type Allowlist struct {
	path  string
	rules atomic.Pointer[Rules]
	log   *slog.Logger
}

// New returns an Allowlist enforcing rules. It has no backing file.
func New(rules Rules) *Allowlist {
	a := &Allowlist{log: slog.Default()}
	a.rules.Store(&rules)
	return a
}

// Load reads rules from the YAML file at path.
func Load(path string, log *slog.Logger) (*Allowlist, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &Allowlist{path: path, log: log}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// Rules returns the rules in force.
func (a *Allowlist) Rules() Rules {
	return *a.rules.Load()
}

// Reload re-reads the backing file. The rules in force are kept when the file
// cannot be read or parsed.
func (a *Allowlist) Reload() error {
	if a.path == "" {
		return ErrNoPath
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return fmt.Errorf("policy: read %s: %w", a.path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return err
	}
	a.rules.Store(&r)
	a.log.Info("policy.reload", slog.String("path", a.path), slog.Int("operations", len(r.Operations)))
	return nil
}

// Watch reloads the rules whenever the backing file changes, until ctx ends.
// The directory is watched so that editors replacing the file by rename are
// observed.
func (a *Allowlist) Watch(ctx context.Context) error {
	if a.path == "" {
		return ErrNoPath
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	if err := w.Add(filepath.Dir(a.path)); err != nil {
		return fmt.Errorf("policy: watch %s: %w", a.path, err)
	}
	target := filepath.Clean(a.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := a.Reload(); err != nil {
				a.log.Warn("policy.reload.fail", slog.String("err", err.Error()))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			a.log.Warn("policy.watch.error", slog.String("err", err.Error()))
		}
	}
}

// OnSubscribe rejects anonymous callers when the rules deny them and
// operations missing from a non-empty allowlist.
func (a *Allowlist) OnSubscribe(ctx context.Context, p hooks.SubscribeParams) (hooks.SubscribeParams, error) {
	r := a.rules.Load()
	if r.DenyAnonymous && p.UserID == "" {
		return p, &hooks.RejectedError{Operation: p.OperationName, Reason: "anonymous subscriptions are not allowed"}
	}
	if len(r.Operations) > 0 && !slices.Contains(r.Operations, p.OperationName) {
		return p, &hooks.RejectedError{Operation: p.OperationName, Reason: "operation not allowed"}
	}
	return p, nil
}

var _ hooks.OnSubscribe = (*Allowlist)(nil).OnSubscribe
