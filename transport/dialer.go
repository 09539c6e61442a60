package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Dialer opens a new physical connection.
type Dialer interface {
	Dial(ctx context.Context) (Frames, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Frames, error)

func (f DialerFunc) Dial(ctx context.Context) (Frames, error) { return f(ctx) }

// WebsocketDialer dials a websocket endpoint.
type WebsocketDialer struct {
	URL    string
	Header http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context) (Frames, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	conn, resp, err := wd.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", d.URL, err)
	}
	return NewWebsocketFrames(conn), nil
}
