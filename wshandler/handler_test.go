package wshandler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/ggoodman/subscription-transport-go/client"
	"github.com/ggoodman/subscription-transport-go/execution"
	"github.com/ggoodman/subscription-transport-go/hooks"
	"github.com/ggoodman/subscription-transport-go/identity"
	"github.com/ggoodman/subscription-transport-go/identity/jwtauth"
	"github.com/ggoodman/subscription-transport-go/protocol"
	"github.com/ggoodman/subscription-transport-go/pubsub/memory"
	"github.com/ggoodman/subscription-transport-go/server"
	"github.com/ggoodman/subscription-transport-go/transport"
)

type tokenAuth map[string]string

func (a tokenAuth) CheckAuthentication(ctx context.Context, tok string) (identity.UserInfo, error) {
	if tok == "narrow" {
		return nil, jwtauth.ErrInsufficientScope
	}
	if id, ok := a[tok]; ok {
		return identity.StaticUserInfo{ID: id}, nil
	}
	return nil, fmt.Errorf("%w: unknown token", identity.ErrUnauthorized)
}

type stack struct {
	srv    *httptest.Server
	bus    *memory.Bus
	engine *execution.Engine
	users  chan string
}

func newStack(t *testing.T, opts ...Option) *stack {
	t.Helper()
	s := &stack{bus: memory.New(), users: make(chan string, 8)}
	s.engine = execution.New(s.bus)

	coord, err := server.NewCoordinator(s.engine, server.WithOnSubscribe(func(ctx context.Context, p hooks.SubscribeParams) (hooks.SubscribeParams, error) {
		s.users <- p.UserID
		return p, nil
	}))
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	s.srv = httptest.NewServer(New(server.NewHandler(coord), opts...))
	t.Cleanup(func() {
		s.srv.Close()
		_ = s.bus.Close()
	})
	return s
}

func (s *stack) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

func TestHandler_EndToEnd(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	tc := transport.NewClient(transport.WebsocketDialer{URL: s.wsURL()}, transport.WithBackOff(fastBackOff))
	defer tc.Close()
	mux := client.New(tc)
	defer mux.Close()

	results := make(chan client.Result, 4)
	id, err := mux.Subscribe(ctx, protocol.Request{Query: "subscription { tick }", OperationName: "tick"}, func(r client.Result) {
		results <- r
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if id != 0 {
		t.Fatalf("first id = %d, want 0", id)
	}
	waitFor(t, "execution start", func() bool { return s.engine.Active() == 1 })

	if err := execution.Publish(ctx, s.bus, "tick", map[string]int{"n": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case r := <-results:
		var out struct{ N int }
		if r.IsErr() || r.Decode(&out) != nil || out.N != 1 {
			t.Fatalf("unexpected result %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for result")
	}

	if err := mux.Unsubscribe(ctx, id); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	waitFor(t, "execution stop", func() bool { return s.engine.Active() == 0 })
}

func TestHandler_ClosingConnectionStopsExecutions(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	tc := transport.NewClient(transport.WebsocketDialer{URL: s.wsURL()}, transport.WithBackOff(fastBackOff))
	mux := client.New(tc)

	for i := 0; i < 2; i++ {
		if _, err := mux.Subscribe(ctx, protocol.Request{Query: "q", OperationName: "t"}, func(client.Result) {}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	waitFor(t, "executions start", func() bool { return s.engine.Active() == 2 })

	mux.Close()
	_ = tc.Close()
	waitFor(t, "executions stop", func() bool { return s.engine.Active() == 0 })
}

func TestHandler_Authentication(t *testing.T) {
	s := newStack(t, WithAuthenticator(tokenAuth{"good": "alice"}))

	dial := func(url string, header http.Header) (*websocket.Conn, int) {
		conn, resp, err := websocket.DefaultDialer.Dial(url, header)
		if err != nil {
			if resp == nil {
				t.Fatalf("dial: %v", err)
			}
			return nil, resp.StatusCode
		}
		return conn, http.StatusSwitchingProtocols
	}

	cases := []struct {
		name   string
		url    string
		header http.Header
		want   int
	}{
		{name: "missing", url: s.wsURL(), want: http.StatusUnauthorized},
		{name: "invalid", url: s.wsURL(), header: http.Header{"Authorization": {"Bearer bad"}}, want: http.StatusUnauthorized},
		{name: "malformed", url: s.wsURL(), header: http.Header{"Authorization": {"Basic abc"}}, want: http.StatusBadRequest},
		{name: "insufficient scope", url: s.wsURL(), header: http.Header{"Authorization": {"Bearer narrow"}}, want: http.StatusForbidden},
		{name: "header", url: s.wsURL(), header: http.Header{"Authorization": {"Bearer good"}}, want: http.StatusSwitchingProtocols},
		{name: "query", url: s.wsURL() + "?access_token=good", want: http.StatusSwitchingProtocols},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, status := dial(tc.url, tc.header)
			if conn != nil {
				defer conn.Close()
			}
			if status != tc.want {
				t.Fatalf("status = %d, want %d", status, tc.want)
			}
		})
	}
}

func TestHandler_IdentityReachesHooks(t *testing.T) {
	s := newStack(t, WithAuthenticator(tokenAuth{"good": "alice"}))
	ctx := context.Background()

	tc := transport.NewClient(transport.WebsocketDialer{
		URL:    s.wsURL(),
		Header: http.Header{"Authorization": {"Bearer good"}},
	}, transport.WithBackOff(fastBackOff))
	defer tc.Close()
	mux := client.New(tc)
	defer mux.Close()

	if _, err := mux.Subscribe(ctx, protocol.Request{Query: "q", OperationName: "t"}, func(client.Result) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	select {
	case user := <-s.users:
		if user != "alice" {
			t.Fatalf("hook saw user %q", user)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("hook not called")
	}
}

func TestHandler_Descriptor(t *testing.T) {
	s := newStack(t)

	req, _ := http.NewRequest(http.MethodGet, s.srv.URL, nil)
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var d Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Channel != protocol.SubscriptionChannel || d.Auth {
		t.Fatalf("unexpected descriptor %+v", d)
	}

	req, _ = http.NewRequest(http.MethodGet, s.srv.URL, nil)
	req.Header.Set("Accept", "text/html")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("status = %d, want 406", resp2.StatusCode)
	}

	resp3, err := http.Post(s.srv.URL, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp3.StatusCode)
	}
}
