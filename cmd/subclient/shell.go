package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/ggoodman/subscription-transport-go/client"
	"github.com/ggoodman/subscription-transport-go/protocol"
)

// shell runs one command line at a time against a multiplexer. Results are
// printed as they arrive, from the transport's goroutine.
type shell struct {
	mux *client.Multiplexer

	mu  sync.Mutex
	out io.Writer
}

func newShell(mux *client.Multiplexer, out io.Writer) *shell {
	return &shell{mux: mux, out: out}
}

func (s *shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *shell) help() {
	s.printf("Commands:\n" +
		"  sub <operation> [query]  start a subscription\n" +
		"  unsub <id>               stop a subscription\n" +
		"  unsuball                 stop every subscription\n" +
		"  list                     list active subscription ids\n" +
		"  quit                     exit\n")
}

// exec runs one command line and reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		s.help()
	case "sub":
		s.sub(ctx, args)
	case "unsub":
		s.unsub(ctx, args)
	case "unsuball":
		if err := s.mux.UnsubscribeAll(ctx); err != nil {
			s.printf("error: %v\n", err)
			return false
		}
		s.printf("unsubscribed all\n")
	case "list", "ls":
		ids := s.mux.IDs()
		if len(ids) == 0 {
			s.printf("no subscriptions\n")
			return false
		}
		for _, id := range ids {
			s.printf("  %s\n", id)
		}
	case "quit", "exit", "q":
		return true
	default:
		s.printf("unknown command %q; try help\n", cmd)
	}
	return false
}

func (s *shell) sub(ctx context.Context, args []string) {
	if len(args) == 0 {
		s.printf("usage: sub <operation> [query]\n")
		return
	}
	op := args[0]
	query := strings.Join(args[1:], " ")
	if query == "" {
		query = "subscription { " + op + " }"
	}

	// Results may arrive before Subscribe returns the id.
	label := op
	id, err := s.mux.Subscribe(ctx, protocol.Request{Query: query, OperationName: op}, func(r client.Result) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if r.IsErr() {
			fmt.Fprintf(s.out, "[%s] error: %v\n", label, r.Err())
			return
		}
		fmt.Fprintf(s.out, "[%s] %s\n", label, r.Data())
	})
	if err != nil {
		s.printf("error: %v\n", err)
		return
	}
	s.mu.Lock()
	label = op + "#" + id.String()
	s.mu.Unlock()
	s.printf("subscribed %s as %s\n", op, id)
}

func (s *shell) unsub(ctx context.Context, args []string) {
	if len(args) != 1 {
		s.printf("usage: unsub <id>\n")
		return
	}
	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		s.printf("invalid id %q\n", args[0])
		return
	}
	if err := s.mux.Unsubscribe(ctx, protocol.SubscriptionID(n)); err != nil {
		s.printf("error: %v\n", err)
		return
	}
	s.printf("unsubscribed %d\n", n)
}
