// Command subclient is an interactive shell for a subscription server. It
// keeps its subscriptions alive across reconnects.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/ggoodman/subscription-transport-go/client"
	"github.com/ggoodman/subscription-transport-go/transport"
)

type config struct {
	URL     string `env:"SUBS_URL,default=ws://localhost:8080/subscriptions"`
	Token   string `env:"SUBS_TOKEN"`
	Verbose bool   `env:"SUBS_VERBOSE,default=false"`
}

func main() {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		fmt.Fprintln(os.Stderr, "decode env:", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:          "subclient",
		Short:        "Interactive subscription client",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	rootCmd.Flags().StringVar(&cfg.URL, "url", cfg.URL, "Websocket endpoint")
	rootCmd.Flags().StringVar(&cfg.Token, "token", cfg.Token, "Bearer token")
	rootCmd.Flags().BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Log transport events")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "subs> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(rl.Stderr(), &slog.HandlerOptions{Level: level}))

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	tc := transport.NewClient(transport.WebsocketDialer{URL: cfg.URL, Header: header}, transport.WithLogger(log))
	defer tc.Close()

	mux := client.New(tc, client.WithLogger(log))
	defer mux.Close()

	sh := newShell(mux, rl.Stdout())
	sh.help()

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil
		}
		if sh.exec(ctx, line) {
			return nil
		}
	}
}
