// Command subserver serves GraphQL-style subscriptions over websocket
// connections. Results are read from a pubsub bus: in memory by default, or
// Redis when a Redis address is configured.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"
)

// config is decoded from the environment first; flags override it.
type config struct {
	Addr       string `env:"SUBS_ADDR,default=:8080"`
	Path       string `env:"SUBS_PATH,default=/subscriptions"`
	RedisAddr  string `env:"REDIS_ADDR"`
	TopicKey   string `env:"SUBS_TOPIC_PREFIX,default=subs:topic:"`
	Issuer     string `env:"SUBS_ISSUER"`
	JWKSURI    string `env:"SUBS_JWKS_URI"`
	Audience   string `env:"SUBS_AUDIENCE"`
	PolicyFile string `env:"SUBS_POLICY_FILE"`
	LogLevel   string `env:"SUBS_LOG_LEVEL,default=info"`
}

func loadConfig() (config, error) {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return config{}, fmt.Errorf("decode env: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func newRootCmd(cfg *config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "subserver",
		Short:        "Websocket subscription server",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address; enables the Redis bus and user records")
	rootCmd.PersistentFlags().StringVar(&cfg.TopicKey, "topic-prefix", cfg.TopicKey, "Redis channel prefix for topics")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(cfg))
	rootCmd.AddCommand(newSchemaCmd())
	rootCmd.AddCommand(newPublishCmd(cfg))
	return rootCmd
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&cfg).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
