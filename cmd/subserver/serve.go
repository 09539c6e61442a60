package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ggoodman/subscription-transport-go/execution"
	"github.com/ggoodman/subscription-transport-go/identity"
	"github.com/ggoodman/subscription-transport-go/identity/jwtauth"
	"github.com/ggoodman/subscription-transport-go/identity/redisusers"
	"github.com/ggoodman/subscription-transport-go/policy"
	"github.com/ggoodman/subscription-transport-go/pubsub"
	"github.com/ggoodman/subscription-transport-go/pubsub/memory"
	redisbus "github.com/ggoodman/subscription-transport-go/pubsub/redis"
	"github.com/ggoodman/subscription-transport-go/server"
	"github.com/ggoodman/subscription-transport-go/wshandler"
)

func newServeCmd(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket subscription endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	cmd.Flags().StringVar(&cfg.Path, "path", cfg.Path, "Websocket endpoint path")
	cmd.Flags().StringVar(&cfg.Issuer, "issuer", cfg.Issuer, "Token issuer; enables bearer authentication")
	cmd.Flags().StringVar(&cfg.JWKSURI, "jwks-uri", cfg.JWKSURI, "JWKS URI; OIDC discovery is used when empty")
	cmd.Flags().StringVar(&cfg.Audience, "audience", cfg.Audience, "Expected token audience")
	cmd.Flags().StringVar(&cfg.PolicyFile, "policy", cfg.PolicyFile, "YAML allowlist file, reloaded on change")
	return cmd
}

func runServe(ctx context.Context, cfg config) error {
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	var (
		bus    pubsub.PubSub
		lookup identity.Lookup
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		users, err := redisusers.New(ctx, redisusers.Config{Client: rdb})
		if err != nil {
			return err
		}
		lookup = users
		bus = redisbus.New(redisbus.Config{Client: rdb, KeyPrefix: cfg.TopicKey})
		log.Info("subserver.bus", slog.String("kind", "redis"), slog.String("addr", cfg.RedisAddr))
	} else {
		mem := memory.New()
		defer mem.Close()
		bus = mem
		log.Info("subserver.bus", slog.String("kind", "memory"))
	}

	opts := []server.Option{server.WithLogger(log)}
	if lookup != nil {
		opts = append(opts, server.WithIdentityLookup(lookup))
	}
	if cfg.PolicyFile != "" {
		allow, err := policy.Load(cfg.PolicyFile, log)
		if err != nil {
			return err
		}
		go func() {
			if err := allow.Watch(ctx); err != nil {
				log.Warn("subserver.policy.watch_fail", slog.String("err", err.Error()))
			}
		}()
		opts = append(opts, server.WithOnSubscribe(allow.OnSubscribe))
	}

	coord, err := server.NewCoordinator(execution.New(bus, execution.WithLogger(log)), opts...)
	if err != nil {
		return err
	}

	wsOpts := []wshandler.Option{wshandler.WithLogger(log)}
	if cfg.Issuer != "" {
		auth, err := newAuthenticator(ctx, cfg)
		if err != nil {
			return err
		}
		wsOpts = append(wsOpts, wshandler.WithAuthenticator(auth))
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, wshandler.New(server.NewHandler(coord), wsOpts...))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// Upgraded connections end with the process context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("subserver.listen", slog.String("addr", cfg.Addr), slog.String("path", cfg.Path))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("subserver.stopped")
	return nil
}

func newAuthenticator(ctx context.Context, cfg config) (*jwtauth.Authenticator, error) {
	ac := jwtauth.DefaultConfig()
	ac.Issuer = cfg.Issuer
	if cfg.Audience != "" {
		ac.ExpectedAudiences = []string{cfg.Audience}
	}
	if cfg.JWKSURI != "" {
		return jwtauth.NewStatic(ctx, ac, cfg.JWKSURI)
	}
	return jwtauth.NewFromDiscovery(ctx, ac)
}
