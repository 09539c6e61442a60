package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ggoodman/subscription-transport-go/execution"
	"github.com/ggoodman/subscription-transport-go/protocol"
	redisbus "github.com/ggoodman/subscription-transport-go/pubsub/redis"
)

func newPublishCmd(cfg *config) *cobra.Command {
	var asError bool

	cmd := &cobra.Command{
		Use:   "publish <topic> <json | message>",
		Short: "Publish a result to every subscription on a topic",
		Long: "Publish a result through Redis to the servers sharing it. The second argument is the\n" +
			"JSON data of the result, or the error message when --error is set.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.RedisAddr == "" {
				return errors.New("publish requires --redis-addr or REDIS_ADDR")
			}
			topic, body := args[0], args[1]

			rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			bus := redisbus.New(redisbus.Config{Client: rdb, KeyPrefix: cfg.TopicKey})
			defer bus.Close()

			ctx := cmd.Context()
			if asError {
				return execution.PublishErrors(ctx, bus, topic, protocol.Error{Message: body})
			}
			if !json.Valid([]byte(body)) {
				return fmt.Errorf("result data is not valid JSON: %s", body)
			}
			return execution.Publish(ctx, bus, topic, json.RawMessage(body))
		},
	}

	cmd.Flags().BoolVar(&asError, "error", false, "Publish the argument as an error message")
	return cmd
}
