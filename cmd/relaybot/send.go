package main

import (
	"context"
	"fmt"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/dispatch"
	"relaybot/internal/domain"
	"relaybot/internal/ratelimit"

	"github.com/spf13/cobra"
)

// sendCmd is a one-shot producer: it builds the delivery stack, sends a
// single message synchronously, and exits. Useful for verifying channel
// credentials without running the daemon.
func sendCmd() *cobra.Command {
	var (
		provider string
		chatID   string
		text     string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a single message through the dispatch pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger = setupLogger(cfg)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			registry := buildRegistry(cfg, logger)
			ch, ok := registry.Get(provider)
			if !ok {
				return fmt.Errorf("channel %q is not enabled in config", provider)
			}
			if err := ch.Start(ctx); err != nil {
				return fmt.Errorf("start %s channel: %w", provider, err)
			}
			defer ch.Stop()

			messageBus := bus.New(logger)
			defer messageBus.Close()

			limiter := ratelimit.New(rateLimitConfig(cfg))
			dispatcher := dispatch.New(dispatchOptions(cfg), registry, nil, messageBus, limiter, logger)

			msg := domain.NewMessage(provider, chatID, text)
			res := dispatcher.Send(ctx, provider, msg)
			if !res.OK {
				return fmt.Errorf("send failed: %s", res.Error)
			}

			fmt.Printf("delivered: %s\n", res.MessageID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&provider, "provider", "p", "telegram", "delivery channel")
	cmd.Flags().StringVar(&chatID, "chat", "", "destination chat ID")
	cmd.Flags().StringVarP(&text, "text", "t", "", "message text")
	cmd.MarkFlagRequired("chat")
	cmd.MarkFlagRequired("text")

	return cmd
}
