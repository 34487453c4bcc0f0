package main

import (
	"context"
	"fmt"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/deadletter"
	"relaybot/internal/dispatch"
	"relaybot/internal/domain"
	"relaybot/internal/ratelimit"

	"github.com/spf13/cobra"
)

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered messages",
	}
	cmd.AddCommand(dlqListCmd())
	cmd.AddCommand(dlqReplayCmd())
	return cmd
}

func dlqListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if !cfg.DeadLetter.Enabled {
				return fmt.Errorf("dead-lettering is disabled in config")
			}

			store, err := deadletter.NewSQLiteStore(cfg.DeadLetter.Path, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.List(context.Background(), limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("dead-letter queue is empty")
				return nil
			}

			for _, rec := range recs {
				content := rec.Content
				if len(content) > 60 {
					content = content[:60] + "…"
				}
				fmt.Printf("#%d  %s  %s/%s  retries=%d\n  error: %s\n  content: %s\n",
					rec.ID, rec.Timestamp.Format(time.RFC3339),
					rec.Provider, rec.ChatID, rec.RetryCount, rec.Error, content)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records to show")
	return cmd
}

func dlqReplayCmd() *cobra.Command {
	var id int64

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-send one dead letter through its channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger = setupLogger(cfg)
			if !cfg.DeadLetter.Enabled {
				return fmt.Errorf("dead-lettering is disabled in config")
			}

			store, err := deadletter.NewSQLiteStore(cfg.DeadLetter.Path, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			recs, err := store.List(ctx, 0)
			if err != nil {
				return err
			}
			var rec *domain.DeadLetterRecord
			for i := range recs {
				if recs[i].ID == id {
					rec = &recs[i]
					break
				}
			}
			if rec == nil {
				return fmt.Errorf("dead letter %d not found", id)
			}

			registry := buildRegistry(cfg, logger)
			ch, ok := registry.Get(rec.Provider)
			if !ok {
				return fmt.Errorf("channel %q is not enabled in config", rec.Provider)
			}
			if err := ch.Start(ctx); err != nil {
				return fmt.Errorf("start %s channel: %w", rec.Provider, err)
			}
			defer ch.Stop()

			messageBus := bus.New(logger)
			defer messageBus.Close()

			limiter := ratelimit.New(rateLimitConfig(cfg))
			dispatcher := dispatch.New(dispatchOptions(cfg), registry, nil, messageBus, limiter, logger)

			msg := &domain.Message{
				ID:        rec.MessageID,
				Provider:  rec.Provider,
				Channel:   rec.Provider,
				ChatID:    rec.ChatID,
				ThreadID:  rec.ThreadID,
				ReplyTo:   rec.ReplyTo,
				SenderID:  rec.SenderID,
				Content:   rec.Content,
				Metadata:  rec.Metadata,
				CreatedAt: time.Now(),
			}
			// A replay starts with a fresh retry budget.
			msg.SetMeta(domain.MetaRetryCount, "0")

			res := dispatcher.Send(ctx, rec.Provider, msg)
			if !res.OK {
				return fmt.Errorf("replay failed: %s", res.Error)
			}

			if err := store.MarkReplayed(ctx, rec.ID); err != nil {
				logger.Warn("delivered but could not mark replayed", "id", rec.ID, "err", err)
			}
			fmt.Printf("replayed #%d as %s\n", rec.ID, res.MessageID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&id, "id", 0, "dead letter ID to replay")
	cmd.MarkFlagRequired("id")
	return cmd
}
