package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaybot/internal/breaker"
	"relaybot/internal/bus"
	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/deadletter"
	"relaybot/internal/dispatch"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/ratelimit"

	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the dispatch daemon",
		RunE:  runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger = setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(logger)
	defer messageBus.Close()

	dlqStore, err := newDeadLetterStore(cfg, logger)
	if err != nil {
		return err
	}
	defer dlqStore.Close()

	registry := buildRegistry(cfg, logger)
	registry.StartAll(ctx)
	defer registry.StopAll()

	events := bus.NewEventBus(logger)
	events.On("*", func(e bus.Event) {
		logger.Debug("delivery event", "type", e.Type, "payload", e.Payload)
	})

	limiter := ratelimit.New(rateLimitConfig(cfg))
	opts := dispatchOptions(cfg)
	opts.Events = events
	dispatcher := dispatch.New(opts, registry, dlqStore, messageBus, limiter, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Listen, logger)
	}

	logger.Info("relaybot daemon running",
		"version", version,
		"channels", registry.Names(),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func newDeadLetterStore(cfg *config.Config, logger *slog.Logger) (domain.DeadLetterStore, error) {
	if !cfg.DeadLetter.Enabled {
		return deadletter.NopStore{}, nil
	}
	return deadletter.NewSQLiteStore(cfg.DeadLetter.Path, logger)
}

func buildRegistry(cfg *config.Config, logger *slog.Logger) *channel.Registry {
	registry := channel.NewRegistry(logger)

	if cfg.Channels.Telegram.Enabled {
		registry.Register(channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			ParseMode: cfg.Channels.Telegram.ParseMode,
			Logger:    logger,
		}))
	}
	if cfg.Channels.Discord.Enabled {
		registry.Register(channel.NewDiscord(channel.DiscordConfig{
			Token:  cfg.Channels.Discord.Token,
			Logger: logger,
		}))
	}
	if cfg.Channels.Slack.Enabled {
		registry.Register(channel.NewSlack(channel.SlackConfig{
			BotToken: cfg.Channels.Slack.BotToken,
			Logger:   logger,
		}))
	}
	if cfg.Channels.WebSocket.Enabled {
		registry.Register(channel.NewWebSocketChannel(channel.WSConfig{
			Port:   cfg.Channels.WebSocket.Port,
			Path:   cfg.Channels.WebSocket.Path,
			Logger: logger,
		}))
	}
	if cfg.Channels.Webhook.Enabled {
		registry.Register(channel.NewWebhook(channel.WebhookConfig{
			URL:     cfg.Channels.Webhook.URL,
			Secret:  cfg.Channels.Webhook.Secret,
			Timeout: time.Duration(cfg.Channels.Webhook.TimeoutMs) * time.Millisecond,
			Logger:  logger,
		}))
	}

	return registry
}

func dispatchOptions(cfg *config.Config) dispatch.Options {
	return dispatch.Options{
		InlineRetries:  cfg.Dispatch.InlineRetries,
		RetryMax:       cfg.Dispatch.RetryMax,
		RetryBase:      time.Duration(cfg.Dispatch.RetryBaseMs) * time.Millisecond,
		RetryMaxDelay:  time.Duration(cfg.Dispatch.RetryMaxMs) * time.Millisecond,
		RetryJitter:    time.Duration(cfg.Dispatch.RetryJitterMs) * time.Millisecond,
		DedupeTTL:      time.Duration(cfg.Dedupe.TTLMs) * time.Millisecond,
		DedupeMaxSize:  cfg.Dedupe.MaxSize,
		BreakerEnabled: cfg.Breaker.Enabled,
		Breaker: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeoutMs) * time.Millisecond,
			HalfOpenMax:      cfg.Breaker.HalfOpenMax,
		},
		ConsumeTimeout: time.Duration(cfg.Dispatch.ConsumeTimeoutMs) * time.Millisecond,
	}
}

func rateLimitConfig(cfg *config.Config) ratelimit.Config {
	return ratelimit.Config{
		Capacity:       cfg.RateLimit.Capacity,
		RefillRate:     cfg.RateLimit.RefillRate,
		RefillInterval: time.Duration(cfg.RateLimit.RefillIntervalMs) * time.Millisecond,
	}
}

func serveMetrics(listen string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metrics.Collector.Handler())

	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("metrics server starting", "listen", listen)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "err", err)
	}
}
