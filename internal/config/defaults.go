package config

// Defaults returns the default configuration. Loaded config files overlay
// these values.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Dispatch: DispatchConfig{
			InlineRetries:    2,
			RetryMax:         3,
			RetryBaseMs:      700,
			RetryMaxMs:       25000,
			RetryJitterMs:    250,
			ConsumeTimeoutMs: 500,
		},
		DeadLetter: DeadLetterConfig{
			Enabled: true,
			Path:    "~/.relaybot/deadletter.db",
		},
		RateLimit: RateLimitConfig{
			Capacity:         10,
			RefillRate:       1,
			RefillIntervalMs: 1000,
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			ResetTimeoutMs:   30000,
			HalfOpenMax:      1,
		},
		Dedupe: DedupeConfig{
			TTLMs:   30000,
			MaxSize: 1024,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			Discord: DiscordConfig{
				Enabled: false,
			},
			Slack: SlackConfig{
				Enabled: false,
			},
			WebSocket: WebSocketConfig{
				Enabled: false,
				Port:    8081,
				Path:    "/ws",
			},
			Webhook: WebhookConfig{
				Enabled:   false,
				TimeoutMs: 15000,
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9090",
		},
	}
}
