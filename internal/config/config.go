package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for relaybot.
type Config struct {
	General    GeneralConfig    `json:"general" yaml:"general"`
	Dispatch   DispatchConfig   `json:"dispatch" yaml:"dispatch"`
	DeadLetter DeadLetterConfig `json:"deadLetter" yaml:"deadLetter"`
	RateLimit  RateLimitConfig  `json:"rateLimit" yaml:"rateLimit"`
	Breaker    BreakerConfig    `json:"breaker" yaml:"breaker"`
	Dedupe     DedupeConfig     `json:"dedupe" yaml:"dedupe"`
	Channels   ChannelsConfig   `json:"channels" yaml:"channels"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
}

// DispatchConfig tunes the retry pipeline. All durations are milliseconds.
type DispatchConfig struct {
	InlineRetries    int `json:"inlineRetries" yaml:"inlineRetries"`
	RetryMax         int `json:"retryMax" yaml:"retryMax"`
	RetryBaseMs      int `json:"retryBaseMs" yaml:"retryBaseMs"`
	RetryMaxMs       int `json:"retryMaxMs" yaml:"retryMaxMs"`
	RetryJitterMs    int `json:"retryJitterMs" yaml:"retryJitterMs"`
	ConsumeTimeoutMs int `json:"consumeTimeoutMs,omitempty" yaml:"consumeTimeoutMs,omitempty"`
}

type DeadLetterConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

type RateLimitConfig struct {
	Capacity         int `json:"capacity" yaml:"capacity"`
	RefillRate       int `json:"refillRate" yaml:"refillRate"`
	RefillIntervalMs int `json:"refillIntervalMs" yaml:"refillIntervalMs"`
}

type BreakerConfig struct {
	Enabled          bool `json:"enabled" yaml:"enabled"`
	FailureThreshold int  `json:"failureThreshold" yaml:"failureThreshold"`
	ResetTimeoutMs   int  `json:"resetTimeoutMs" yaml:"resetTimeoutMs"`
	HalfOpenMax      int  `json:"halfOpenMax" yaml:"halfOpenMax"`
}

type DedupeConfig struct {
	TTLMs   int `json:"ttlMs" yaml:"ttlMs"`
	MaxSize int `json:"maxSize" yaml:"maxSize"`
}

type ChannelsConfig struct {
	Telegram  TelegramConfig  `json:"telegram" yaml:"telegram"`
	Discord   DiscordConfig   `json:"discord,omitempty" yaml:"discord,omitempty"`
	Slack     SlackConfig     `json:"slack,omitempty" yaml:"slack,omitempty"`
	WebSocket WebSocketConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
	Webhook   WebhookConfig   `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Token     string `json:"token" yaml:"token"`
	ParseMode string `json:"parseMode" yaml:"parseMode"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"botToken" yaml:"botToken"`
}

type WebSocketConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

type WebhookConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	URL       string `json:"url" yaml:"url"`
	Secret    string `json:"secret,omitempty" yaml:"secret,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config from path. Both JSON and YAML are accepted, chosen
// by file extension; ${VAR} and ${VAR:-default} references are expanded from
// the environment before parsing.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.DeadLetter.Path = ExpandPath(cfg.DeadLetter.Path)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes the config as indented JSON.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Dispatch.InlineRetries < 0 || cfg.Dispatch.InlineRetries > 10 {
		errs = append(errs, "dispatch.inlineRetries must be between 0 and 10")
	}
	if cfg.Dispatch.RetryMax < 0 || cfg.Dispatch.RetryMax > 100 {
		errs = append(errs, "dispatch.retryMax must be between 0 and 100")
	}
	if cfg.Dispatch.RetryBaseMs < 1 {
		errs = append(errs, "dispatch.retryBaseMs must be >= 1")
	}
	if cfg.Dispatch.RetryMaxMs < cfg.Dispatch.RetryBaseMs {
		errs = append(errs, "dispatch.retryMaxMs must be >= dispatch.retryBaseMs")
	}
	if cfg.Dispatch.RetryJitterMs < 0 {
		errs = append(errs, "dispatch.retryJitterMs must be >= 0")
	}

	if cfg.RateLimit.Capacity < 1 {
		errs = append(errs, "rateLimit.capacity must be >= 1")
	}
	if cfg.RateLimit.RefillRate < 1 {
		errs = append(errs, "rateLimit.refillRate must be >= 1")
	}
	if cfg.RateLimit.RefillIntervalMs < 1 {
		errs = append(errs, "rateLimit.refillIntervalMs must be >= 1")
	}

	if cfg.Breaker.FailureThreshold < 1 {
		errs = append(errs, "breaker.failureThreshold must be >= 1")
	}
	if cfg.Breaker.ResetTimeoutMs < 1 {
		errs = append(errs, "breaker.resetTimeoutMs must be >= 1")
	}
	if cfg.Breaker.HalfOpenMax < 1 {
		errs = append(errs, "breaker.halfOpenMax must be >= 1")
	}

	if cfg.Dedupe.TTLMs < 1 {
		errs = append(errs, "dedupe.ttlMs must be >= 1")
	}
	if cfg.Dedupe.MaxSize < 1 {
		errs = append(errs, "dedupe.maxSize must be >= 1")
	}

	if cfg.DeadLetter.Enabled && cfg.DeadLetter.Path == "" {
		errs = append(errs, "deadLetter.path is required when deadLetter.enabled")
	}

	if cfg.Channels.WebSocket.Enabled &&
		(cfg.Channels.WebSocket.Port < 1 || cfg.Channels.WebSocket.Port > 65535) {
		errs = append(errs, "channels.websocket.port must be between 1 and 65535")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token is required when enabled")
	}
	if cfg.Channels.Slack.Enabled && cfg.Channels.Slack.BotToken == "" {
		errs = append(errs, "channels.slack.botToken is required when enabled")
	}
	if cfg.Channels.Webhook.Enabled && cfg.Channels.Webhook.URL == "" {
		errs = append(errs, "channels.webhook.url is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
