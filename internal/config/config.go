// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nbd-wtf/go-nostr/nip19"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	DatabaseURL string
	Store       string
	RedisURL    string
	RelayURLs   []string
	BotSecret   string
	Port        string

	MetricsUser string
	MetricsPass string

	GracePeriod      time.Duration
	ReminderInterval time.Duration
	EnforceInterval  time.Duration

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	ClosingGrace       time.Duration

	PublishRate      float64
	PublishBurst     int
	ProcessorWorkers int
	CommandRate      int
	CatchUpLimit     int

	LogLevel  string
	LogFormat string
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Store:              "postgres",
		Port:               "3333",
		GracePeriod:        time.Hour,
		ReminderInterval:   5 * time.Minute,
		EnforceInterval:    time.Minute,
		ReconnectBaseDelay: 5 * time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		ClosingGrace:       100 * time.Millisecond,
		PublishRate:        2,
		PublishBurst:       5,
		ProcessorWorkers:   8,
		CommandRate:        6,
		LogLevel:           "info",
	}
}

// Load reads .env (if present) and overlays environment variables onto the
// defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	cfg := Default()
	FromEnv(&cfg)
	return cfg
}

// FromEnv overlays environment variables onto cfg. Malformed values keep the
// current value.
func FromEnv(cfg *Config) {
	cfg.DatabaseURL = stringEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.Store = strings.ToLower(stringEnv("STORE", cfg.Store))
	cfg.RedisURL = stringEnv("REDIS_URL", cfg.RedisURL)
	if v := os.Getenv("RELAY_URLS"); v != "" {
		cfg.RelayURLs = nil
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.RelayURLs = append(cfg.RelayURLs, p)
			}
		}
	}
	cfg.BotSecret = stringEnv("BOT_SECRET_KEY", cfg.BotSecret)
	cfg.Port = stringEnv("PORT", cfg.Port)
	cfg.MetricsUser = stringEnv("METRICS_USER", cfg.MetricsUser)
	cfg.MetricsPass = stringEnv("METRICS_PASS", cfg.MetricsPass)

	cfg.GracePeriod = durationEnv("GRACE_PERIOD", cfg.GracePeriod)
	cfg.ReminderInterval = durationEnv("REMINDER_INTERVAL", cfg.ReminderInterval)
	cfg.EnforceInterval = durationEnv("ENFORCE_INTERVAL", cfg.EnforceInterval)
	cfg.ReconnectBaseDelay = durationEnv("RECONNECT_BASE_DELAY", cfg.ReconnectBaseDelay)
	cfg.ReconnectMaxDelay = durationEnv("RECONNECT_MAX_DELAY", cfg.ReconnectMaxDelay)
	cfg.ClosingGrace = durationEnv("CLOSING_GRACE", cfg.ClosingGrace)

	if v := os.Getenv("PUBLISH_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.PublishRate = f
		} else {
			log.Warnf("ignoring invalid PUBLISH_RATE %q", v)
		}
	}
	cfg.PublishBurst = intEnv("PUBLISH_BURST", cfg.PublishBurst)
	cfg.ProcessorWorkers = intEnv("PROCESSOR_WORKERS", cfg.ProcessorWorkers)
	cfg.CommandRate = intEnv("COMMAND_RATE", cfg.CommandRate)
	cfg.CatchUpLimit = intEnv("CATCHUP_LIMIT", cfg.CatchUpLimit)

	cfg.LogLevel = stringEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = stringEnv("LOG_FORMAT", cfg.LogFormat)
}

// Validate reports the first missing or malformed required setting.
func (c Config) Validate() error {
	switch c.Store {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL environment variable is not set")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}
	if len(c.RelayURLs) == 0 {
		return errors.New("RELAY_URLS environment variable is not set")
	}
	if _, err := c.SecretKeyHex(); err != nil {
		return err
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return errors.New("RECONNECT_MAX_DELAY must not be smaller than RECONNECT_BASE_DELAY")
	}
	return nil
}

// SecretKeyHex returns the bot secret key as hex, decoding nsec if needed.
func (c Config) SecretKeyHex() (string, error) {
	if c.BotSecret == "" {
		return "", errors.New("BOT_SECRET_KEY environment variable is not set")
	}
	if strings.HasPrefix(c.BotSecret, "nsec") {
		prefix, value, err := nip19.Decode(c.BotSecret)
		if err != nil {
			return "", fmt.Errorf("failed to decode BOT_SECRET_KEY: %w", err)
		}
		sk, ok := value.(string)
		if prefix != "nsec" || !ok {
			return "", errors.New("BOT_SECRET_KEY is not an nsec")
		}
		return sk, nil
	}
	if b, err := hex.DecodeString(c.BotSecret); err != nil || len(b) != 32 {
		return "", errors.New("BOT_SECRET_KEY must be 64 hex characters or an nsec")
	}
	return strings.ToLower(c.BotSecret), nil
}

// ConfigureLogging applies LOG_LEVEL and LOG_FORMAT to the global logger.
func (c Config) ConfigureLogging() {
	if lvl, err := log.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	} else {
		log.Warnf("unknown LOG_LEVEL %q, using info", c.LogLevel)
		log.SetLevel(log.InfoLevel)
	}
	if c.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Warnf("ignoring invalid %s %q", key, v)
		return def
	}
	return d
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		log.Warnf("ignoring invalid %s %q", key, v)
		return def
	}
	return n
}
