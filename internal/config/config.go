// Package config provides centralized configuration management for Lantern.
// Configuration is loaded from environment variables with sensible defaults.
// Required configuration that is missing will cause the application to fail
// fast with helpful error messages.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Port   int
	DBType string
	DB     string
	NodeID int64

	// Secret keys, read-only after load. Changing either requires a
	// graceful restart.
	BotTokenKey []byte // HMAC key for bot tokens
	MfaKey      []byte // 32-byte master key for MFA record encryption
	AssetKey    []byte // 16-byte key for encrypted asset ids

	// Gateway configuration
	HelloInterval    time.Duration
	IdentifyGrace    time.Duration
	OutboundQueue    int
	CompressionLevel int

	// Session configuration
	SessionDuration    time.Duration
	CacheSweepInterval time.Duration
	EventPollInterval  time.Duration
	TypingThrottle     time.Duration
	InboundRateLimit   float64
	InboundRateBurst   int

	// Redis, optional; enables the distributed MFA lock.
	RedisAddr string
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values.
const (
	DefaultPort             = 8080
	DefaultDBType           = "sqlite"
	DefaultDBPath           = "lantern.db"
	DefaultHelloInterval    = 45 * time.Second
	DefaultIdentifyGrace    = 25 * time.Second
	DefaultOutboundQueue    = 64
	DefaultCompressionLevel = 7
	DefaultSessionDuration  = 90 * 24 * time.Hour
	DefaultCacheSweep       = 5 * time.Minute
	DefaultEventPoll        = 100 * time.Millisecond
	DefaultTypingThrottle   = 4 * time.Second
	DefaultInboundRate      = 20.0
	DefaultInboundBurst     = 40
)

// Hard-coded constants the core observes. These are part of the protocol
// and cryptographic contracts, not tunables.
const (
	// Argon2id password hashing parameters.
	Argon2Memory  = 8 * 1024 // KiB
	Argon2Time    = 3
	Argon2Lanes   = 1
	Argon2HashLen = 24

	// TOTP step size.
	TOTPStep = 30 * time.Second
)

// Load reads configuration from environment variables and returns a Config.
// It applies defaults for optional values and validates the configuration.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               DefaultPort,
		DBType:             DefaultDBType,
		DB:                 DefaultDBPath,
		HelloInterval:      DefaultHelloInterval,
		IdentifyGrace:      DefaultIdentifyGrace,
		OutboundQueue:      DefaultOutboundQueue,
		CompressionLevel:   DefaultCompressionLevel,
		SessionDuration:    DefaultSessionDuration,
		CacheSweepInterval: DefaultCacheSweep,
		EventPollInterval:  DefaultEventPoll,
		TypingThrottle:     DefaultTypingThrottle,
		InboundRateLimit:   DefaultInboundRate,
		InboundRateBurst:   DefaultInboundBurst,
	}

	var errs ValidationErrors

	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			errs = append(errs, ValidationError{"PORT", fmt.Sprintf("invalid port %q", v)})
		} else {
			cfg.Port = p
		}
	}

	if v := os.Getenv("DB_TYPE"); v != "" {
		if v != "sqlite" && v != "postgres" {
			errs = append(errs, ValidationError{"DB_TYPE", fmt.Sprintf("must be sqlite or postgres, got %q", v)})
		} else {
			cfg.DBType = v
		}
	}
	if v := os.Getenv("DB"); v != "" {
		cfg.DB = v
	}

	if v := os.Getenv("NODE_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 || n > 1023 {
			errs = append(errs, ValidationError{"NODE_ID", "must be an integer in [0, 1023]"})
		} else {
			cfg.NodeID = n
		}
	}

	cfg.BotTokenKey = loadHexKey("BOT_TOKEN_KEY", 16, &errs)
	cfg.MfaKey = loadHexKey("MFA_KEY", 32, &errs)
	cfg.AssetKey = loadHexKey("ASSET_KEY", 16, &errs)

	loadDuration("HELLO_INTERVAL", &cfg.HelloInterval, &errs)
	loadDuration("IDENTIFY_GRACE", &cfg.IdentifyGrace, &errs)
	loadDuration("SESSION_DURATION", &cfg.SessionDuration, &errs)
	loadDuration("CACHE_SWEEP_INTERVAL", &cfg.CacheSweepInterval, &errs)
	loadDuration("EVENT_POLL_INTERVAL", &cfg.EventPollInterval, &errs)
	loadDuration("TYPING_THROTTLE", &cfg.TypingThrottle, &errs)

	if v := os.Getenv("COMPRESSION_LEVEL"); v != "" {
		lvl, err := strconv.Atoi(v)
		if err != nil || lvl < 0 || lvl > 9 {
			errs = append(errs, ValidationError{"COMPRESSION_LEVEL", "must be an integer in [0, 9]"})
		} else {
			cfg.CompressionLevel = lvl
		}
	}

	if v := os.Getenv("OUTBOUND_QUEUE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs = append(errs, ValidationError{"OUTBOUND_QUEUE", "must be a positive integer"})
		} else {
			cfg.OutboundQueue = n
		}
	}

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")

	if len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}

// LoadWithFlags loads configuration and applies command-line overrides.
func LoadWithFlags(port int, dbPath string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if port != 0 {
		cfg.Port = port
	}
	if dbPath != "" {
		cfg.DB = dbPath
	}
	return cfg, nil
}

func loadHexKey(name string, size int, errs *ValidationErrors) []byte {
	v := os.Getenv(name)
	if v == "" {
		*errs = append(*errs, ValidationError{name, fmt.Sprintf("required: %d hex-encoded bytes", size)})
		return nil
	}
	key, err := hex.DecodeString(v)
	if err != nil {
		*errs = append(*errs, ValidationError{name, "must be hex encoded"})
		return nil
	}
	if len(key) != size {
		*errs = append(*errs, ValidationError{name, fmt.Sprintf("must decode to %d bytes, got %d", size, len(key))})
		return nil
	}
	return key
}

func loadDuration(name string, dst *time.Duration, errs *ValidationErrors) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*errs = append(*errs, ValidationError{name, fmt.Sprintf("invalid duration %q", v)})
		return
	}
	*dst = d
}
