// Package config holds the configuration surface of the zero-trust core.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Settings represents the main configuration.
type Settings struct {
	Server    ServerConfig    `toml:"server"`
	Tokens    TokenConfig     `toml:"tokens"`
	Sessions  SessionConfig   `toml:"sessions"`
	Trust     TrustConfig     `toml:"trust"`
	Events    EventsConfig    `toml:"events"`
	Backend   BackendConfig   `toml:"backend"`
	Logging   LoggingConfig   `toml:"logging"`
	Authority AuthorityConfig `toml:"authority"`
}

// ServerConfig contains the demo daemon's listen addresses.
type ServerConfig struct {
	Bind       string `toml:"bind"`
	HealthBind string `toml:"healthBind"`
	DataDir    string `toml:"dataDir"`
}

// TokenConfig contains access-token lifecycle configuration.
type TokenConfig struct {
	TTL    time.Duration `toml:"ttl"`
	Issuer string        `toml:"issuer"`
}

// SessionConfig contains session and lockout configuration.
type SessionConfig struct {
	Timeout           time.Duration `toml:"timeout"`
	MaxFailedAttempts int           `toml:"maxFailedAttempts"`
	LockoutDuration   time.Duration `toml:"lockoutDuration"`
	SweepInterval     time.Duration `toml:"sweepInterval"`
	IdPTimeout        time.Duration `toml:"idpTimeout"`
}

// TrustConfig contains trust-evaluation weights and the re-verification
// sweep interval. Weights must sum to 1.0.
type TrustConfig struct {
	Weights              map[string]float64 `toml:"weights"`
	ReverifyInterval     time.Duration      `toml:"reverifyInterval"`
	VerificationInterval time.Duration      `toml:"verificationInterval"`
	GeoIPDatabasePath    string             `toml:"geoipDatabasePath"`
}

// EventsConfig contains audit-event retention and alerting configuration.
type EventsConfig struct {
	RetentionDays   int            `toml:"retentionDays"`
	SweepInterval   time.Duration  `toml:"sweepInterval"`
	RingSize        int            `toml:"ringSize"`
	AlertThresholds map[string]int `toml:"alertThresholds"`
}

// BackendConfig selects the shared-state backend for rolling counters and
// token revocation.
type BackendConfig struct {
	Type  string      `toml:"type"` // memory, redis
	Redis RedisConfig `toml:"redis"`
}

// RedisConfig represents Redis backend configuration.
type RedisConfig struct {
	Addr         string        `toml:"addr"`
	Password     string        `toml:"password"`
	DB           int           `toml:"db"`
	PoolSize     int           `toml:"poolSize"`
	DialTimeout  time.Duration `toml:"dialTimeout"`
	ReadTimeout  time.Duration `toml:"readTimeout"`
	WriteTimeout time.Duration `toml:"writeTimeout"`
	KeyPrefix    string        `toml:"keyPrefix"`
}

// LoggingConfig contains operational logging configuration.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AuthorityConfig contains certificate-authority configuration.
type AuthorityConfig struct {
	CommonName   string        `toml:"commonName"`
	KeyBits      int           `toml:"keyBits"`
	RootValidity time.Duration `toml:"rootValidity"`
	LeafValidity time.Duration `toml:"leafValidity"`
}

// Factor names recognized in TrustConfig.Weights.
const (
	WeightCertificate = "certificate"
	WeightRecency     = "recency"
	WeightBehavior    = "behavior"
	WeightLocation    = "location"
	WeightTimeOfDay   = "time_of_day"
	WeightDevice      = "device"
)

// DefaultSettings returns the default configuration.
func DefaultSettings() *Settings {
	return &Settings{
		Server: ServerConfig{
			Bind:       ":8470",
			HealthBind: ":8471",
			DataDir:    "./data",
		},
		Tokens: TokenConfig{
			TTL:    time.Hour,
			Issuer: "zerotrust-core",
		},
		Sessions: SessionConfig{
			Timeout:           30 * time.Minute,
			MaxFailedAttempts: 3,
			LockoutDuration:   15 * time.Minute,
			SweepInterval:     time.Minute,
			IdPTimeout:        5 * time.Second,
		},
		Trust: TrustConfig{
			Weights: map[string]float64{
				WeightCertificate: 0.30,
				WeightRecency:     0.20,
				WeightBehavior:    0.20,
				WeightLocation:    0.10,
				WeightTimeOfDay:   0.10,
				WeightDevice:      0.10,
			},
			ReverifyInterval:     5 * time.Minute,
			VerificationInterval: time.Hour,
		},
		Events: EventsConfig{
			RetentionDays: 365,
			SweepInterval: time.Hour,
			RingSize:      1024,
			AlertThresholds: map[string]int{
				"AUTHENTICATION":            5,
				"ACCESS_DENIED":             10,
				"INPUT_VALIDATION_FAILURE":  10,
				"SUSPICIOUS_ACTIVITY":       3,
				"COMMAND_INJECTION_ATTEMPT": 1,
				"PRIVILEGE_ESCALATION":      1,
				"SYSTEM_COMPROMISE":         1,
			},
		},
		Backend: BackendConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				PoolSize:     10,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				KeyPrefix:    "zerotrust:",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Authority: AuthorityConfig{
			CommonName:   "zerotrust-core-root",
			KeyBits:      2048,
			RootValidity: 10 * 365 * 24 * time.Hour,
			LeafValidity: 365 * 24 * time.Hour,
		},
	}
}

// LoadConfig loads configuration from a TOML file, applying defaults for
// missing keys.
func LoadConfig(path string) (*Settings, error) {
	settings := DefaultSettings()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not accessible: %w", err)
		}
		if _, err := toml.DecodeFile(path, settings); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate checks cross-field constraints.
func (s *Settings) Validate() error {
	var sum float64
	for name, w := range s.Trust.Weights {
		if w < 0 {
			return fmt.Errorf("trust weight %q is negative", name)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("trust weights must sum to 1.0, got %.4f", sum)
	}
	if s.Sessions.MaxFailedAttempts < 1 {
		return fmt.Errorf("maxFailedAttempts must be at least 1")
	}
	if s.Events.RetentionDays < 1 {
		return fmt.Errorf("retentionDays must be at least 1")
	}
	switch s.Backend.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown backend type: %s", s.Backend.Type)
	}
	return nil
}

// RetentionWindow returns the event retention window as a duration.
func (c EventsConfig) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
