package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Listen      string        `yaml:"listen"`
	DBPath      string        `yaml:"db_path"`
	AdminAPIKey string        `yaml:"admin_api_key"`
	Token       TokenConfig   `yaml:"token"`
	Sweep       SweepConfig   `yaml:"sweep"`
	RateLimit   RateConfig    `yaml:"rate_limit"`
	Logging     LoggingConfig `yaml:"logging"`
	Tracing     TracingConfig `yaml:"tracing"`
}

type TokenConfig struct {
	// Length in hex characters of issued push tokens.
	Length int `yaml:"length"`
	// ExpirationDays is the absolute token lifetime from issuance.
	ExpirationDays int `yaml:"expiration_days"`
}

type SweepConfig struct {
	// Interval between maintenance sweeps expiring stale commands.
	IntervalS int `yaml:"interval_s"`
}

type RateConfig struct {
	// RegisterPerMinute caps /register calls per device identity.
	RegisterPerMinute int `yaml:"register_per_minute"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	// LogSpans mirrors completed spans into the process log.
	LogSpans bool `yaml:"log_spans"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		Listen: ":8080",
		DBPath: "warden.db",
		Token: TokenConfig{
			Length:         64,
			ExpirationDays: 365,
		},
		Sweep: SweepConfig{
			IntervalS: 300,
		},
		RateLimit: RateConfig{
			RegisterPerMinute: 10,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
		Tracing: TracingConfig{
			Endpoint:    "",
			Insecure:    false,
			SampleRatio: 1,
		},
	}
}

// Load reads config from file with env var overrides
func Load(path string) (*ServerConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if listen := os.Getenv("WARDEN_LISTEN"); listen != "" {
		cfg.Listen = listen
	}
	if db := os.Getenv("WARDEN_DB_PATH"); db != "" {
		cfg.DBPath = db
	}
	if key := os.Getenv("WARDEN_ADMIN_API_KEY"); key != "" {
		cfg.AdminAPIKey = key
	}
	if level := os.Getenv("WARDEN_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return ErrMissingListen
	}
	if c.AdminAPIKey == "" {
		return ErrMissingAdminKey
	}
	if c.Token.Length <= 0 || c.Token.Length%2 != 0 {
		c.Token.Length = 64
	}
	if c.Token.ExpirationDays <= 0 {
		c.Token.ExpirationDays = 365
	}
	if c.Sweep.IntervalS < 10 {
		c.Sweep.IntervalS = 300
	}
	if c.RateLimit.RegisterPerMinute < 0 {
		c.RateLimit.RegisterPerMinute = 0
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

// TokenTTL returns the configured expiration window as a duration.
func (c *ServerConfig) TokenTTL() time.Duration {
	return time.Duration(c.Token.ExpirationDays) * 24 * time.Hour
}

// SweepInterval returns the maintenance sweep cadence as a duration.
func (c *ServerConfig) SweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalS) * time.Second
}

var (
	ErrMissingListen   = &Error{"listen address is required"}
	ErrMissingAdminKey = &Error{"admin API key is required"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
