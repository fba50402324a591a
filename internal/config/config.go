// Package config loads service settings from an optional YAML file and
// FIELDOPS_-prefixed environment variables, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix scopes every override variable.
const EnvPrefix = "FIELDOPS"

type Config struct {
	Version string `yaml:"version"`

	HTTP struct {
		Addr         string        `yaml:"addr"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"http"`

	GRPC struct {
		Addr string `yaml:"addr"`
	} `yaml:"grpc"`

	Store struct {
		Driver   string `yaml:"driver"` // memory | postgres | mongo
		Postgres struct {
			DSN         string `yaml:"dsn"`
			AutoMigrate bool   `yaml:"auto_migrate"`
		} `yaml:"postgres"`
		Mongo struct {
			URI      string `yaml:"uri"`
			Database string `yaml:"database"`
		} `yaml:"mongo"`
	} `yaml:"store"`

	Verifier struct {
		Mode    string        `yaml:"mode"` // http | simulated
		URL     string        `yaml:"url"`
		Token   string        `yaml:"token"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"verifier"`

	Upload struct {
		Mode    string `yaml:"mode"` // http | dir | none
		URL     string `yaml:"url"`
		Token   string `yaml:"token"`
		Dir     string `yaml:"dir"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"upload"`

	Geocoder struct {
		Enabled   bool          `yaml:"enabled"`
		URL       string        `yaml:"url"`
		UserAgent string        `yaml:"user_agent"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"geocoder"`

	Auth struct {
		Secret    string        `yaml:"secret"`
		DevTokens bool          `yaml:"dev_tokens"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	RateLimit struct {
		Burst     int     `yaml:"burst"`
		PerSecond float64 `yaml:"per_second"`
	} `yaml:"rate_limit"`

	Locale struct {
		Default string `yaml:"default"`
	} `yaml:"locale"`
}

// Default returns the development configuration: in-memory store, simulated
// verifier, local directory uploads.
func Default() *Config {
	cfg := &Config{Version: "dev"}
	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.ReadTimeout = 15 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.GRPC.Addr = ":9090"
	cfg.Store.Driver = "memory"
	cfg.Store.Mongo.Database = "fieldops"
	cfg.Verifier.Mode = "simulated"
	cfg.Verifier.Timeout = 10 * time.Second
	cfg.Upload.Mode = "dir"
	cfg.Upload.Dir = "data/captures"
	cfg.Upload.BaseURL = "/files"
	cfg.Geocoder.URL = "https://nominatim.openstreetmap.org"
	cfg.Geocoder.UserAgent = "fieldops-attendance/1.0"
	cfg.Geocoder.Timeout = 5 * time.Second
	cfg.Auth.TokenTTL = 12 * time.Hour
	cfg.RateLimit.Burst = 20
	cfg.RateLimit.PerSecond = 5
	cfg.Locale.Default = "en"
	return cfg
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} placeholders; unset variables become empty.
func expandEnv(content string) string {
	return placeholder.ReplaceAllStringFunc(content, func(m string) string {
		return os.Getenv(placeholder.FindStringSubmatch(m)[1])
	})
}

// Load reads path (when non-empty) over Default, then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv(NewLoader(EnvPrefix))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(l Loader) {
	c.Version = l.String("VERSION", c.Version)
	c.HTTP.Addr = l.String("HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.ReadTimeout = l.Duration("HTTP_READ_TIMEOUT", c.HTTP.ReadTimeout)
	c.HTTP.WriteTimeout = l.Duration("HTTP_WRITE_TIMEOUT", c.HTTP.WriteTimeout)
	c.GRPC.Addr = l.String("GRPC_ADDR", c.GRPC.Addr)

	c.Store.Driver = l.String("STORE_DRIVER", c.Store.Driver)
	c.Store.Postgres.DSN = l.String("PG_DSN", c.Store.Postgres.DSN)
	c.Store.Postgres.AutoMigrate = l.Bool("PG_AUTO_MIGRATE", c.Store.Postgres.AutoMigrate)
	c.Store.Mongo.URI = l.String("MONGO_URI", c.Store.Mongo.URI)
	c.Store.Mongo.Database = l.String("MONGO_DATABASE", c.Store.Mongo.Database)

	c.Verifier.Mode = l.String("VERIFIER_MODE", c.Verifier.Mode)
	c.Verifier.URL = l.String("VERIFIER_URL", c.Verifier.URL)
	c.Verifier.Token = l.String("VERIFIER_TOKEN", c.Verifier.Token)
	c.Verifier.Timeout = l.Duration("VERIFIER_TIMEOUT", c.Verifier.Timeout)

	c.Upload.Mode = l.String("UPLOAD_MODE", c.Upload.Mode)
	c.Upload.URL = l.String("UPLOAD_URL", c.Upload.URL)
	c.Upload.Token = l.String("UPLOAD_TOKEN", c.Upload.Token)
	c.Upload.Dir = l.String("UPLOAD_DIR", c.Upload.Dir)
	c.Upload.BaseURL = l.String("UPLOAD_BASE_URL", c.Upload.BaseURL)

	c.Geocoder.Enabled = l.Bool("GEOCODER_ENABLED", c.Geocoder.Enabled)
	c.Geocoder.URL = l.String("GEOCODER_URL", c.Geocoder.URL)
	c.Geocoder.UserAgent = l.String("GEOCODER_USER_AGENT", c.Geocoder.UserAgent)
	c.Geocoder.Timeout = l.Duration("GEOCODER_TIMEOUT", c.Geocoder.Timeout)

	c.Auth.Secret = l.String("AUTH_SECRET", c.Auth.Secret)
	c.Auth.DevTokens = l.Bool("AUTH_DEV_TOKENS", c.Auth.DevTokens)
	c.Auth.TokenTTL = l.Duration("AUTH_TOKEN_TTL", c.Auth.TokenTTL)

	c.RateLimit.Burst = l.Int("RATE_LIMIT_BURST", c.RateLimit.Burst)
	c.RateLimit.PerSecond = l.Float("RATE_LIMIT_PER_SECOND", c.RateLimit.PerSecond)

	c.Locale.Default = l.String("DEFAULT_LOCALE", c.Locale.Default)
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required for the postgres driver"))
		}
	case "mongo":
		if c.Store.Mongo.URI == "" || c.Store.Mongo.Database == "" {
			errs = append(errs, errors.New("store.mongo.uri and store.mongo.database are required for the mongo driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Verifier.Mode {
	case "simulated":
	case "http":
		if c.Verifier.URL == "" {
			errs = append(errs, errors.New("verifier.url is required in http mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown verifier.mode %q", c.Verifier.Mode))
	}

	switch c.Upload.Mode {
	case "none":
	case "dir":
		if c.Upload.Dir == "" {
			errs = append(errs, errors.New("upload.dir is required in dir mode"))
		}
	case "http":
		if c.Upload.URL == "" {
			errs = append(errs, errors.New("upload.url is required in http mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown upload.mode %q", c.Upload.Mode))
	}

	if c.Auth.DevTokens && c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.dev_tokens needs auth.secret"))
	}
	if c.RateLimit.Burst < 0 || c.RateLimit.PerSecond < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	return errors.Join(errs...)
}
