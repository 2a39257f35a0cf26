// Package config loads the portal's configuration.
//
// Sources, highest precedence first:
//  1. an explicit --config path;
//  2. PORTAL_CONFIG;
//  3. ./portal.yaml;
//  4. environment only.
//
// Environment variables are overlaid on any file that is read.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/jmcleod/agencyportal/internal/util"
	"github.com/jmcleod/agencyportal/reminder"
)

// DefaultFile is read when no path is given and PORTAL_CONFIG is unset.
const DefaultFile = "portal.yaml"

// PathEnv names the environment variable holding a config file path.
const PathEnv = "PORTAL_CONFIG"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverBolt     = "bbolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	// Env "local" switches logs to text; anything else logs JSON.
	Env       string         `yaml:"env" env:"PORTAL_ENV" env-default:"production"`
	HTTP      HTTPConfig     `yaml:"http"`
	Backend   BackendConfig  `yaml:"backend"`
	Cookies   CookieConfig   `yaml:"cookies"`
	Storage   StorageConfig  `yaml:"storage"`
	Reminders ReminderConfig `yaml:"reminders"`
	Security  SecurityConfig `yaml:"security"`
	Alerts    AlertConfig    `yaml:"alerts"`
}

type HTTPConfig struct {
	Host    string `yaml:"host" env:"PORTAL_HTTP_HOST" env-default:"0.0.0.0"`
	Port    string `yaml:"port" env:"PORTAL_HTTP_PORT" env-default:"8443"`
	TLSCert string `yaml:"tls_cert" env:"PORTAL_TLS_CERT"`
	TLSKey  string `yaml:"tls_key" env:"PORTAL_TLS_KEY"`
	// Plaintext serves HTTP without TLS, for running behind a terminating
	// proxy.
	Plaintext      bool     `yaml:"plaintext" env:"PORTAL_HTTP_PLAINTEXT"`
	TrustedProxies []string `yaml:"trusted_proxies" env:"PORTAL_TRUSTED_PROXIES" env-separator:","`
}

func (h HTTPConfig) Addr() string { return net.JoinHostPort(h.Host, h.Port) }

type BackendConfig struct {
	URL     string        `yaml:"url" env:"PORTAL_BACKEND_URL" env-default:"http://127.0.0.1:8080"`
	Timeout time.Duration `yaml:"timeout" env:"PORTAL_BACKEND_TIMEOUT" env-default:"15s"`
}

// CookieConfig holds cookie lifetimes. Secure is kept as text: a value
// strconv.ParseBool does not understand is ignored rather than rejected.
type CookieConfig struct {
	Secure     string        `yaml:"secure" env:"PORTAL_COOKIE_SECURE"`
	AdminTTL   time.Duration `yaml:"admin_ttl" env:"PORTAL_ADMIN_TTL" env-default:"8h"`
	CreatorTTL time.Duration `yaml:"creator_ttl" env:"PORTAL_CREATOR_TTL" env-default:"2h"`
	FlashTTL   time.Duration `yaml:"flash_ttl" env:"PORTAL_FLASH_TTL" env-default:"120s"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" env:"PORTAL_STORAGE_DRIVER" env-default:"memory"`
	// Path is the database file for bbolt and sqlite.
	Path string `yaml:"path" env:"PORTAL_STORAGE_PATH" env-default:"./data/portal.db"`
	// DSN is the connection string for postgres.
	DSN string `yaml:"dsn" env:"PORTAL_STORAGE_DSN"`
}

// Persistent reports whether the driver keeps data across restarts.
func (s StorageConfig) Persistent() bool { return s.Driver != DriverMemory }

type ReminderConfig struct {
	ResendPolicy string `yaml:"resend_policy" env:"PORTAL_RESEND_POLICY" env-default:"reject"`
}

type SecurityConfig struct {
	// Secret is the hex-encoded master secret, at least 32 bytes. Flash,
	// CSRF and session-store keys are derived from it.
	Secret string `yaml:"secret" env:"PORTAL_SECRET"`
}

type AlertConfig struct {
	// WebhookURL, when set, receives a JSON POST for every security alert.
	WebhookURL string `yaml:"webhook_url" env:"PORTAL_ALERT_WEBHOOK_URL"`
	// WebhookAuth is an optional "Header: Value" sent with each alert.
	WebhookAuth string `yaml:"webhook_auth" env:"PORTAL_ALERT_WEBHOOK_AUTH"`
}

// SecretBytes decodes the master secret. An empty secret yields nil.
func (c *Config) SecretBytes() ([]byte, error) {
	s := strings.TrimSpace(c.Security.Secret)
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("security.secret is not hex: %w", err)
	}
	if len(b) < util.AESKeySize {
		return nil, fmt.Errorf("security.secret must be at least %d bytes, got %d", util.AESKeySize, len(b))
	}
	return b, nil
}

// ResendPolicy parses reminders.resend_policy.
func (c *Config) ResendPolicy() (reminder.ResendPolicy, error) {
	return reminder.ParseResendPolicy(c.Reminders.ResendPolicy)
}

// Validate checks the values Load cannot check by type alone.
func (c *Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.Backend.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.url %q must be an absolute http(s) URL", c.Backend.URL))
	}
	switch c.Storage.Driver {
	case DriverMemory, DriverBolt, DriverSQLite:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if _, err := c.ResendPolicy(); err != nil {
		errs = append(errs, err)
	}
	secret, err := c.SecretBytes()
	if err != nil {
		errs = append(errs, err)
	} else if secret == nil && c.Storage.Persistent() {
		errs = append(errs, errors.New("security.secret is required with a persistent storage driver"))
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		errs = append(errs, errors.New("http.tls_cert and http.tls_key must be set together"))
	}
	for name, d := range map[string]time.Duration{
		"cookies.admin_ttl":   c.Cookies.AdminTTL,
		"cookies.creator_ttl": c.Cookies.CreatorTTL,
		"cookies.flash_ttl":   c.Cookies.FlashTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// Load reads the configuration following the documented precedence and
// validates it.
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func read(path string) (*Config, error) {
	var cfg Config

	fromFile := func(p string) (*Config, error) {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file %q: %w", p, err)
		}
		// ReadConfig overlays the environment on the file.
		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("reading config %q: %w", p, err)
		}
		return &cfg, nil
	}

	if path != "" {
		return fromFile(path)
	}
	if envPath := os.Getenv(PathEnv); envPath != "" {
		return fromFile(envPath)
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		return fromFile(DefaultFile)
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("reading config from environment: %w", err)
	}
	return &cfg, nil
}

// Usage returns the environment variable reference for help output.
func Usage() string {
	var cfg Config
	desc, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return ""
	}
	return desc
}
