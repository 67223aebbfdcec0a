// Package config loads sessiongend settings: built-in defaults, then an optional
// YAML file named by SESSIONGEN_CONFIG, then SESSIONGEN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const fileEnv = "SESSIONGEN_CONFIG"

// Config is the full daemon configuration.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr serves grpc.health.v1; empty disables it.
	GRPCAddr    string `yaml:"grpc_addr"`
	GatewayAddr string `yaml:"gateway_addr"`

	SessionDir string `yaml:"session_dir"`
	AuditLog   string `yaml:"audit_log"`

	// Admins and the entries of RosterFile together form the roster.
	Admins     []string `yaml:"admins"`
	RosterFile string   `yaml:"roster_file"`

	Issuance IssuanceConfig `yaml:"issuance"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// IssuanceConfig tunes session lifetime and remote calls.
type IssuanceConfig struct {
	SessionTTL    time.Duration `yaml:"session_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RemoteTimeout time.Duration `yaml:"remote_timeout"`
	// StartBurst session starts per requester, refilled one per StartInterval.
	// Zero disables the limit.
	StartBurst    int           `yaml:"start_burst"`
	StartInterval time.Duration `yaml:"start_interval"`
}

// HTTPConfig tunes the chat-transport bridge.
type HTTPConfig struct {
	RateBurst    int   `yaml:"rate_burst"`
	RatePerSec   int   `yaml:"rate_per_sec"`
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	OutboxLimit  int   `yaml:"outbox_limit"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		HTTPAddr:    ":8080",
		GatewayAddr: "127.0.0.1:9090",
		SessionDir:  "business_sessions",
		AuditLog:    "session_requests.log",
		Issuance: IssuanceConfig{
			SessionTTL:    5 * time.Minute,
			SweepInterval: 15 * time.Second,
			RemoteTimeout: 30 * time.Second,
			StartBurst:    3,
			StartInterval: 20 * time.Second,
		},
		HTTP: HTTPConfig{
			RateBurst:    20,
			RatePerSec:   10,
			MaxBodyBytes: 64 << 10,
			OutboxLimit:  64,
		},
	}
}

// Load reads configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads configuration using getenv for every lookup.
func LoadFrom(getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(getenv(fileEnv)); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("SESSIONGEN_HTTP_ADDR", &c.HTTPAddr)
	str("SESSIONGEN_GRPC_ADDR", &c.GRPCAddr)
	str("SESSIONGEN_GATEWAY_ADDR", &c.GatewayAddr)
	str("SESSIONGEN_SESSION_DIR", &c.SessionDir)
	str("SESSIONGEN_AUDIT_LOG", &c.AuditLog)
	str("SESSIONGEN_ROSTER_FILE", &c.RosterFile)

	if v := strings.TrimSpace(getenv("SESSIONGEN_ADMINS")); v != "" {
		c.Admins = splitList(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SESSIONGEN_SESSION_TTL", &c.Issuance.SessionTTL},
		{"SESSIONGEN_SWEEP_INTERVAL", &c.Issuance.SweepInterval},
		{"SESSIONGEN_REMOTE_TIMEOUT", &c.Issuance.RemoteTimeout},
		{"SESSIONGEN_START_INTERVAL", &c.Issuance.StartInterval},
	}
	for _, d := range durations {
		v := strings.TrimSpace(getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SESSIONGEN_START_BURST", &c.Issuance.StartBurst},
		{"SESSIONGEN_RATE_BURST", &c.HTTP.RateBurst},
		{"SESSIONGEN_RATE_PER_SEC", &c.HTTP.RatePerSec},
		{"SESSIONGEN_OUTBOX_LIMIT", &c.HTTP.OutboxLimit},
	}
	for _, n := range ints {
		v := strings.TrimSpace(getenv(n.key))
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", n.key, err)
		}
		*n.dst = parsed
	}
	return nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if strings.TrimSpace(c.GatewayAddr) == "" {
		errs = append(errs, errors.New("gateway_addr is required"))
	}
	if strings.TrimSpace(c.SessionDir) == "" {
		errs = append(errs, errors.New("session_dir is required"))
	}
	if strings.TrimSpace(c.AuditLog) == "" {
		errs = append(errs, errors.New("audit_log is required"))
	}
	if c.Issuance.SessionTTL <= 0 {
		errs = append(errs, errors.New("issuance.session_ttl must be positive"))
	}
	if c.Issuance.SweepInterval <= 0 {
		errs = append(errs, errors.New("issuance.sweep_interval must be positive"))
	}
	if c.Issuance.RemoteTimeout < 0 {
		errs = append(errs, errors.New("issuance.remote_timeout must not be negative"))
	}
	if c.Issuance.StartBurst < 0 {
		errs = append(errs, errors.New("issuance.start_burst must not be negative"))
	}
	if c.HTTP.RateBurst <= 0 || c.HTTP.RatePerSec <= 0 {
		errs = append(errs, errors.New("http rate limit must be positive"))
	}
	if len(c.Admins) == 0 && c.RosterFile == "" {
		errs = append(errs, errors.New("no admins configured: set SESSIONGEN_ADMINS or roster_file"))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' || r == ';' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
