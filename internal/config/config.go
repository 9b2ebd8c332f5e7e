// ABOUTME: Configuration loading and parsing for onduty-devserver
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the file leaves a value unset.
const (
	DefaultCodeTTL     = 15 * time.Minute
	DefaultTicketTTL   = DefaultCodeTTL
	DefaultUnlockTTL   = 48 * time.Hour
	DefaultMaxAttempts = 5

	DefaultRateLimitPerMinute = 10
	DefaultRateLimitBurst     = 5
)

// Mail providers
const (
	MailProviderLog    = "log"
	MailProviderResend = "resend"
)

// Config represents the complete onduty-devserver configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database"`
	Auth         AuthConfig         `yaml:"auth"`
	Verification VerificationConfig `yaml:"verification"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Mail         MailConfig         `yaml:"mail"`
	Webchat      WebchatConfig      `yaml:"webchat"`
	Tenants      []TenantConfig     `yaml:"tenants"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// AllowedOrigins lists browser origins allowed by CORS. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TrustProxyHeaders takes the client IP from X-Forwarded-For and friends.
	// Only enable it behind a proxy that overwrites those headers.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve HTTPS on :443 with Tailscale certs
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds token signing configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// VerificationConfig holds end-user verification lifetimes and limits
type VerificationConfig struct {
	CodeTTL     time.Duration `yaml:"-"`
	TicketTTL   time.Duration `yaml:"-"`
	UnlockTTL   time.Duration `yaml:"-"`
	MaxAttempts int           `yaml:"max_attempts"`

	// Raw string values for YAML unmarshaling
	CodeTTLRaw   string `yaml:"code_ttl"`
	TicketTTLRaw string `yaml:"ticket_ttl"`
	UnlockTTLRaw string `yaml:"unlock_ttl"`
}

// RateLimitConfig holds per-client limits for the verification endpoints
type RateLimitConfig struct {
	Disabled          bool `yaml:"disabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// MailConfig selects how verification codes are delivered
type MailConfig struct {
	Provider     string `yaml:"provider"` // log (default) or resend
	From         string `yaml:"from"`
	ResendAPIKey string `yaml:"resend_api_key"`
	ResendURL    string `yaml:"resend_url"`
}

// WebchatConfig holds the canned reply used by the reference agent
type WebchatConfig struct {
	Reply string `yaml:"reply"`

	// DemoTenant names a tenant slug created on first use when it is not seeded.
	DemoTenant string `yaml:"demo_tenant"`
}

// TenantConfig seeds a tenant and its agents at startup
type TenantConfig struct {
	Slug   string        `yaml:"slug"`
	Name   string        `yaml:"name"`
	Agents []AgentConfig `yaml:"agents"`
}

// AgentConfig seeds a public agent
type AgentConfig struct {
	Slug     string `yaml:"slug"`
	Name     string `yaml:"name"`
	Disabled bool   `yaml:"disabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration bytes the same way Load does.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	v := &c.Verification
	if v.CodeTTL == 0 {
		v.CodeTTL = DefaultCodeTTL
	}
	// A ticket never outlives its code.
	if v.TicketTTL == 0 {
		v.TicketTTL = v.CodeTTL
	}
	if v.UnlockTTL == 0 {
		v.UnlockTTL = DefaultUnlockTTL
	}
	if v.MaxAttempts == 0 {
		v.MaxAttempts = DefaultMaxAttempts
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = DefaultRateLimitPerMinute
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = DefaultRateLimitBurst
	}
	if c.Mail.Provider == "" {
		c.Mail.Provider = MailProviderLog
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Verification.TicketTTL > c.Verification.CodeTTL {
		return fmt.Errorf("verification.ticket_ttl must not exceed verification.code_ttl")
	}
	if c.Verification.MaxAttempts < 0 {
		return fmt.Errorf("verification.max_attempts must not be negative")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}

	switch c.Mail.Provider {
	case MailProviderLog:
	case MailProviderResend:
		if c.Mail.ResendAPIKey == "" {
			return fmt.Errorf("mail.resend_api_key is required for the resend provider")
		}
		if c.Mail.From == "" {
			return fmt.Errorf("mail.from is required for the resend provider")
		}
	default:
		return fmt.Errorf("mail.provider %q is not supported (use %q or %q)", c.Mail.Provider, MailProviderLog, MailProviderResend)
	}

	agentSlugs := make(map[string]bool)
	for i, t := range c.Tenants {
		if t.Slug == "" {
			return fmt.Errorf("tenants[%d].slug is required", i)
		}
		for j, a := range t.Agents {
			if a.Slug == "" {
				return fmt.Errorf("tenants[%d].agents[%d].slug is required", i, j)
			}
			if agentSlugs[a.Slug] {
				return fmt.Errorf("agent slug %q is used more than once", a.Slug)
			}
			agentSlugs[a.Slug] = true
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"verification.code_ttl", cfg.Verification.CodeTTLRaw, &cfg.Verification.CodeTTL},
		{"verification.ticket_ttl", cfg.Verification.TicketTTLRaw, &cfg.Verification.TicketTTL},
		{"verification.unlock_ttl", cfg.Verification.UnlockTTLRaw, &cfg.Verification.UnlockTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
