// ABOUTME: Configuration loading for the onduty-chat terminal client
// ABOUTME: Loads TOML config from an XDG path with environment variable expansion

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultChatTimeout bounds each chat turn unless configured otherwise.
const DefaultChatTimeout = 20 * time.Second

// ChatConfig represents the onduty-chat configuration
type ChatConfig struct {
	Backend BackendConfig `toml:"backend"`
	Agent   ChatAgent     `toml:"agent"`
	Storage StorageConfig `toml:"storage"`
	Logging LoggingConfig `toml:"logging"`
}

// BackendConfig locates the OnDuty API
type BackendConfig struct {
	URL     string        `toml:"url"`
	Timeout time.Duration `toml:"-"`

	TimeoutRaw string `toml:"timeout"`
}

// ChatAgent selects the conversation context
type ChatAgent struct {
	Slug   string `toml:"slug"`
	Tenant string `toml:"tenant"`
	Title  string `toml:"title"`
}

// StorageConfig locates the local key/value database
type StorageConfig struct {
	Path string `toml:"path"`
}

// ChatConfigPath returns the path to the client config file.
// Priority: ONDUTY_CHAT_CONFIG env var > XDG_CONFIG_HOME/onduty/chat.toml > ~/.config/onduty/chat.toml
func ChatConfigPath() string {
	if envPath := os.Getenv("ONDUTY_CHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "onduty", "chat.toml")
}

// DefaultStoragePath returns XDG_DATA_HOME/onduty/chat.db or ~/.local/share/onduty/chat.db.
func DefaultStoragePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.db" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "onduty", "chat.db")
}

// LoadChat reads the client config from path. A missing file yields the
// defaults so that flags alone can configure the client.
func LoadChat(path string) (*ChatConfig, error) {
	var cfg ChatConfig

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if _, err := toml.Decode(expandEnvVars(string(data)), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if cfg.Backend.TimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.Backend.TimeoutRaw)
		if err != nil {
			return nil, fmt.Errorf("parsing backend.timeout %q: %w", cfg.Backend.TimeoutRaw, err)
		}
		cfg.Backend.Timeout = d
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = DefaultChatTimeout
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultStoragePath()
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warn"
	}

	return &cfg, nil
}

// Validate checks that required config fields are present and valid.
// Call it after applying flag overrides.
func (c *ChatConfig) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("backend.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.url must use http or https scheme")
	}
	if c.Agent.Slug == "" && c.Agent.Tenant == "" {
		return fmt.Errorf("agent.slug or agent.tenant is required")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	return nil
}
