// Package config handles configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the ncdc configuration.
type Config struct {
	Account AccountConfig `toml:"account"`
	API     APIConfig     `toml:"api"`
	Gateway GatewayConfig `toml:"gateway"`
	UI      UIConfig      `toml:"ui"`
	Logging LoggingConfig `toml:"logging"`
}

// AccountConfig holds login settings.
type AccountConfig struct {
	Email string `toml:"email"`
	Token string `toml:"token"`
}

// APIConfig holds REST settings.
type APIConfig struct {
	BaseURL   string  `toml:"base_url"`
	UserAgent string  `toml:"user_agent"`
	RateLimit float64 `toml:"rate_limit"` // requests per second, 0 disables
	Burst     int     `toml:"burst"`
	Timeout   string  `toml:"timeout"`
}

// GatewayConfig holds push gateway settings.
type GatewayConfig struct {
	URL            string `toml:"url"` // overrides the url the API reports
	ReconnectDelay string `toml:"reconnect_delay"`
}

// UIConfig holds terminal UI settings.
type UIConfig struct {
	Keymap       string `toml:"keymap"` // "emacs" or "basic"
	Markdown     bool   `toml:"markdown"`
	HistoryLimit int    `toml:"history_limit"` // messages fetched per backfill
	InputHistory int    `toml:"input_history"` // submitted lines remembered
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile reads configuration from path, which may not exist, and from
// the environment.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	// Optional dotenv file next to the config.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Override with environment variables
	cfg.applyEnv()

	// Expand paths
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	if p := os.Getenv("NCDC_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(StateDir(), "config.toml")
}

// StateDir returns the ncdc state directory.
func StateDir() string {
	if p := os.Getenv("NCDC_STATE_DIR"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ncdc")
}

// SessionsDir returns the directory per-account state is kept in.
func SessionsDir() string {
	return filepath.Join(StateDir(), "sessions")
}

// LogsDir returns the logs directory.
func LogsDir() string {
	return filepath.Join(StateDir(), "logs")
}

func defaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:   "https://discord.com/api/v9",
			RateLimit: 5,
			Burst:     5,
			Timeout:   "30s",
		},
		Gateway: GatewayConfig{
			ReconnectDelay: "5s",
		},
		UI: UIConfig{
			Keymap:       "emacs",
			Markdown:     true,
			HistoryLimit: 50,
			InputHistory: 100,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(LogsDir(), "ncdc.log"),
		},
	}
}

func (c *Config) applyEnv() {
	if token := os.Getenv("NCDC_TOKEN"); token != "" {
		c.Account.Token = token
	}
	if email := os.Getenv("NCDC_EMAIL"); email != "" {
		c.Account.Email = email
	}
	if u := os.Getenv("NCDC_API_URL"); u != "" {
		c.API.BaseURL = u
	}
	if u := os.Getenv("NCDC_GATEWAY_URL"); u != "" {
		c.Gateway.URL = u
	}
	if lvl := os.Getenv("NCDC_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
}

func (c *Config) expandPaths() {
	home, _ := os.UserHomeDir()

	expand := func(p string) string {
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}
		if strings.HasPrefix(p, "$HOME/") {
			return filepath.Join(home, p[6:])
		}
		return p
	}

	c.Logging.File = expand(c.Logging.File)
}

// Validate checks values that are parsed lazily.
func (c *Config) Validate() error {
	if _, err := c.APITimeout(); err != nil {
		return err
	}
	if _, err := c.ReconnectDelay(); err != nil {
		return err
	}
	switch c.UI.Keymap {
	case "", "emacs", "basic":
	default:
		return fmt.Errorf("invalid ui.keymap %q: want emacs or basic", c.UI.Keymap)
	}
	return nil
}

// APITimeout returns the per-request timeout.
func (c *Config) APITimeout() (time.Duration, error) {
	return parseDuration("api.timeout", c.API.Timeout)
}

// ReconnectDelay returns the delay between gateway reconnect attempts.
func (c *Config) ReconnectDelay() (time.Duration, error) {
	return parseDuration("gateway.reconnect_delay", c.Gateway.ReconnectDelay)
}

func parseDuration(key, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// Save writes the config to file.
func (c *Config) Save() error {
	return c.SaveFile(ConfigPath())
}

// SaveFile writes the config to path. The file holds the account token,
// so it is only readable by the owner.
func (c *Config) SaveFile(path string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(c)
}

// EnsureDirs creates necessary directories.
func EnsureDirs() error {
	dirs := []string{
		StateDir(),
		SessionsDir(),
		LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return nil
}

type field struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func str(p func(c *Config) *string) field {
	return field{
		get: func(c *Config) string { return *p(c) },
		set: func(c *Config, v string) error { *p(c) = v; return nil },
	}
}

var fields = map[string]field{
	"account.email":           str(func(c *Config) *string { return &c.Account.Email }),
	"account.token":           str(func(c *Config) *string { return &c.Account.Token }),
	"api.base_url":            str(func(c *Config) *string { return &c.API.BaseURL }),
	"api.user_agent":          str(func(c *Config) *string { return &c.API.UserAgent }),
	"api.timeout":             str(func(c *Config) *string { return &c.API.Timeout }),
	"gateway.url":             str(func(c *Config) *string { return &c.Gateway.URL }),
	"gateway.reconnect_delay": str(func(c *Config) *string { return &c.Gateway.ReconnectDelay }),
	"ui.keymap":               str(func(c *Config) *string { return &c.UI.Keymap }),
	"logging.level":           str(func(c *Config) *string { return &c.Logging.Level }),
	"logging.file":            str(func(c *Config) *string { return &c.Logging.File }),
	"api.rate_limit": {
		get: func(c *Config) string { return strconv.FormatFloat(c.API.RateLimit, 'g', -1, 64) },
		set: func(c *Config, v string) (err error) {
			c.API.RateLimit, err = strconv.ParseFloat(v, 64)
			return err
		},
	},
	"api.burst": {
		get: func(c *Config) string { return strconv.Itoa(c.API.Burst) },
		set: func(c *Config, v string) (err error) {
			c.API.Burst, err = strconv.Atoi(v)
			return err
		},
	},
	"ui.markdown": {
		get: func(c *Config) string { return strconv.FormatBool(c.UI.Markdown) },
		set: func(c *Config, v string) (err error) {
			c.UI.Markdown, err = strconv.ParseBool(v)
			return err
		},
	},
	"ui.history_limit": {
		get: func(c *Config) string { return strconv.Itoa(c.UI.HistoryLimit) },
		set: func(c *Config, v string) (err error) {
			c.UI.HistoryLimit, err = strconv.Atoi(v)
			return err
		},
	},
	"ui.input_history": {
		get: func(c *Config) string { return strconv.Itoa(c.UI.InputHistory) },
		set: func(c *Config, v string) (err error) {
			c.UI.InputHistory, err = strconv.Atoi(v)
			return err
		},
	},
}

// Keys returns every settable key, sorted.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value of a dotted key such as "api.base_url".
func (c *Config) Get(key string) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("unknown config key: %s", key)
	}
	return f.get(c), nil
}

// Set assigns a dotted key from its string form.
func (c *Config) Set(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	if err := f.set(c, value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return c.Validate()
}
