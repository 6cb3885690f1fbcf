// Package config loads service configuration from an optional YAML file
// with environment overrides applied on top.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHost          = "0.0.0.0"
	defaultPort          = 8086
	defaultMaxToolRounds = 8
	maxToolRoundsLimit   = 20
)

// Config is the fully resolved service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Security SecurityConfig `yaml:"security"`
	Redis    RedisConfig    `yaml:"redis"`
	LLM      LLMConfig      `yaml:"llm"`
	Tools    ToolsConfig    `yaml:"tools"`
	OAuth    OAuthConfig    `yaml:"oauth"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	FrontendURL string `yaml:"frontend_url"`
	BackendURL  string `yaml:"backend_url"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
	Debug  bool   `yaml:"debug"`
}

type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"` // 64 hex chars
	StateSecret   string `yaml:"state_secret"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LLMConfig struct {
	BaseURL        string            `yaml:"base_url"`
	APIKey         string            `yaml:"api_key"`
	Model          string            `yaml:"model"`
	SystemPrompt   string            `yaml:"system_prompt"`
	MaxToolRounds  int               `yaml:"max_tool_rounds"`
	RequestTimeout string            `yaml:"request_timeout"`
	StaticHeaders  map[string]string `yaml:"static_headers"`

	requestTimeout time.Duration
}

// Timeout returns the parsed per-round model timeout.
func (c LLMConfig) Timeout() time.Duration { return c.requestTimeout }

type ToolsConfig struct {
	ListTimeout string `yaml:"list_timeout"`
	CallTimeout string `yaml:"call_timeout"`
	// RecordCalls turns tool-call monitoring on or off; unset means on.
	RecordCalls *bool `yaml:"record_calls"`

	listTimeout time.Duration
	callTimeout time.Duration
}

// Timeouts returns the parsed tools/list and tools/call timeouts.
func (c ToolsConfig) Timeouts() (list, call time.Duration) { return c.listTimeout, c.callTimeout }

// Recording reports whether tool invocations are persisted.
func (c ToolsConfig) Recording() bool { return c.RecordCalls == nil || *c.RecordCalls }

type OAuthConfig struct {
	RefreshInterval string                         `yaml:"refresh_interval"`
	Providers       map[string]ProviderCredentials `yaml:"providers"`

	refreshInterval time.Duration
}

// Interval returns how often expiring connections are refreshed.
func (c OAuthConfig) Interval() time.Duration { return c.refreshInterval }

type ProviderCredentials struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// OAuthRedirectURL is the callback registered with provider p.
func (c *Config) OAuthRedirectURL(p string) string {
	return strings.TrimRight(c.Server.BackendURL, "/") + "/oauth/" + p + "/callback"
}

// Load reads path (or the first default location when path is empty),
// applies environment overrides and validates the result. A missing
// default file is not an error.
func Load(path string) (*Config, error) {
	cfg := defaults()

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}
	if resolved != "" {
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", resolved, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", resolved, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        defaultHost,
			Port:        defaultPort,
			FrontendURL: "http://localhost:5173",
		},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "toolchat.db"},
		LLM: LLMConfig{
			Model:          "gpt-4o",
			MaxToolRounds:  defaultMaxToolRounds,
			RequestTimeout: "5m",
		},
		Tools: ToolsConfig{ListTimeout: "15s", CallTimeout: "60s"},
		OAuth: OAuthConfig{RefreshInterval: "5m", Providers: map[string]ProviderCredentials{}},
	}
}

func resolveConfigPath(explicit string) (string, error) {
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv("TOOLCHAT_CONFIG"))
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"toolchat.yaml",
		"config/toolchat.yaml",
		"/etc/toolchat/toolchat.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "toolchat", "toolchat.yaml"))
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "HOST")
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	setString(&cfg.Server.FrontendURL, "FRONTEND_URL")
	setString(&cfg.Server.BackendURL, "BACKEND_URL")
	setString(&cfg.Database.Driver, "DATABASE_DRIVER")
	setString(&cfg.Database.DSN, "DATABASE_URL")
	setString(&cfg.Security.EncryptionKey, "ENCRYPTION_KEY")
	setString(&cfg.Security.StateSecret, "STATE_SECRET")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.LLM.BaseURL, "AZURE_OPENAI_ENDPOINT")
	setString(&cfg.LLM.APIKey, "AZURE_OPENAI_API_KEY")
	setString(&cfg.LLM.Model, "AZURE_OPENAI_MODEL")

	for id, prefix := range map[string]string{
		"atlassian":                "ATLASSIAN",
		"microsoft_partner_center": "MS_PARTNER",
	} {
		creds := cfg.OAuth.Providers[id]
		setString(&creds.ClientID, prefix+"_CLIENT_ID")
		setString(&creds.ClientSecret, prefix+"_CLIENT_SECRET")
		if creds.ClientID != "" || creds.ClientSecret != "" {
			if cfg.OAuth.Providers == nil {
				cfg.OAuth.Providers = map[string]ProviderCredentials{}
			}
			cfg.OAuth.Providers[id] = creds
		}
	}
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func (c *Config) normalize() error {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case "", "sqlite":
		c.Database.Driver = "sqlite"
	case "postgres", "postgresql":
		c.Database.Driver = "postgres"
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Server.BackendURL == "" {
		c.Server.BackendURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}

	if c.Security.EncryptionKey != "" {
		key, err := hex.DecodeString(c.Security.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("encryption_key must be 64 hex characters")
		}
	}

	switch {
	case c.LLM.MaxToolRounds <= 0:
		c.LLM.MaxToolRounds = defaultMaxToolRounds
	case c.LLM.MaxToolRounds > maxToolRoundsLimit:
		c.LLM.MaxToolRounds = maxToolRoundsLimit
	}

	var err error
	if c.LLM.requestTimeout, err = parseDuration("llm.request_timeout", c.LLM.RequestTimeout); err != nil {
		return err
	}
	if c.Tools.listTimeout, err = parseDuration("tools.list_timeout", c.Tools.ListTimeout); err != nil {
		return err
	}
	if c.Tools.callTimeout, err = parseDuration("tools.call_timeout", c.Tools.CallTimeout); err != nil {
		return err
	}
	if c.OAuth.refreshInterval, err = parseDuration("oauth.refresh_interval", c.OAuth.RefreshInterval); err != nil {
		return err
	}
	if c.OAuth.refreshInterval <= 0 {
		return fmt.Errorf("oauth.refresh_interval must be positive, got %q", c.OAuth.RefreshInterval)
	}
	return nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q", field, raw)
	}
	return d, nil
}
