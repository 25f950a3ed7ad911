package config

import (
	"cmp"
	"errors"
	"fmt"
	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	instance   *Config
	once       sync.Once
	configPath string
)

// Providers the adapters exist for. Order here carries no priority.
var supportedDebrids = []string{"alldebrid", "realdebrid", "torbox", "debridlink"}

type Debrid struct {
	Name      string `json:"name,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
	APIKey    string `json:"api_key,omitempty"`
	Host      string `json:"host,omitempty"`       // Overrides the provider's API base URL
	RateLimit string `json:"rate_limit,omitempty"` // 200/minute or 10/second
	Proxy     string `json:"proxy,omitempty"`
}

// IsEnabled reports the administrative switch. An omitted flag means enabled.
func (d Debrid) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

type Blackhole struct {
	Enabled      bool   `json:"enabled,omitempty"`
	Path         string `json:"path,omitempty"`
	Category     string `json:"category,omitempty"`
	UseNotify    bool   `json:"use_notify,omitempty"`
	ScanInterval string `json:"scan_interval,omitempty"`
}

type Manager struct {
	PollInterval string `json:"poll_interval,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	Retention    string `json:"retention,omitempty"`
}

type Auth struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // bcrypt hash
}

type Config struct {
	LogLevel       string    `json:"log_level,omitempty"`
	Port           string    `json:"port,omitempty"`
	Debrids        []Debrid  `json:"debrids,omitempty"`
	Blackhole      Blackhole `json:"blackhole,omitempty"`
	Manager        Manager   `json:"manager,omitempty"`
	Auth           *Auth     `json:"auth,omitempty"`
	DiscordWebhook string    `json:"discord_webhook_url,omitempty"`
	Path           string    `json:"-"` // Path to the data folder
}

func (c *Config) JsonFile() string {
	return filepath.Join(c.Path, "config.json")
}

func (c *Config) EnvFile() string {
	return filepath.Join(c.Path, ".env")
}

func (c *Config) DownloadsFile() string {
	return filepath.Join(c.Path, "downloads.json")
}

// Load reads config.json and the optional .env from path.
func Load(path string) (*Config, error) {
	c := &Config{Path: path}
	file, err := os.ReadFile(c.JsonFile())
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(file, c); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := godotenv.Load(c.EnvFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading %s: %w", c.EnvFile(), err)
	}
	c.applyEnv()
	c.setDefaults()

	if err := ValidateConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv lets secrets live outside config.json, e.g. ALLDEBRID_API_KEY.
func (c *Config) applyEnv() {
	for i, d := range c.Debrids {
		key := strings.ToUpper(d.Name) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			c.Debrids[i].APIKey = v
		}
	}
	c.LogLevel = cmp.Or(os.Getenv("LOG_LEVEL"), c.LogLevel)
	c.Port = cmp.Or(os.Getenv("PORT"), c.Port)
	c.DiscordWebhook = cmp.Or(os.Getenv("DISCORD_WEBHOOK_URL"), c.DiscordWebhook)
}

func (c *Config) setDefaults() {
	c.LogLevel = cmp.Or(c.LogLevel, "info")
	c.Port = cmp.Or(c.Port, "8282")
	for i, d := range c.Debrids {
		c.Debrids[i].Name = strings.ToLower(strings.TrimSpace(d.Name))
	}
	c.Blackhole.ScanInterval = cmp.Or(c.Blackhole.ScanInterval, "1m")
	c.Manager.PollInterval = cmp.Or(c.Manager.PollInterval, "5s")
	c.Manager.Timeout = cmp.Or(c.Manager.Timeout, "30m")
	c.Manager.Retention = cmp.Or(c.Manager.Retention, "7d")
}

func validateDebrids(debrids []Debrid) error {
	if len(debrids) == 0 {
		return errors.New("no debrids configured")
	}

	seen := make(map[string]struct{}, len(debrids))
	for _, debrid := range debrids {
		if !isSupported(debrid.Name) {
			return fmt.Errorf("unknown debrid %q", debrid.Name)
		}
		if _, ok := seen[debrid.Name]; ok {
			return fmt.Errorf("debrid %q configured twice", debrid.Name)
		}
		seen[debrid.Name] = struct{}{}
		if debrid.RateLimit != "" && !rateLimitRegex.MatchString(debrid.RateLimit) {
			return fmt.Errorf("debrid %s: invalid rate limit %q", debrid.Name, debrid.RateLimit)
		}
	}
	return nil
}

func validateBlackhole(b *Blackhole) error {
	if !b.Enabled {
		return nil
	}
	if b.Path == "" {
		return errors.New("blackhole path is required")
	}
	if _, err := ParseDuration(b.ScanInterval); err != nil {
		return fmt.Errorf("scan_interval: %w", err)
	}
	return nil
}

func validateManager(m *Manager) error {
	for name, v := range map[string]string{
		"poll_interval": m.PollInterval,
		"timeout":       m.Timeout,
		"retention":     m.Retention,
	} {
		if _, err := ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func ValidateConfig(config *Config) error {
	if err := validateDebrids(config.Debrids); err != nil {
		return fmt.Errorf("debrids validation error: %w", err)
	}

	if err := validateBlackhole(&config.Blackhole); err != nil {
		return fmt.Errorf("blackhole validation error: %w", err)
	}

	if err := validateManager(&config.Manager); err != nil {
		return fmt.Errorf("manager validation error: %w", err)
	}

	return nil
}

func isSupported(name string) bool {
	for _, s := range supportedDebrids {
		if s == name {
			return true
		}
	}
	return false
}

func SetConfigPath(path string) {
	configPath = path
}

func Get() *Config {
	once.Do(func() {
		if configPath == "" {
			_, _ = fmt.Fprintln(os.Stderr, "configuration Error: config path not set")
			os.Exit(1)
		}
		cfg, err := Load(configPath)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "configuration Error: %v\n", err)
			os.Exit(1)
		}
		instance = cfg
	})
	return instance
}

func (c *Config) Save() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(c.JsonFile(), data, 0644); err != nil {
		return err
	}
	return nil
}

// Reload forces a reload of the configuration from disk
func Reload() {
	instance = nil
	once = sync.Once{}
}
