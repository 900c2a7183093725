// Package config loads the gateway's YAML configuration and applies
// environment overrides for the values that differ between deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mcpgate/backend/internal/proxy"
)

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Gate     GateConfig      `yaml:"gate"`
	Pricing  PricingConfig   `yaml:"pricing"`
	Limits   LimitsConfig    `yaml:"limits"`
	Store    StoreConfig     `yaml:"store"`
	Backends []proxy.Config  `yaml:"backends"`
	Router   RouterConfig    `yaml:"router"`
	Tokens   TokensConfig    `yaml:"tokens"`
	Redis    RedisConfig     `yaml:"redis"`
	PubSub   PubSubConfig    `yaml:"pubsub"`
	Admin    AdminConfig     `yaml:"admin"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	Env  string `yaml:"env"`
	// MaxBodyBytes caps the /mcp request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// ShutdownGrace bounds draining on SIGTERM.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type GateConfig struct {
	ShadowMode      bool     `yaml:"shadow_mode"`
	RefundOnFailure bool     `yaml:"refund_on_failure"`
	FreeMethods     []string `yaml:"free_methods"`
}

type PricingConfig struct {
	DefaultPrice int64            `yaml:"default_price"`
	Tools        map[string]int64 `yaml:"tools"`
}

type LimitsConfig struct {
	RatePerMinute  int            `yaml:"rate_per_minute"`
	RatePerTool    map[string]int `yaml:"rate_per_tool"`
	DailyCalls     int64          `yaml:"daily_calls"`
	MonthlyCalls   int64          `yaml:"monthly_calls"`
	DailyCredits   int64          `yaml:"daily_credits"`
	MonthlyCredits int64          `yaml:"monthly_credits"`
}

type StoreConfig struct {
	StatePath string `yaml:"state_path"`
	MaxKeys   int    `yaml:"max_keys"`
	LedgerCap int    `yaml:"ledger_cap"`
}

type RouterConfig struct {
	Separator string `yaml:"separator"`
}

type TokensConfig struct {
	Secret         string        `yaml:"secret"`
	PreviousSecret string        `yaml:"previous_secret"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	MaxTTL         time.Duration `yaml:"max_ttl"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubSubConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type AdminConfig struct {
	// Token guards the admin surface; empty disables it entirely.
	Token string `yaml:"token"`
}

// WebhookConfig seeds a webhook subscription at startup. More can be
// registered at runtime through the admin API.
type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
	KeyID  string   `yaml:"key_id"`
}

// Default returns a runnable single-node configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8402",
			Env:           "development",
			MaxBodyBytes:  10 << 20,
			ShutdownGrace: 15 * time.Second,
		},
		Pricing: PricingConfig{DefaultPrice: 1},
		Store: StoreConfig{
			StatePath: "mcpgate-keys.json",
			LedgerCap: 100,
		},
		Router: RouterConfig{Separator: ":"},
		PubSub: PubSubConfig{TopicID: "mcpgate-events"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is fine: defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case os.IsNotExist(err):
			// fall through to defaults
		case err != nil:
			return nil, err
		default:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides the deployment-specific knobs from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("MCPGATE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("MCPGATE_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("MCPGATE_STATE_PATH"); v != "" {
		c.Store.StatePath = v
	}
	if v := os.Getenv("MCPGATE_SHADOW_MODE"); v != "" {
		c.Gate.ShadowMode = parseBool(v)
	}
	if v := os.Getenv("MCPGATE_REFUND_ON_FAILURE"); v != "" {
		c.Gate.RefundOnFailure = parseBool(v)
	}
	if v := os.Getenv("MCPGATE_TOKEN_SECRET"); v != "" {
		c.Tokens.Secret = v
	}
	if v := os.Getenv("MCPGATE_ADMIN_TOKEN"); v != "" {
		c.Admin.Token = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Enabled = true
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" && c.PubSub.ProjectID == "" {
		c.PubSub.ProjectID = v
	}
	if v := os.Getenv("MCPGATE_PUBSUB"); v != "" {
		c.PubSub.Enabled = parseBool(v)
	}
}

// Validate enforces the invariants that are fatal at startup: backend
// prefixes present, unique, and separator-free; sane prices and caps.
func (c *Config) Validate() error {
	if c.Router.Separator == "" {
		c.Router.Separator = ":"
	}
	if c.Pricing.DefaultPrice < 0 {
		return fmt.Errorf("pricing.default_price must be >= 0")
	}
	for tool, price := range c.Pricing.Tools {
		if price < 0 {
			return fmt.Errorf("pricing.tools[%q] must be >= 0", tool)
		}
	}
	if c.Store.LedgerCap < 0 {
		return fmt.Errorf("store.ledger_cap must be >= 0")
	}

	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Prefix == "" {
			return fmt.Errorf("backends[%d]: prefix is required", i)
		}
		if strings.Contains(b.Prefix, c.Router.Separator) {
			return fmt.Errorf("backends[%d]: prefix %q contains separator %q", i, b.Prefix, c.Router.Separator)
		}
		if seen[b.Prefix] {
			return fmt.Errorf("backends[%d]: duplicate prefix %q", i, b.Prefix)
		}
		seen[b.Prefix] = true
		if (b.Command == "") == (b.URL == "") {
			return fmt.Errorf("backends[%d]: exactly one of command or url is required", i)
		}
	}
	return nil
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
