package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentsh/execgate/pkg/types"
)

type Config struct {
	Channel   ChannelConfig   `yaml:"channel"`
	Authorize AuthorizeConfig `yaml:"authorize"`
	Cache     CacheConfig     `yaml:"cache"`
	Rules     RulesConfig     `yaml:"rules"`
	Store     StoreConfig     `yaml:"store"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ChannelConfig configures the transport between the interception point and
// the authority.
type ChannelConfig struct {
	// Mode selects where the authority runs: "embedded" evaluates the rule
	// file in-process, "socket" dials a standalone authority.
	Mode string `yaml:"mode"`

	// Socket is the authority's unix socket, for mode "socket" and for the
	// standalone authority command.
	Socket string `yaml:"socket"`

	// IntakeSocket, when set, accepts framed wire records from interception
	// shims and answers each check request in place.
	IntakeSocket string `yaml:"intake_socket"`
}

// AuthorizeConfig holds the deployment policy the protocol itself leaves
// open: the fail-safe verdict and the bounded wait per request.
type AuthorizeConfig struct {
	// FailSafe is applied on timeout, shutdown or channel failure:
	// "deny" (default) or "allow".
	FailSafe string `yaml:"fail_safe"`

	// RequestTimeout bounds each blocked check, e.g. "10s".
	RequestTimeout string `yaml:"request_timeout"`
}

type CacheConfig struct {
	MaxEntries int    `yaml:"max_entries"`
	AllowTTL   string `yaml:"allow_ttl"`
	DenyTTL    string `yaml:"deny_ttl"`
}

type RulesConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

type StoreConfig struct {
	// Backend selects the event store: sqlite, jsonl or none.
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

func Default() Config {
	return Config{
		Channel:   ChannelConfig{Mode: "embedded", Socket: "/var/run/execgate/channel.sock"},
		Authorize: AuthorizeConfig{FailSafe: "deny", RequestTimeout: "10s"},
		Cache:     CacheConfig{MaxEntries: 10000, AllowTTL: "24h", DenyTTL: "500ms"},
		Rules:     RulesConfig{Path: "/etc/execgate/rules.yaml", Watch: true},
		Store:     StoreConfig{Backend: "sqlite", Path: "/var/lib/execgate/events.db"},
		Server:    ServerConfig{Addr: "127.0.0.1:9823"},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := c.FailSafe(); err != nil {
		return err
	}
	if _, err := c.RequestTimeout(); err != nil {
		return err
	}
	if _, err := c.AllowTTL(); err != nil {
		return err
	}
	if _, err := c.DenyTTL(); err != nil {
		return err
	}
	switch c.Channel.Mode {
	case "", "embedded", "socket":
	default:
		return fmt.Errorf("config: channel.mode must be embedded or socket, got %q", c.Channel.Mode)
	}
	switch c.Store.Backend {
	case "", "sqlite", "jsonl", "none":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	return nil
}

func (c Config) FailSafe() (types.Verdict, error) {
	switch c.Authorize.FailSafe {
	case "", "deny":
		return types.VerdictDeny, nil
	case "allow":
		return types.VerdictAllow, nil
	default:
		return "", fmt.Errorf("config: fail_safe must be allow or deny, got %q", c.Authorize.FailSafe)
	}
}

func (c Config) RequestTimeout() (time.Duration, error) {
	return parseDuration(c.Authorize.RequestTimeout, 10*time.Second, "authorize.request_timeout")
}

func (c Config) AllowTTL() (time.Duration, error) {
	return parseDuration(c.Cache.AllowTTL, 24*time.Hour, "cache.allow_ttl")
}

func (c Config) DenyTTL() (time.Duration, error) {
	return parseDuration(c.Cache.DenyTTL, 500*time.Millisecond, "cache.deny_ttl")
}

func parseDuration(s string, def time.Duration, key string) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", key)
	}
	return d, nil
}
