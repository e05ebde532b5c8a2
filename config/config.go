package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/fleetalloc/core/allocation"
	"github.com/kilianp07/fleetalloc/core/allocation/audit"
	"github.com/kilianp07/fleetalloc/core/assignment"
	"github.com/kilianp07/fleetalloc/core/factory"
	"github.com/kilianp07/fleetalloc/core/metrics"
	"github.com/kilianp07/fleetalloc/infra/mqtt"
	"github.com/kilianp07/fleetalloc/infra/remote"
)

type Config struct {
	Server      ServerConfig         `json:"server"`
	Store       StoreConfig          `json:"store"`
	Persistence factory.ModuleConfig `json:"persistence"`
	Fanout      FanoutConfig         `json:"fanout"`
	MQTT        mqtt.Config          `json:"mqtt"`
	Allocation  allocation.Config    `json:"allocation"`
	Metrics     metrics.Config       `json:"metrics"`
	Audit       audit.Config         `json:"audit"`
	Client      remote.Config        `json:"client"`
	Sentry      SentryConfig         `json:"sentry"`
}

// ServerConfig defines the HTTP listeners of the allocation server.
type ServerConfig struct {
	Addr string `json:"addr"`
	// MetricsAddr serves /metrics; empty disables it.
	MetricsAddr string `json:"metrics_addr"`
	// Token enables bearer authentication of the API when set.
	Token string `json:"token"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

// StoreConfig tunes the assignment store.
type StoreConfig struct {
	LockTimeoutMS    int `json:"lock_timeout_ms"`
	MaxDeleteRetries int `json:"max_delete_retries"`
}

// Assignment converts the section to the store configuration.
func (c StoreConfig) Assignment() assignment.Config {
	return assignment.Config{
		LockTimeout:      time.Duration(c.LockTimeoutMS) * time.Millisecond,
		MaxDeleteRetries: c.MaxDeleteRetries,
	}
}

func (c StoreConfig) Validate() error {
	if c.LockTimeoutMS < 0 {
		return fmt.Errorf("store.lock_timeout_ms must be >= 0")
	}
	if c.MaxDeleteRetries < 0 {
		return fmt.Errorf("store.max_delete_retries must be >= 0")
	}
	return nil
}

// FanoutConfig selects the change event channel.
type FanoutConfig struct {
	// Backend is "memory" (single process) or "mqtt".
	Backend string `json:"backend"`
	// Buffer is the per-subscriber buffer of the memory backend.
	Buffer int `json:"buffer"`
}

func (c *FanoutConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
}

func (c FanoutConfig) Validate() error {
	switch c.Backend {
	case "memory", "mqtt":
		return nil
	default:
		return fmt.Errorf("unknown fanout backend %q", c.Backend)
	}
}

// Load reads the configuration file at path, then applies environment
// overrides: K_SERVER__ADDR sets server.addr. An empty path loads only the
// environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("K_", ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults applies the defaults of every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Fanout.SetDefaults()
	c.Allocation.SetDefaults()
	c.Client.SetDefaults()
	if c.Persistence.Type == "" {
		c.Persistence.Type = "memory"
	}
	if c.Fanout.Backend == "mqtt" {
		c.MQTT.SetDefaults()
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Fanout.Validate(); err != nil {
		return err
	}
	if c.Fanout.Backend == "mqtt" {
		if err := c.MQTT.Validate(); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if err := c.Allocation.Validate(); err != nil {
		return fmt.Errorf("allocation: %w", err)
	}
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	switch c.Audit.Backend {
	case "", "none":
	case "jsonl", "sqlite":
		if c.Audit.Path == "" {
			return fmt.Errorf("audit.path is required for backend %q", c.Audit.Backend)
		}
	default:
		return fmt.Errorf("unknown audit backend %q", c.Audit.Backend)
	}
	return nil
}
