package visitd

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tidemark/visitd/internal/bridge"
	"github.com/tidemark/visitd/internal/chromesrc"
	"github.com/tidemark/visitd/internal/gateway"
	"github.com/tidemark/visitd/internal/pulse"
	"github.com/tidemark/visitd/internal/router"
)

// Config holds all visitd configuration.
type Config struct {
	// DBPath is the local SQLite database (snapshot, identity, history).
	DBPath string `yaml:"db_path"`

	Backend   gateway.Config   `yaml:"backend"`
	Browser   chromesrc.Config `yaml:"browser"`
	Bridge    bridge.Config    `yaml:"bridge"`
	Heartbeat pulse.Config     `yaml:"heartbeat"`
	Router    router.Config    `yaml:"router"`
	Activity  ActivityConfig   `yaml:"activity"`
}

// ActivityConfig controls engagement detection.
type ActivityConfig struct {
	// IdleThreshold is how stale the last foreground ping may be before
	// the user counts as disengaged. Default: 60s.
	IdleThreshold time.Duration `yaml:"idle_threshold"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "visitd.db"
	}
	if c.Activity.IdleThreshold <= 0 {
		c.Activity.IdleThreshold = 60 * time.Second
	}
	// Nested configs apply their own defaults at construction time.
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
