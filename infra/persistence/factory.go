// Package persistence registers the Persistence backends selectable from
// configuration.
package persistence

import (
	"fmt"

	"github.com/kilianp07/fleetalloc/core/assignment"
	"github.com/kilianp07/fleetalloc/core/factory"
	"github.com/kilianp07/fleetalloc/infra/persistence/memory"
	"github.com/kilianp07/fleetalloc/infra/persistence/sqlite"
)

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	Path string `json:"path"`
}

// Registry holds the available backends.
var Registry = factory.NewRegistry[assignment.Persistence]()

func init() {
	Registry.MustRegister("memory", func(map[string]any) (assignment.Persistence, error) {
		return memory.New(), nil
	})
	Registry.MustRegister("sqlite", func(conf map[string]any) (assignment.Persistence, error) {
		var c SQLiteConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		if c.Path == "" {
			return nil, fmt.Errorf("sqlite persistence requires a path")
		}
		return sqlite.Open(c.Path)
	})
}

// New creates the backend described by cfg. An empty type selects memory.
func New(cfg factory.ModuleConfig) (assignment.Persistence, error) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	return Registry.Create(cfg)
}
