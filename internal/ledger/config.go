package ledger

import (
	"fmt"
	"strings"
)

// Config selects the ledger backend.
type Config struct {
	Backend string `yaml:"backend"` // "bolt" | "file"
	Path    string `yaml:"path"`
}

// Open opens the configured store and wraps it in a Ledger.
func Open(cfg Config, opts Options) (*Ledger, error) {
	var (
		store Store
		err   error
	)
	switch strings.ToLower(cfg.Backend) {
	case "", "bolt":
		path := cfg.Path
		if path == "" {
			path = "./tmp/ledger.db"
		}
		store, err = OpenBolt(path)
	case "file", "json":
		path := cfg.Path
		if path == "" {
			path = "./tmp/ledger.json"
		}
		store, err = OpenFile(path)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return New(store, opts), nil
}
