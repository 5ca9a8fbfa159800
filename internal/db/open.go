package db

import (
	"fmt"

	"github.com/kandev/agentplane/internal/common/config"
)

// Open connects to the configured database. It returns nil for the
// "memory" driver, which keeps everything in process.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "", "memory":
		return nil, nil
	case "sqlite":
		return openSQLite(cfg.Path)
	case "postgres":
		return openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
