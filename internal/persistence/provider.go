package persistence

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/config"
	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/db"
)

// Provide opens the configured store. The memory driver yields a NoopStore;
// SQL drivers yield a SQLStore behind an AsyncWriter. The returned store
// owns its connections and is released by Close.
func Provide(cfg *config.Config, log *logger.Logger) (Store, error) {
	pool, err := db.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Database.Driver, err)
	}
	if pool == nil {
		log.Info("Persistence disabled", zap.String("db_driver", "memory"))
		return NoopStore{}, nil
	}

	store, err := NewSQLStore(pool, true)
	if err != nil {
		return nil, err
	}
	log.Info("Database initialized",
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("db_path", cfg.Database.Path))

	return NewAsyncWriter(store, WriterConfig{
		BufferSize:     cfg.Persistence.BufferSize,
		MaxFailures:    uint32(max(cfg.Persistence.BreakerMaxFailures, 0)),
		BreakerTimeout: cfg.Persistence.BreakerTimeout(),
	}, log), nil
}
