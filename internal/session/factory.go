package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/common/config"
	"github.com/amoylab/beacon/internal/common/rdb"
)

// Type represents the session backend
type Type string

const (
	// TypeMemory keeps sessions in process memory
	TypeMemory Type = "memory"
	// TypeRedis is the primary shared backend
	TypeRedis Type = "redis"
	// TypeDB is the relational fallback, selected only by explicit configuration
	TypeDB Type = "db"
)

// NewStore creates the configured backend and guards it. The backend is chosen once here.
func NewStore(ctx context.Context, logger *zap.Logger, cfg *config.SessionConfig, opts Options) (Store, error) {
	logger.Info("Initializing session store", zap.String("type", cfg.Type))

	var backend Store
	switch Type(cfg.Type) {
	case TypeMemory:
		backend = NewMemoryStore(logger, cfg.TTL)
	case TypeRedis:
		client, err := rdb.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		backend = NewRedisStore(logger, client, cfg.Prefix, cfg.TTL)
	case TypeDB:
		logger.Warn("Session store running on relational fallback backend",
			zap.String("fallback", string(TypeDB)),
			zap.String("driver", cfg.Database.Type))
		db, err := OpenDB(&cfg.Database)
		if err != nil {
			return nil, err
		}
		backend = NewDBStore(logger, db, cfg.TTL)
	default:
		return nil, fmt.Errorf("unsupported session store type: %s", cfg.Type)
	}

	if opts.Timeout == 0 {
		opts.Timeout = cfg.OpTimeout
	}
	return Guard(logger, backend, opts), nil
}
