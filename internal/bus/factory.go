package bus

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/common/config"
	"github.com/amoylab/beacon/internal/common/rdb"
)

// Type represents the bus implementation
type Type string

const (
	TypeMemory Type = "memory"
	TypeRedis  Type = "redis"
)

// New creates a bus based on the configuration
func New(ctx context.Context, logger *zap.Logger, cfg *config.BusConfig) (Bus, error) {
	role := Role(cfg.Role)
	if role == "" {
		role = RoleBoth
	}

	logger.Info("Initializing invalidation bus", zap.String("type", cfg.Type), zap.String("role", string(role)))
	switch Type(cfg.Type) {
	case TypeMemory, "":
		return NewMemoryBus(logger, role), nil
	case TypeRedis:
		client, err := rdb.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisBus(logger, client, cfg.Topic, role), nil
	default:
		return nil, fmt.Errorf("unknown bus type: %s", cfg.Type)
	}
}
