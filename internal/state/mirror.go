package state

import (
	"context"

	"sensorwatch/internal/config"
	"sensorwatch/internal/models"
)

// Mirror copies latest readings to a store shared between processes so
// other instances and tools can read them.
type Mirror interface {
	Put(ctx context.Context, r models.Reading) error
	LatestReadings(ctx context.Context) (map[string]models.Reading, error)
	Close() error
}

type noopMirror struct{}

// NewNoopMirror returns a Mirror that stores nothing.
func NewNoopMirror() Mirror { return noopMirror{} }

func (noopMirror) Put(ctx context.Context, r models.Reading) error { return nil }
func (noopMirror) LatestReadings(ctx context.Context) (map[string]models.Reading, error) {
	return map[string]models.Reading{}, nil
}
func (noopMirror) Close() error { return nil }

// NewMirror returns the Redis mirror when enabled, otherwise a no-op.
func NewMirror(ctx context.Context, cfg config.RedisConfig) (Mirror, error) {
	if !cfg.Enabled {
		return NewNoopMirror(), nil
	}
	m, err := NewRedisMirror(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return m, nil
}
