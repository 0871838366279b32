package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sensorwatch/internal/config"
	"sensorwatch/internal/logger"
	"sensorwatch/internal/models"
)

// DefaultMirrorKey is the hash holding one field per channel.
const DefaultMirrorKey = "sensorwatch:latest"

// RedisMirror keeps the latest reading per channel in a Redis hash.
type RedisMirror struct {
	client *redis.Client
	key    string
}

// NewRedisMirror connects to cfg.Addr and verifies the connection.
func NewRedisMirror(ctx context.Context, cfg config.RedisConfig) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return newRedisMirror(client, cfg.Key), nil
}

func newRedisMirror(client *redis.Client, key string) *RedisMirror {
	if key == "" {
		key = DefaultMirrorKey
	}
	return &RedisMirror{client: client, key: key}
}

// Put stores r under its channel field.
func (m *RedisMirror) Put(ctx context.Context, r models.Reading) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return m.client.HSet(ctx, m.key, r.Channel, data).Err()
}

// LatestReadings returns every mirrored reading. Undecodable fields are
// skipped.
func (m *RedisMirror) LatestReadings(ctx context.Context) (map[string]models.Reading, error) {
	fields, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read mirror hash %s: %w", m.key, err)
	}

	out := make(map[string]models.Reading, len(fields))
	for ch, raw := range fields {
		var r models.Reading
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			logger.WithChannel("mirror", ch).Warn().Err(err).Msg("skipping undecodable mirror entry")
			continue
		}
		out[ch] = r
	}
	return out, nil
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
