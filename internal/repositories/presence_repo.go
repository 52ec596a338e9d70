package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	connectivityKeyPrefix = "connectivity:"
	connectivityTTL       = 120 * time.Second // Online state expires without heartbeats
)

type RedisPresenceRepository struct {
	client *redis.Client
}

func NewRedisPresenceRepository(client *redis.Client) *RedisPresenceRepository {
	return &RedisPresenceRepository{client: client}
}

// SetOnline marks the device online with an automatic TTL, or deletes the
// key when going offline. Absence of the key means offline.
func (r *RedisPresenceRepository) SetOnline(ctx context.Context, deviceID uuid.UUID, online bool) error {
	key := connectivityKey(deviceID)

	if !online {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to clear connectivity: %w", err)
		}
		return nil
	}

	if err := r.client.Set(ctx, key, "1", connectivityTTL).Err(); err != nil {
		return fmt.Errorf("failed to set connectivity: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) IsOnline(ctx context.Context, deviceID uuid.UUID) (bool, error) {
	key := connectivityKey(deviceID)

	_, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get connectivity: %w", err)
	}
	return true, nil
}

// Helper: build Redis key for device connectivity
func connectivityKey(deviceID uuid.UUID) string {
	return connectivityKeyPrefix + deviceID.String()
}
