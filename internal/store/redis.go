package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisIdempotencyStore claims (tenantId, notificationId) keys in Redis so
// replicas share one dedup window.
type RedisIdempotencyStore struct {
	client *redis.Client
	window time.Duration
	logger *zap.Logger
}

// NewRedisIdempotencyStore creates the store. window defaults to 24h.
func NewRedisIdempotencyStore(client *redis.Client, window time.Duration, logger *zap.Logger) *RedisIdempotencyStore {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &RedisIdempotencyStore{client: client, window: window, logger: logger}
}

func (s *RedisIdempotencyStore) FirstSeen(ctx context.Context, tenantID, notificationID string) (bool, error) {
	key := fmt.Sprintf("notifyx:idem:%s:%s", tenantID, notificationID)
	ok, err := s.client.SetNX(ctx, key, 1, s.window).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency check: %w", err)
	}
	if !ok {
		s.logger.Debug("duplicate notification ignored",
			zap.String("tenant_id", tenantID),
			zap.String("notification_id", notificationID))
	}
	return ok, nil
}
