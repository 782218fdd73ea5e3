// Package cache keeps short-lived correlation data in Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RemoteIDCache maps remote WhatsApp message ids to outbound message ids so
// receipts can be matched without scanning the message table.
type RemoteIDCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRemoteIDCache(rdb *redis.Client, ttl time.Duration) *RemoteIDCache {
	return &RemoteIDCache{rdb: rdb, ttl: ttl}
}

func remoteKey(sessionID, remoteID string) string {
	return fmt.Sprintf("wabridge:remote:%s:%s", sessionID, remoteID)
}

func (c *RemoteIDCache) Remember(ctx context.Context, sessionID, remoteID string, messageID int64) error {
	return c.rdb.Set(ctx, remoteKey(sessionID, remoteID), strconv.FormatInt(messageID, 10), c.ttl).Err()
}

func (c *RemoteIDCache) Lookup(ctx context.Context, sessionID, remoteID string) (int64, bool, error) {
	id, err := c.rdb.Get(ctx, remoteKey(sessionID, remoteID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Ping checks the connection, used by the health endpoint.
func (c *RemoteIDCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
