package groups

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a read-through Redis cache in front of a Membership source.
// Membership changes rarely relative to how often the visibility policy
// consults it, so a short TTL keeps staleness bounded without a busting
// protocol.
type Cache struct {
	client *redis.Client
	source Membership
	prefix string
	ttl    time.Duration
}

func NewCache(client *redis.Client, source Membership, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		client: client,
		source: source,
		prefix: "membership:",
		ttl:    ttl,
	}
}

func (c *Cache) key(userID string) string {
	return c.prefix + userID
}

func (c *Cache) MemberGroups(ctx context.Context, userID string) ([]string, error) {
	cached, err := c.client.Get(ctx, c.key(userID)).Result()
	if err == nil {
		var groupIDs []string
		if err := json.Unmarshal([]byte(cached), &groupIDs); err == nil {
			return groupIDs, nil
		}
	} else if err != redis.Nil {
		// Redis trouble degrades to the source, it never fails the request.
		log.Printf("groups: cache read for %s: %v", userID, err)
	}

	groupIDs, err := c.source.MemberGroups(ctx, userID)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(groupIDs)
	if err != nil {
		return groupIDs, nil
	}
	if err := c.client.Set(ctx, c.key(userID), encoded, c.ttl).Err(); err != nil {
		log.Printf("groups: cache write for %s: %v", userID, err)
	}
	return groupIDs, nil
}

// Invalidate drops the cached membership for a user, e.g. after provisioning.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate membership cache: %w", err)
	}
	return nil
}
