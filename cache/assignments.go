package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// assignmentTTL keeps sticky assignments warm for the lifetime of a typical
// campaign. The in-memory map remains the source of truth; expiry only costs
// a re-read from memory.
const assignmentTTL = 30 * 24 * time.Hour

// AssignmentCache is the Redis-backed implementation of the registry's
// write-through assignment cache. All failures degrade to cache misses.
type AssignmentCache struct {
	redis *RedisClient
}

// NewAssignmentCache wraps a RedisClient. A nil client yields a cache that
// always misses, so callers never need a nil check.
func NewAssignmentCache(redis *RedisClient) *AssignmentCache {
	return &AssignmentCache{redis: redis}
}

func assignmentKey(experimentID, subjectID string) string {
	return fmt.Sprintf("ab:assignment:%s:%s", experimentID, subjectID)
}

// GetAssignment looks up a cached variant assignment.
func (c *AssignmentCache) GetAssignment(experimentID, subjectID string) (string, bool) {
	if c.redis == nil {
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var variant string
	err := c.redis.Get(ctx, assignmentKey(experimentID, subjectID), &variant)
	if err != nil {
		if err != redis.Nil {
			log.Printf("⚠️ Assignment cache read failed for %s/%s: %v", experimentID, subjectID, err)
		}
		return "", false
	}
	return variant, variant != ""
}

// PutAssignment caches a variant assignment with the standard TTL. SetNX
// keeps the first writer's value when two engine instances race on the same
// subject; deterministic hashing means both wrote the same variant anyway.
func (c *AssignmentCache) PutAssignment(experimentID, subjectID, variant string) {
	if c.redis == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.redis.SetNX(ctx, assignmentKey(experimentID, subjectID), variant, assignmentTTL); err != nil {
		log.Printf("⚠️ Assignment cache write failed for %s/%s: %v", experimentID, subjectID, err)
	}
}
