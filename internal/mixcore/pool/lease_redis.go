package pool

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLeaseStore mirrors reservation leases into Redis so leases survive
// a process restart and are visible to operator tooling. SETNX with the
// lease TTL gives the same expire-back-to-available behavior as the
// in-memory sweep.
type RedisLeaseStore struct {
	client *redis.Client
	prefix string
}

// NewRedisLeaseStore creates a lease store on an existing Redis client.
func NewRedisLeaseStore(client *redis.Client) *RedisLeaseStore {
	return &RedisLeaseStore{client: client, prefix: "pool:lease:"}
}

// Acquire records the lease; returns false when another process already
// holds a live lease for the entry.
func (s *RedisLeaseStore) Acquire(entryID, sessionID string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(context.Background(), s.prefix+entryID, sessionID, ttl).Result()
}

// Release drops the lease.
func (s *RedisLeaseStore) Release(entryID string) error {
	return s.client.Del(context.Background(), s.prefix+entryID).Err()
}
