// Package action is the last hop of the pipeline: it turns final reports
// into mailbox label changes.
package action

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailshield/threat-pipeline/internal/pkg/logger"
)

// Idempotency remembers which jobs have already been acted on so redelivered
// final reports don't re-label a message.
type Idempotency interface {
	// Seen marks the job as handled and reports whether it already was.
	Seen(jobID string) bool
}

// memorySet is a bounded in-process idempotency set with FIFO eviction.
// Redelivery windows are short, so a few thousand entries is plenty.
type memorySet struct {
	mu    sync.Mutex
	max   int
	seen  map[string]struct{}
	order *list.List
}

// NewMemorySet creates an in-process idempotency set holding up to max ids.
func NewMemorySet(max int) Idempotency {
	if max <= 0 {
		max = 10000
	}
	return &memorySet{
		max:   max,
		seen:  make(map[string]struct{}, max),
		order: list.New(),
	}
}

func (m *memorySet) Seen(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen[jobID]; ok {
		return true
	}
	m.seen[jobID] = struct{}{}
	m.order.PushBack(jobID)
	for m.order.Len() > m.max {
		oldest := m.order.Remove(m.order.Front()).(string)
		delete(m.seen, oldest)
	}
	return false
}

// redisSet is a cross-process idempotency set: SETNX with a TTL. Used when
// multiple action workers share the consumer group so a redelivery to a
// different worker is still caught.
type redisSet struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSet creates a Redis-backed idempotency set. Entries expire after
// ttl, which should comfortably exceed the broker's redelivery window.
func NewRedisSet(client *redis.Client, ttl time.Duration) Idempotency {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &redisSet{client: client, ttl: ttl}
}

func (r *redisSet) Seen(jobID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	set, err := r.client.SetNX(ctx, "action_seen:"+jobID, "1", r.ttl).Result()
	if err != nil {
		// Fail open: a duplicate label is preferable to a dropped action.
		logger.Warn("idempotency check failed", "job_id", jobID, "error", err)
		return false
	}
	return !set
}
