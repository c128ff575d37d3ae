package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TableLock guards a table so that only one confirmation runs at a time.
// TryLock never waits: ok is false when the table is already held.
type TableLock interface {
	TryLock(ctx context.Context, table string) (release func(), ok bool, err error)
}

// MemoryTableLock is a TableLock for a single server instance
type MemoryTableLock struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryTableLock creates an in-process lock
func NewMemoryTableLock() *MemoryTableLock {
	return &MemoryTableLock{held: make(map[string]bool)}
}

func (m *MemoryTableLock) TryLock(_ context.Context, table string) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[table] {
		return nil, false, nil
	}
	m.held[table] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, table)
			m.mu.Unlock()
		})
	}, true, nil
}

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTableLock shares table locks between server instances. The TTL bounds
// how long a crashed holder keeps a table blocked.
type RedisTableLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTableLock creates a lock stored under "kot:lock:<table>"
func NewRedisTableLock(client *redis.Client, ttl time.Duration) *RedisTableLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisTableLock{client: client, prefix: "kot:lock:", ttl: ttl}
}

func (r *RedisTableLock) TryLock(ctx context.Context, table string) (func(), bool, error) {
	key := r.prefix + table
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", table, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{key}, token).Err(); err != nil {
				log.Printf("RedisTableLock: failed to release %s: %v", table, err)
			}
		})
	}, true, nil
}
