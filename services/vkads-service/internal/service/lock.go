package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RunLocker prevents two runs with the same key from executing at once.
type RunLocker interface {
	// Acquire returns ok=false when the key is already held. release must be
	// called once the run ends.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

func lockKey(kind, userID, configID string) string {
	return fmt.Sprintf("vkads:run-lock:%s:%s:%s", kind, userID, configID)
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type redisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) RunLocker {
	return &redisLocker{client: client}
}

func (l *redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

type memoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

// NewMemoryLocker is the single-process locker used without Redis.
func NewMemoryLocker() RunLocker {
	return &memoryLocker{held: make(map[string]time.Time)}
}

func (l *memoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, ok := l.held[key]; ok && time.Now().Before(exp) {
		return nil, false, nil
	}
	l.held[key] = time.Now().Add(ttl)
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true, nil
}
