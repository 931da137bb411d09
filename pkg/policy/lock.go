package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RunLock serializes policy runs per user. Acquire returns a release
// function on success and ok=false when another run holds the lock.
type RunLock interface {
	Acquire(ctx context.Context, userID string) (release func(), ok bool, err error)
}

// LocalLock is an in-process RunLock for single-instance deployments.
type LocalLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLock returns an empty in-process lock.
func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[string]struct{})}
}

func (l *LocalLock) Acquire(_ context.Context, userID string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[userID]; taken {
		return nil, false, nil
	}
	l.held[userID] = struct{}{}
	release := func() {
		l.mu.Lock()
		delete(l.held, userID)
		l.mu.Unlock()
	}
	return release, true, nil
}

// releaseScript deletes the lock key only when the token still matches,
// so an expired lock re-acquired by another run is never released here.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLock is a RunLock shared across instances, built on SET NX with a
// TTL so a crashed run cannot hold a user forever.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLock wraps client. ttl bounds how long a run may hold a user;
// zero means 10 minutes.
func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLock{client: client, ttl: ttl}
}

func lockKey(userID string) string {
	return "memoric:policy:lock:" + userID
}

func (l *RedisLock) Acquire(ctx context.Context, userID string) (func(), bool, error) {
	token := uuid.NewString()
	key := lockKey(userID)

	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("policy: acquire lock for %s: %w", userID, err)
	}
	if !acquired {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}
