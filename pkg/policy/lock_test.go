package policy

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockSerializesPerUser(t *testing.T) {
	lock := NewLocalLock()
	ctx := context.Background()

	release, ok, err := lock.Acquire(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.Acquire(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	// A different user is independent.
	releaseOther, ok, err := lock.Acquire(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, ok)
	releaseOther()

	release()
	release2, ok, err := lock.Acquire(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}

func TestLocalLockUnderContention(t *testing.T) {
	lock := NewLocalLock()
	ctx := context.Background()

	var mu sync.Mutex
	acquired := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, ok, err := lock.Acquire(ctx, "u1")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				acquired++
				mu.Unlock()
				release()
			}
		}()
	}
	wg.Wait()

	// At least one goroutine won; releases made the lock reusable.
	assert.GreaterOrEqual(t, acquired, 1)
	release, ok, err := lock.Acquire(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	release()
}

// Redis lock tests need a live server; set MEMORIC_TEST_REDIS_ADDR to
// run them, e.g. localhost:6379.
func TestRedisLock(t *testing.T) {
	addr := os.Getenv("MEMORIC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEMORIC_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	lock := NewRedisLock(client, time.Minute)
	ctx := context.Background()

	release, ok, err := lock.Acquire(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.Acquire(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release2, ok, err := lock.Acquire(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}
