package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ms-purchase/internal/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis starts an in-memory miniredis and a client connected to it.
func setupTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, client.Ping(context.Background()).Err())

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	r := NewRedis(client, 5*time.Second, logger.NewNop())
	r.LockWait = 300 * time.Millisecond
	return r, mr
}

func TestTryLock_Exclusive(t *testing.T) {
	r, mr := setupTestRedis(t)
	ctx := context.Background()

	token, ok, err := r.TryLock(ctx, "p-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = r.TryLock(ctx, "p-1")
	require.NoError(t, err)
	assert.False(t, ok, "second request must not get the lock")

	// a different purchase is independent
	_, ok, err = r.TryLock(ctx, "p-2")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, mr.TTL(LockKeyPrefix+"p-1") > 0)

	require.NoError(t, r.Unlock(ctx, "p-1", token))
	_, ok, err = r.TryLock(ctx, "p-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnlock_WrongTokenKeepsLock(t *testing.T) {
	r, mr := setupTestRedis(t)
	ctx := context.Background()

	token, ok, err := r.TryLock(ctx, "p-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.Unlock(ctx, "p-1", "someone-else"))
	val, err := mr.Get(LockKeyPrefix + "p-1")
	require.NoError(t, err)
	assert.Equal(t, token, val)
}

func TestLock_WaitsForRelease(t *testing.T) {
	r, _ := setupTestRedis(t)
	ctx := context.Background()

	unlock, err := r.Lock(ctx, "p-1")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		unlock()
	}()

	unlock2, err := r.Lock(ctx, "p-1")
	require.NoError(t, err)
	unlock2()
}

func TestLock_GivesUpWhenBusy(t *testing.T) {
	r, _ := setupTestRedis(t)
	ctx := context.Background()

	_, err := r.Lock(ctx, "p-1")
	require.NoError(t, err)

	_, err = r.Lock(ctx, "p-1")
	assert.ErrorIs(t, err, ErrLockBusy)
}

func TestLock_SerializesConcurrentHolders(t *testing.T) {
	r, _ := setupTestRedis(t)
	r.LockWait = 2 * time.Second
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := r.Lock(ctx, "p-1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestHold_SetAndClear(t *testing.T) {
	r, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.SetHold(ctx, "p-1", 15*time.Minute))
	assert.Equal(t, 15*time.Minute, mr.TTL(HoldKeyPrefix+"p-1"))

	mr.FastForward(16 * time.Minute)
	assert.False(t, mr.Exists(HoldKeyPrefix+"p-1"))

	require.NoError(t, r.SetHold(ctx, "p-2", time.Minute))
	require.NoError(t, r.ClearHold(ctx, "p-2"))
	assert.False(t, mr.Exists(HoldKeyPrefix+"p-2"))
}

func TestSubscribeExpiredHolds(t *testing.T) {
	r, mr := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 4)
	r.SubscribeExpiredHolds(ctx, func(_ context.Context, purchaseID string) {
		got <- purchaseID
	})

	// miniredis has no keyspace notifications, so publish the event the way
	// Redis would
	require.Eventually(t, func() bool {
		mr.Publish("__keyevent@0__:expired", "payment_lock:ignored")
		mr.Publish("__keyevent@0__:expired", HoldKeyPrefix+"p-42")
		select {
		case id := <-got:
			assert.Equal(t, "p-42", id)
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
}
