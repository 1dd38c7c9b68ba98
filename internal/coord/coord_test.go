package coord

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerializesPerKey(t *testing.T) {
	l := NewLocalLocker()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, unlock, err := l.Lock(context.Background(), "budget:111")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside.Load())
	assert.Zero(t, l.Len(), "idle keys are dropped")
}

func TestLocalLockerIndependentKeys(t *testing.T) {
	l := NewLocalLocker()
	_, unlockA, err := l.Lock(context.Background(), "contact:a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, unlockB, err := l.Lock(ctx, "contact:b")
	require.NoError(t, err)
	unlockB()
}

func TestLocalLockerHonoursContext(t *testing.T) {
	l := NewLocalLocker()
	_, unlock, err := l.Lock(context.Background(), "run:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = l.Lock(ctx, "run:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	assert.Zero(t, l.Len())
}

func TestLockIsNotReentrant(t *testing.T) {
	l := NewLocalLocker()
	held, unlock, err := l.Lock(context.Background(), "budget:111")
	require.NoError(t, err)
	defer unlock()

	assert.True(t, Holds(held, "budget:111"))
	assert.False(t, Holds(held, "budget:222"))

	_, _, err = l.Lock(held, "budget:111")
	assert.ErrorIs(t, err, ErrReentrantLock)

	_, unlockOther, err := l.Lock(held, "contact:c1")
	require.NoError(t, err, "nested locks on other keys are allowed")
	unlockOther()
}

// Redis tests run only against a live server.
func redisURL(t *testing.T) string {
	url := os.Getenv("OUTREACH_TEST_REDIS_URL")
	if url == "" {
		t.Skip("OUTREACH_TEST_REDIS_URL not set")
	}
	return url
}

func TestRedisLockerAndDeduper(t *testing.T) {
	url := redisURL(t)
	ctx := context.Background()
	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	key := "test:" + uuid.NewString()
	l := NewRedisLocker(client, 5*time.Second)
	_, unlock, err := l.Lock(ctx, key)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, _, err = l.Lock(waitCtx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	unlock()

	_, unlock, err = l.Lock(ctx, key)
	require.NoError(t, err)
	unlock()

	d := NewRedisDeduper(client, time.Minute, time.Minute)
	ok, err := d.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, d.Forget(ctx, key))
	ok, err = d.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, d.Forget(ctx, key))
}

func TestRedisLockerRenewsWhileHeld(t *testing.T) {
	url := redisURL(t)
	ctx := context.Background()
	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	key := "test:" + uuid.NewString()
	l := NewRedisLocker(client, 300*time.Millisecond)
	held, unlock, err := l.Lock(ctx, key)
	require.NoError(t, err)

	// Held for several TTLs, the key must not become free.
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, _, err = l.Lock(waitCtx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, held.Err())

	unlock()
	assert.ErrorIs(t, held.Err(), context.Canceled)
	n, err := client.Exists(ctx, keyPrefix+"lock:"+key).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisLockerCancelsHolderOnLoss(t *testing.T) {
	url := redisURL(t)
	ctx := context.Background()
	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	key := "test:" + uuid.NewString()
	l := NewRedisLocker(client, 300*time.Millisecond)
	held, unlock, err := l.Lock(ctx, key)
	require.NoError(t, err)
	defer unlock()

	require.NoError(t, client.Set(ctx, keyPrefix+"lock:"+key, "someone-else", time.Minute).Err())
	defer client.Del(ctx, keyPrefix+"lock:"+key)

	select {
	case <-held.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("holder was not told the lock was lost")
	}
	assert.ErrorIs(t, context.Cause(held), ErrLockLost)
}

func TestRedisDeduperTakesOverUnfinishedClaims(t *testing.T) {
	url := redisURL(t)
	ctx := context.Background()
	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	start := time.Now()
	clock := start
	d := NewRedisDeduper(client, time.Hour, 15*time.Minute)
	d.now = func() time.Time { return clock }

	stale, finished := "test:"+uuid.NewString(), "test:"+uuid.NewString()
	defer client.Del(ctx, keyPrefix+"trigger:"+stale, keyPrefix+"trigger:"+finished)
	for _, key := range []string{stale, finished} {
		ok, err := d.Claim(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, d.Done(ctx, finished))

	clock = start.Add(10 * time.Minute)
	ok, err := d.Claim(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok, "within the lease")

	clock = start.Add(20 * time.Minute)
	ok, err = d.Claim(ctx, stale)
	require.NoError(t, err)
	assert.True(t, ok, "claim never finished and lease passed")
	ok, err = d.Claim(ctx, finished)
	require.NoError(t, err)
	assert.False(t, ok, "finished claims are kept")
}
