package coord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "outreach:"

// NewRedisClient parses url and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// RedisLocker holds keys across processes with SET NX PX and a
// compare-and-delete release. The holder extends the TTL every third of
// it until unlock, so TTL only bounds how long a crashed holder blocks
// others. A holder that cannot renew sees its context cancelled.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, poll: 50 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	if Holds(ctx, key) {
		return ctx, func() {}, ErrReentrantLock
	}
	lockKey := keyPrefix + "lock:" + key
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return ctx, func() {}, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx, func() {}, ctx.Err()
		case <-time.After(l.poll):
		}
	}
	held, lost := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(lockKey, token, stop, done, lost)

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			<-done
			lost(nil)
			// Released with a fresh context so a cancelled caller still frees the key.
			rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, l.client, []string{lockKey}, token).Err()
		})
	}
	return withHeld(held, key), unlock, nil
}

// renew extends the lock until stop is closed. When the key is gone or
// owned by someone else, lost is called and renewal ends.
func (l *RedisLocker) renew(lockKey, token string, stop <-chan struct{}, done chan<- struct{}, lost context.CancelCauseFunc) {
	defer close(done)
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		rctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
		n, err := renewScript.Run(rctx, l.client, []string{lockKey}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			// A transient error is retried on the next tick while the TTL still covers us.
			continue
		}
		if n == 0 {
			lost(fmt.Errorf("%w: %s", ErrLockLost, lockKey))
			return
		}
	}
}

// claimScript stores the claim time in ms, or "done" once the run
// finished. A claim older than ARGV[2] that never finished is taken over.
// Values that are not numbers are treated as done.
var claimScript = redis.NewScript(`
	local v = redis.call("get", KEYS[1])
	if v then
		local started = tonumber(v)
		if v == "done" or not started or started >= tonumber(ARGV[2]) then
			return 0
		end
	end
	redis.call("set", KEYS[1], ARGV[1], "PX", ARGV[3])
	return 1
`)

// RedisDeduper suppresses duplicate trigger deliveries at the edge.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
	lease  time.Duration
	now    func() time.Time
}

func NewRedisDeduper(client *redis.Client, ttl, lease time.Duration) *RedisDeduper {
	if lease <= 0 {
		lease = 15 * time.Minute
	}
	return &RedisDeduper{client: client, ttl: ttl, lease: lease, now: time.Now}
}

// Claim returns true the first time key is seen within the TTL, or when
// an earlier claim was never marked done and is older than the lease.
func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	now := d.now()
	n, err := claimScript.Run(ctx, d.client, []string{keyPrefix + "trigger:" + key},
		now.UnixMilli(), now.Add(-d.lease).UnixMilli(), d.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("claim trigger %s: %w", key, err)
	}
	return n == 1, nil
}

// Done marks key finished so that it is never taken over.
func (d *RedisDeduper) Done(ctx context.Context, key string) error {
	return d.client.Set(ctx, keyPrefix+"trigger:"+key, "done", redis.KeepTTL).Err()
}

// Forget drops a claim so that a redelivery is processed again.
func (d *RedisDeduper) Forget(ctx context.Context, key string) error {
	return d.client.Del(ctx, keyPrefix+"trigger:"+key).Err()
}
