// Package coord provides the keyed critical sections and duplicate
// suppression shared by the rate limiter, the sequencer and trigger
// ingress.
package coord

import (
	"context"
	"errors"
	"sync"
)

// ErrReentrantLock is returned when a goroutine tries to take a key it
// already holds through the same context chain.
var ErrReentrantLock = errors.New("coord: lock already held by caller")

// ErrLockLost is the cancellation cause of a held context whose lock
// expired or was taken by someone else.
var ErrLockLost = errors.New("coord: lock lost")

// Locker serializes work per key. Lock returns a derived context that
// marks the key as held, and an unlock func that is safe to call twice.
type Locker interface {
	Lock(ctx context.Context, key string) (context.Context, func(), error)
}

type heldKey struct{ name string }

func withHeld(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, heldKey{key}, true)
}

// Holds reports whether ctx was returned by a Lock call for key.
func Holds(ctx context.Context, key string) bool {
	return ctx.Value(heldKey{key}) != nil
}

// LocalLocker is an in-process keyed mutex. Waiting respects ctx.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	if Holds(ctx, key) {
		return ctx, func() {}, ErrReentrantLock
	}
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, kl)
		return ctx, func() {}, ctx.Err()
	}
	var once sync.Once
	unlock := func() {
		once.Do(func() {
			<-kl.ch
			l.drop(key, kl)
		})
	}
	return withHeld(ctx, key), unlock, nil
}

func (l *LocalLocker) drop(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// Len reports how many keys are currently locked or waited on.
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
