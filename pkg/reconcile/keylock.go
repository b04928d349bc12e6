package reconcile

import (
	"context"
	"sync"
)

// KeyLocker serializes work per reconciliation key. Lock blocks until the key
// is held or the context is done, and returns the release function.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// keyLock is the in-process KeyLocker: a refcounted channel semaphore per key,
// so waiting honors context cancellation and idle keys are reclaimed.
type keyLock struct {
	mu   sync.Mutex
	keys map[string]*keyLockEntry
}

type keyLockEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyLock creates an in-process key lock suitable for a single deployment.
// Multi-process deployments should use a shared locker instead.
func NewKeyLock() KeyLocker {
	return &keyLock{keys: make(map[string]*keyLockEntry)}
}

func (l *keyLock) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.keys[key]
	if !ok {
		e = &keyLockEntry{ch: make(chan struct{}, 1)}
		l.keys[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.put(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-e.ch
			l.put(key, e)
		})
	}
	return release, nil
}

func (l *keyLock) put(key string, e *keyLockEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.keys, key)
	}
	l.mu.Unlock()
}
