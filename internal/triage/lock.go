package triage

import (
	"context"
	"fmt"
	"sync"
)

// Locker provides per-ticket run exclusion. TryLock never blocks: it fails
// with ErrConflict when another holder owns key.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedLocker is an in-process Locker.
type KeyedLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewKeyedLocker creates an empty KeyedLocker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{held: make(map[string]struct{})}
}

// TryLock implements Locker.
func (l *KeyedLocker) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, fmt.Errorf("triage already running for ticket %s: %w", key, ErrConflict)
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
