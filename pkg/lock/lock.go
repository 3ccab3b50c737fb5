// Package lock provides the mutual exclusion that keeps a single scheduler instance sweeping at a time.
package lock

import (
	"context"
	"sync"
	"time"
)

// Release gives a held lock back.
type Release func(ctx context.Context) error

// Locker acquires named, expiring locks without blocking.
type Locker interface {
	// TryLock reports false when another holder owns the key
	TryLock(ctx context.Context, key string, ttl time.Duration) (Release, bool, error)
}

// LocalLocker serializes holders inside one process.
type LocalLocker struct {
	mu    sync.Mutex
	now   func() time.Time
	held  map[string]localHold
	token uint64
}

type localHold struct {
	token     uint64
	expiresAt time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		now:  time.Now,
		held: make(map[string]localHold),
	}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if hold, ok := l.held[key]; ok && now.Before(hold.expiresAt) {
		return nil, false, nil
	}

	l.token++
	token := l.token
	l.held[key] = localHold{token: token, expiresAt: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()

		if hold, ok := l.held[key]; ok && hold.token == token {
			delete(l.held, key)
		}

		return nil
	}, true, nil
}
