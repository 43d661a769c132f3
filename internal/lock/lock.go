// Package lock serializes deployments per team. The local credential store and
// on-disk profile directories are shared, non-transactional resources; two
// concurrent deployments for one team could both read the certificate count
// and both create, blowing the platform quota. Different teams are isolated
// by keychain and directory scoping and may run concurrently.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld indicates another deployment already holds the team's lock.
var ErrHeld = errors.New("lock: team deployment already in flight")

// TeamLocker grants exclusive per-team deployment slots.
type TeamLocker interface {
	Acquire(ctx context.Context, teamID string) (release func(), err error)
	Close()
}

type memoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker returns an in-process advisory locker.
func NewMemoryLocker() TeamLocker {
	return &memoryLocker{held: make(map[string]struct{})}
}

func (l *memoryLocker) Acquire(_ context.Context, teamID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[teamID]; ok {
		return nil, ErrHeld
	}
	l.held[teamID] = struct{}{}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, teamID)
	}, nil
}

func (l *memoryLocker) Close() {}
