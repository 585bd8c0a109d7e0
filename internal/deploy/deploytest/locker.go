package deploytest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/deployer/internal/deploy"
)

var _ deploy.Locker = (*Locker)(nil)

// Locker is an in-memory deploy.Locker. Expiry is ignored.
type Locker struct {
	mu   sync.Mutex
	held map[string]uuid.UUID
	ttls map[string]time.Duration
}

func NewLocker() *Locker {
	return &Locker{
		held: make(map[string]uuid.UUID),
		ttls: make(map[string]time.Duration),
	}
}

// Acquire implements deploy.Locker.
func (l *Locker) Acquire(_ context.Context, key string, attemptID uuid.UUID, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return false, nil
	}
	l.held[key] = attemptID
	l.ttls[key] = ttl
	return true, nil
}

// Release implements deploy.Locker.
func (l *Locker) Release(_ context.Context, key string, attemptID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[key] == attemptID {
		delete(l.held, key)
		delete(l.ttls, key)
	}
	return nil
}

// Holder implements deploy.Locker.
func (l *Locker) Holder(_ context.Context, key string) (uuid.UUID, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.held[key]
	return id, ok, nil
}

// TTL returns the expiry the lock on key was acquired with, zero if it isn't held.
func (l *Locker) TTL(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ttls[key]
}
