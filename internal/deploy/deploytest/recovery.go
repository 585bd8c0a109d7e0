package deploytest

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/k11v/deployer/internal/deploy"
)

var _ deploy.RecoverySink = (*RecoverySink)(nil)

// RecoverySink keeps recorded entries in memory.
type RecoverySink struct {
	mu      sync.Mutex
	entries []*deploy.RecoveryEntry
}

// Record implements deploy.RecoverySink.
func (s *RecoverySink) Record(_ context.Context, entry *deploy.RecoveryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *RecoverySink) Entries() []*deploy.RecoveryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}

// Lookup implements deploy.RecoverySink.
func (s *RecoverySink) Lookup(_ context.Context, attemptID uuid.UUID) (*deploy.RecoveryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.AttemptID == attemptID && entry.Status != nil && entry.Status.Terminal() {
			return entry, nil
		}
	}
	return nil, nil
}
