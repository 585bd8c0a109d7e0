package deploy

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Locker provides a mutual exclusion lock per key with an expiry.
// The expiry only matters if the holder crashes; a live holder always releases.
type Locker interface {
	// Acquire sets key to attemptID unless key is already set.
	// It reports whether the lock was acquired.
	Acquire(ctx context.Context, key string, attemptID uuid.UUID, ttl time.Duration) (bool, error)

	// Release deletes key if it is held by attemptID.
	// Releasing a lock that is absent or held by another attempt is not an error.
	Release(ctx context.Context, key string, attemptID uuid.UUID) error

	// Holder returns the attempt holding key.
	Holder(ctx context.Context, key string) (attemptID uuid.UUID, held bool, err error)
}
