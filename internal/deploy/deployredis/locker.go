// Package deployredis implements deploy.Locker with Redis keys.
package deployredis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/k11v/deployer/internal/deploy"
)

var _ deploy.Locker = (*Locker)(nil)

// releaseScript deletes KEYS[1] only if it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	client redis.UniversalClient // required
}

func NewLocker(client redis.UniversalClient) *Locker {
	return &Locker{client: client}
}

// Acquire implements deploy.Locker.
func (l *Locker) Acquire(ctx context.Context, key string, attemptID uuid.UUID, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, attemptID.String(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return ok, nil
}

// Release implements deploy.Locker.
func (l *Locker) Release(ctx context.Context, key string, attemptID uuid.UUID) error {
	err := releaseScript.Run(ctx, l.client, []string{key}, attemptID.String()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// Holder implements deploy.Locker.
func (l *Locker) Holder(ctx context.Context, key string) (uuid.UUID, bool, error) {
	value, err := l.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.UUID{}, false, nil
	}
	if err != nil {
		return uuid.UUID{}, false, fmt.Errorf("holder %s: %w", key, err)
	}

	id, err := uuid.Parse(value)
	if err != nil {
		// Held by something that isn't an attempt, e.g. set by hand.
		return uuid.UUID{}, true, nil
	}
	return id, true, nil
}
