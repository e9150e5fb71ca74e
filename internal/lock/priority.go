// Package lock implements the cross-job priority lock: a single TTL-bounded
// mutual-exclusion flag that lets one job class pause all other job starts.
// The flag lives in the same durable store as jobs so every worker observes
// the same state; expiry is the only recovery path if a holder crashes.
package lock

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Store is the durable lock state, implemented by internal/store.
type Store interface {
	AcquireLock(ctx context.Context, holderClass string, now time.Time, ttl time.Duration) (bool, error)
	LockHolder(ctx context.Context, now time.Time) (string, bool, error)
	ReleaseExpiredLock(ctx context.Context, now time.Time) (bool, error)
	ReleaseLock(ctx context.Context, holderClass string) error
}

type Lock struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func New(store Store, log zerolog.Logger) *Lock {
	return &Lock{store: store, log: log, now: time.Now}
}

// Acquire takes the lock for holderClass. Returns false while any unexpired
// lock exists, including one held by the same class: holders are exclusive,
// and a contender that never acquired must never be the one releasing.
func (l *Lock) Acquire(ctx context.Context, holderClass string, ttl time.Duration) (bool, error) {
	ok, err := l.store.AcquireLock(ctx, holderClass, l.now(), ttl)
	if err != nil {
		return false, err
	}
	if ok {
		l.log.Info().Str("holder_class", holderClass).Dur("ttl", ttl).Msg("priority lock acquired")
	}
	return ok, nil
}

// IsBlocked reports whether a job of forClass must not start: true when an
// unexpired lock is held by a different class.
func (l *Lock) IsBlocked(ctx context.Context, forClass string) (bool, error) {
	holder, held, err := l.store.LockHolder(ctx, l.now())
	if err != nil {
		return false, err
	}
	return held && holder != forClass, nil
}

// ReleaseIfExpired drops the lock once its TTL has elapsed. Safe to call on
// every guard pass; it is a no-op while the lock is live.
func (l *Lock) ReleaseIfExpired(ctx context.Context) (bool, error) {
	released, err := l.store.ReleaseExpiredLock(ctx, l.now())
	if err != nil {
		return false, err
	}
	if released {
		l.log.Warn().Msg("priority lock expired, released")
	}
	return released, nil
}

// Release drops the lock if holderClass still holds it. Holders release on
// normal completion; a crashed holder is covered by TTL expiry instead.
func (l *Lock) Release(ctx context.Context, holderClass string) error {
	return l.store.ReleaseLock(ctx, holderClass)
}
