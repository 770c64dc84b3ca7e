// Package locks provides owner-token exclusive locks used to serialize
// installed-set and history mutations across worker replicas.
package locks

import (
	"context"
	"errors"
	"time"
)

// ErrBusy is returned by WithLock when another owner holds the resource.
var ErrBusy = errors.New("lock busy")

// Lock captures the current lock ownership state.
type Lock struct {
	Resource  string    `json:"resource"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store manages resource locks.
type Store interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) (bool, error)
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, resource string) (*Lock, error)
}

// WithLock runs fn while holding resource. It returns ErrBusy without
// calling fn when the lock is held elsewhere.
func WithLock(ctx context.Context, s Store, resource, owner string, ttl time.Duration, fn func(context.Context) error) error {
	ok, err := s.Acquire(ctx, resource, owner, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBusy
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_, _ = s.Release(releaseCtx, resource, owner)
	}()
	return fn(ctx)
}
