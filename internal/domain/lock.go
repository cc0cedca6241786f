package domain

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned by Locker.Lock when another holder has the lock.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock is a held distributed lock.
type Lock interface {
	Unlock(ctx context.Context) error
}

// Locker hands out named locks shared between sdbatch instances.
type Locker interface {
	Lock(ctx context.Context, name string) (Lock, error)
}
