// internal/infra/etcd/etcd_locker.go
package etcd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sd-batch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// DefaultLockPrefix is where scheduled batch locks live.
	DefaultLockPrefix = "/sdbatch/locks/"
	// LockSessionTTL bounds how long a crashed holder keeps a lock, in seconds.
	LockSessionTTL = 10
)

type etcdLock struct {
	mutex   *concurrency.Mutex
	session *concurrency.Session
	name    string
}

// Unlock releases the lock and closes its session, revoking the lease.
func (l *etcdLock) Unlock(ctx context.Context) error {
	defer l.session.Close()

	if err := l.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.name, err)
	}
	return nil
}

type etcdLocker struct {
	client  *clientv3.Client
	prefix  string
	tryWait time.Duration
}

// NewEtcdLocker returns a Locker whose locks are etcd mutexes under prefix.
func NewEtcdLocker(client *clientv3.Client, prefix string) domain.Locker {
	if prefix == "" {
		prefix = DefaultLockPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &etcdLocker{client: client, prefix: prefix, tryWait: 500 * time.Millisecond}
}

// Lock tries to take the named lock without queueing behind the holder.
func (l *etcdLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	// Each lock gets its own session; the lock goes away with the lease.
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(LockSessionTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session for lock %s: %w", name, err)
	}

	mutex := concurrency.NewMutex(session, l.prefix+name)

	tryCtx, cancel := context.WithTimeout(ctx, l.tryWait)
	defer cancel()

	if err := mutex.TryLock(tryCtx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) || errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrLockNotAcquired
		}
		return nil, fmt.Errorf("failed to try acquiring etcd lock %s: %w", name, err)
	}

	return &etcdLock{mutex: mutex, session: session, name: name}, nil
}
