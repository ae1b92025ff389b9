// Package locks provides the per-target advisory lock that serializes workflow runs on the
// same target. Two backends are available: an in-process locker for single-node deployments
// and tests, and a Redis locker for deployments running several engine processes.
package locks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// ErrLockHeld is returned when the lock could not be acquired within the wait budget.
var ErrLockHeld = errors.New("lock is held by another owner")

// ErrLockLost is returned by Release when the lease expired or was taken over.
var ErrLockLost = errors.New("lock lease lost")

// Locker acquires exclusive leases on string keys.
type Locker interface {
	// Acquire waits up to wait for key to become free. It returns ErrLockHeld when the
	// wait budget is exhausted, or the context error when ctx ends first.
	Acquire(ctx context.Context, key string, wait time.Duration) (Lease, error)
}

// Lease is an acquired lock. It stays valid until Release is called.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// TargetKey returns the lock key used for a run target.
func TargetKey(targetID string) string {
	return "target:" + targetID
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func pollInterval(wait time.Duration) time.Duration {
	d := wait / 10
	if d < 5*time.Millisecond {
		d = 5 * time.Millisecond
	}
	if d > 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}
