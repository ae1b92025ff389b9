package locks

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is an in-process Locker. Waiters block on the holder's release channel
// instead of polling.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]*memoryLease
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]*memoryLease)}
}

type memoryLease struct {
	locker   *MemoryLocker
	key      string
	token    string
	released chan struct{}
	once     sync.Once
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, wait time.Duration) (Lease, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		l.mu.Lock()
		current, ok := l.held[key]
		if !ok {
			lease := &memoryLease{
				locker:   l,
				key:      key,
				token:    newToken(),
				released: make(chan struct{}),
			}
			l.held[key] = lease
			l.mu.Unlock()
			return lease, nil
		}
		l.mu.Unlock()

		select {
		case <-current.released:
		case <-timer.C:
			return nil, ErrLockHeld
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// IsLocked reports whether key is currently held.
func (l *MemoryLocker) IsLocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

func (m *memoryLease) Key() string { return m.key }

func (m *memoryLease) Release(_ context.Context) error {
	var err error
	m.once.Do(func() {
		m.locker.mu.Lock()
		defer m.locker.mu.Unlock()

		current, ok := m.locker.held[m.key]
		if !ok || current.token != m.token {
			err = ErrLockLost
			return
		}
		delete(m.locker.held, m.key)
		close(m.released)
	})
	return err
}
