package sessions

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a thread lock cannot be acquired in time.
var ErrLockTimeout = errors.New("session: lock acquisition timeout")

// Locker serializes turns on a thread.
type Locker interface {
	Lock(ctx context.Context, threadID string) error
	Unlock(threadID string)
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocalLocker returns a LocalLocker that waits up to timeout. A
// non-positive timeout waits until the context ends.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{timeout: timeout, locks: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(threadID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[threadID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[threadID] = ch
	}
	return ch
}

// Lock blocks until the thread is free, the timeout passes, or ctx ends.
func (l *LocalLocker) Lock(ctx context.Context, threadID string) error {
	ch := l.slot(threadID)
	select {
	case ch <- struct{}{}:
		return nil
	default:
	}

	var expired <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case ch <- struct{}{}:
		return nil
	case <-expired:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the thread. Unlocking a free thread is a no-op.
func (l *LocalLocker) Unlock(threadID string) {
	ch := l.slot(threadID)
	select {
	case <-ch:
	default:
	}
}

// DBLockerConfig configures the lease lock.
type DBLockerConfig struct {
	OwnerID         string
	TTL             time.Duration
	RefreshInterval time.Duration
	AcquireTimeout  time.Duration
	PollInterval    time.Duration
}

// DefaultDBLockerConfig returns default lease settings.
func DefaultDBLockerConfig() DBLockerConfig {
	return DBLockerConfig{
		TTL:             2 * time.Minute,
		RefreshInterval: 30 * time.Second,
		AcquireTimeout:  10 * time.Second,
		PollInterval:    200 * time.Millisecond,
	}
}

// DBLocker holds thread locks as renewable leases in the thread_locks
// table, so turns on one thread are serialized across processes.
type DBLocker struct {
	db     *sql.DB
	config DBLockerConfig

	mu     sync.Mutex
	renew  map[string]context.CancelFunc
	closed bool
}

// NewDBLocker returns a DBLocker on db. The schema must already exist.
func NewDBLocker(db *sql.DB, cfg DBLockerConfig) (*DBLocker, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if cfg.OwnerID == "" {
		return nil, errors.New("owner id is required")
	}
	defaults := DefaultDBLockerConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaults.RefreshInterval
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaults.AcquireTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	return &DBLocker{db: db, config: cfg, renew: make(map[string]context.CancelFunc)}, nil
}

// Lock polls until the lease is free or expired, then renews it in the
// background until Unlock.
func (l *DBLocker) Lock(ctx context.Context, threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return errors.New("thread id is required")
	}
	deadline := time.Now().Add(l.config.AcquireTimeout)
	for {
		ok, err := l.tryAcquire(ctx, threadID)
		if err != nil {
			return err
		}
		if ok {
			l.startRenew(threadID)
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.config.PollInterval):
		}
	}
}

// Unlock releases the lease. A failed delete leaves the lease to expire.
func (l *DBLocker) Unlock(threadID string) {
	l.stopRenew(threadID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = l.db.ExecContext(ctx, `
		DELETE FROM thread_locks
		WHERE thread_id = $1 AND owner_id = $2
	`, threadID, l.config.OwnerID)
}

// Close stops all renew loops. Held leases expire after their TTL.
func (l *DBLocker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, cancel := range l.renew {
		cancel()
	}
	l.renew = make(map[string]context.CancelFunc)
	return nil
}

func (l *DBLocker) tryAcquire(ctx context.Context, threadID string) (bool, error) {
	now := time.Now()
	var owner string
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO thread_locks (thread_id, owner_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (thread_id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE thread_locks.expires_at < $3 OR thread_locks.owner_id = EXCLUDED.owner_id
		RETURNING owner_id
	`, threadID, l.config.OwnerID, now, now.Add(l.config.TTL)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner == l.config.OwnerID, nil
}

func (l *DBLocker) startRenew(threadID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if _, ok := l.renew[threadID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.renew[threadID] = cancel
	go l.renewLoop(ctx, threadID)
}

func (l *DBLocker) stopRenew(threadID string) {
	l.mu.Lock()
	cancel, ok := l.renew[threadID]
	delete(l.renew, threadID)
	l.mu.Unlock()
	if ok {
		cancel()
	}
}

func (l *DBLocker) renewLoop(ctx context.Context, threadID string) {
	ticker := time.NewTicker(l.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.extendLease(ctx, threadID) {
				l.stopRenew(threadID)
				return
			}
		}
	}
}

func (l *DBLocker) extendLease(ctx context.Context, threadID string) bool {
	result, err := l.db.ExecContext(ctx, `
		UPDATE thread_locks
		SET expires_at = $1
		WHERE thread_id = $2 AND owner_id = $3
	`, time.Now().Add(l.config.TTL), threadID, l.config.OwnerID)
	if err != nil {
		return false
	}
	rows, err := result.RowsAffected()
	return err == nil && rows > 0
}
