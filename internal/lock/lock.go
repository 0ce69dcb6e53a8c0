// Package lock serializes named background tasks across service instances.
// Every state change is a single conditional write on the backing store;
// the manager never reads and then writes without a guard.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agent-job-sync/internal/models"
	"agent-job-sync/internal/telemetry"
)

var (
	// ErrLockHeld means another instance owns the task. Callers report
	// "already syncing"; it is not a failure.
	ErrLockHeld = errors.New("lock: held by another instance")
	// ErrLockNotAcquired means a concurrent acquirer won the conditional write.
	ErrLockNotAcquired = errors.New("lock: acquisition race lost")
)

// HeldError describes the current holder of a held lock.
type HeldError struct {
	Key      string
	LockedBy string
	LockedAt time.Time
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock %q held by %s since %s", e.Key, e.LockedBy, e.LockedAt.UTC().Format(time.RFC3339))
}

func (e *HeldError) Is(target error) bool { return target == ErrLockHeld }

// Store is the persistence the manager needs. Each method is one atomic
// conditional write or read and returns the number of rows it changed.
type Store interface {
	// CreateHeldLock inserts key already held by holder if no row exists.
	CreateHeldLock(ctx context.Context, key, holder string, at time.Time) (int64, error)
	GetLock(ctx context.Context, key string) (models.Lock, bool, error)
	// ClearExpiredLock frees key only if it is held with locked_at before cutoff.
	ClearExpiredLock(ctx context.Context, key string, cutoff time.Time) (int64, error)
	// TryLock sets held=true where held=false.
	TryLock(ctx context.Context, key, holder string, at time.Time) (int64, error)
	// Unlock sets held=false where held=true.
	Unlock(ctx context.Context, key string) (int64, error)
}

// Options configures a Manager.
type Options struct {
	// Timeout after which a held lock is treated as abandoned.
	Timeout time.Duration
	// ReleaseTimeout bounds the release issued by Run after the task ends.
	ReleaseTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// Manager acquires and releases named locks.
type Manager struct {
	store          Store
	timeout        time.Duration
	releaseTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// NewManager builds a manager over store.
func NewManager(store Store, opts Options) *Manager {
	m := &Manager{
		store:          store,
		timeout:        opts.Timeout,
		releaseTimeout: opts.ReleaseTimeout,
		now:            opts.Now,
		logger:         opts.Logger,
	}
	if m.timeout <= 0 {
		m.timeout = 10 * time.Minute
	}
	if m.releaseTimeout <= 0 {
		m.releaseTimeout = 10 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Timeout is the abandonment threshold.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Acquire takes key for holder. It fails with ErrLockHeld when a live holder
// exists and with ErrLockNotAcquired when another acquirer won the race.
func (m *Manager) Acquire(ctx context.Context, key, holder string) (models.Lock, error) {
	now := m.clock()
	created, err := m.store.CreateHeldLock(ctx, key, holder, now)
	if err != nil {
		return models.Lock{}, fmt.Errorf("create lock %q: %w", key, err)
	}
	if created == 1 {
		telemetry.LockAcquisitions.WithLabelValues(key, "created").Inc()
		m.logger.Info("lock acquired", "key", key, "holder", holder, "created", true)
		return heldLock(key, holder, now), nil
	}

	current, found, err := m.store.GetLock(ctx, key)
	if err != nil {
		return models.Lock{}, fmt.Errorf("read lock %q: %w", key, err)
	}
	if found && current.IsLocked {
		if !m.expired(current, now) {
			telemetry.LockAcquisitions.WithLabelValues(key, "held").Inc()
			return models.Lock{}, heldError(current)
		}
		cleared, err := m.store.ClearExpiredLock(ctx, key, now.Add(-m.timeout))
		if err != nil {
			return models.Lock{}, fmt.Errorf("clear expired lock %q: %w", key, err)
		}
		if cleared == 1 {
			telemetry.LockReclaims.WithLabelValues(key).Inc()
			m.logger.Warn("reclaimed abandoned lock", "key", key, "previous_holder", deref(current.LockedBy), "locked_at", current.LockedAt)
		}
	}

	n, err := m.store.TryLock(ctx, key, holder, now)
	if err != nil {
		return models.Lock{}, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	if n == 0 {
		telemetry.LockAcquisitions.WithLabelValues(key, "race_lost").Inc()
		return models.Lock{}, ErrLockNotAcquired
	}
	telemetry.LockAcquisitions.WithLabelValues(key, "acquired").Inc()
	m.logger.Info("lock acquired", "key", key, "holder", holder)
	return heldLock(key, holder, now), nil
}

// Release frees key. released is false when the lock was already free.
func (m *Manager) Release(ctx context.Context, key string) (bool, error) {
	n, err := m.store.Unlock(ctx, key)
	if err != nil {
		return false, fmt.Errorf("release lock %q: %w", key, err)
	}
	if n == 0 {
		telemetry.LockReleases.WithLabelValues(key, "already_free").Inc()
		m.logger.Warn("lock release was a no-op", "key", key)
		return false, nil
	}
	telemetry.LockReleases.WithLabelValues(key, "released").Inc()
	m.logger.Info("lock released", "key", key)
	return true, nil
}

// Status reports the lock row and whether it is currently held by a live
// holder. An expired hold is reported as not held.
func (m *Manager) Status(ctx context.Context, key string) (models.Lock, bool, error) {
	current, found, err := m.store.GetLock(ctx, key)
	if err != nil {
		return models.Lock{}, false, fmt.Errorf("read lock %q: %w", key, err)
	}
	if !found {
		return models.Lock{Key: key}, false, nil
	}
	return current, current.IsLocked && !m.expired(current, m.clock()), nil
}

// clock is truncated to the millisecond, the coarsest precision any store
// keeps locked_at at, so the expiry check and the guarded clear agree.
func (m *Manager) clock() time.Time {
	return m.now().UTC().Truncate(time.Millisecond)
}

// Run acquires key, runs fn under a deadline and always releases, using a
// context detached from ctx so a cancelled task still frees the lock.
func (m *Manager) Run(ctx context.Context, key, holder string, deadline time.Duration, fn func(context.Context) error) error {
	if deadline <= 0 || deadline >= m.timeout {
		return fmt.Errorf("lock %q: deadline %s must be positive and below lock timeout %s", key, deadline, m.timeout)
	}
	if _, err := m.Acquire(ctx, key, holder); err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.releaseTimeout)
		defer cancel()
		if _, err := m.Release(releaseCtx, key); err != nil {
			m.logger.Error("lock release failed", "key", key, "error", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	return fn(runCtx)
}

func (m *Manager) expired(l models.Lock, now time.Time) bool {
	if l.LockedAt == nil {
		return true
	}
	return now.Sub(*l.LockedAt) > m.timeout
}

func heldLock(key, holder string, at time.Time) models.Lock {
	return models.Lock{Key: key, IsLocked: true, LockedBy: &holder, LockedAt: &at}
}

func heldError(l models.Lock) error {
	e := &HeldError{Key: l.Key, LockedBy: deref(l.LockedBy)}
	if l.LockedAt != nil {
		e.LockedAt = *l.LockedAt
	}
	return e
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
