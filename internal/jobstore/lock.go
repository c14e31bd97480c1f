package jobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// TickLock wraps scheduler.lock: an advisory filesystem lock that
// serializes scheduler ticks across processes (spec.md §4.2, §5). A tick
// acquires it exclusively; operator read commands may acquire it shared.
type TickLock struct {
	fl *flock.Flock
}

func NewTickLock(path string) *TickLock {
	return &TickLock{fl: flock.New(path)}
}

// LockExclusive blocks (bounded by ctx) until the exclusive lock is held,
// used by the scheduler's single tick function.
func (t *TickLock) LockExclusive(ctx context.Context) (func(), error) {
	locked, err := t.fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquire scheduler.lock exclusive: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("acquire scheduler.lock exclusive: lock not acquired")
	}
	return func() { _ = t.fl.Unlock() }, nil
}

// TryLockExclusive acquires without blocking, returning ok=false if another
// tick currently holds the lock rather than waiting.
func (t *TickLock) TryLockExclusive() (unlock func(), ok bool, err error) {
	locked, err := t.fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("try-acquire scheduler.lock exclusive: %w", err)
	}
	if !locked {
		return nil, false, nil
	}
	return func() { _ = t.fl.Unlock() }, true, nil
}

// LockShared is used by operator read commands that only inspect state.
func (t *TickLock) LockShared(_ context.Context) (func(), error) {
	if err := t.fl.RLock(); err != nil {
		return nil, fmt.Errorf("acquire scheduler.lock shared: %w", err)
	}
	return func() { _ = t.fl.Unlock() }, nil
}

// WaitExclusive polls TryLockExclusive until it succeeds or ctx expires,
// used when an operator command needs a state-transition lock but should
// not starve an in-flight tick indefinitely.
func (t *TickLock) WaitExclusive(ctx context.Context, poll time.Duration) (func(), error) {
	for {
		unlock, ok, err := t.TryLockExclusive()
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire scheduler.lock: %w", ctx.Err())
		case <-time.After(poll):
		}
	}
}
