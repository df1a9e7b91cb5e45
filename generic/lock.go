package generic

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// releaseTimeout bounds the unlock round-trip after the caller's work is done.
const releaseTimeout = 2 * time.Second

// WithLock acquires key, runs fn and releases the lease on every exit path,
// including a panic in fn. Release runs on a context detached from ctx so a
// cancelled request still frees its lock.
//
// A release failure never overrides fn's result: an expired lease is logged
// as a warning because the work may have overlapped with the next holder.
func WithLock(ctx context.Context, locker Locker, key string, wait, lease time.Duration, log logrus.FieldLogger, fn func(ctx context.Context) error) error {
	held, err := locker.Acquire(ctx, key, wait, lease)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if rerr := held.Release(rctx); rerr != nil && log != nil {
			entry := log.WithField("lock_key", key).WithError(rerr)
			if errors.Is(rerr, ErrLockNotHeld) {
				entry.Warn("lock lease expired before release")
			} else {
				entry.Error("lock release failed")
			}
		}
	}()
	return fn(ctx)
}
