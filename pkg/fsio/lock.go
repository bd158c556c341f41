package fsio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/Mindburn-Labs/govern/pkg/errcode"
)

// DefaultLockTimeout bounds how long a caller waits for an advisory lock
// before the conflict is surfaced to the operator.
const DefaultLockTimeout = 10 * time.Second

// lockPollInterval is the flock retry cadence while waiting.
const lockPollInterval = 250 * time.Millisecond

// Unlock releases an acquired lock. Safe to call exactly once.
type Unlock func()

// AcquireLock takes an exclusive OS advisory lock on path, waiting up to
// the context deadline (or DefaultLockTimeout if none). The lock file is
// created if absent and is never deleted; the OS drops the lock when the
// holder exits, so a crashed holder cannot wedge the system.
func AcquireLock(ctx context.Context, path string) (Unlock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err))
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultLockTimeout)
		defer cancel()
	}

	fl := flock.New(path)
	ok, err := fl.TryLockContext(ctx, lockPollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errcode.New(errcode.ConcurrencyConflict, "", "lock on %s not acquired within deadline", path)
		}
		return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("flock %s: %w", path, err))
	}
	if !ok {
		return nil, errcode.New(errcode.ConcurrencyConflict, "", "lock on %s held by another process", path)
	}
	return func() { _ = fl.Unlock() }, nil
}
