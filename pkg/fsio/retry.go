package fsio

import (
	"errors"
	"syscall"
	"time"
)

// maxAttempts bounds the retry budget per write phase.
const maxAttempts = 3

// retryBase is the backoff unit; attempt n waits retryBase << n.
const retryBase = 100 * time.Millisecond

// IsTransient classifies filesystem errors worth retrying. Anything else
// aborts the operation and leaves recovery to the journal.
func IsTransient(err error) bool {
	for _, errno := range []syscall.Errno{
		syscall.EAGAIN,
		syscall.EINTR,
		syscall.EBUSY,
		syscall.ENFILE,
		syscall.EMFILE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// WithRetry runs fn with bounded exponential backoff on transient errors.
func WithRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBase << attempt)
		}
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
	}
	return err
}
