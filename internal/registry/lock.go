package registry

import (
	"os"
	"time"

	"github.com/buffquant/buffrun/internal/apperr"
)

// lockPollInterval is the sleep between non-blocking acquisition attempts.
const lockPollInterval = 25 * time.Millisecond

// FileLock is a portable advisory file lock. On unix it is flock(2); other
// platforms fall back to exclusive lock-file creation.
type FileLock struct {
	path string
	file *os.File

	// Poll overrides the sleep between acquisition attempts.
	Poll time.Duration
}

// NewFileLock creates a lock handle for path. Nothing is acquired yet.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path, Poll: lockPollInterval}
}

// Acquire takes the lock, polling with short sleeps until the timeout
// elapses. timeoutCode selects the 503 code surfaced on timeout.
func (l *FileLock) Acquire(timeout time.Duration, timeoutCode string) error {
	deadline := time.Now().Add(timeout)
	for {
		acquired, err := l.tryAcquire()
		if err != nil {
			return apperr.Wrap(apperr.CodeRegistryWriteFailed, 500, "cannot open lock file", err)
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.Newf(timeoutCode, 503, "timed out acquiring lock %s", l.path)
		}
		time.Sleep(l.Poll)
	}
}

// Release drops the lock. Safe to call on an unacquired lock.
func (l *FileLock) Release() {
	if l.file == nil {
		return
	}
	l.release()
	l.file = nil
}
