package eventstore

import (
	"fmt"
	"os"
	"time"
)

const (
	// lockRetryInterval is how often acquisition retries while another
	// process holds the lock.
	lockRetryInterval = 25 * time.Millisecond

	// lockStaleAfter is the age past which a lock file is considered
	// abandoned by a crashed process and broken.
	lockStaleAfter = 30 * time.Second
)

// ErrLockTimeout is returned when the feature lock cannot be acquired.
var ErrLockTimeout = fmt.Errorf("timed out waiting for feature lock")

// fileLock serializes event-log writes across processes via an exclusive
// sibling lock file (O_CREATE|O_EXCL).
type fileLock struct {
	path string
}

// acquireLock takes the lock at path, waiting up to timeout. Stale locks
// older than lockStaleAfter are broken.
func acquireLock(path string, timeout time.Duration) (*fileLock, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return &fileLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		if info, statErr := os.Stat(path); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleAfter {
				_ = os.Remove(path)
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, path)
		}
		time.Sleep(lockRetryInterval)
	}
}

// release removes the lock file.
func (l *fileLock) release() {
	_ = os.Remove(l.path)
}
