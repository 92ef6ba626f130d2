package restart

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// AlreadyLockedError is returned when another restart of the same job holds
// the lock.
var AlreadyLockedError = errors.New("another restart is already running")

var flockFn = unix.Flock

// lockPath places the advisory lock under the system temporary directory
// unless the configuration says otherwise.
func lockPath(configured, jobName string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(os.TempDir(), "relaunch-"+jobName+".lock")
}

// acquireLock takes an exclusive advisory lock guarding the restart
// sequence. Two concurrent sequences would race on log rotation and could
// end up submitting the job twice. The lock dies with the descriptor, a
// crashed holder does not wedge future restarts.
func acquireLock(path string) (release func(), err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot open lock file: %v", err)
	}
	if err := flockFn(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, AlreadyLockedError
		}
		return nil, fmt.Errorf("cannot lock %v: %v", path, err)
	}
	return func() {
		f.Close()
	}, nil
}
