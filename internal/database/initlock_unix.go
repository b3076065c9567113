//go:build unix

package database

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const initLockPoll = 50 * time.Millisecond

type initLock struct {
	f *os.File
}

// acquireInitLock takes an exclusive flock on <dbPath>.init.lock, polling
// until timeout. The lock is released when the process exits even if release
// is never called.
func acquireInitLock(dbPath string, timeout time.Duration) (*initLock, error) {
	f, err := os.OpenFile(dbPath+".init.lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening init lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &initLock{f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("flock: %w", err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("timed out after %s waiting for init lock", timeout)
		}
		time.Sleep(initLockPoll)
	}
}

func (l *initLock) release() {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
}
