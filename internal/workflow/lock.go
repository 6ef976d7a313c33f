package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const lockFileMode = 0o600

// fileLock is an exclusive advisory lock on a sidecar file. It serializes
// read-modify-write cycles across independent processes.
type fileLock struct {
	file *os.File
}

// backoff describes the bounded retry schedule for lock acquisition.
type backoff struct {
	attempts int
	base     time.Duration
	max      time.Duration
}

func (b backoff) delay(attempt int) time.Duration {
	d := b.base << attempt
	if d <= 0 || d > b.max {
		return b.max
	}
	return d
}

// acquireLock takes LOCK_EX on path, retrying non-blocking attempts with
// exponential backoff. It returns ErrBusy once attempts are exhausted and
// the context error if ctx ends first.
func acquireLock(ctx context.Context, path string, b backoff) (*fileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFileMode)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock %s: %v", ErrIOFailure, path, err)
	}

	for attempt := 0; ; attempt++ {
		err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &fileLock{file: file}, nil
		}
		if !isLockBusy(err) {
			_ = file.Close()
			return nil, fmt.Errorf("%w: lock %s: %v", ErrIOFailure, path, err)
		}
		if attempt+1 >= b.attempts {
			_ = file.Close()
			return nil, fmt.Errorf("%w: lock %s held after %d attempts", ErrBusy, path, b.attempts)
		}

		timer := time.NewTimer(b.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = file.Close()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// release drops the lock and closes the file.
func (l *fileLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	return errors.Join(unlockErr, closeErr)
}

func isLockBusy(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}
