// Package pidfile implements the daemon's PID-file discipline: startup
// refuses when the file names a live process, otherwise the file is written
// and removed again on every shutdown path.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned by Acquire when the PID file references a
// live process.
var ErrAlreadyRunning = errors.New("pidfile: process already running")

// File is an acquired PID file. Release it on all exit paths.
type File struct {
	path string
	lock *flock.Flock
}

// Acquire takes the PID file at path. A sibling lock file serialises the
// check-then-write against a concurrently starting daemon; a stale PID file
// left by a crashed process is overwritten.
func Acquire(path string) (*File, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("pidfile: lock %q: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %q is locked", ErrAlreadyRunning, path)
	}

	release := func() {
		_ = lock.Unlock()
	}

	if data, err := os.ReadFile(path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pid > 0 && processAlive(pid) {
			release()
			return nil, fmt.Errorf("%w: pid %d", ErrAlreadyRunning, pid)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		release()
		return nil, fmt.Errorf("pidfile: read %q: %w", path, err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		release()
		return nil, fmt.Errorf("pidfile: write %q: %w", path, err)
	}
	return &File{path: path, lock: lock}, nil
}

// Release removes the PID file and drops the lock. It is safe to call
// more than once.
func (f *File) Release() {
	if f == nil {
		return
	}
	_ = os.Remove(f.path)
	if f.lock != nil {
		_ = f.lock.Unlock()
		f.lock = nil
	}
}

// processAlive reports whether pid names a live process we could signal.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
