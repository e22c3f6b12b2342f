// Package pid tracks the running daemon through a pid file so the CLI can
// stop or restart it without searching the process table by name.
package pid

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/pwmfan/internal/errors"
	"golang.org/x/sys/unix"
)

const (
	filePerm     = 0o644
	dirPerm      = 0o755
	pollInterval = 100 * time.Millisecond
)

// Write records the current process in path. It refuses when the file names
// another live process; a stale file is replaced.
func Write(path string) error {
	errFactory := errors.New()

	if existing, err := Read(path); err == nil && existing != os.Getpid() && Alive(existing) {
		return errFactory.WithData(errors.ErrAlreadyRunning, existing)
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), filePerm); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Read returns the pid stored in path.
func Read(path string) (int, error) {
	errFactory := errors.New()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, errFactory.New(errors.ErrNotRunning)
	}
	if err != nil {
		return 0, errFactory.Wrap(errors.ErrInternal, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errFactory.WithData(errors.ErrInternal, "corrupt pid file "+path)
	}

	return pid, nil
}

// Remove removes the pid file, ignoring a missing one.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Alive reports whether a process with the given pid exists.
func Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// Stop sends SIGTERM to the process recorded in path and waits until it has
// exited or ctx is done.
func Stop(ctx context.Context, path string) (int, error) {
	errFactory := errors.New()

	pid, err := Read(path)
	if err != nil {
		return 0, err
	}

	if !Alive(pid) {
		if err := Remove(path); err != nil {
			return pid, err
		}
		return pid, errFactory.WithData(errors.ErrNotRunning, pid)
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return pid, errFactory.Wrap(errors.ErrShutdownFailed, err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for Alive(pid) {
		select {
		case <-ctx.Done():
			return pid, errFactory.Wrap(errors.ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
	}

	return pid, nil
}
