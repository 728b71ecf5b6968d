//go:build unix

package terraform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"caflz/api/model"
)

const lockFile = ".caflz.lock"

// workspaceLock is an exclusive flock on a workspace. It guards against a
// second service instance working the same directory.
type workspaceLock struct {
	f *os.File
}

func lockWorkspace(dir string) (*workspaceLock, error) {
	f, err := os.OpenFile(filepath.Join(dir, lockFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open workspace lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: workspace %s is locked", model.ErrDeploymentAlreadyInFlight, dir)
		}
		return nil, fmt.Errorf("lock workspace: %w", err)
	}
	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &workspaceLock{f: f}, nil
}

// Release is safe to call more than once.
func (l *workspaceLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
