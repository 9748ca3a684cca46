// Package lockfile implements the two file-existence locks the optimizer
// honours: the transfer gate written by an external bulk-transfer job, and the
// optimizer's own single-instance lock.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ErrLocked is returned by Acquire when another instance holds the lock.
var ErrLocked = errors.New("instance lock held")

// Gate reports whether the external transfer lock file exists. An empty path
// disables the gate.
type Gate struct {
	fs   afero.Fs
	path string
}

func NewGate(fs afero.Fs, path string) *Gate {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Gate{fs: fs, path: strings.TrimSpace(path)}
}

func (g *Gate) Held() (bool, error) {
	if g == nil || g.path == "" {
		return false, nil
	}
	ok, err := afero.Exists(g.fs, g.path)
	if err != nil {
		return false, fmt.Errorf("stat gate %s: %w", g.path, err)
	}
	return ok, nil
}

func (g *Gate) Path() string { return g.path }

// InstanceLock is a pid file guarding against a second optimizer process.
type InstanceLock struct {
	fs     afero.Fs
	path   string
	logger *logrus.Entry

	mu   sync.Mutex
	held bool
}

func NewInstanceLock(fs afero.Fs, path string, logger *logrus.Logger) *InstanceLock {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &InstanceLock{fs: fs, path: strings.TrimSpace(path), logger: logger.WithField("component", "lockfile")}
}

// Acquire writes the current pid to the lock file. It fails with ErrLocked if
// the file already exists.
func (l *InstanceLock) Acquire() error {
	if l.path == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "." {
		if err := l.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create lock dir: %w", err)
		}
	}
	f, err := l.fs.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if exists, _ := afero.Exists(l.fs, l.path); exists {
			owner, _ := l.Owner()
			return fmt.Errorf("%w: %s (pid %d)", ErrLocked, l.path, owner)
		}
		return fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	l.held = true
	l.logger.Infof("created lock file at %s", l.path)
	return nil
}

// Owner returns the pid recorded in the lock file.
func (l *InstanceLock) Owner() (int, error) {
	data, err := afero.ReadFile(l.fs, l.path)
	if err != nil {
		return 0, fmt.Errorf("read lock file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse lock file: %w", err)
	}
	return pid, nil
}

// Release removes the lock file if this process created it.
func (l *InstanceLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	if err := l.fs.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	l.held = false
	l.logger.Infof("removed lock file %s", l.path)
	return nil
}
