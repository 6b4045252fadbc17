//go:build !windows

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

type instanceLock struct {
	lock *flock.Flock
	path string
}

func (l *instanceLock) Release() error {
	if l == nil || l.lock == nil || !l.lock.Locked() {
		return nil
	}
	if err := os.Truncate(l.path, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear instance lock: %w", err)
	}
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock instance lock: %w", err)
	}
	return nil
}

// acquireInstanceLock takes the lock for scope. When another process holds
// it, holder describes that process and the lock is nil.
func acquireInstanceLock(scope string) (*instanceLock, string, error) {
	lockPath, err := instanceLockPath(scope)
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, "", fmt.Errorf("create lock directory: %w", err)
	}
	f := flock.New(lockPath)
	locked, err := f.TryLock()
	if err != nil {
		return nil, "", fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return nil, lockHolder(lockPath), nil
	}
	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = f.Unlock()
		return nil, "", fmt.Errorf("record instance pid: %w", err)
	}
	return &instanceLock{lock: f, path: lockPath}, "", nil
}

func lockHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "another process"
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return "another process"
	}
	return "pid " + strconv.Itoa(pid)
}

func instanceLockPath(scope string) (string, error) {
	root, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config directory: %w", err)
	}
	return filepath.Join(root, "tunesync", "locks", scope+".lock"), nil
}
