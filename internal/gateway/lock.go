package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// InstanceLock is a pid file preventing two gateways from sharing one
// data directory (and its sqlite database).
type InstanceLock struct {
	path string
}

// AcquireLock writes the pid file, refusing when another live process
// holds it. A stale file from a dead pid is replaced.
func AcquireLock(dataDir string) (*InstanceLock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "gateway.lock")

	if data, err := os.ReadFile(path); err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr == nil && pid > 0 && pidAlive(pid) {
			return nil, fmt.Errorf("another gateway (pid %d) holds %s", pid, path)
		}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &InstanceLock{path: path}, nil
}

// Release removes the pid file.
func (l *InstanceLock) Release() error {
	return os.Remove(l.path)
}

// pidAlive probes the pid with signal 0.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
