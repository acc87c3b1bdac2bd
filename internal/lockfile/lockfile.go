// Package lockfile guards the MealPipe state directory against concurrent
// instances.
//
// Two processes sharing one state directory would race on the SQLite database
// and the session cache, so startup takes an exclusive flock on a well-known
// file. The kernel releases the lock when the process exits, gracefully or
// not, so a crash never leaves the directory permanently locked.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "mealpipe.lock"

// Lock is an acquired state-directory lock.
type Lock struct {
	file     *os.File
	path     string
	acquired bool
}

// Acquire takes an exclusive lock on the state directory, creating it if
// needed. When another instance holds the lock, the returned error describes
// the holder and whether its process is still alive.
func Acquire(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	path := filepath.Join(stateDir, LockFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := describeHolder(path)
		file.Close()
		slog.Error("lockfile.Acquire: state directory already locked", "path", path, "holder", holder)
		return nil, &HeldError{Path: path, Holder: holder, Cause: err}
	}

	// Record the holder for diagnostics. Truncate only after the lock is
	// ours; truncating first would wipe the live holder's record.
	if err := file.Truncate(0); err == nil {
		fmt.Fprintf(file, "pid=%d started=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
		file.Sync()
	}

	slog.Info("lockfile.Acquire: state directory locked", "path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path, acquired: true}, nil
}

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("lockfile.Release: failed to release flock", "error", err, "path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("lockfile.Release: failed to close lock file", "error", err, "path", l.path)
	}
	if err := os.Remove(l.path); err != nil {
		// Not critical: the flock itself is already gone.
		slog.Warn("lockfile.Release: failed to remove lock file", "error", err, "path", l.path)
	}
	l.acquired = false
	l.file = nil
	slog.Info("lockfile.Release: state directory unlocked", "path", l.path)
	return nil
}

// HeldError reports a lock held by another MealPipe instance.
type HeldError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *HeldError) Error() string {
	msg := fmt.Sprintf("another MealPipe instance is using this state directory (lock file: %s)", e.Path)
	if e.Holder != "" {
		msg += fmt.Sprintf("; held by %s", e.Holder)
	}
	msg += fmt.Sprintf(". If no other instance is running the lock is stale and can be removed with: rm %s", e.Path)
	return msg
}

func (e *HeldError) Unwrap() error { return e.Cause }

// describeHolder reads the lock file written by the holding process and
// reports whether that process is still alive.
func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return ""
	}
	content := strings.TrimSpace(string(data))
	pid := parsePID(content)
	if pid <= 0 {
		return content
	}
	if processAlive(pid) {
		return fmt.Sprintf("PID %d (running)", pid)
	}
	return fmt.Sprintf("PID %d (not running, stale lock)", pid)
}

// parsePID extracts the pid=N field from lock file content.
func parsePID(content string) int {
	for _, field := range strings.Fields(content) {
		if v, ok := strings.CutPrefix(field, "pid="); ok {
			if pid, err := strconv.Atoi(v); err == nil {
				return pid
			}
		}
	}
	return 0
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
