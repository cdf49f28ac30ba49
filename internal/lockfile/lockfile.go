// Package lockfile keeps two ScanPipe processes from driving the same station.
//
// The lock is an flock on a file in the state directory, so the kernel drops it
// when the process exits for any reason. The file records who holds it.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/ini.v1"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "scanpipe.lock"

// Info describes the process holding a lock.
type Info struct {
	PID     int       `ini:"pid"`
	Host    string    `ini:"host"`
	Station string    `ini:"station"`
	Started time.Time `ini:"started"`
}

// Lock represents an active state directory lock
type Lock struct {
	file *os.File
	path string
	info Info
}

// AcquireLock takes an exclusive lock on stateDir for station. If another
// process holds it, a *LockError describing that process is returned.
func AcquireLock(stateDir, station string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("AcquireLock: acquiring", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	// Not truncated before locking so a conflict can still report the holder.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		holder, readErr := ReadInfo(lockPath)
		if readErr != nil {
			slog.Debug("AcquireLock: could not read holder", "error", readErr)
		}
		slog.Error("AcquireLock: another ScanPipe instance holds the lock", "lock_path", lockPath, "holder_pid", holder.PID)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	host, _ := os.Hostname()
	info := Info{PID: os.Getpid(), Host: host, Station: station, Started: time.Now().UTC().Truncate(time.Second)}
	if err := writeInfo(file, info); err != nil {
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("AcquireLock: lock acquired", "lock_path", lockPath, "pid", info.PID, "station", station)
	return &Lock{file: file, path: lockPath, info: info}, nil
}

// Info returns what was written to the lock file.
func (l *Lock) Info() Info {
	return l.info
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	// Remove while still holding the lock so no other process locks the old inode.
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		errs = append(errs, err)
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, err)
	}
	l.file = nil
	if err := errors.Join(errs...); err != nil {
		slog.Error("Lock.Release: release incomplete", "lock_path", l.path, "error", err)
		return fmt.Errorf("failed to release lock %s: %w", l.path, err)
	}
	slog.Info("Lock.Release: lock released", "lock_path", l.path)
	return nil
}

func writeInfo(file *os.File, info Info) error {
	cfg := ini.Empty()
	if err := cfg.Section("").ReflectFrom(&info); err != nil {
		return err
	}
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}
	if _, err := cfg.WriteTo(file); err != nil {
		return err
	}
	return file.Sync()
}

// ReadInfo parses the holder information from a lock file.
func ReadInfo(lockPath string) (Info, error) {
	var info Info
	cfg, err := ini.Load(lockPath)
	if err != nil {
		return info, fmt.Errorf("failed to read lock file %s: %w", lockPath, err)
	}
	if err := cfg.Section("").MapTo(&info); err != nil {
		return info, fmt.Errorf("failed to parse lock file %s: %w", lockPath, err)
	}
	return info, nil
}

// Running reports whether the process with pid exists.
func Running(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// LockError is returned when another process holds the lock.
type LockError struct {
	LockPath string
	Holder   Info
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another ScanPipe instance is already running with this state directory (lock file %s)", e.LockPath)
	if e.Holder.PID > 0 {
		state := "running"
		if !Running(e.Holder.PID) {
			state = "not running"
		}
		msg += fmt.Sprintf("; held by PID %d (%s)", e.Holder.PID, state)
		if e.Holder.Station != "" {
			msg += fmt.Sprintf(" for station %q", e.Holder.Station)
		}
		if !e.Holder.Started.IsZero() {
			msg += " since " + e.Holder.Started.Format(time.RFC3339)
		}
	}
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}
