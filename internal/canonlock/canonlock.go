// Package canonlock implements the file-system advisory lock that pins one
// running engine instance to one canonical market, per §4.5.
package canonlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrHeldByLiveInstance is returned by TryAcquire when another running
// instance already owns the lock.
var ErrHeldByLiveInstance = errors.New("canonlock: held by a live instance")

// payload is the JSON content written into the lock file.
type payload struct {
	PID        int       `json:"pid"`
	RunID      string    `json:"run_id"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is an acquired canonical-market lock. Release must be called exactly
// once, typically via a deferred call at shutdown.
type Lock struct {
	path string
}

// lockDir returns {projectRoot}/.locks.
func lockDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".locks")
}

func lockPath(projectRoot, canonicalMarket string) string {
	return filepath.Join(lockDir(projectRoot), canonicalMarket+".lock")
}

// TryAcquire attempts to take the lock for (projectRoot, canonicalMarket).
// A stale lock left by a crashed process (its PID no longer alive) is
// reclaimed automatically; a lock held by a live PID returns
// ErrHeldByLiveInstance.
func TryAcquire(projectRoot, canonicalMarket, runID string) (*Lock, error) {
	dir := lockDir(projectRoot)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("canonlock: creating lock directory: %w", err)
	}

	path := lockPath(projectRoot, canonicalMarket)

	if existing, err := readPayload(path); err == nil {
		if pidAlive(existing.PID) {
			return nil, ErrHeldByLiveInstance
		}
		// Stale lock from a crashed instance: fall through and reclaim it.
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("canonlock: reading existing lock: %w", err)
	}

	hostname, _ := os.Hostname()
	p := payload{
		PID:        os.Getpid(),
		RunID:      runID,
		Hostname:   hostname,
		AcquiredAt: time.Now().UTC(),
	}
	if err := writeAtomic(path, p); err != nil {
		return nil, fmt.Errorf("canonlock: writing lock: %w", err)
	}

	return &Lock{path: path}, nil
}

// Release removes the lock file. A missing file is not an error — it means
// the lock was already released or reclaimed by a newer instance.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("canonlock: releasing lock: %w", err)
	}
	return nil
}

func readPayload(path string) (payload, error) {
	var p payload
	data, err := os.ReadFile(path) // #nosec G304 -- path is derived from our own project-root + canonical market
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("canonlock: parsing lock payload: %w", err)
	}
	return p, nil
}

// pidAlive probes liveness with the POSIX "send signal 0" convention: no
// error means the process exists and is signalable by us.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// writeAtomic writes p to path via the teacher's temp-file + fsync +
// rename pattern (internal/storage.saveUnsafe), so a crash mid-write never
// leaves a half-written lock file that a liveness probe can misread.
func writeAtomic(path string, p payload) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".canonlock-*")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmpName)
	}()

	if err := f.Chmod(0o600); err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(p); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	tmpName = ""

	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
	return nil
}
