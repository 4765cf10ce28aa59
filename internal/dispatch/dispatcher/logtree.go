package dispatcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/dispatchd/internal/dispatch/bus"
)

// LogTree manages the append-only per-(job,task) log files under a job's
// log directory, plus an "active" marker per task that goes false after
// the task finalizes and a grace period elapses. Grounded on rmake's log
// directory layout (spec.md §6's "Persisted layout"): one subtree per job,
// one leaf file per task.
type LogTree struct {
	mu      sync.Mutex
	rootDir string
	grace   time.Duration
	// inactiveAt holds the time a task's marker should flip false; a zero
	// value means the task is still active (not yet final).
	inactiveAt map[uuid.UUID]time.Time
}

// NewLogTree creates a log tree rooted at rootDir, where task activity
// markers stay true for grace after the task finalizes.
func NewLogTree(rootDir string, grace time.Duration) *LogTree {
	return &LogTree{rootDir: rootDir, grace: grace, inactiveAt: make(map[uuid.UUID]time.Time)}
}

func (lt *LogTree) taskPath(jobUUID, taskUUID uuid.UUID) string {
	return filepath.Join(lt.rootDir, jobUUID.String(), taskUUID.String()+".log")
}

// Activate marks taskUUID's log node as active and ensures its log file
// exists.
func (lt *LogTree) Activate(jobUUID, taskUUID uuid.UUID) error {
	lt.mu.Lock()
	delete(lt.inactiveAt, taskUUID)
	lt.mu.Unlock()

	path := lt.taskPath(jobUUID, taskUUID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("log tree: activate %s: %w", taskUUID, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("log tree: activate %s: %w", taskUUID, err)
	}
	return f.Close()
}

// Deactivate starts the grace period for taskUUID's marker after it
// finalizes; IsActive keeps reporting true until grace elapses.
func (lt *LogTree) Deactivate(taskUUID uuid.UUID) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.inactiveAt[taskUUID] = time.Now().Add(lt.grace)
}

// IsActive reports whether taskUUID's log node is still within its active
// window.
func (lt *LogTree) IsActive(taskUUID uuid.UUID) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	at, deactivating := lt.inactiveAt[taskUUID]
	if !deactivating {
		return true
	}
	return time.Now().Before(at)
}

// Append writes records to their task's log file.
func (lt *LogTree) Append(jobUUID uuid.UUID, records []bus.LogRecord) error {
	for _, rec := range records {
		taskUUID, err := uuid.Parse(rec.TaskUUID)
		if err != nil {
			continue
		}
		path := lt.taskPath(jobUUID, taskUUID)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("log tree: append %s: %w", taskUUID, err)
		}
		_, werr := fmt.Fprintf(f, "[%s] %s\n", rec.Stream, rec.Line)
		cerr := f.Close()
		if werr != nil {
			return werr
		}
		if cerr != nil {
			return cerr
		}
	}
	return nil
}

// Close removes job's whole log subtree, used when a final job is deleted.
func (lt *LogTree) Close(jobUUID uuid.UUID) error {
	return os.RemoveAll(filepath.Join(lt.rootDir, jobUUID.String()))
}
