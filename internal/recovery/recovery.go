// Package recovery repairs persisted state left behind when ScanPipe stops
// without a clean shutdown. Components register a Recoverable and the
// RecoveryManager runs them once at startup, before the station takes input.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/BTreeMap/ScanPipe/internal/store"
)

// InterruptedMessage is the LastError written to runs that were cut short.
const InterruptedMessage = "Interrupted by a restart before the report was generated."

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	store store.Store
	now   func() time.Time
}

// NewRecoveryRegistry creates a new recovery registry
func NewRecoveryRegistry(st store.Store) *RecoveryRegistry {
	return &RecoveryRegistry{store: st, now: time.Now}
}

// GetStore provides access to the store for recovery operations
func (r *RecoveryRegistry) GetStore() store.Store {
	return r.store
}

// Now returns the recovery clock.
func (r *RecoveryRegistry) Now() time.Time {
	return r.now()
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(st store.Store) *RecoveryManager {
	return &RecoveryManager{registry: NewRecoveryRegistry(st)}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll performs recovery of all registered components
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := recoverable.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", fmt.Sprintf("%T", recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return nil
}

// GetRegistry provides access to the recovery registry for infrastructure setup
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}

// InterruptedRuns marks runs that were still capturing or uploading as failed.
// The images of such a run stay on disk and in the record, but the session
// that owned them is gone, so the run can only be redone.
type InterruptedRuns struct {
	// Limit bounds how many recent runs are inspected; 0 uses the store default.
	Limit int
}

// RecoverState implements Recoverable.
func (r InterruptedRuns) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	st := registry.GetStore()
	if st == nil {
		return fmt.Errorf("no store available for run recovery")
	}
	runs, err := st.ListRuns(r.Limit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	marked := 0
	for _, run := range runs {
		if !interrupted(run.State) {
			continue
		}
		slog.Warn("InterruptedRuns.RecoverState: marking run failed", "run_id", run.ID, "state", run.State, "images", len(run.Images))
		run.State = models.StateFailed
		run.LastError = InterruptedMessage
		run.UpdatedAt = registry.Now()
		if err := st.SaveRun(run); err != nil {
			return fmt.Errorf("failed to save run %s: %w", run.ID, err)
		}
		marked++
	}
	if marked > 0 {
		slog.Info("InterruptedRuns.RecoverState: runs marked failed", "count", marked)
	}
	return nil
}

func interrupted(state models.SessionState) bool {
	switch state {
	case models.StateCapturing, models.StateAllCaptured, models.StateUploading:
		return true
	}
	return false
}

// StaleOutbox requeues notifications that were mid-send when the process stopped.
type StaleOutbox struct {
	Sender *store.OutboxSender
}

// RecoverState implements Recoverable.
func (r StaleOutbox) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	if r.Sender == nil {
		return nil
	}
	if err := r.Sender.RecoverStaleMessages(); err != nil {
		return fmt.Errorf("failed to requeue stale notifications: %w", err)
	}
	return nil
}
