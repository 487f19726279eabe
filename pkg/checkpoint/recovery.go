package checkpoint

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// PendingRun describes a thread that has a resumable checkpoint on disk.
type PendingRun struct {
	ThreadID string
	Step     int
}

// RecoveryManager scans a Store for resumable threads on process startup,
// the way a node restarting after a crash needs to know what it was in the
// middle of before accepting new work.
type RecoveryManager struct {
	store  Store
	logger hclog.Logger
}

// NewRecoveryManager wraps store. A nil logger falls back to hclog's
// default, matching the teacher's pattern of an optional diagnostic sink
// alongside the primary slog logger rather than a required dependency.
func NewRecoveryManager(store Store, logger hclog.Logger) *RecoveryManager {
	if logger == nil {
		logger = hclog.Default().Named("checkpoint.recovery")
	}
	return &RecoveryManager{store: store, logger: logger}
}

// ScanPending checks each of threadIDs for a saved checkpoint and returns
// the ones that have one, logging what it found. Threads with no
// checkpoint are silently skipped; any other error aborts the scan.
func (m *RecoveryManager) ScanPending(ctx context.Context, threadIDs []string) ([]PendingRun, error) {
	var pending []PendingRun
	for _, id := range threadIDs {
		cp, err := m.store.Load(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("checkpoint: recovery scan for %q: %w", id, err)
		}
		m.logger.Info("found resumable checkpoint", "thread_id", id, "step", cp.Step)
		pending = append(pending, PendingRun{ThreadID: id, Step: cp.Step})
	}
	if len(pending) == 0 {
		m.logger.Debug("no resumable checkpoints found", "threads_checked", len(threadIDs))
	}
	return pending, nil
}
