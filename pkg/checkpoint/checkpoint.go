// Package checkpoint persists council run state so a thread can resume
// after a crash or a human-approval pause. Two backends are supported
// behind a common Store interface: an embedded SQL store for single-node
// deployments, and a Redis-backed store for multi-node deployments that
// also need a distributed lock.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Checkpoint is one saved snapshot of a thread's state at a given step.
type Checkpoint struct {
	ThreadID  string    `json:"thread_id"`
	Step      int       `json:"step"`
	State     []byte    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrNonSerializableState is returned when the caller's state value cannot
// be marshaled to JSON for persistence.
var ErrNonSerializableState = errors.New("checkpoint: state is not JSON-serializable")

// ErrNotFound is returned when no checkpoint exists for the requested
// thread (and, if given, step).
var ErrNotFound = errors.New("checkpoint: not found")

// Marshal is a convenience for callers building a Checkpoint from an
// arbitrary state value.
func Marshal(threadID string, step int, state any) (Checkpoint, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %v", ErrNonSerializableState, err)
	}
	return Checkpoint{ThreadID: threadID, Step: step, State: data, Timestamp: time.Now()}, nil
}

// Unmarshal decodes a checkpoint's state into dest.
func (c Checkpoint) Unmarshal(dest any) error {
	return json.Unmarshal(c.State, dest)
}

// Store is the persistence boundary checkpoint backends implement.
type Store interface {
	// Initialize prepares the backend (e.g. creates tables) and must be
	// idempotent.
	Initialize(ctx context.Context) error
	// Save persists a checkpoint, becoming the new latest for its thread.
	Save(ctx context.Context, cp Checkpoint) error
	// Load returns the latest checkpoint for threadID.
	Load(ctx context.Context, threadID string) (Checkpoint, error)
	// LoadAtStep returns the checkpoint for threadID at the given step.
	LoadAtStep(ctx context.Context, threadID string, step int) (Checkpoint, error)
	// ListCheckpoints returns every checkpoint recorded for threadID,
	// ordered by step ascending.
	ListCheckpoints(ctx context.Context, threadID string) ([]Checkpoint, error)
	// DeleteThread removes every checkpoint recorded for threadID.
	DeleteThread(ctx context.Context, threadID string) error
}
