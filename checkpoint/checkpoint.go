// Package checkpoint snapshots and restores execution state through the
// state store. A checkpoint is a full serialized ExecutionState (tracker
// log and shared context included); restore fully replaces live state.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelierhq/atelier/statestore"
	"github.com/atelierhq/atelier/workflow"
)

const checkpointKeySep = ":"

// Manager owns checkpoint lifecycle for one workflow. Writes serialize
// under an exclusive lock so a checkpoint never interleaves with another
// state write.
type Manager struct {
	mu         sync.Mutex
	store      statestore.Store
	workflowID string
}

func NewManager(store statestore.Store, workflowID string) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("checkpoint manager requires a state store")
	}
	if workflowID == "" {
		return nil, fmt.Errorf("checkpoint manager requires a workflow id")
	}
	return &Manager{store: store, workflowID: workflowID}, nil
}

// ============================================================================
// CHECKPOINT OPERATIONS
// ============================================================================

// Create persists a named checkpoint of the given state snapshot.
func (m *Manager) Create(name string, state *workflow.ExecutionState) (workflow.CheckpointRef, error) {
	if state == nil {
		return workflow.CheckpointRef{}, fmt.Errorf("cannot checkpoint nil state")
	}

	ref := workflow.CheckpointRef{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	// The stored blob records its own descriptor, so a restored state
	// knows which checkpoints exist.
	snapshot := state.Clone()
	snapshot.Checkpoints = append(snapshot.Checkpoints, ref)

	blob, err := json.Marshal(snapshot)
	if err != nil {
		return workflow.CheckpointRef{}, fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Save(m.checkpointKey(ref.ID), blob); err != nil {
		return workflow.CheckpointRef{}, fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	return ref, nil
}

// List returns this workflow's stored checkpoint ids, sorted.
func (m *Manager) List() ([]string, error) {
	ids, err := m.store.List()
	if err != nil {
		return nil, err
	}

	prefix := m.workflowID + checkpointKeySep
	var out []string
	for _, id := range ids {
		if strings.HasPrefix(id, prefix) {
			out = append(out, strings.TrimPrefix(id, prefix))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Restore loads a checkpoint by id and deserializes it. The caller applies
// it via Executor.RestoreState, which replaces live state entirely.
func (m *Manager) Restore(checkpointID string) (*workflow.ExecutionState, error) {
	blob, err := m.store.Load(m.checkpointKey(checkpointID))
	if err != nil {
		return nil, err
	}

	var state workflow.ExecutionState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	if state.SchemaVersion != workflow.SchemaVersion {
		return nil, fmt.Errorf("checkpoint schema version %d does not match engine version %d",
			state.SchemaVersion, workflow.SchemaVersion)
	}
	return &state, nil
}

// RestoreByName finds the most recent checkpoint with the given name.
func (m *Manager) RestoreByName(name string) (*workflow.ExecutionState, error) {
	ids, err := m.List()
	if err != nil {
		return nil, err
	}

	var best *workflow.ExecutionState
	var bestAt time.Time
	for _, id := range ids {
		state, err := m.Restore(id)
		if err != nil {
			continue
		}
		for _, ref := range state.Checkpoints {
			if ref.ID == id && ref.Name == name && !ref.CreatedAt.Before(bestAt) {
				best = state
				bestAt = ref.CreatedAt
			}
		}
	}
	if best == nil {
		return nil, &statestore.NotFoundError{ID: name}
	}
	return best, nil
}

// Delete removes a stored checkpoint.
func (m *Manager) Delete(checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(m.checkpointKey(checkpointID))
}

func (m *Manager) checkpointKey(checkpointID string) string {
	return m.workflowID + checkpointKeySep + checkpointID
}

// ============================================================================
// LIVE STATE AND EXECUTOR INTEGRATION
// ============================================================================

// SaveState persists the live execution state under the workflow id.
func (m *Manager) SaveState(state *workflow.ExecutionState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Save(m.workflowID, blob)
}

// LoadState reads the live execution state back.
func (m *Manager) LoadState() (*workflow.ExecutionState, error) {
	blob, err := m.store.Load(m.workflowID)
	if err != nil {
		return nil, err
	}

	var state workflow.ExecutionState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("failed to deserialize state: %w", err)
	}
	return &state, nil
}

// AutoCheckpoint implements workflow.Checkpointer for the automatic
// checkpoints taken after stage transitions and at wfauto boundaries.
func (m *Manager) AutoCheckpoint(name string, state *workflow.ExecutionState) (workflow.CheckpointRef, error) {
	return m.Create(name, state)
}

var _ workflow.Checkpointer = (*Manager)(nil)
