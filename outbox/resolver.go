// Copyright 2025 FitVault
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"encoding/json"
	"sync"
)

// ResolverAction is what the coordinator should do with a failed record.
type ResolverAction int

const (
	// ActionRetry defers to the backoff scheduler.
	ActionRetry ResolverAction = iota

	// ActionTerminal fails the record permanently.
	ActionTerminal

	// ActionConflict fails the record permanently and records the server's
	// current snapshot for manual reconciliation.
	ActionConflict
)

// ConflictRecord is a version conflict surfaced to the caller/UI. The engine's
// job ends at stopping futile retries and exposing the conflicting state; the
// discard-or-overwrite decision belongs to the UI.
type ConflictRecord struct {
	MutationID   int64
	EntityType   string
	Operation    Operation
	LocalPayload json.RawMessage
	ServerEntity json.RawMessage
}

// ConflictResolver interprets rejection outcomes and retains conflict
// snapshots until the caller collects them.
type ConflictResolver struct {
	mu        sync.Mutex
	conflicts []ConflictRecord
}

// NewConflictResolver returns an empty resolver.
func NewConflictResolver() *ConflictResolver {
	return &ConflictResolver{}
}

// Classify maps a remote outcome to the coordinator's next action.
//
// Version conflicts are terminal for the current payload: re-sending it would
// conflict again. Every other rejection (validation, not-found, unsupported
// operation) is terminal as-is. Transient and unauthorized outcomes retry.
func (cr *ConflictResolver) Classify(outcome RemoteOutcome) ResolverAction {
	switch outcome.Class {
	case OutcomeRejected:
		if outcome.Rejection != nil && outcome.Rejection.Kind == RejectVersionConflict {
			return ActionConflict
		}
		return ActionTerminal
	default:
		return ActionRetry
	}
}

// recordConflict stores the server snapshot for later collection.
func (cr *ConflictResolver) recordConflict(rec *MutationRecord, serverEntity json.RawMessage) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.conflicts = append(cr.conflicts, ConflictRecord{
		MutationID:   rec.ID,
		EntityType:   rec.EntityType,
		Operation:    rec.Operation,
		LocalPayload: rec.Payload,
		ServerEntity: serverEntity,
	})
}

// TakeConflicts returns all recorded conflicts and clears the buffer.
func (cr *ConflictResolver) TakeConflicts() []ConflictRecord {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	out := cr.conflicts
	cr.conflicts = nil
	return out
}

// PendingConflicts returns the number of uncollected conflicts.
func (cr *ConflictResolver) PendingConflicts() int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return len(cr.conflicts)
}
