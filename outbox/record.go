// Copyright 2025 FitVault
// SPDX-License-Identifier: Apache-2.0

// Package outbox implements the offline-first mutation synchronization engine:
// a durable, ordered log of local mutations drained against an authoritative
// remote API with retry, backoff and server-authoritative conflict handling.
//
// Domain repositories append MutationRecords while the app is offline; any
// trigger source (foreground event, timer, reachability change) calls
// Coordinator.RunSyncPass to drain them. Sync is uni-directional
// (client -> server); the server wins conflicts.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of mutation captured in a record.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ValidOperation reports whether op is one of the known mutation kinds.
func ValidOperation(op Operation) bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// MutationRecord is one pending (or terminally failed) local mutation.
//
// Records are created by domain repositories, mutated only by the Coordinator
// (RetryCount, LastError, NextAttemptAt) and deleted by it on confirmed remote
// success. The payload is opaque to the store; only the RemoteAdapter for the
// record's entity type interprets it.
type MutationRecord struct {
	ID         int64
	EntityType string
	Operation  Operation
	Payload    json.RawMessage
	CreatedAt  time.Time

	// RetryCount is the number of failed remote attempts so far. It only
	// increases; Requeue is the single explicit reset path.
	RetryCount int

	// LastError marks the record terminally failed when non-nil. Terminal
	// records are excluded from draining but remain queryable for the
	// user-facing failed count.
	LastError *string

	// NextAttemptAt gates retry via backoff. Nil means eligible now.
	NextAttemptAt *time.Time
}

// Terminal reports whether the record requires manual intervention.
func (r *MutationRecord) Terminal() bool { return r.LastError != nil }

// ValidatePayload rejects structurally broken payloads before any network
// attempt. A malformed record can never succeed remotely, so the caller
// terminally fails it instead of burning retries.
func (r *MutationRecord) ValidatePayload() error {
	if !ValidOperation(r.Operation) {
		return fmt.Errorf("unknown operation %q", r.Operation)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("empty payload for %s %s", r.EntityType, r.Operation)
	}
	if !json.Valid(r.Payload) {
		return fmt.Errorf("payload for %s %s is not valid JSON", r.EntityType, r.Operation)
	}
	return nil
}
