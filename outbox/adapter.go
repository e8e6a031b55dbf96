// Copyright 2025 FitVault
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"encoding/json"
)

// OutcomeClass is the coarse result of one remote attempt. The adapter must
// surface these distinctly so the coordinator never blindly retries a
// semantic rejection.
type OutcomeClass int

const (
	// OutcomeApplied means the server confirmed the mutation.
	OutcomeApplied OutcomeClass = iota

	// OutcomeTransient covers network errors and 5xx responses. Retryable
	// under the backoff schedule.
	OutcomeTransient

	// OutcomeRejected covers 4xx semantic rejections (conflict, validation,
	// not-found, unsupported operation). Never blindly retried; the
	// Resolver decides.
	OutcomeRejected

	// OutcomeUnauthorized is a 401. The coordinator refreshes the bearer
	// credential and re-attempts the record once before treating it as
	// transient.
	OutcomeUnauthorized
)

// RejectionKind refines OutcomeRejected for the Resolver and for logging.
type RejectionKind string

const (
	// RejectVersionConflict is an optimistic-concurrency rejection: the
	// payload's updatedAt predates the server's. Retrying the same payload
	// would conflict again.
	RejectVersionConflict RejectionKind = "version_conflict"

	// RejectValidation is a semantic rejection of the payload itself.
	RejectValidation RejectionKind = "validation"

	// RejectNotFound means the target entity does not exist remotely.
	RejectNotFound RejectionKind = "not_found"

	// RejectUnsupported means no remote call exists for the record's
	// (entityType, operation) tuple. Indicates a local bug.
	RejectUnsupported RejectionKind = "unsupported_operation"
)

// RemoteOutcome is the full result of one adapter attempt.
type RemoteOutcome struct {
	Class OutcomeClass

	// Err carries detail for transient and unauthorized outcomes.
	Err error

	// Rejection is set when Class is OutcomeRejected.
	Rejection *Rejection

	// ServerEntity is the server's snapshot of the entity when the server
	// returned one: the created entity on a successful create, or the
	// current server state on a version conflict.
	ServerEntity json.RawMessage
}

// Rejection describes a 4xx semantic rejection.
type Rejection struct {
	Kind    RejectionKind
	Message string
}

// Applied is a convenience constructor for a confirmed mutation.
func Applied(serverEntity json.RawMessage) RemoteOutcome {
	return RemoteOutcome{Class: OutcomeApplied, ServerEntity: serverEntity}
}

// Transient is a convenience constructor for a retryable failure.
func Transient(err error) RemoteOutcome {
	return RemoteOutcome{Class: OutcomeTransient, Err: err}
}

// Rejected is a convenience constructor for a semantic rejection.
func Rejected(kind RejectionKind, message string, serverEntity json.RawMessage) RemoteOutcome {
	return RemoteOutcome{
		Class:        OutcomeRejected,
		Rejection:    &Rejection{Kind: kind, Message: message},
		ServerEntity: serverEntity,
	}
}

// Unauthorized is a convenience constructor for a 401.
func Unauthorized(err error) RemoteOutcome {
	return RemoteOutcome{Class: OutcomeUnauthorized, Err: err}
}

// RemoteAdapter translates a mutation record into a network call against the
// authoritative API. Implementations classify every response into a
// RemoteOutcome; they never return a Go error for server-side failures, only
// for conditions that make the attempt itself impossible (those are treated
// as transient by the coordinator).
type RemoteAdapter interface {
	Apply(ctx context.Context, rec *MutationRecord) RemoteOutcome
}

// CredentialInvalidator lets the coordinator force a bearer-credential
// refresh after a 401 before re-attempting a record.
type CredentialInvalidator interface {
	Invalidate()
}

// Reconciler adopts server-assigned identity into local storage after a
// confirmed create (the server snapshot may carry a different id and a fresh
// updatedAt token). Optional; repositories that generate authoritative ids
// locally can skip it.
type Reconciler interface {
	AdoptRemote(ctx context.Context, entityType string, localPayload json.RawMessage, serverEntity json.RawMessage) error
}
