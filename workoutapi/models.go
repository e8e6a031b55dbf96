// Copyright 2025 FitVault
// SPDX-License-Identifier: Apache-2.0

// Package workoutapi defines the REST/JSON contract of the authoritative
// workout API and implements the outbox RemoteAdapter for it.
package workoutapi

import (
	"encoding/json"
	"time"
)

// EntityWorkout is the outbox entity-type tag this adapter serves.
const EntityWorkout = "workout"

// Workout is the full entity snapshot exchanged with the server. UpdatedAt is
// the optimistic-concurrency token: the server rejects an update whose
// UpdatedAt predates its current row.
type Workout struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   *string   `json:"content,omitempty"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ErrorResponse is the generic error body for 4xx/5xx responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ConflictResponse is the 409 body: the generic error fields plus the
// server's current snapshot, so the client can surface it for manual
// reconciliation.
type ConflictResponse struct {
	Error        string          `json:"error"`
	Message      string          `json:"message"`
	ServerEntity json.RawMessage `json:"serverEntity"`
}
