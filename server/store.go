// Copyright 2025 FitVault
// SPDX-License-Identifier: Apache-2.0

// Package server is the authoritative workout API consumed by the sync
// engine: plain REST with optimistic concurrency on updatedAt. An update
// whose updatedAt predates the stored row is rejected with 409 and the
// current server snapshot.
package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/fitvault/fitsync/workoutapi"
)

// ErrNotFound is returned when a workout does not exist for the user.
var ErrNotFound = errors.New("workout not found")

// StaleError rejects a write whose concurrency token predates the stored row.
// Current carries the server's snapshot for the 409 body.
type StaleError struct {
	Current *workoutapi.Workout
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("stale write: server updatedAt is %s", e.Current.UpdatedAt)
}

// Store is the per-user workout storage behind the handlers.
type Store interface {
	// Insert stores a new workout. The server assigns identity: the stored
	// row is returned and may differ from the request (id, timestamps).
	Insert(ctx context.Context, userID string, w *workoutapi.Workout) (*workoutapi.Workout, error)

	// Update overwrites the row guarded by the incoming UpdatedAt token.
	// Returns *StaleError when the token predates the stored row.
	Update(ctx context.Context, userID string, w *workoutapi.Workout) (*workoutapi.Workout, error)

	// Delete removes the row. Returns ErrNotFound if it does not exist;
	// the handler maps that to an idempotent 404.
	Delete(ctx context.Context, userID, id string) error

	// Get loads one row.
	Get(ctx context.Context, userID, id string) (*workoutapi.Workout, error)
}
