// Copyright 2025 FitVault
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/fitvault/fitsync/workoutapi"
)

// MemStore is an in-memory Store for tests and local development. Semantics
// mirror PGStore, including the updatedAt staleness guard.
type MemStore struct {
	mu   sync.Mutex
	rows map[string]map[string]workoutapi.Workout // userID -> id -> row
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[string]map[string]workoutapi.Workout)}
}

func (s *MemStore) Insert(_ context.Context, userID string, w *workoutapi.Workout) (*workoutapi.Workout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *w
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if s.rows[userID] == nil {
		s.rows[userID] = make(map[string]workoutapi.Workout)
	}
	s.rows[userID][stored.ID] = stored
	return &stored, nil
}

func (s *MemStore) Update(_ context.Context, userID string, w *workoutapi.Workout) (*workoutapi.Workout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.rows[userID][w.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if w.UpdatedAt.Before(current.UpdatedAt) {
		snapshot := current
		return nil, &StaleError{Current: &snapshot}
	}
	stored := *w
	stored.CreatedAt = current.CreatedAt
	s.rows[userID][w.ID] = stored
	return &stored, nil
}

func (s *MemStore) Delete(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[userID][id]; !ok {
		return ErrNotFound
	}
	delete(s.rows[userID], id)
	return nil
}

func (s *MemStore) Get(_ context.Context, userID, id string) (*workoutapi.Workout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.rows[userID][id]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

// Put seeds a row directly, bypassing the staleness guard. Test helper.
func (s *MemStore) Put(userID string, w workoutapi.Workout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[userID] == nil {
		s.rows[userID] = make(map[string]workoutapi.Workout)
	}
	s.rows[userID][w.ID] = w
}
