// Copyright 2025 FitVault
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fitvault/fitsync/workoutapi"
)

// PGStore is the Postgres-backed workout storage for production deployments
// of the reference server.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates the workouts table if needed and returns the store.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workouts (
			user_id    TEXT NOT NULL,
			id         TEXT NOT NULL,
			title      TEXT NOT NULL,
			content    TEXT,
			source     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, id)
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create workouts table: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Insert(ctx context.Context, userID string, w *workoutapi.Workout) (*workoutapi.Workout, error) {
	stored := *w
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workouts (user_id, id, title, content, source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, userID, stored.ID, stored.Title, stored.Content, stored.Source, stored.CreatedAt, stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert workout: %w", err)
	}
	return &stored, nil
}

func (s *PGStore) Update(ctx context.Context, userID string, w *workoutapi.Workout) (*workoutapi.Workout, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := getWorkout(ctx, tx, userID, w.ID, true)
	if err != nil {
		return nil, err
	}
	if w.UpdatedAt.Before(current.UpdatedAt) {
		return nil, &StaleError{Current: current}
	}

	_, err = tx.Exec(ctx, `
		UPDATE workouts SET title = $1, content = $2, source = $3, updated_at = $4
		WHERE user_id = $5 AND id = $6
	`, w.Title, w.Content, w.Source, w.UpdatedAt, userID, w.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update workout: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	stored := *w
	stored.CreatedAt = current.CreatedAt
	return &stored, nil
}

func (s *PGStore) Delete(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM workouts WHERE user_id = $1 AND id = $2
	`, userID, id)
	if err != nil {
		return fmt.Errorf("failed to delete workout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, userID, id string) (*workoutapi.Workout, error) {
	return getWorkout(ctx, s.pool, userID, id, false)
}

// rowQuerier is satisfied by both pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getWorkout(ctx context.Context, q rowQuerier, userID, id string, forUpdate bool) (*workoutapi.Workout, error) {
	query := `
		SELECT id, title, content, source, created_at, updated_at
		FROM workouts WHERE user_id = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var w workoutapi.Workout
	err := q.QueryRow(ctx, query, userID, id).
		Scan(&w.ID, &w.Title, &w.Content, &w.Source, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workout: %w", err)
	}
	return &w, nil
}
