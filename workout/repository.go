// Package workout stores the user's workouts locally and couples every write
// with an outbox record so offline edits eventually reach the server.
//
// Copyright 2025 FitVault
// SPDX-License-Identifier: Apache-2.0
package workout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fitvault/fitsync/outbox"
	"github.com/fitvault/fitsync/workoutapi"
)

// ErrNotFound is returned when the requested workout does not exist locally.
var ErrNotFound = errors.New("workout not found")

// Repository performs local workout CRUD. Each write and its outbox record
// commit in one transaction, so a crash between the two cannot silently drop
// the mutation.
type Repository struct {
	db     *sql.DB
	outbox *outbox.Store

	// Now supplies the clock; tests inject a fake. Nil means time.Now.
	Now func() time.Time
}

// NewRepository creates the workout table (if needed) on the same database
// that holds the outbox.
func NewRepository(db *sql.DB, ob *outbox.Store) (*Repository, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workout (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			content    TEXT,
			source     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("failed to create workout table: %w", err)
	}
	return &Repository{db: db, outbox: ob}, nil
}

// now returns the clock truncated to the millisecond precision the storage
// format keeps, so returned entities compare equal to reloaded ones.
func (r *Repository) now() time.Time {
	t := time.Now()
	if r.Now != nil {
		t = r.Now()
	}
	return t.Truncate(time.Millisecond)
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Create inserts the workout locally and enqueues the create mutation. The id
// is client-generated; the server may assign its own, adopted later via
// AdoptRemote.
func (r *Repository) Create(ctx context.Context, title string, content *string, source string) (*workoutapi.Workout, error) {
	now := r.now().UTC()
	w := &workoutapi.Workout{
		ID:        uuid.New().String(),
		Title:     title,
		Content:   content,
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workout (id, title, content, source, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, w.ID, w.Title, nullable(w.Content), w.Source,
			w.CreatedAt.Format(timeLayout), w.UpdatedAt.Format(timeLayout)); err != nil {
			return fmt.Errorf("failed to insert workout: %w", err)
		}
		return r.enqueueTx(ctx, tx, outbox.OpCreate, w, now)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Update rewrites the workout locally, bumping updated_at (the concurrency
// token sent to the server), and enqueues the update mutation.
func (r *Repository) Update(ctx context.Context, id, title string, content *string) (*workoutapi.Workout, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	current.Title = title
	current.Content = content
	current.UpdatedAt = now

	err = r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE workout SET title = ?, content = ?, updated_at = ? WHERE id = ?
		`, current.Title, nullable(current.Content), current.UpdatedAt.Format(timeLayout), id)
		if err != nil {
			return fmt.Errorf("failed to update workout: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}
		return r.enqueueTx(ctx, tx, outbox.OpUpdate, current, now)
	})
	if err != nil {
		return nil, err
	}
	return current, nil
}

// Delete removes the workout locally and enqueues the delete mutation. The
// payload keeps the full last-known snapshot so the failed screen can still
// describe what was deleted.
func (r *Repository) Delete(ctx context.Context, id string) error {
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM workout WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete workout: %w", err)
		}
		return r.enqueueTx(ctx, tx, outbox.OpDelete, current, now)
	})
}

// Get loads one workout by id.
func (r *Repository) Get(ctx context.Context, id string) (*workoutapi.Workout, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, title, content, source, created_at, updated_at FROM workout WHERE id = ?
	`, id)
	w, err := scanWorkout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

// List returns all workouts, newest first.
func (r *Repository) List(ctx context.Context) ([]workoutapi.Workout, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, content, source, created_at, updated_at
		FROM workout ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workouts: %w", err)
	}
	defer rows.Close()

	var out []workoutapi.Workout
	for rows.Next() {
		w, err := scanWorkout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// AdoptRemote implements outbox.Reconciler: after a confirmed create, the
// server snapshot becomes the local truth. If the server assigned a different
// id the local row is rekeyed; the server's updatedAt replaces the local
// token so the next update does not self-conflict.
func (r *Repository) AdoptRemote(ctx context.Context, entityType string, localPayload, serverEntity json.RawMessage) error {
	if entityType != workoutapi.EntityWorkout {
		return nil
	}
	var local, remote workoutapi.Workout
	if err := json.Unmarshal(localPayload, &local); err != nil {
		return fmt.Errorf("failed to parse local payload: %w", err)
	}
	if err := json.Unmarshal(serverEntity, &remote); err != nil {
		return fmt.Errorf("failed to parse server entity: %w", err)
	}
	if remote.ID == "" {
		return fmt.Errorf("server entity has no id")
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE workout SET id = ?, updated_at = ? WHERE id = ?
	`, remote.ID, remote.UpdatedAt.UTC().Format(timeLayout), local.ID)
	if err != nil {
		return fmt.Errorf("failed to adopt server identity: %w", err)
	}
	return nil
}

func (r *Repository) enqueueTx(ctx context.Context, tx *sql.Tx, op outbox.Operation, w *workoutapi.Workout, now time.Time) error {
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to serialize workout snapshot: %w", err)
	}
	if _, err := r.outbox.EnqueueTx(ctx, tx, workoutapi.EntityWorkout, op, payload, now); err != nil {
		return err
	}
	return nil
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkout(row rowScanner) (*workoutapi.Workout, error) {
	var (
		w                    workoutapi.Workout
		content              sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&w.ID, &w.Title, &content, &w.Source, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if content.Valid {
		w.Content = &content.String
	}
	var err error
	if w.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if w.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &w, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
