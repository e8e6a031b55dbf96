// Copyright 2025 FitVault
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable outbox log backed by the app's local SQLite database.
//
// Enqueues from domain repositories and drains from the Coordinator share the
// same database; appends are single-row inserts and are never blocked by an
// in-progress drain pass.
type Store struct {
	db *sql.DB
}

// NewStore initializes the outbox table on db and returns the store.
// The database is shared with the domain tables so that a repository can
// enqueue in the same transaction as its own write.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS mutation_outbox (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type     TEXT NOT NULL,
			operation       TEXT NOT NULL CHECK (operation IN ('create','update','delete')),
			payload         TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT,
			next_attempt_at TEXT
		)`); err != nil {
		return nil, fmt.Errorf("failed to create mutation_outbox table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_mutation_outbox_created_at
		ON mutation_outbox (created_at)`); err != nil {
		return nil, fmt.Errorf("failed to create outbox index: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying database for repositories that enqueue
// transactionally via EnqueueTx.
func (s *Store) DB() *sql.DB { return s.db }

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Enqueue appends a mutation and returns its id. The record starts eligible:
// retry_count 0, no error, no backoff gate.
func (s *Store) Enqueue(ctx context.Context, entityType string, op Operation, payload []byte, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO mutation_outbox (entity_type, operation, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, entityType, string(op), string(payload), now.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue mutation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read enqueued mutation id: %w", err)
	}
	return id, nil
}

// EnqueueTx appends a mutation inside an existing transaction so that the
// domain write and its outbox record commit or roll back together. A crash
// between the two must not silently drop the mutation.
func (s *Store) EnqueueTx(ctx context.Context, tx *sql.Tx, entityType string, op Operation, payload []byte, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO mutation_outbox (entity_type, operation, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, entityType, string(op), string(payload), now.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue mutation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read enqueued mutation id: %w", err)
	}
	return id, nil
}

// SelectEligible returns up to limit records visible to the drain query,
// oldest first. A record is eligible iff it is not terminally failed and its
// backoff gate (if any) has passed.
func (s *Store) SelectEligible(ctx context.Context, now time.Time, limit int) ([]MutationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, operation, payload, created_at, retry_count, last_error, next_attempt_at
		FROM mutation_outbox
		WHERE last_error IS NULL
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, now.UTC().Format(timeLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible mutations: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MarkSucceeded deletes the record. Deletion happens strictly on confirmed
// remote success, never speculatively.
func (s *Store) MarkSucceeded(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mutation_outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete mutation %d: %w", id, err)
	}
	return nil
}

// MarkFailed records a transient failure: bumps retry bookkeeping and gates
// the record until nextAttemptAt. It stays eligible for a later pass.
func (s *Store) MarkFailed(ctx context.Context, id int64, retryCount int, nextAttemptAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE mutation_outbox SET retry_count = ?, next_attempt_at = ? WHERE id = ?
	`, retryCount, nextAttemptAt.UTC().Format(timeLayout), id); err != nil {
		return fmt.Errorf("failed to mark mutation %d as failed: %w", id, err)
	}
	return nil
}

// MarkTerminallyFailed sets last_error and clears the backoff gate. The record
// becomes invisible to draining but stays queryable for the failed count.
func (s *Store) MarkTerminallyFailed(ctx context.Context, id int64, errorMessage string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE mutation_outbox SET last_error = ?, next_attempt_at = NULL WHERE id = ?
	`, errorMessage, id); err != nil {
		return fmt.Errorf("failed to mark mutation %d as terminally failed: %w", id, err)
	}
	return nil
}

// Requeue is the explicit manual re-enqueue path for a terminally failed
// record: retry_count resets to 0, last_error and the gate are cleared.
func (s *Store) Requeue(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutation_outbox
		SET retry_count = 0, last_error = NULL, next_attempt_at = NULL
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to requeue mutation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check requeue of mutation %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("mutation %d not found", id)
	}
	return nil
}

// CountPending returns the number of records still subject to automatic
// draining (terminal records excluded, backoff-gated records included).
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mutation_outbox WHERE last_error IS NULL
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return n, nil
}

// CountFailed returns the number of terminally failed records.
func (s *Store) CountFailed(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mutation_outbox WHERE last_error IS NOT NULL
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed mutations: %w", err)
	}
	return n, nil
}

// FailedRecords lists terminally failed records, oldest first, for the
// user-facing failed screen and for manual Requeue decisions.
func (s *Store) FailedRecords(ctx context.Context) ([]MutationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, operation, payload, created_at, retry_count, last_error, next_attempt_at
		FROM mutation_outbox
		WHERE last_error IS NOT NULL
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed mutations: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]MutationRecord, error) {
	var records []MutationRecord
	for rows.Next() {
		var (
			rec           MutationRecord
			op            string
			payload       string
			createdAt     string
			lastError     sql.NullString
			nextAttemptAt sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.EntityType, &op, &payload, &createdAt,
			&rec.RetryCount, &lastError, &nextAttemptAt); err != nil {
			return nil, fmt.Errorf("failed to scan mutation record: %w", err)
		}
		rec.Operation = Operation(op)
		rec.Payload = []byte(payload)
		ts, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at for mutation %d: %w", rec.ID, err)
		}
		rec.CreatedAt = ts
		if lastError.Valid {
			msg := lastError.String
			rec.LastError = &msg
		}
		if nextAttemptAt.Valid {
			next, err := time.Parse(timeLayout, nextAttemptAt.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse next_attempt_at for mutation %d: %w", rec.ID, err)
			}
			rec.NextAttemptAt = &next
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutation records: %w", err)
	}
	return records, nil
}
