// Copyright 2025 FitVault
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// SyncStatus is the coarse outcome of the last pass, surfaced to the UI.
// Purely informational; the only control surface is RunSyncPass itself.
type SyncStatus int32

const (
	StatusIdle SyncStatus = iota
	StatusSyncing
	StatusSuccess
	StatusError
)

func (s SyncStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSyncing:
		return "syncing"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for the coordinator.
type Config struct {
	// DrainLimit bounds the records processed per pass. Leftovers stay
	// globally ordered by created_at, so a later pass picks them up in
	// order relative to anything enqueued meanwhile.
	DrainLimit int

	Backoff BackoffScheduler

	// Now supplies the clock; tests inject a fake. Nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the production configuration.
func DefaultConfig() *Config {
	return &Config{
		DrainLimit: 20,
		Backoff:    DefaultBackoff(),
	}
}

// Coordinator drains the outbox against the remote adapter under a
// single-flight guarantee. Construct one at session start and hand it to
// every trigger source; all of them just call RunSyncPass.
type Coordinator struct {
	store    *Store
	adapter  RemoteAdapter
	resolver *ConflictResolver
	config   *Config
	logger   *slog.Logger

	// Credentials, when set, is invalidated after a 401 so the record can
	// be re-attempted once with a fresh bearer token.
	Credentials CredentialInvalidator

	// Reconciler, when set, adopts the server snapshot returned by a
	// successful create into local storage.
	Reconciler Reconciler

	running atomic.Bool
	status  atomic.Int32
}

// NewCoordinator wires the coordinator. resolver may be nil, in which case a
// fresh ConflictResolver is used; config may be nil for defaults.
func NewCoordinator(store *Store, adapter RemoteAdapter, resolver *ConflictResolver, config *Config, logger *slog.Logger) *Coordinator {
	if resolver == nil {
		resolver = NewConflictResolver()
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		adapter:  adapter,
		resolver: resolver,
		config:   config,
		logger:   logger,
	}
}

func (c *Coordinator) now() time.Time {
	if c.config.Now != nil {
		return c.config.Now()
	}
	return time.Now()
}

// Status reports the outcome of the last pass.
func (c *Coordinator) Status() SyncStatus {
	return SyncStatus(c.status.Load())
}

// PendingCount reports records still subject to automatic draining.
func (c *Coordinator) PendingCount(ctx context.Context) (int, error) {
	return c.store.CountPending(ctx)
}

// FailedCount reports terminally failed records awaiting manual action.
func (c *Coordinator) FailedCount(ctx context.Context) (int, error) {
	return c.store.CountFailed(ctx)
}

// Resolver exposes the conflict resolver so callers can collect server
// snapshots for manual reconciliation.
func (c *Coordinator) Resolver() *ConflictResolver { return c.resolver }

// RunSyncPass drains eligible records in creation order, sequentially, and is
// the single entry point for every trigger source.
//
// If a pass is already running the call is a no-op (single-flight, not
// queued). A failure on one record never aborts the pass for the rest; only a
// store-level failure propagates to the caller, who is expected to log it and
// rely on the next trigger. Context expiry (e.g. an OS background-execution
// budget) stops the pass between records, leaving unprocessed records
// untouched for the next pass.
func (c *Coordinator) RunSyncPass(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	// Clear the guard unconditionally so a panic cannot block future passes.
	defer c.running.Store(false)

	c.status.Store(int32(StatusSyncing))

	records, err := c.store.SelectEligible(ctx, c.now(), c.config.DrainLimit)
	if err != nil {
		c.status.Store(int32(StatusError))
		return fmt.Errorf("sync pass aborted: %w", err)
	}

	passClean := true
	for i := range records {
		if err := ctx.Err(); err != nil {
			c.status.Store(int32(StatusError))
			return fmt.Errorf("sync pass interrupted: %w", err)
		}
		ok, err := c.processRecord(ctx, &records[i])
		if err != nil {
			// Outbox store unavailable; per-record state may be stale but
			// is never corrupted, so bail out and let the next trigger retry.
			c.status.Store(int32(StatusError))
			return fmt.Errorf("sync pass aborted on record %d: %w", records[i].ID, err)
		}
		if !ok {
			passClean = false
		}
	}

	if passClean {
		c.status.Store(int32(StatusSuccess))
	} else {
		c.status.Store(int32(StatusError))
	}
	return nil
}

// processRecord attempts one record. The bool result reports whether the
// record succeeded remotely; the error is reserved for store-level failures.
func (c *Coordinator) processRecord(ctx context.Context, rec *MutationRecord) (bool, error) {
	if err := rec.ValidatePayload(); err != nil {
		// Malformed records can never succeed; no retry.
		c.logger.Warn("Terminally failing malformed mutation",
			"id", rec.ID, "entity", rec.EntityType, "op", rec.Operation, "error", err)
		return false, c.store.MarkTerminallyFailed(ctx, rec.ID, fmt.Sprintf("invalid payload: %v", err))
	}

	outcome := c.adapter.Apply(ctx, rec)

	if outcome.Class == OutcomeUnauthorized && c.Credentials != nil {
		// Refresh the bearer credential and re-attempt once.
		c.logger.Info("Credential rejected, refreshing and re-attempting",
			"id", rec.ID, "entity", rec.EntityType)
		c.Credentials.Invalidate()
		outcome = c.adapter.Apply(ctx, rec)
	}

	if outcome.Class == OutcomeApplied {
		if rec.Operation == OpCreate && c.Reconciler != nil && len(outcome.ServerEntity) > 0 {
			if err := c.Reconciler.AdoptRemote(ctx, rec.EntityType, rec.Payload, outcome.ServerEntity); err != nil {
				// Remote already applied, so the record is done either way.
				c.logger.Error("Failed to adopt server identity after create",
					"id", rec.ID, "entity", rec.EntityType, "error", err)
			}
		}
		return true, c.store.MarkSucceeded(ctx, rec.ID)
	}

	switch c.resolver.Classify(outcome) {
	case ActionConflict:
		c.resolver.recordConflict(rec, outcome.ServerEntity)
		c.logger.Warn("Version conflict, awaiting manual reconciliation",
			"id", rec.ID, "entity", rec.EntityType, "op", rec.Operation)
		return false, c.store.MarkTerminallyFailed(ctx, rec.ID,
			fmt.Sprintf("version conflict: %s", outcome.Rejection.Message))

	case ActionTerminal:
		c.logger.Warn("Mutation rejected",
			"id", rec.ID, "entity", rec.EntityType, "op", rec.Operation,
			"kind", outcome.Rejection.Kind, "message", outcome.Rejection.Message)
		return false, c.store.MarkTerminallyFailed(ctx, rec.ID,
			fmt.Sprintf("%s: %s", outcome.Rejection.Kind, outcome.Rejection.Message))

	default: // ActionRetry
		retryCount := rec.RetryCount + 1
		decision := c.config.Backoff.NextAttempt(retryCount)
		if decision.Terminal {
			c.logger.Warn("Retry budget exhausted",
				"id", rec.ID, "entity", rec.EntityType, "attempts", retryCount, "error", outcome.Err)
			return false, c.store.MarkTerminallyFailed(ctx, rec.ID,
				fmt.Sprintf("retry budget exhausted after %d attempts: %v", retryCount, outcome.Err))
		}
		c.logger.Debug("Transient failure, scheduling retry",
			"id", rec.ID, "entity", rec.EntityType, "retry", retryCount,
			"delay", decision.Delay, "error", outcome.Err)
		return false, c.store.MarkFailed(ctx, rec.ID, retryCount, c.now().Add(decision.Delay))
	}
}
