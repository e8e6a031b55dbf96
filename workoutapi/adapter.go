// Copyright 2025 FitVault
// SPDX-License-Identifier: Apache-2.0

package workoutapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fitvault/fitsync/outbox"
)

// TokenFunc supplies the current bearer credential. Token issuance and
// refresh live in a separate component; the adapter only attaches the result.
type TokenFunc func(ctx context.Context) (string, error)

// Adapter maps (entityType, operation) tuples to calls against the workout
// API. It implements outbox.RemoteAdapter for the "workout" entity; any other
// tuple is an unsupported-operation rejection, which retrying cannot fix.
type Adapter struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewAdapter creates an adapter for the API at baseURL.
func NewAdapter(baseURL string, token TokenFunc, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// payloadID extracts the entity id from a snapshot payload without decoding
// the whole entity.
func payloadID(payload json.RawMessage) (string, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", fmt.Errorf("failed to parse payload: %w", err)
	}
	if probe.ID == "" {
		return "", fmt.Errorf("payload has no id")
	}
	return probe.ID, nil
}

// Apply translates one mutation record into a network call and classifies the
// response into the outbox outcome taxonomy.
func (a *Adapter) Apply(ctx context.Context, rec *outbox.MutationRecord) outbox.RemoteOutcome {
	if rec.EntityType != EntityWorkout {
		return outbox.Rejected(outbox.RejectUnsupported,
			fmt.Sprintf("no remote call for entity type %q", rec.EntityType), nil)
	}

	var (
		method string
		url    string
		body   io.Reader
	)
	switch rec.Operation {
	case outbox.OpCreate:
		method = http.MethodPost
		url = a.BaseURL + "/workouts"
		body = bytes.NewReader(rec.Payload)
	case outbox.OpUpdate:
		id, err := payloadID(rec.Payload)
		if err != nil {
			return outbox.Rejected(outbox.RejectValidation, err.Error(), nil)
		}
		method = http.MethodPut
		url = a.BaseURL + "/workouts/" + id
		body = bytes.NewReader(rec.Payload)
	case outbox.OpDelete:
		id, err := payloadID(rec.Payload)
		if err != nil {
			return outbox.Rejected(outbox.RejectValidation, err.Error(), nil)
		}
		method = http.MethodDelete
		url = a.BaseURL + "/workouts/" + id
	default:
		return outbox.Rejected(outbox.RejectUnsupported,
			fmt.Sprintf("no remote call for operation %q", rec.Operation), nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return outbox.Transient(fmt.Errorf("failed to build request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := a.Token(ctx)
	if err != nil {
		return outbox.Transient(fmt.Errorf("failed to obtain bearer token: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return outbox.Transient(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	return a.classify(rec, resp)
}

// classify maps an HTTP response to an outcome. 2xx applies; network errors
// and 5xx are transient; 401 is surfaced distinctly so the coordinator can
// refresh credentials; 409 carries the server snapshot; a 404 on delete is
// success (the entity is already gone).
func (a *Adapter) classify(rec *outbox.MutationRecord, resp *http.Response) outbox.RemoteOutcome {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return outbox.Transient(fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if rec.Operation == outbox.OpCreate && json.Valid(raw) {
			return outbox.Applied(raw)
		}
		return outbox.Applied(nil)

	case resp.StatusCode == http.StatusUnauthorized:
		return outbox.Unauthorized(fmt.Errorf("server returned 401: %s", errMessage(raw)))

	case resp.StatusCode == http.StatusConflict:
		var conflict ConflictResponse
		if err := json.Unmarshal(raw, &conflict); err != nil {
			return outbox.Rejected(outbox.RejectVersionConflict,
				fmt.Sprintf("conflict with unreadable body: %v", err), nil)
		}
		return outbox.Rejected(outbox.RejectVersionConflict, conflict.Message, conflict.ServerEntity)

	case resp.StatusCode == http.StatusNotFound:
		if rec.Operation == outbox.OpDelete {
			// Deletes are idempotent; the row is already gone.
			return outbox.Applied(nil)
		}
		return outbox.Rejected(outbox.RejectNotFound, errMessage(raw), nil)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return outbox.Rejected(outbox.RejectValidation,
			fmt.Sprintf("server rejected request (%d): %s", resp.StatusCode, errMessage(raw)), nil)

	default:
		return outbox.Transient(fmt.Errorf("server returned status %d: %s", resp.StatusCode, errMessage(raw)))
	}
}

func errMessage(raw []byte) string {
	var er ErrorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Message != "" {
		return er.Message
	}
	return string(raw)
}
