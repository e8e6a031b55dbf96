// Copyright 2025 FitVault
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fitvault/fitsync/internal/auth"
	"github.com/fitvault/fitsync/workoutapi"
)

// Handlers serves the workout REST API.
type Handlers struct {
	store  Store
	jwt    *JWTAuth
	logger *slog.Logger
}

// NewHandlers wires the handlers.
func NewHandlers(store Store, jwtAuth *JWTAuth, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{store: store, jwt: jwtAuth, logger: logger}
}

// Mux returns a ServeMux with all workout routes mounted.
func (h *Handlers) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workouts", h.withAuth(h.handleCreate))
	mux.HandleFunc("PUT /workouts/{id}", h.withAuth(h.handleUpdate))
	mux.HandleFunc("DELETE /workouts/{id}", h.withAuth(h.handleDelete))
	mux.HandleFunc("GET /workouts/{id}", h.withAuth(h.handleGet))
	return mux
}

func (h *Handlers) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.jwt.Authenticate(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
			return
		}
		ctx := auth.WithIdentity(r.Context(), claims.Subject, claims.DeviceID)
		next(w, r.WithContext(ctx))
	}
}

func (h *Handlers) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var workout workoutapi.Workout
	if err := json.NewDecoder(r.Body).Decode(&workout); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse workout")
		return
	}
	if workout.Title == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Workout title is required")
		return
	}

	stored, err := h.store.Insert(r.Context(), userID, &workout)
	if err != nil {
		h.logger.Error("Failed to insert workout", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "storage_failed", "Failed to store workout")
		return
	}
	h.writeJSON(w, http.StatusCreated, stored)
}

func (h *Handlers) handleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	id := r.PathValue("id")

	var workout workoutapi.Workout
	if err := json.NewDecoder(r.Body).Decode(&workout); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse workout")
		return
	}
	workout.ID = id

	stored, err := h.store.Update(r.Context(), userID, &workout)
	var stale *StaleError
	switch {
	case errors.As(err, &stale):
		h.writeJSON(w, http.StatusConflict, workoutapi.ConflictResponse{
			Error:        "version_conflict",
			Message:      "Workout was modified on the server since this snapshot was taken",
			ServerEntity: mustMarshal(stale.Current),
		})
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Workout does not exist")
	case err != nil:
		h.logger.Error("Failed to update workout", "error", err, "user_id", userID, "id", id)
		h.writeError(w, http.StatusInternalServerError, "storage_failed", "Failed to update workout")
	default:
		h.writeJSON(w, http.StatusOK, stored)
	}
}

func (h *Handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	id := r.PathValue("id")

	err := h.store.Delete(r.Context(), userID, id)
	switch {
	case errors.Is(err, ErrNotFound):
		// Repeated deletes are not fatal for the client, but report the
		// truth; the sync client treats 404 on delete as success.
		h.writeError(w, http.StatusNotFound, "not_found", "Workout does not exist")
	case err != nil:
		h.logger.Error("Failed to delete workout", "error", err, "user_id", userID, "id", id)
		h.writeError(w, http.StatusInternalServerError, "storage_failed", "Failed to delete workout")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	id := r.PathValue("id")

	workout, err := h.store.Get(r.Context(), userID, id)
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Workout does not exist")
	case err != nil:
		h.logger.Error("Failed to load workout", "error", err, "user_id", userID, "id", id)
		h.writeError(w, http.StatusInternalServerError, "storage_failed", "Failed to load workout")
	default:
		h.writeJSON(w, http.StatusOK, workout)
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, workoutapi.ErrorResponse{Error: code, Message: message})
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
