// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
)

// ClientAuthenticator extracts both user and device identity from HTTP
// requests. Implementations should validate auth (e.g., JWT) and provide
// both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// HTTPReplicationHandlers provides HTTP handlers for the replication API.
// Routes are expected to carry a {collection} path value:
//
//	GET  /replication/{collection}?batchSize=n&updatedAt=...|offset=n
//	POST /replication/{collection}  body: []ReplicationEvent
type HTTPReplicationHandlers struct {
	service       *ReplicationService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPReplicationHandlers creates a new instance of replication handlers
func NewHTTPReplicationHandlers(service *ReplicationService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPReplicationHandlers {
	return &HTTPReplicationHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandlePull serves checkpoint-based pull pages
func (h *HTTPReplicationHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	collection := r.PathValue("collection")
	if !IsKnownCollection(collection) {
		h.writeError(w, http.StatusNotFound, "unknown_collection", "Collection is not replicated")
		return
	}

	batchSize := 0
	if bs := r.URL.Query().Get("batchSize"); bs != "" {
		parsed, err := strconv.Atoi(bs)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "batchSize must be a positive integer")
			return
		}
		batchSize = parsed
	}

	cp := InitialCheckpoint(CollectionCursor(collection))
	switch CollectionCursor(collection) {
	case CursorTimestamp:
		if updatedAt := r.URL.Query().Get("updatedAt"); updatedAt != "" {
			cp = Checkpoint{UpdatedAt: updatedAt}
		}
	case CursorOffset:
		if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
			offset, err := strconv.ParseInt(offsetStr, 10, 64)
			if err != nil || offset < 0 {
				h.writeError(w, http.StatusBadRequest, "invalid_request", "offset must be a non-negative integer")
				return
			}
			cp = Checkpoint{Offset: &offset}
		}
	}

	response, err := h.service.ProcessPull(r.Context(), userID, collection, cp, batchSize)
	if err != nil {
		h.logger.Error("Failed to process pull", "error", err, "collection", collection, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "pull_failed", "Failed to process pull")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode pull response", "error", err, "collection", collection, "user_id", userID)
	}
}

// HandlePush applies client replication events with conflict resolution
func (h *HTTPReplicationHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	collection := r.PathValue("collection")
	if !IsKnownCollection(collection) {
		h.writeError(w, http.StatusNotFound, "unknown_collection", "Collection is not replicated")
		return
	}

	var events []ReplicationEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse replication events")
		return
	}

	response, err := h.service.ProcessPush(r.Context(), userID, collection, events)
	if err != nil {
		if errors.Is(err, ErrBatchTooLarge) {
			h.writeError(w, http.StatusBadRequest, "batch_too_large", err.Error())
			return
		}
		h.logger.Error("Failed to process push", "error", err, "collection", collection, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "push_failed", "Failed to process push")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode push response", "error", err, "collection", collection, "user_id", userID)
	}
}

// writeError writes a standardized error response
func (h *HTTPReplicationHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
