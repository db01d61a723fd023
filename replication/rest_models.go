// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package replication

// REST/JSON models for the replication HTTP API.

// ReplicationEvent is a client-asserted (previous-state, new-state) pair
// submitted for server-side reconciliation. A nil AssumedMasterState means
// the client believes the document is new; newDocumentState.deleted == true
// means a tombstone and takes priority over insert/update classification.
type ReplicationEvent struct {
	AssumedMasterState Document `json:"assumedMasterState"`
	NewDocumentState   Document `json:"newDocumentState"`
}

// PullResponse is the server response to a pull request. Checkpoint is nil
// only for offset-cursor collections that have reached end-of-results.
type PullResponse struct {
	Checkpoint *Checkpoint `json:"checkpoint"`
	Documents  []Document  `json:"documents"`
}

// PushResponse is the server response to a push request. Conflicts is empty
// unless the service runs with ConflictDetection enabled and a client's
// assumed state diverged from the authoritative row.
type PushResponse struct {
	Conflicts []Document `json:"conflicts"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
