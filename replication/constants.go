// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package replication

import "errors"

// Replicated collection names
const (
	CollectionConversations = "conversations"
	CollectionMessages      = "messages"
	CollectionUsers         = "users"
)

// Message role constants
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Document field constants shared between client and server
const (
	FieldID        = "id"
	FieldDeleted   = "deleted"
	FieldUpdatedAt = "updatedAt"
	FieldCreatedAt = "createdAt"
)

// MaxDocumentIDLength bounds client-generated primary keys
const MaxDocumentIDLength = 100

var (
	// ErrUnknownCollection signals a collection name that is not replicated
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrBatchTooLarge signals a push batch exceeding the configured limit
	ErrBatchTooLarge = errors.New("push batch too large")

	// ErrSchemaViolation signals a malformed document; the event carrying it
	// is skipped, not fatal to the batch
	ErrSchemaViolation = errors.New("schema violation")
)

// Collections lists every replicated collection in pull priority order.
func Collections() []string {
	return []string{CollectionConversations, CollectionMessages, CollectionUsers}
}

// IsKnownCollection reports whether name is a replicated collection.
func IsKnownCollection(name string) bool {
	switch name {
	case CollectionConversations, CollectionMessages, CollectionUsers:
		return true
	default:
		return false
	}
}

// IsValidRole reports whether role is one of the message role constants.
func IsValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	default:
		return false
	}
}
