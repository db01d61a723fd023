// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Collection tables. Rows are never physically removed; deletion flips the
// soft tombstone so it replicates like any other mutation.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		owner_id   TEXT NOT NULL,
		stared     BOOLEAN NOT NULL DEFAULT FALSE,
		pinned     BOOLEAN NOT NULL DEFAULT FALSE,
		topic      TEXT NOT NULL DEFAULT '',
		summary    TEXT NOT NULL DEFAULT '',
		deleted    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated
		ON conversations (owner_id, updated_at)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role            TEXT NOT NULL DEFAULT 'user',
		content         TEXT NOT NULL DEFAULT '',
		image           TEXT NOT NULL DEFAULT '',
		deleted         BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
		ON messages (conversation_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		email      TEXT NOT NULL DEFAULT '',
		name       TEXT NOT NULL DEFAULT '',
		avatar     TEXT NOT NULL DEFAULT '',
		plan       TEXT NOT NULL DEFAULT 'free',
		deleted    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// initializeSchema creates the collection tables atomically.
func (s *ReplicationService) initializeSchema(ctx context.Context) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit schema transaction: %w", err)
	}

	s.logger.Debug("Replication schema initialized")
	return nil
}
