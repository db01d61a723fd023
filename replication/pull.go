// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const (
	stmtConversationPage = `SELECT id, name, owner_id, stared, pinned, topic, summary, deleted, created_at, updated_at
		FROM conversations WHERE owner_id = $1 AND updated_at >= $2
		ORDER BY updated_at ASC, id ASC LIMIT $3`

	stmtUserPage = `SELECT id, email, name, avatar, plan, deleted, created_at, updated_at
		FROM users WHERE id = $1 AND updated_at >= $2
		ORDER BY updated_at ASC LIMIT $3`

	// Messages page positionally, scoped through the owning conversation.
	// The ORDER BY must stay stable across requests or offset paging skips
	// or duplicates rows; created_at alone is not unique, hence the id
	// tie-break.
	stmtMessagePage = `SELECT m.id, m.conversation_id, m.role, m.content, m.image, m.deleted, m.created_at, m.updated_at
		FROM messages m JOIN conversations c ON c.id = m.conversation_id
		WHERE c.owner_id = $1
		ORDER BY m.created_at ASC, m.id ASC LIMIT $2 OFFSET $3`
)

// ProcessPull serves one page of documents changed since the checkpoint,
// scoped to the authenticated user.
//
// Timestamp collections return documents with updated_at >= watermark in
// ascending order; the response checkpoint is the last document's updatedAt,
// or the request checkpoint unchanged when the page is empty. Because the
// comparison is inclusive, the tail document is re-delivered on the next
// pull; apply must be idempotent.
//
// The offset collection advances by batchSize on a full page and returns a
// nil checkpoint when the page came back short (end-of-results).
func (s *ReplicationService) ProcessPull(ctx context.Context, userID string, collection string, cp Checkpoint, batchSize int) (*PullResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if !IsKnownCollection(collection) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	if batchSize <= 0 {
		batchSize = s.config.DefaultBatchSize
	}
	if batchSize > s.config.MaxPullBatchSize {
		batchSize = s.config.MaxPullBatchSize
	}

	switch collection {
	case CollectionConversations:
		return s.pullTimestampPage(ctx, cp, batchSize, stmtConversationPage, userID, scanConversationDocument)
	case CollectionUsers:
		return s.pullTimestampPage(ctx, cp, batchSize, stmtUserPage, userID, scanUserDocument)
	default:
		return s.pullMessagePage(ctx, userID, cp, batchSize)
	}
}

func scanConversationDocument(rows pgx.Rows) (Document, error) {
	var c Conversation
	if err := rows.Scan(&c.ID, &c.Name, &c.OwnerID, &c.Stared, &c.Pinned, &c.Topic, &c.Summary, &c.Deleted, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return c.ToDocument(), nil
}

func scanUserDocument(rows pgx.Rows) (Document, error) {
	var u User
	if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Avatar, &u.Plan, &u.Deleted, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return u.ToDocument(), nil
}

func (s *ReplicationService) pullTimestampPage(ctx context.Context, cp Checkpoint, batchSize int, stmt string, userID string, scan func(pgx.Rows) (Document, error)) (*PullResponse, error) {
	rows, err := s.pool.Query(ctx, stmt, userID, cp.Time(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query pull page: %w", err)
	}
	defer rows.Close()

	documents := make([]Document, 0, batchSize)
	for rows.Next() {
		doc, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pull page: %w", err)
		}
		documents = append(documents, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pull page: %w", err)
	}

	// An empty page echoes the request checkpoint rather than regressing to
	// nil; the watermark otherwise advances monotonically over the batch.
	next := cp
	if len(documents) > 0 {
		next = AdvanceTimestamp(cp, documents)
	}
	return &PullResponse{Checkpoint: &next, Documents: documents}, nil
}

func (s *ReplicationService) pullMessagePage(ctx context.Context, userID string, cp Checkpoint, batchSize int) (*PullResponse, error) {
	rows, err := s.pool.Query(ctx, stmtMessagePage, userID, batchSize, cp.OffsetValue())
	if err != nil {
		return nil, fmt.Errorf("failed to query message page: %w", err)
	}
	defer rows.Close()

	documents := make([]Document, 0, batchSize)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Image, &m.Deleted, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message page: %w", err)
		}
		documents = append(documents, m.ToDocument())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message page: %w", err)
	}

	return &PullResponse{
		Checkpoint: AdvanceOffset(cp, len(documents), batchSize),
		Documents:  documents,
	}, nil
}
