// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Hot-path statements. Updates are applied one-by-one because each needs its
// own fresh updated_at stamp and WHERE id = predicate; tombstones and
// inserts are batched into single statements.
const (
	stmtConversationTombstone = `UPDATE conversations SET deleted = TRUE, updated_at = $2 WHERE id = ANY($1)`
	stmtConversationUpdate    = `UPDATE conversations SET name = $2, stared = $3, pinned = $4, topic = $5, summary = $6, deleted = $7, updated_at = $8 WHERE id = $1`
	stmtConversationFetch     = `SELECT id, name, owner_id, stared, pinned, topic, summary, deleted, created_at, updated_at FROM conversations WHERE id = $1`

	stmtMessageTombstone = `UPDATE messages SET deleted = TRUE, updated_at = $2 WHERE id = ANY($1)`
	stmtMessageUpdate    = `UPDATE messages SET conversation_id = $2, role = $3, content = $4, image = $5, deleted = $6, updated_at = $7 WHERE id = $1`
	stmtMessageFetch     = `SELECT id, conversation_id, role, content, image, deleted, created_at, updated_at FROM messages WHERE id = $1`

	stmtUserUpdate = `UPDATE users SET email = $2, name = $3, avatar = $4, plan = $5, deleted = $6, updated_at = $7 WHERE id = $1`
	stmtUserFetch  = `SELECT id, email, name, avatar, plan, deleted, created_at, updated_at FROM users WHERE id = $1`
)

// versionGuard is appended to an update statement when ConflictDetection is
// enabled; the extra argument is the client's assumed updated_at.
func versionGuard(stmt string, argPos int) string {
	return fmt.Sprintf("%s AND updated_at = $%d", stmt, argPos)
}

// ProcessPush applies a batch of replication events to the authoritative
// store on behalf of the authenticated user. Per event:
//
//  1. newDocumentState.deleted == true marks the row as a soft tombstone,
//     taking priority over insert/update classification;
//  2. a non-nil assumedMasterState overwrites the row's mutable columns and
//     stamps a fresh updated_at;
//  3. a nil assumedMasterState inserts the row owned by the caller.
//
// Apply is idempotent under at-least-once delivery: re-inserts hit the pk
// conflict gate and re-updates converge to the same state. Malformed
// documents are skipped with a warning, never fatal to the batch.
func (s *ReplicationService) ProcessPush(ctx context.Context, userID string, collection string, events []ReplicationEvent) (*PushResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if !IsKnownCollection(collection) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	if s.config.MaxPushBatchSize > 0 && len(events) > s.config.MaxPushBatchSize {
		return nil, fmt.Errorf("%w: events=%d limit=%d", ErrBatchTooLarge, len(events), s.config.MaxPushBatchSize)
	}

	response := &PushResponse{Conflicts: []Document{}}
	if len(events) == 0 {
		return response, nil
	}

	now := time.Now().UTC()

	var tombstones []string
	var inserts []Document
	var updates []ReplicationEvent
	for _, ev := range events {
		if err := validateDocument(collection, ev.NewDocumentState); err != nil {
			s.logger.Warn("Skipping malformed replication event",
				"collection", collection, "user_id", userID, "error", err)
			continue
		}
		switch {
		case ev.NewDocumentState.Deleted():
			tombstones = append(tombstones, ev.NewDocumentState.ID())
		case ev.AssumedMasterState != nil:
			updates = append(updates, ev)
		default:
			inserts = append(inserts, ev.NewDocumentState)
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin push transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var conflicts []Document
	switch collection {
	case CollectionConversations:
		conflicts, err = s.pushConversations(ctx, tx, userID, now, tombstones, inserts, updates)
	case CollectionMessages:
		conflicts, err = s.pushMessages(ctx, tx, now, tombstones, inserts, updates)
	case CollectionUsers:
		conflicts, err = s.pushUsers(ctx, tx, userID, now, tombstones, inserts, updates)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit push transaction: %w", err)
	}

	if len(conflicts) > 0 {
		response.Conflicts = conflicts
	}
	s.logger.Debug("Processed push batch",
		"collection", collection, "user_id", userID, "events", len(events),
		"tombstones", len(tombstones), "inserts", len(inserts), "updates", len(updates),
		"conflicts", len(conflicts))
	return response, nil
}

func (s *ReplicationService) pushConversations(ctx context.Context, tx pgx.Tx, userID string, now time.Time, tombstones []string, inserts []Document, updates []ReplicationEvent) ([]Document, error) {
	if len(tombstones) > 0 {
		if _, err := tx.Exec(ctx, stmtConversationTombstone, tombstones, now); err != nil {
			return nil, fmt.Errorf("failed to apply conversation tombstones: %w", err)
		}
	}

	if len(inserts) > 0 {
		cols := []string{"id", "name", "owner_id", "stared", "pinned", "topic", "summary", "deleted", "created_at", "updated_at"}
		args := make([]any, 0, len(inserts)*len(cols))
		for _, doc := range inserts {
			c := conversationFromDocument(doc, now)
			c.OwnerID = userID // ownership is asserted by the server, never the client
			args = append(args, c.ID, c.Name, c.OwnerID, c.Stared, c.Pinned, c.Topic, c.Summary, c.Deleted, c.CreatedAt, c.UpdatedAt)
		}
		if _, err := tx.Exec(ctx, multiInsertSQL("conversations", cols, len(inserts)), args...); err != nil {
			return nil, fmt.Errorf("failed to insert conversations: %w", err)
		}
	}

	var conflicts []Document
	for _, ev := range updates {
		c := conversationFromDocument(ev.NewDocumentState, now)
		if s.config.ConflictDetection {
			tag, err := tx.Exec(ctx, versionGuard(stmtConversationUpdate, 9),
				c.ID, c.Name, c.Stared, c.Pinned, c.Topic, c.Summary, c.Deleted, now,
				ev.AssumedMasterState.UpdatedAt())
			if err != nil {
				return nil, fmt.Errorf("failed to update conversation %s: %w", c.ID, err)
			}
			if tag.RowsAffected() == 0 {
				current, err := s.fetchConversation(ctx, tx, c.ID)
				if err != nil {
					s.logger.Warn("Conflicting update against missing conversation row", "id", c.ID, "error", err)
					continue
				}
				conflicts = append(conflicts, current.ToDocument())
			}
			continue
		}
		if _, err := tx.Exec(ctx, stmtConversationUpdate,
			c.ID, c.Name, c.Stared, c.Pinned, c.Topic, c.Summary, c.Deleted, now); err != nil {
			return nil, fmt.Errorf("failed to update conversation %s: %w", c.ID, err)
		}
	}
	return conflicts, nil
}

func (s *ReplicationService) pushMessages(ctx context.Context, tx pgx.Tx, now time.Time, tombstones []string, inserts []Document, updates []ReplicationEvent) ([]Document, error) {
	if len(tombstones) > 0 {
		if _, err := tx.Exec(ctx, stmtMessageTombstone, tombstones, now); err != nil {
			return nil, fmt.Errorf("failed to apply message tombstones: %w", err)
		}
	}

	if len(inserts) > 0 {
		cols := []string{"id", "conversation_id", "role", "content", "image", "deleted", "created_at", "updated_at"}
		args := make([]any, 0, len(inserts)*len(cols))
		for _, doc := range inserts {
			m := messageFromDocument(doc, now)
			args = append(args, m.ID, m.ConversationID, m.Role, m.Content, m.Image, m.Deleted, m.CreatedAt, m.UpdatedAt)
		}
		if _, err := tx.Exec(ctx, multiInsertSQL("messages", cols, len(inserts)), args...); err != nil {
			return nil, fmt.Errorf("failed to insert messages: %w", err)
		}
	}

	var conflicts []Document
	for _, ev := range updates {
		m := messageFromDocument(ev.NewDocumentState, now)
		if s.config.ConflictDetection {
			tag, err := tx.Exec(ctx, versionGuard(stmtMessageUpdate, 8),
				m.ID, m.ConversationID, m.Role, m.Content, m.Image, m.Deleted, now,
				ev.AssumedMasterState.UpdatedAt())
			if err != nil {
				return nil, fmt.Errorf("failed to update message %s: %w", m.ID, err)
			}
			if tag.RowsAffected() == 0 {
				current, err := s.fetchMessage(ctx, tx, m.ID)
				if err != nil {
					s.logger.Warn("Conflicting update against missing message row", "id", m.ID, "error", err)
					continue
				}
				conflicts = append(conflicts, current.ToDocument())
			}
			continue
		}
		if _, err := tx.Exec(ctx, stmtMessageUpdate,
			m.ID, m.ConversationID, m.Role, m.Content, m.Image, m.Deleted, now); err != nil {
			return nil, fmt.Errorf("failed to update message %s: %w", m.ID, err)
		}
	}
	return conflicts, nil
}

// pushUsers only ever touches the authenticated user's own row. Identity is
// server-assigned, so inserts are dropped and document ids are overridden.
func (s *ReplicationService) pushUsers(ctx context.Context, tx pgx.Tx, userID string, now time.Time, tombstones []string, inserts []Document, updates []ReplicationEvent) ([]Document, error) {
	if len(inserts) > 0 {
		s.logger.Warn("Dropping user inserts; user identity is server-assigned",
			"user_id", userID, "count", len(inserts))
	}
	if len(tombstones) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE users SET deleted = TRUE, updated_at = $2 WHERE id = $1`, userID, now); err != nil {
			return nil, fmt.Errorf("failed to apply user tombstone: %w", err)
		}
	}

	var conflicts []Document
	for _, ev := range updates {
		u := userFromDocument(ev.NewDocumentState, now)
		u.ID = userID
		if s.config.ConflictDetection {
			tag, err := tx.Exec(ctx, versionGuard(stmtUserUpdate, 8),
				u.ID, u.Email, u.Name, u.Avatar, u.Plan, u.Deleted, now,
				ev.AssumedMasterState.UpdatedAt())
			if err != nil {
				return nil, fmt.Errorf("failed to update user %s: %w", u.ID, err)
			}
			if tag.RowsAffected() == 0 {
				current, err := s.fetchUser(ctx, tx, u.ID)
				if err != nil {
					s.logger.Warn("Conflicting update against missing user row", "id", u.ID, "error", err)
					continue
				}
				conflicts = append(conflicts, current.ToDocument())
			}
			continue
		}
		if _, err := tx.Exec(ctx, stmtUserUpdate,
			u.ID, u.Email, u.Name, u.Avatar, u.Plan, u.Deleted, now); err != nil {
			return nil, fmt.Errorf("failed to update user %s: %w", u.ID, err)
		}
	}
	return conflicts, nil
}

func (s *ReplicationService) fetchConversation(ctx context.Context, tx pgx.Tx, id string) (*Conversation, error) {
	var c Conversation
	err := tx.QueryRow(ctx, stmtConversationFetch, id).Scan(
		&c.ID, &c.Name, &c.OwnerID, &c.Stared, &c.Pinned, &c.Topic, &c.Summary, &c.Deleted, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *ReplicationService) fetchMessage(ctx context.Context, tx pgx.Tx, id string) (*Message, error) {
	var m Message
	err := tx.QueryRow(ctx, stmtMessageFetch, id).Scan(
		&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Image, &m.Deleted, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *ReplicationService) fetchUser(ctx context.Context, tx pgx.Tx, id string) (*User, error) {
	var u User
	err := tx.QueryRow(ctx, stmtUserFetch, id).Scan(
		&u.ID, &u.Email, &u.Name, &u.Avatar, &u.Plan, &u.Deleted, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// multiInsertSQL builds a single bulk insert with an ON CONFLICT gate so that
// re-delivered batches stay idempotent.
func multiInsertSQL(table string, cols []string, rows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(cols, ", "))
	arg := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for c := range cols {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", arg)
			arg++
		}
		b.WriteString(")")
	}
	b.WriteString(" ON CONFLICT (id) DO NOTHING")
	return b.String()
}
