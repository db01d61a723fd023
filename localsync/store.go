// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/akazwz/workerai/replication"
)

// Insert stores a new document and queues it for push. The document must
// carry a non-empty "id". Inserting an existing id fails with
// ErrAlreadyExists; use Patch to modify.
func (c *Client) Insert(ctx context.Context, collection string, doc replication.Document) error {
	if !replication.IsKnownCollection(collection) {
		return replication.ErrUnknownCollection
	}
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("insert into %s: %w: missing id", collection, replication.ErrSchemaViolation)
	}

	c.writeMu.Lock()

	now := replication.WireTime(time.Now())
	if _, ok := doc[replication.FieldCreatedAt]; !ok {
		doc[replication.FieldCreatedAt] = now
	}
	doc[replication.FieldUpdatedAt] = now

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM _local_documents WHERE collection = ? AND doc_id = ?`,
			collection, id).Scan(&exists)
		if err == nil {
			return fmt.Errorf("insert into %s: %s: %w", collection, id, ErrAlreadyExists)
		}
		if err != sql.ErrNoRows {
			return err
		}
		if err := writeDocument(ctx, tx, collection, doc); err != nil {
			return err
		}
		return c.markPending(ctx, tx, collection, id)
	})
	// Notify after releasing the lock so a callback may write
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	c.notifyCollection(collection)
	return nil
}

// Patch merges the given fields into an existing document, stamps a fresh
// updatedAt and queues the document for push. Repeated patches before a
// push coalesce into a single pending entry.
func (c *Client) Patch(ctx context.Context, collection, id string, patch replication.Document) error {
	if !replication.IsKnownCollection(collection) {
		return replication.ErrUnknownCollection
	}

	c.writeMu.Lock()

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		doc, err := readDocument(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		for k, v := range patch {
			if k == replication.FieldID {
				continue // identity is immutable
			}
			doc[k] = v
		}
		doc[replication.FieldUpdatedAt] = replication.WireTime(time.Now())
		if err := writeDocument(ctx, tx, collection, doc); err != nil {
			return err
		}
		return c.markPending(ctx, tx, collection, id)
	})
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	c.notifyCollection(collection)
	return nil
}

// Remove soft-deletes a document. The tombstone replicates like any other
// update; the row is never physically removed so late pulls stay idempotent.
func (c *Client) Remove(ctx context.Context, collection, id string) error {
	return c.Patch(ctx, collection, id, replication.Document{replication.FieldDeleted: true})
}

// Get returns a single document by id, tombstones included.
func (c *Client) Get(ctx context.Context, collection, id string) (replication.Document, error) {
	if !replication.IsKnownCollection(collection) {
		return nil, replication.ErrUnknownCollection
	}
	var raw string
	err := c.DB.QueryRowContext(ctx,
		`SELECT doc FROM _local_documents WHERE collection = ? AND doc_id = ?`,
		collection, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeDocument(raw)
}

// Selector filters documents in List and Subscribe. A nil selector matches
// every live (non-deleted) document.
type Selector func(replication.Document) bool

// List returns the documents of a collection matching the selector, sorted
// by sortField (ascending unless desc). Tombstones are only visible to an
// explicit selector.
func (c *Client) List(ctx context.Context, collection string, sel Selector, sortField string, desc bool) ([]replication.Document, error) {
	if !replication.IsKnownCollection(collection) {
		return nil, replication.ErrUnknownCollection
	}
	rows, err := c.DB.QueryContext(ctx,
		`SELECT doc FROM _local_documents WHERE collection = ?`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []replication.Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		if sel == nil {
			if doc.Deleted() {
				continue
			}
		} else if !sel(doc) {
			continue
		}
		result = append(result, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if sortField != "" {
		sort.SliceStable(result, func(i, j int) bool {
			less := compareField(result[i][sortField], result[j][sortField])
			if desc {
				return !less && !equalField(result[i][sortField], result[j][sortField])
			}
			return less
		})
	}
	return result, nil
}

// withTx runs fn inside a transaction, committing on success.
func (c *Client) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func readDocument(ctx context.Context, tx *sql.Tx, collection, id string) (replication.Document, error) {
	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT doc FROM _local_documents WHERE collection = ? AND doc_id = ?`,
		collection, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeDocument(raw)
}

func writeDocument(ctx context.Context, tx *sql.Tx, collection string, doc replication.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	deleted := 0
	if doc.Deleted() {
		deleted = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _local_documents (collection, doc_id, doc, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, doc_id) DO UPDATE SET
			doc = excluded.doc, deleted = excluded.deleted, updated_at = excluded.updated_at`,
		collection, doc.ID(), string(raw), deleted, doc.StringField(replication.FieldUpdatedAt))
	return err
}

// markPending records the document as dirty. First dirtying captures the
// shadow snapshot as assumed master state; later mutations only bump rev so
// an ack for an older push cannot clear a newer edit.
func (c *Client) markPending(ctx context.Context, tx *sql.Tx, collection, id string) error {
	var assumed sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT doc FROM _replication_shadow WHERE collection = ? AND doc_id = ?`,
		collection, id).Scan(&assumed)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _replication_pending (collection, doc_id, assumed, rev, queued_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(collection, doc_id) DO UPDATE SET rev = rev + 1`,
		collection, id, assumed, replication.WireTime(time.Now()))
	return err
}

func decodeDocument(raw string) (replication.Document, error) {
	var doc replication.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// compareField orders two JSON values of the same field. Mixed or unknown
// types fall back to a stable "not less".
func compareField(a, b any) bool {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return !av && bv
		}
	}
	return false
}

func equalField(a, b any) bool {
	return !compareField(a, b) && !compareField(b, a)
}
