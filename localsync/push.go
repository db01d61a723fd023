// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/akazwz/workerai/replication"
)

// pendingRow is one dirty document captured at push time.
type pendingRow struct {
	docID   string
	assumed sql.NullString
	rev     int64
	doc     replication.Document
}

// pusherLoop drives uploads in the background with exponential backoff on
// failure. Only the lease holder performs network work.
func (c *Client) pusherLoop(ctx context.Context) {
	backoff := c.config.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if atomic.LoadInt32(&c.pushPaused) == 1 || !c.IsLeader() {
			if !sleepWithContext(ctx, c.config.BackoffMin) {
				return
			}
			continue
		}

		pushed, err := c.PushOnce(ctx)
		switch {
		case errors.Is(err, ErrUnauthorized):
			c.logger.Error("push halted: credentials rejected, re-authenticate and restart sync")
			return
		case err != nil:
			c.logger.Warn("push failed, backing off", "backoff", backoff, "error", err)
			if !sleepWithContext(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > c.config.BackoffMax {
				backoff = c.config.BackoffMax
			}
		case pushed > 0:
			backoff = c.config.BackoffMin
		default:
			// Idle, nothing dirty
			if !sleepWithContext(ctx, c.config.BackoffMin) {
				return
			}
		}
	}
}

// PushOnce uploads one batch of pending documents per collection and
// returns the number of documents pushed. Safe to call manually for
// one-shot sync; a no-op while push is paused.
func (c *Client) PushOnce(ctx context.Context) (int, error) {
	if atomic.LoadInt32(&c.pushPaused) == 1 {
		return 0, nil
	}

	total := 0
	for _, collection := range replication.Collections() {
		n, err := c.pushCollection(ctx, collection)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *Client) pushCollection(ctx context.Context, collection string) (int, error) {
	rows, err := c.loadPending(ctx, collection)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	events := make([]replication.ReplicationEvent, 0, len(rows))
	for _, row := range rows {
		var assumed replication.Document
		if row.assumed.Valid {
			if err := json.Unmarshal([]byte(row.assumed.String), &assumed); err != nil {
				return 0, fmt.Errorf("failed to decode assumed state for %s/%s: %w", collection, row.docID, err)
			}
		}
		events = append(events, replication.ReplicationEvent{
			AssumedMasterState: assumed,
			NewDocumentState:   row.doc,
		})
	}

	var resp replication.PushResponse
	url := fmt.Sprintf("%s/replication/%s", c.BaseURL, collection)
	if err := c.doJSON(ctx, "POST", url, events, &resp); err != nil {
		return 0, err
	}

	if err := c.settlePush(ctx, collection, rows, resp.Conflicts); err != nil {
		return 0, err
	}
	if len(resp.Conflicts) > 0 {
		c.notifyCollection(collection)
	}
	return len(rows), nil
}

// loadPending reads one batch of dirty documents together with their
// current local state and pending revision.
func (c *Client) loadPending(ctx context.Context, collection string) ([]pendingRow, error) {
	rs, err := c.DB.QueryContext(ctx, `
		SELECT p.doc_id, p.assumed, p.rev, d.doc
		FROM _replication_pending p
		JOIN _local_documents d ON d.collection = p.collection AND d.doc_id = p.doc_id
		WHERE p.collection = ?
		ORDER BY p.queued_at ASC
		LIMIT ?`,
		collection, c.config.PushBatchSize)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var rows []pendingRow
	for rs.Next() {
		var row pendingRow
		var raw string
		if err := rs.Scan(&row.docID, &row.assumed, &row.rev, &raw); err != nil {
			return nil, err
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		row.doc = doc
		rows = append(rows, row)
	}
	return rows, rs.Err()
}

// settlePush records the outcome of an accepted push: acked documents move
// to the shadow and leave the dirty set, conflicted documents go through
// the Rebaser. A pending row is only cleared when its revision is unchanged
// since the batch was captured, so an edit racing the request stays dirty.
func (c *Client) settlePush(ctx context.Context, collection string, rows []pendingRow, conflicts []replication.Document) error {
	conflictByID := make(map[string]replication.Document, len(conflicts))
	for _, doc := range conflicts {
		conflictByID[doc.ID()] = doc
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.withTx(ctx, func(tx *sql.Tx) error {
		for _, row := range rows {
			server, conflicted := conflictByID[row.docID]
			if !conflicted {
				if err := writeShadow(ctx, tx, collection, row.docID, row.doc); err != nil {
					return err
				}
				if err := clearPending(ctx, tx, collection, row.docID, row.rev); err != nil {
					return err
				}
				continue
			}

			// Server knows best what master state is now
			if err := writeShadow(ctx, tx, collection, row.docID, server); err != nil {
				return err
			}

			// An edit that landed while the request was in flight bumped
			// rev; leave its content in place instead of overwriting it
			// with batch-time state. The next push re-settles the conflict.
			var curRev int64
			err := tx.QueryRowContext(ctx,
				`SELECT rev FROM _replication_pending WHERE collection = ? AND doc_id = ?`,
				collection, row.docID).Scan(&curRev)
			if err != nil && err != sql.ErrNoRows {
				return err
			}
			if err == nil && curRev != row.rev {
				continue
			}

			merged, keepLocal := c.Rebaser.Rebase(collection, row.doc, server)
			if !keepLocal {
				if err := writeDocument(ctx, tx, collection, merged); err != nil {
					return err
				}
				if err := clearPending(ctx, tx, collection, row.docID, row.rev); err != nil {
					return err
				}
				continue
			}

			// Rebase on top of the server state and try again next cycle
			merged[replication.FieldUpdatedAt] = replication.WireTime(time.Now())
			if err := writeDocument(ctx, tx, collection, merged); err != nil {
				return err
			}
			serverRaw, err := json.Marshal(server)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE _replication_pending SET assumed = ?, rev = rev + 1
				WHERE collection = ? AND doc_id = ?`,
				string(serverRaw), collection, row.docID); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeShadow(ctx context.Context, tx *sql.Tx, collection, id string, doc replication.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _replication_shadow (collection, doc_id, doc)
		VALUES (?, ?, ?)
		ON CONFLICT(collection, doc_id) DO UPDATE SET doc = excluded.doc`,
		collection, id, string(raw))
	return err
}

func clearPending(ctx context.Context, tx *sql.Tx, collection, id string, rev int64) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM _replication_pending
		WHERE collection = ? AND doc_id = ? AND rev = ?`,
		collection, id, rev)
	return err
}

// sleepWithContext pauses for d, returning false if ctx was cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
