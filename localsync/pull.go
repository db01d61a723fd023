// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/akazwz/workerai/replication"
)

// pullerLoop drains remote changes in the background. It polls at the
// minimum backoff interval when idle and backs off exponentially on errors.
func (c *Client) pullerLoop(ctx context.Context) {
	backoff := c.config.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if atomic.LoadInt32(&c.pullPaused) == 1 || !c.IsLeader() {
			if !sleepWithContext(ctx, c.config.BackoffMin) {
				return
			}
			continue
		}

		_, err := c.PullOnce(ctx)
		switch {
		case errors.Is(err, ErrUnauthorized):
			c.logger.Error("pull halted: credentials rejected, re-authenticate and restart sync")
			return
		case err != nil:
			c.logger.Warn("pull failed, backing off", "backoff", backoff, "error", err)
			if !sleepWithContext(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > c.config.BackoffMax {
				backoff = c.config.BackoffMax
			}
		default:
			backoff = c.config.BackoffMin
			if !sleepWithContext(ctx, c.config.BackoffMin) {
				return
			}
		}
	}
}

// PullOnce drains every collection down to the current server state and
// returns the number of documents applied. A no-op while pull is paused.
func (c *Client) PullOnce(ctx context.Context) (int, error) {
	if atomic.LoadInt32(&c.pullPaused) == 1 {
		return 0, nil
	}

	total := 0
	for _, collection := range replication.Collections() {
		for {
			applied, done, err := c.pullPage(ctx, collection)
			total += applied
			if err != nil {
				return total, err
			}
			if done {
				break
			}
		}
	}
	return total, nil
}

// pullPage fetches one page for a collection and applies it together with
// the checkpoint advance in a single transaction, so a crash can only
// cause re-delivery, never a gap.
func (c *Client) pullPage(ctx context.Context, collection string) (int, bool, error) {
	cp, err := c.loadCheckpoint(ctx, collection)
	if err != nil {
		return 0, false, err
	}

	params := url.Values{}
	params.Set("batchSize", strconv.Itoa(c.config.PullBatchSize))
	if cp.Offset != nil {
		params.Set("offset", strconv.FormatInt(*cp.Offset, 10))
	} else {
		params.Set("updatedAt", cp.UpdatedAt)
	}

	var resp replication.PullResponse
	reqURL := fmt.Sprintf("%s/replication/%s?%s", c.BaseURL, collection, params.Encode())
	if err := c.doJSON(ctx, "GET", reqURL, nil, &resp); err != nil {
		return 0, false, err
	}

	applied := 0
	c.writeMu.Lock()
	err = c.withTx(ctx, func(tx *sql.Tx) error {
		for _, doc := range resp.Documents {
			if doc.ID() == "" {
				c.logger.Warn("skipping pulled document without id", "collection", collection)
				continue
			}
			changed, err := c.applyServerDocument(ctx, tx, collection, doc)
			if err != nil {
				return err
			}
			if changed {
				applied++
			}
		}
		// A nil checkpoint means end of results; keep the stored cursor
		if resp.Checkpoint != nil {
			return saveCheckpoint(ctx, tx, collection, resp.Checkpoint)
		}
		return nil
	})
	c.writeMu.Unlock()
	if err != nil {
		return 0, false, err
	}

	if applied > 0 {
		c.notifyCollection(collection)
	}
	// A full page whose checkpoint did not move would be re-fetched
	// verbatim: the server stamps a whole push batch with one timestamp,
	// so a page of rows can share the watermark's updatedAt. Stop the
	// drain and resume from the same cursor next cycle instead of
	// spinning on the tie.
	done := resp.Checkpoint == nil ||
		len(resp.Documents) < c.config.PullBatchSize ||
		checkpointStalled(cp, resp.Checkpoint)
	return applied, done, nil
}

// checkpointStalled reports whether a pull left the cursor where it was.
func checkpointStalled(prev, next *replication.Checkpoint) bool {
	if prev.Offset != nil || next.Offset != nil {
		return next.OffsetValue() == prev.OffsetValue()
	}
	return next.Time().Equal(prev.Time())
}

// applyServerDocument stores a pulled document. The shadow always records
// the server state, but a locally dirty document is left untouched so an
// unsynced edit is not silently lost; the next push settles the race.
func (c *Client) applyServerDocument(ctx context.Context, tx *sql.Tx, collection string, doc replication.Document) (bool, error) {
	if err := writeShadow(ctx, tx, collection, doc.ID(), doc); err != nil {
		return false, err
	}

	var rev int64
	err := tx.QueryRowContext(ctx,
		`SELECT rev FROM _replication_pending WHERE collection = ? AND doc_id = ?`,
		collection, doc.ID()).Scan(&rev)
	if err == nil {
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, err
	}

	if err := writeDocument(ctx, tx, collection, doc); err != nil {
		return false, err
	}
	return true, nil
}

// loadCheckpoint returns the stored cursor for a collection, or the
// initial cursor for its mode when replication has not run yet.
func (c *Client) loadCheckpoint(ctx context.Context, collection string) (*replication.Checkpoint, error) {
	var raw string
	err := c.DB.QueryRowContext(ctx,
		`SELECT checkpoint FROM _replication_state WHERE collection = ?`,
		collection).Scan(&raw)
	if err == sql.ErrNoRows {
		cp := replication.InitialCheckpoint(replication.CollectionCursor(collection))
		return &cp, nil
	}
	if err != nil {
		return nil, err
	}
	var cp replication.Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint for %s: %w", collection, err)
	}
	return &cp, nil
}

func saveCheckpoint(ctx context.Context, tx *sql.Tx, collection string, cp *replication.Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _replication_state (collection, checkpoint)
		VALUES (?, ?)
		ON CONFLICT(collection) DO UPDATE SET checkpoint = excluded.checkpoint`,
		collection, string(raw))
	return err
}
