// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"database/sql"
	"time"

	"github.com/akazwz/workerai/replication"
)

const leaseName = "replication"

// leaderLoop maintains a lease in the shared database so that exactly one
// process per database file drives the network loops. The lease is renewed
// at a third of its TTL; a crashed holder is taken over once it expires.
func (c *Client) leaderLoop(ctx context.Context) {
	interval := c.config.LeaseTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.tryAcquireLease(ctx)
	for {
		select {
		case <-ctx.Done():
			c.releaseLease()
			return
		case <-ticker.C:
			c.tryAcquireLease(ctx)
		}
	}
}

func (c *Client) tryAcquireLease(ctx context.Context) {
	held, err := c.acquireLease(ctx)
	if err != nil {
		c.logger.Warn("lease acquisition failed", "error", err)
		// Assume lost until proven otherwise
		c.leader.Store(false)
		return
	}
	if held && !c.leader.Load() {
		c.logger.Info("acquired replication lease", "instance", c.InstanceID)
	}
	c.leader.Store(held)
}

// acquireLease takes or renews the lease. It succeeds when the lease is
// free, already ours, or expired.
func (c *Client) acquireLease(ctx context.Context) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	now := time.Now()
	expires := replication.WireTime(now.Add(c.config.LeaseTTL))

	held := false
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		var holder, expiresAt string
		err := tx.QueryRowContext(ctx,
			`SELECT holder, expires_at FROM _replication_lease WHERE name = ?`,
			leaseName).Scan(&holder, &expiresAt)
		if err == sql.ErrNoRows {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO _replication_lease (name, holder, expires_at) VALUES (?, ?, ?)`,
				leaseName, c.InstanceID, expires)
			held = err == nil
			return err
		}
		if err != nil {
			return err
		}

		deadline, perr := time.Parse(time.RFC3339Nano, expiresAt)
		expired := perr != nil || now.After(deadline)
		if holder != c.InstanceID && !expired {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE _replication_lease SET holder = ?, expires_at = ? WHERE name = ?`,
			c.InstanceID, expires, leaseName)
		held = err == nil
		return err
	})
	return held, err
}

// releaseLease gives up the lease on shutdown so a sibling process can take
// over without waiting for expiry. Uses a fresh short context because the
// loop's context is already cancelled.
func (c *Client) releaseLease() {
	if !c.leader.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.DB.ExecContext(ctx,
		`DELETE FROM _replication_lease WHERE name = ? AND holder = ?`,
		leaseName, c.InstanceID)
	if err != nil {
		c.logger.Warn("lease release failed", "error", err)
	}
	c.leader.Store(false)
}
