// Package localsync provides the offline-first client side of workerai
// replication: a durable SQLite-backed document store with reactive queries,
// plus background push/pull loops that keep it in sync with the remote
// authoritative store.
//
// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Client manages the local document store and the replication loops.
type Client struct {
	DB       *sql.DB
	BaseURL  string
	Token    func(context.Context) (string, error) // returns JWT
	Rebaser  Rebaser
	HTTP     *http.Client
	config   *Config
	logger   *slog.Logger
	writeMu  sync.Mutex // Serialize write operations to prevent SQLite locking issues

	// InstanceID identifies this process for leader election. It is
	// deliberately ephemeral: a restarted process is a new contender.
	InstanceID string

	// Pause switches (atomic): allow callers to suspend sync activity deterministically
	pushPaused int32
	pullPaused int32

	leader atomic.Bool

	subMu     sync.Mutex
	subs      map[int]*subscription
	nextSubID int
}

// Config holds configuration for the local sync client
type Config struct {
	PushBatchSize  int           // events per push request, e.g. 10
	PullBatchSize  int           // documents per pull page, e.g. 100
	BackoffMin     time.Duration // 1s
	BackoffMax     time.Duration // 60s
	RequestTimeout time.Duration // per-request deadline so a stalled call never blocks the loop
	LeaseTTL       time.Duration // leader lease expiry
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		PushBatchSize:  10,
		PullBatchSize:  100,
		BackoffMin:     1 * time.Second,
		BackoffMax:     60 * time.Second,
		RequestTimeout: 30 * time.Second,
		LeaseTTL:       15 * time.Second,
	}
}

// PausePush suspends push operations (PushOnce and background loops respect this flag)
func (c *Client) PausePush() { atomic.StoreInt32(&c.pushPaused, 1) }

// ResumePush resumes push operations
func (c *Client) ResumePush() { atomic.StoreInt32(&c.pushPaused, 0) }

// PausePull suspends pull operations
func (c *Client) PausePull() { atomic.StoreInt32(&c.pullPaused, 1) }

// ResumePull resumes pull operations
func (c *Client) ResumePull() { atomic.StoreInt32(&c.pullPaused, 0) }

// NewClient creates a new local sync client and initializes the store schema.
func NewClient(db *sql.DB, baseURL string, tok func(ctx context.Context) (string, error), config *Config, logger *slog.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	client := &Client{
		DB:         db,
		BaseURL:    baseURL,
		Token:      tok,
		Rebaser:    &AcceptServerRebaser{},
		HTTP:       &http.Client{},
		config:     config,
		logger:     logger,
		InstanceID: uuid.New().String(),
		subs:       make(map[int]*subscription),
	}

	return client, nil
}

// initializeDatabase creates the local document table and replication
// sidecar tables.
func initializeDatabase(db *sql.DB) error {
	// WAL so readers (subscriptions, UI) never block the sync loops
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	tables := []string{
		// One row per document, JSON wire shape. deleted/updated_at are
		// denormalized out of the JSON for cheap scans.
		`CREATE TABLE IF NOT EXISTS _local_documents (
			collection TEXT NOT NULL,
			doc_id     TEXT NOT NULL,
			doc        TEXT NOT NULL,
			deleted    INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (collection, doc_id)
		)`,

		// Per-collection replication cursor, JSON-encoded checkpoint
		`CREATE TABLE IF NOT EXISTS _replication_state (
			collection TEXT PRIMARY KEY,
			checkpoint TEXT NOT NULL
		)`,

		// Dirty set (coalesced, one row per document). assumed is the last
		// server-acked snapshot captured when the document first went dirty
		// (NULL = never synced). rev increments on every local mutation so
		// acks can detect edits that raced an in-flight push.
		`CREATE TABLE IF NOT EXISTS _replication_pending (
			collection TEXT NOT NULL,
			doc_id     TEXT NOT NULL,
			assumed    TEXT,
			rev        INTEGER NOT NULL DEFAULT 1,
			queued_at  TEXT NOT NULL,
			PRIMARY KEY (collection, doc_id)
		)`,

		// Last server-acked state per document; source of assumedMasterState
		`CREATE TABLE IF NOT EXISTS _replication_shadow (
			collection TEXT NOT NULL,
			doc_id     TEXT NOT NULL,
			doc        TEXT NOT NULL,
			PRIMARY KEY (collection, doc_id)
		)`,

		// Leader lease; only the holder drives the network loops
		`CREATE TABLE IF NOT EXISTS _replication_lease (
			name       TEXT PRIMARY KEY,
			holder     TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	return nil
}

// Start launches the leader election heartbeat and the push/pull loops. The
// loops run until ctx is cancelled; cancelling stops new requests while an
// in-flight batch still applies in full.
func (c *Client) Start(ctx context.Context) error {
	go c.leaderLoop(ctx)
	go c.pusherLoop(ctx)
	go c.pullerLoop(ctx)
	return nil
}

// IsLeader reports whether this instance currently holds the replication lease.
func (c *Client) IsLeader() bool {
	return c.leader.Load()
}
