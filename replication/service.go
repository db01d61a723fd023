// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is a minimal abstraction over a Postgres connection pool. It is
// implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// ServiceConfig holds configuration for the replication service
type ServiceConfig struct {
	AppName          string // Application name for connection tracking
	DefaultBatchSize int    // Pull page size when the request omits batchSize
	MaxPullBatchSize int    // Upper bound for a single pull page
	MaxPushBatchSize int    // Maximum events per push request (0 = unlimited)

	// ConflictDetection enables optimistic concurrency on updates: the
	// client's assumedMasterState.updatedAt must match the row's current
	// updated_at, otherwise the authoritative row is returned as a conflict
	// instead of being overwritten. Off by default: the historical behavior
	// is unconditional last-write-wins with an always-empty conflict list.
	ConflictDetection bool
}

// ReplicationService reconciles client push batches against the
// authoritative store and serves checkpoint-based pull pages. This is the
// main server-side component.
type ReplicationService struct {
	pool   PgxPool
	logger *slog.Logger
	config *ServiceConfig

	mu     sync.RWMutex
	closed bool
}

// NewReplicationService creates a new replication service from an existing
// pool and initializes the schema.
func NewReplicationService(pool PgxPool, config *ServiceConfig, logger *slog.Logger) (*ReplicationService, error) {
	if config == nil {
		config = &ServiceConfig{}
	}
	if config.AppName == "" {
		config.AppName = "workerai-replication"
	}
	if config.DefaultBatchSize <= 0 {
		config.DefaultBatchSize = 10
	}
	if config.MaxPullBatchSize <= 0 {
		config.MaxPullBatchSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &ReplicationService{
		pool:   pool,
		logger: logger,
		config: config,
	}

	ctx := context.Background()
	if err := service.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize replication service: %w", err)
	}

	return service, nil
}

// Close marks the service as shut down. It does NOT close the database pool;
// the caller owns the pool lifecycle.
func (s *ReplicationService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.logger.Debug("Shutting down replication service")
	s.closed = true
	return nil
}

// Pool returns the underlying database connection pool
func (s *ReplicationService) Pool() PgxPool {
	return s.pool
}

func (s *ReplicationService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errors.New("replication service has been closed")
	}
	return nil
}
