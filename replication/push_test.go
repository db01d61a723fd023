// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, config *ServiceConfig) (*ReplicationService, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	if config == nil {
		config = &ServiceConfig{DefaultBatchSize: 10, MaxPullBatchSize: 1000}
	}
	svc := &ReplicationService{
		pool:   mock,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		config: config,
	}
	return svc, mock
}

func TestProcessPush_Insert_OK(t *testing.T) {
	svc, mock := newService(t, nil)
	defer mock.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO conversations \(id, name, owner_id, stared, pinned, topic, summary, deleted, created_at, updated_at\) VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9, \$10\) ON CONFLICT \(id\) DO NOTHING`).
		WithArgs("c1", "hello", "u1", false, false, "", "", false, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	resp, err := svc.ProcessPush(ctx, "u1", CollectionConversations, []ReplicationEvent{
		{NewDocumentState: Document{"id": "c1", "name": "hello", "deleted": false}},
	})
	require.NoError(t, err)
	require.Empty(t, resp.Conflicts)
}

func TestProcessPush_Insert_OwnershipIsServerAssigned(t *testing.T) {
	svc, mock := newService(t, nil)
	defer mock.Close()
	ctx := context.Background()

	// The document claims another owner; the insert must carry the
	// authenticated user instead.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO conversations`).
		WithArgs("c1", "hijack", "u1", false, false, "", "", false, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	_, err := svc.ProcessPush(ctx, "u1", CollectionConversations, []ReplicationEvent{
		{NewDocumentState: Document{"id": "c1", "name": "hijack", "ownerId": "someone-else"}},
	})
	require.NoError(t, err)
}

func TestProcessPush_TombstoneBeatsUpdate(t *testing.T) {
	svc, mock := newService(t, nil)
	defer mock.Close()
	ctx := context.Background()

	// deleted=true routes to the tombstone statement even though an
	// assumed master state is present
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE conversations SET deleted = TRUE, updated_at = \$2 WHERE id = ANY\(\$1\)`).
		WithArgs([]string{"c1"}, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	resp, err := svc.ProcessPush(ctx, "u1", CollectionConversations, []ReplicationEvent{
		{
			AssumedMasterState: Document{"id": "c1", "name": "old"},
			NewDocumentState:   Document{"id": "c1", "name": "old", "deleted": true},
		},
	})
	require.NoError(t, err)
	require.Empty(t, resp.Conflicts)
}

func TestProcessPush_Update_LastWriteWins(t *testing.T) {
	svc, mock := newService(t, nil)
	defer mock.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE conversations SET name = \$2, stared = \$3, pinned = \$4, topic = \$5, summary = \$6, deleted = \$7, updated_at = \$8 WHERE id = \$1`).
		WithArgs("c1", "renamed", true, false, "", "", false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	resp, err := svc.ProcessPush(ctx, "u1", CollectionConversations, []ReplicationEvent{
		{
			AssumedMasterState: Document{"id": "c1", "name": "old"},
			NewDocumentState:   Document{"id": "c1", "name": "renamed", "stared": true},
		},
	})
	require.NoError(t, err)
	require.Empty(t, resp.Conflicts)
}

func TestProcessPush_ConflictDetection_ReturnsAuthoritativeRow(t *testing.T) {
	svc, mock := newService(t, &ServiceConfig{
		DefaultBatchSize: 10, MaxPullBatchSize: 1000, ConflictDetection: true,
	})
	defer mock.Close()
	ctx := context.Background()

	assumed := WireTime(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	serverTime := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE conversations SET .+ WHERE id = \$1 AND updated_at = \$9`).
		WithArgs("c1", "mine", false, false, "", "", false, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT id, name, owner_id, stared, pinned, topic, summary, deleted, created_at, updated_at FROM conversations WHERE id = \$1`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "owner_id", "stared", "pinned", "topic", "summary", "deleted", "created_at", "updated_at"}).
			AddRow("c1", "theirs", "u1", false, false, "", "", false, serverTime, serverTime))
	mock.ExpectCommit()

	resp, err := svc.ProcessPush(ctx, "u1", CollectionConversations, []ReplicationEvent{
		{
			AssumedMasterState: Document{"id": "c1", "name": "base", "updatedAt": assumed},
			NewDocumentState:   Document{"id": "c1", "name": "mine"},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Conflicts, 1)
	require.Equal(t, "c1", resp.Conflicts[0].ID())
	require.Equal(t, "theirs", resp.Conflicts[0].StringField("name"))
}

func TestProcessPush_MalformedDocumentSkipped(t *testing.T) {
	svc, mock := newService(t, nil)
	defer mock.Close()
	ctx := context.Background()

	// The batch holds one malformed event (no id) and one valid insert;
	// only the valid one reaches the database.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs("m1", "c1", "user", "hi", "", false, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	resp, err := svc.ProcessPush(ctx, "u1", CollectionMessages, []ReplicationEvent{
		{NewDocumentState: Document{"content": "orphan"}},
		{NewDocumentState: Document{"id": "m1", "conversationId": "c1", "role": "user", "content": "hi"}},
	})
	require.NoError(t, err)
	require.Empty(t, resp.Conflicts)
}

func TestProcessPush_EmptyBatch_NoTransaction(t *testing.T) {
	svc, mock := newService(t, nil)
	defer mock.Close()

	resp, err := svc.ProcessPush(context.Background(), "u1", CollectionConversations, nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Conflicts)
	require.Empty(t, resp.Conflicts)
}

func TestProcessPush_BatchTooLarge(t *testing.T) {
	svc, mock := newService(t, &ServiceConfig{
		DefaultBatchSize: 10, MaxPullBatchSize: 1000, MaxPushBatchSize: 1,
	})
	defer mock.Close()

	_, err := svc.ProcessPush(context.Background(), "u1", CollectionConversations, []ReplicationEvent{
		{NewDocumentState: Document{"id": "a"}},
		{NewDocumentState: Document{"id": "b"}},
	})
	require.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestProcessPush_UnknownCollection(t *testing.T) {
	svc, mock := newService(t, nil)
	defer mock.Close()

	_, err := svc.ProcessPush(context.Background(), "u1", "widgets", []ReplicationEvent{
		{NewDocumentState: Document{"id": "a"}},
	})
	require.ErrorIs(t, err, ErrUnknownCollection)
}

func TestProcessPush_Users_InsertDroppedUpdateForcedToOwnRow(t *testing.T) {
	svc, mock := newService(t, nil)
	defer mock.Close()
	ctx := context.Background()

	// The insert is dropped entirely; the update runs against the
	// authenticated user's id regardless of the document's id field.
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE users SET email = \$2, name = \$3, avatar = \$4, plan = \$5, deleted = \$6, updated_at = \$7 WHERE id = \$1`).
		WithArgs("u1", "me@example.com", "Me", "", "pro", false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	resp, err := svc.ProcessPush(ctx, "u1", CollectionUsers, []ReplicationEvent{
		{NewDocumentState: Document{"id": "brand-new-user", "email": "x@example.com"}},
		{
			AssumedMasterState: Document{"id": "someone-else"},
			NewDocumentState:   Document{"id": "someone-else", "email": "me@example.com", "name": "Me", "plan": "pro"},
		},
	})
	require.NoError(t, err)
	require.Empty(t, resp.Conflicts)
}

func TestProcessPush_ExecErrRollsBack(t *testing.T) {
	svc, mock := newService(t, nil)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO conversations`).
		WithArgs("c1", "", "u1", false, false, "", "", false, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("insert-fail"))
	mock.ExpectRollback()

	_, err := svc.ProcessPush(context.Background(), "u1", CollectionConversations, []ReplicationEvent{
		{NewDocumentState: Document{"id": "c1"}},
	})
	require.Error(t, err)
}

func TestProcessPush_Closed(t *testing.T) {
	svc, mock := newService(t, nil)
	defer mock.Close()

	require.NoError(t, svc.Close())
	_, err := svc.ProcessPush(context.Background(), "u1", CollectionConversations, nil)
	require.Error(t, err)
}

func TestMultiInsertSQL(t *testing.T) {
	sql := multiInsertSQL("messages", []string{"id", "content"}, 2)
	require.Equal(t, "INSERT INTO messages (id, content) VALUES ($1, $2), ($3, $4) ON CONFLICT (id) DO NOTHING", sql)
}
