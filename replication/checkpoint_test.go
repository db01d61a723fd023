// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitialCheckpoint_Timestamp(t *testing.T) {
	cp := InitialCheckpoint(CursorTimestamp)
	require.Nil(t, cp.Offset)
	require.Equal(t, time.Unix(0, 0).UTC(), cp.Time())
}

func TestInitialCheckpoint_Offset(t *testing.T) {
	cp := InitialCheckpoint(CursorOffset)
	require.NotNil(t, cp.Offset)
	require.Equal(t, int64(0), cp.OffsetValue())
}

func TestCollectionCursor(t *testing.T) {
	require.Equal(t, CursorTimestamp, CollectionCursor(CollectionConversations))
	require.Equal(t, CursorTimestamp, CollectionCursor(CollectionUsers))
	require.Equal(t, CursorOffset, CollectionCursor(CollectionMessages))
}

func TestCheckpointTime_Unparseable(t *testing.T) {
	cp := Checkpoint{UpdatedAt: "not-a-timestamp"}
	require.Equal(t, time.Unix(0, 0).UTC(), cp.Time())
}

func TestAdvanceTimestamp_TakesMaxOfBatch(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	cp := Checkpoint{UpdatedAt: WireTime(base)}

	// Out of order on purpose: the max wins, not the last
	docs := []Document{
		{"id": "a", "updatedAt": WireTime(base.Add(2 * time.Minute))},
		{"id": "b", "updatedAt": WireTime(base.Add(5 * time.Minute))},
		{"id": "c", "updatedAt": WireTime(base.Add(1 * time.Minute))},
	}

	next := AdvanceTimestamp(cp, docs)
	require.Equal(t, WireTime(base.Add(5*time.Minute)), next.UpdatedAt)
}

func TestAdvanceTimestamp_NeverDecreases(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	cp := Checkpoint{UpdatedAt: WireTime(base)}

	docs := []Document{
		{"id": "old", "updatedAt": WireTime(base.Add(-time.Hour))},
	}

	next := AdvanceTimestamp(cp, docs)
	require.Equal(t, cp.UpdatedAt, next.UpdatedAt)
}

func TestAdvanceTimestamp_EmptyBatchUnchanged(t *testing.T) {
	cp := Checkpoint{UpdatedAt: WireTime(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))}
	next := AdvanceTimestamp(cp, nil)
	require.Equal(t, cp.UpdatedAt, next.UpdatedAt)
}

func TestAdvanceOffset_FullPageAdvancesByBatchSize(t *testing.T) {
	start := int64(20)
	cp := Checkpoint{Offset: &start}

	next := AdvanceOffset(cp, 10, 10)
	require.NotNil(t, next)
	require.Equal(t, int64(30), next.OffsetValue())
}

func TestAdvanceOffset_ShortPageSignalsEnd(t *testing.T) {
	start := int64(20)
	cp := Checkpoint{Offset: &start}

	require.Nil(t, AdvanceOffset(cp, 3, 10))
	require.Nil(t, AdvanceOffset(cp, 0, 10))
}
