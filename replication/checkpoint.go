// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package replication

import "time"

// CursorMode selects the checkpoint algebra for a collection.
type CursorMode int

const (
	// CursorTimestamp advances a monotonic updatedAt watermark.
	CursorTimestamp CursorMode = iota
	// CursorOffset advances by positional pagination. Fragile under
	// concurrent inserts (rows can shift between pages); kept because the
	// messages collection has always replicated this way.
	CursorOffset
)

// CollectionCursor returns the cursor mode used by a collection.
func CollectionCursor(collection string) CursorMode {
	if collection == CollectionMessages {
		return CursorOffset
	}
	return CursorTimestamp
}

// Checkpoint is an opaque per-collection replication cursor. Exactly one of
// the two fields is meaningful, depending on the collection's cursor mode.
//
// A checkpoint returned from a pull is always safe to resume from: no
// document with a smaller effective position will be missed by the next
// pull, at the cost of possible re-delivery.
type Checkpoint struct {
	UpdatedAt string `json:"updatedAt,omitempty"`
	Offset    *int64 `json:"offset,omitempty"`
}

// InitialCheckpoint returns the zero-position checkpoint for a cursor mode.
func InitialCheckpoint(mode CursorMode) Checkpoint {
	if mode == CursorOffset {
		zero := int64(0)
		return Checkpoint{Offset: &zero}
	}
	return Checkpoint{UpdatedAt: WireTime(time.Unix(0, 0))}
}

// Time parses the timestamp watermark. The epoch is returned when the
// checkpoint carries no parseable timestamp, so a fresh client pulls
// everything.
func (c Checkpoint) Time() time.Time {
	if c.UpdatedAt == "" {
		return time.Unix(0, 0).UTC()
	}
	t, err := time.Parse(time.RFC3339Nano, c.UpdatedAt)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}
	return t
}

// OffsetValue returns the positional cursor, defaulting to 0.
func (c Checkpoint) OffsetValue() int64 {
	if c.Offset == nil {
		return 0
	}
	return *c.Offset
}

// AdvanceTimestamp returns the watermark advanced over a pulled batch. The
// watermark never decreases, even if the batch carries out-of-order
// timestamps. An empty batch leaves the checkpoint unchanged (retry from the
// same point), which is distinct from the offset cursor's nil end-of-results
// signal.
func AdvanceTimestamp(cp Checkpoint, docs []Document) Checkpoint {
	watermark := cp.Time()
	for _, doc := range docs {
		if t := doc.UpdatedAt(); t.After(watermark) {
			watermark = t
		}
	}
	return Checkpoint{UpdatedAt: WireTime(watermark)}
}

// AdvanceOffset returns the next positional checkpoint after a pulled batch,
// or nil when the batch came back smaller than requested (end-of-results).
// A full page always advances by batchSize unconditionally.
func AdvanceOffset(cp Checkpoint, fetched, batchSize int) *Checkpoint {
	if fetched < batchSize {
		return nil
	}
	next := cp.OffsetValue() + int64(batchSize)
	return &Checkpoint{Offset: &next}
}
