// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package replication

import "time"

// Document is the wire representation of a replicated document. Keys are
// camelCase to match the JSON produced and consumed by clients. A nil
// Document decodes from JSON null, which is how an absent
// assumedMasterState travels.
type Document map[string]any

// ID returns the document primary key, or "" when absent or not a string.
func (d Document) ID() string {
	return d.StringField(FieldID)
}

// Deleted reports whether the document carries a soft-delete tombstone.
func (d Document) Deleted() bool {
	v, ok := d[FieldDeleted].(bool)
	return ok && v
}

// UpdatedAt parses the updatedAt field. The zero time is returned when the
// field is absent or malformed.
func (d Document) UpdatedAt() time.Time {
	return d.TimeField(FieldUpdatedAt)
}

// StringField returns the named field as a string, or "" when absent.
func (d Document) StringField(key string) string {
	v, _ := d[key].(string)
	return v
}

// BoolField returns the named field as a bool, or false when absent.
func (d Document) BoolField(key string) bool {
	v, _ := d[key].(bool)
	return v
}

// TimeField parses the named field as RFC 3339.
func (d Document) TimeField(key string) time.Time {
	s, ok := d[key].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// WireTime formats a timestamp the way documents carry it.
func WireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
