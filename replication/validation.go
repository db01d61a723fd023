// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package replication

import "fmt"

// validateDocument enforces the minimal wire schema before apply. A failure
// here is a SchemaViolation: the offending event is skipped with a warning
// while the rest of the batch proceeds.
func validateDocument(collection string, doc Document) error {
	if doc == nil {
		return fmt.Errorf("%w: missing newDocumentState", ErrSchemaViolation)
	}

	id, ok := doc[FieldID].(string)
	if !ok || id == "" {
		return fmt.Errorf("%w: document id must be a non-empty string", ErrSchemaViolation)
	}
	if len(id) > MaxDocumentIDLength {
		return fmt.Errorf("%w: document id exceeds %d characters", ErrSchemaViolation, MaxDocumentIDLength)
	}

	if raw, present := doc[FieldDeleted]; present {
		if _, ok := raw.(bool); !ok {
			return fmt.Errorf("%w: deleted must be a boolean", ErrSchemaViolation)
		}
	}

	if collection == CollectionMessages {
		if role := doc.StringField("role"); role != "" && !IsValidRole(role) {
			return fmt.Errorf("%w: invalid message role %q", ErrSchemaViolation, role)
		}
	}

	return nil
}
