// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type principalKeyType struct{}

var principalKey principalKeyType

// Principal identifies the authenticated actor on a replication request:
// the user whose documents are being synced and the device issuing the
// calls.
type Principal struct {
	UserID   string
	DeviceID string
}

// WithPrincipal returns a context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext returns the principal stored by the auth middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
