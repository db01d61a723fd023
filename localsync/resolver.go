// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package localsync

import "github.com/akazwz/workerai/replication"

// Rebaser decides what happens to a local edit that the server rejected as
// conflicting. Rebase receives the client's current document and the
// authoritative server document and returns the document the client should
// keep. keepLocal=true re-queues the returned document for another push
// (with the server document as its new assumed base); keepLocal=false drops
// the local edit and the returned document is stored as synced.
type Rebaser interface {
	Rebase(collection string, local, server replication.Document) (doc replication.Document, keepLocal bool)
}

// AcceptServerRebaser is the default policy: the server document wins and
// the local edit is discarded. Matches last-write-wins semantics where the
// server copy already incorporates the freshest accepted write.
type AcceptServerRebaser struct{}

func (AcceptServerRebaser) Rebase(_ string, _, server replication.Document) (replication.Document, bool) {
	return server, false
}

// RetryLocalRebaser re-submits the local document on top of the server
// state. Useful for fields where the client is authoritative.
type RetryLocalRebaser struct{}

func (RetryLocalRebaser) Rebase(_ string, local, _ replication.Document) (replication.Document, bool) {
	return local, true
}
