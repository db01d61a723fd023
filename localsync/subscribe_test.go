// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"testing"
	"time"

	"github.com/akazwz/workerai/replication"
)

func TestSubscribeEmitsInitialAndUpdates(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if err := c.Insert(ctx, "conversations", replication.Document{"id": "c1", "name": "first"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var emissions [][]replication.Document
	cancel, err := c.Subscribe(ctx, "conversations", nil, "name", false, func(docs []replication.Document) {
		emissions = append(emissions, docs)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if len(emissions) != 1 || len(emissions[0]) != 1 {
		t.Fatalf("expected initial emission with 1 doc, got %v", emissions)
	}

	if err := c.Insert(ctx, "conversations", replication.Document{"id": "c2", "name": "second"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(emissions) != 2 || len(emissions[1]) != 2 {
		t.Fatalf("expected emission after insert, got %d emissions", len(emissions))
	}

	// Tombstoning a doc shrinks the live result set
	if err := c.Remove(ctx, "conversations", "c1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	last := emissions[len(emissions)-1]
	if len(last) != 1 || last[0].ID() != "c2" {
		t.Fatalf("expected only c2 after remove, got %v", last)
	}
}

func TestSubscribeCancelStopsEmissions(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	count := 0
	cancel, err := c.Subscribe(ctx, "conversations", nil, "", false, func([]replication.Document) {
		count++
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected initial emission, got %d", count)
	}

	cancel()
	if err := c.Insert(ctx, "conversations", replication.Document{"id": "c1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if count != 1 {
		t.Fatalf("emission after cancel: %d", count)
	}
}

func TestSubscribeCallbackCanWrite(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	// The callback itself mutates the store: it must not deadlock on the
	// write lock of the mutation that triggered it.
	patched := false
	cancel, err := c.Subscribe(ctx, "conversations", nil, "", false, func(docs []replication.Document) {
		if len(docs) == 1 && !patched {
			patched = true
			if err := c.Patch(ctx, "conversations", "c1", replication.Document{"name": "from-callback"}); err != nil {
				t.Errorf("patch inside callback: %v", err)
			}
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.Insert(ctx, "conversations", replication.Document{"id": "c1", "name": "hello"})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("insert blocked while a subscription callback wrote to the store")
	}

	got, err := c.Get(ctx, "conversations", "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.StringField("name") != "from-callback" {
		t.Fatalf("callback write not applied: %v", got)
	}
}

func TestSubscribeScopedToCollection(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	count := 0
	cancel, err := c.Subscribe(ctx, "messages", nil, "", false, func([]replication.Document) {
		count++
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := c.Insert(ctx, "conversations", replication.Document{"id": "c1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if count != 1 {
		t.Fatalf("conversation write leaked into messages subscription: %d", count)
	}
}
