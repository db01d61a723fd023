// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"

	"github.com/akazwz/workerai/replication"
)

type subscription struct {
	collection string
	sel        Selector
	sortField  string
	desc       bool
	fn         func([]replication.Document)
}

// Subscribe registers a live query over a collection. The callback fires
// once with the current result set and again after every committed change
// to the collection, local or pulled. The returned cancel func detaches the
// subscription; an emission already in flight on another goroutine may
// still be delivered once after cancel returns.
func (c *Client) Subscribe(ctx context.Context, collection string, sel Selector, sortField string, desc bool, fn func([]replication.Document)) (func(), error) {
	if !replication.IsKnownCollection(collection) {
		return nil, replication.ErrUnknownCollection
	}

	sub := &subscription{
		collection: collection,
		sel:        sel,
		sortField:  sortField,
		desc:       desc,
		fn:         fn,
	}

	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = sub
	c.subMu.Unlock()

	// Initial emission with the current state
	docs, err := c.List(ctx, collection, sel, sortField, desc)
	if err != nil {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
		return nil, err
	}
	fn(docs)

	cancel := func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
	return cancel, nil
}

// notifyCollection re-runs every subscription on the collection. Called
// after each committed mutation, so callbacks observe the new state.
func (c *Client) notifyCollection(collection string) {
	c.subMu.Lock()
	var active []*subscription
	for _, sub := range c.subs {
		if sub.collection == collection {
			active = append(active, sub)
		}
	}
	c.subMu.Unlock()

	for _, sub := range active {
		docs, err := c.List(context.Background(), collection, sub.sel, sub.sortField, sub.desc)
		if err != nil {
			c.logger.Error("subscription query failed", "collection", collection, "error", err)
			continue
		}
		sub.fn(docs)
	}
}
