// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"github.com/dgraph-io/ristretto"

	"github.com/element-hq/hearth/syncengine/types"
)

// EventCache is a bounded, cost-weighted cache for event-by-id lookups in
// front of the authoritative per-room store. Eviction is transparent: a miss
// here falls through to the store.
type EventCache struct {
	cache *ristretto.Cache
}

// NewEventCache creates an event cache bounded to roughly maxCostBytes of
// event content.
func NewEventCache(maxCostBytes int64) (*EventCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCostBytes / 100,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &EventCache{cache: cache}, nil
}

func eventCost(ev *types.Event) int64 {
	cost := int64(len(ev.Content) + len(ev.PrevContent) + len(ev.ID) + len(ev.Type) + len(ev.Sender))
	if cost < 64 {
		cost = 64
	}
	return cost
}

// Put stores an event keyed by id. Admission is best effort.
func (c *EventCache) Put(ev *types.Event) {
	c.cache.Set(ev.ID, ev, eventCost(ev))
}

// Get returns the cached event for an id, if present.
func (c *EventCache) Get(eventID string) (*types.Event, bool) {
	v, ok := c.cache.Get(eventID)
	if !ok {
		return nil, false
	}
	ev, ok := v.(*types.Event)
	return ev, ok
}

// Del drops an event from the cache.
func (c *EventCache) Del(eventID string) {
	c.cache.Del(eventID)
}

// Wait blocks until pending admissions are applied. Tests only.
func (c *EventCache) Wait() {
	c.cache.Wait()
}
