// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/hearth/syncengine/types"
)

func cachedEvent(id string) *types.Event {
	return &types.Event{
		ID:      id,
		RoomID:  "!room:example.org",
		Type:    types.EventTypeMessage,
		Sender:  "@alice:example.org",
		Content: json.RawMessage(`{"msgtype":"m.text","body":"hello"}`),
	}
}

func TestEventCache(t *testing.T) {
	cache, err := NewEventCache(1024 * 1024)
	require.NoError(t, err)

	ev := cachedEvent("$1")
	cache.Put(ev)
	cache.Wait()

	got, ok := cache.Get("$1")
	require.True(t, ok)
	assert.Same(t, ev, got)

	_, ok = cache.Get("$missing")
	assert.False(t, ok)

	cache.Del("$1")
	cache.Wait()
	_, ok = cache.Get("$1")
	assert.False(t, ok)
}

func TestEventCacheEvictsUnderPressure(t *testing.T) {
	// Small enough that a few hundred events cannot all fit.
	cache, err := NewEventCache(4096)
	require.NoError(t, err)

	for i := 0; i < 512; i++ {
		cache.Put(cachedEvent(fmt.Sprintf("$%d", i)))
	}
	cache.Wait()

	resident := 0
	for i := 0; i < 512; i++ {
		if _, ok := cache.Get(fmt.Sprintf("$%d", i)); ok {
			resident++
		}
	}
	assert.Less(t, resident, 512, "admission should have rejected or evicted some events")
}
