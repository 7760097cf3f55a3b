// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package memory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/hearth/syncengine/types"
)

const testRoomID = "!room:example.org"

func liveEvent(id, token string) *types.Event {
	return &types.Event{
		ID:              id,
		RoomID:          testRoomID,
		Type:            types.EventTypeMessage,
		Sender:          "@alice:x",
		Content:         json.RawMessage(`{"msgtype":"m.text","body":"hi"}`),
		PaginationToken: token,
	}
}

func TestStoreLiveRoomEvent(t *testing.T) {
	t.Run("appends in arrival order", func(t *testing.T) {
		s := NewStore("@alice:x")
		s.StoreLiveRoomEvent(liveEvent("$1", ""))
		s.StoreLiveRoomEvent(liveEvent("$2", ""))

		assert.Equal(t, "$1", s.GetOldestEvent(testRoomID).ID)
		assert.Equal(t, "$2", s.GetLatestEvent(testRoomID).ID)
	})

	t.Run("replaces in place keeping position and token", func(t *testing.T) {
		s := NewStore("@alice:x")
		s.StoreLiveRoomEvent(liveEvent("$1", "t1"))
		s.StoreLiveRoomEvent(liveEvent("$2", "t1"))

		replacement := liveEvent("$1", "")
		replacement.Content = json.RawMessage(`{"msgtype":"m.text","body":"edited"}`)
		s.StoreLiveRoomEvent(replacement)

		assert.Equal(t, "$1", s.GetOldestEvent(testRoomID).ID)
		got := s.GetEvent(testRoomID, "$1")
		require.NotNil(t, got)
		assert.Equal(t, "t1", got.PaginationToken)
		assert.JSONEq(t, `{"msgtype":"m.text","body":"edited"}`, string(got.Content))
	})
}

func TestStoreRoomEventsBackwards(t *testing.T) {
	s := NewStore("@alice:x")
	s.StoreLiveRoomEvent(liveEvent("$3", "live"))

	// Backward chunks arrive newest first and are stamped with the chunk's
	// continuation token.
	s.StoreRoomEvents(testRoomID, &types.TokensChunk{
		Start: "live",
		End:   "t1",
		Chunk: []types.Event{*liveEvent("$2", ""), *liveEvent("$1", "")},
	}, types.Backwards)

	assert.Equal(t, "$1", s.GetOldestEvent(testRoomID).ID)
	assert.Equal(t, "$3", s.GetLatestEvent(testRoomID).ID)
	assert.Equal(t, "t1", s.GetEvent(testRoomID, "$1").PaginationToken)
	assert.Equal(t, "t1", s.GetEvent(testRoomID, "$2").PaginationToken)

	t.Run("duplicates are dropped", func(t *testing.T) {
		s.StoreRoomEvents(testRoomID, &types.TokensChunk{
			Start: "t1",
			End:   "t0",
			Chunk: []types.Event{*liveEvent("$1", "")},
		}, types.Backwards)
		assert.Equal(t, 3, s.EventsCountAfter(testRoomID, "nonexistent"))
	})
}

func TestGetEarlierMessages(t *testing.T) {
	s := NewStore("@alice:x")
	// Layout after one live event and one backward chunk:
	//   $1 (token t1), $2 (token t1), $3 (token live)
	s.StoreLiveRoomEvent(liveEvent("$3", "live"))
	s.StoreRoomEvents(testRoomID, &types.TokensChunk{
		Start: "live",
		End:   "t1",
		Chunk: []types.Event{*liveEvent("$2", ""), *liveEvent("$1", "")},
	}, types.Backwards)

	t.Run("from live edge", func(t *testing.T) {
		chunk := s.GetEarlierMessages(testRoomID, "", 10)
		require.NotNil(t, chunk)
		require.Len(t, chunk.Chunk, 3)
		assert.Equal(t, "$3", chunk.Chunk[0].ID)
		assert.Equal(t, "$1", chunk.Chunk[2].ID)
		assert.Equal(t, "t1", chunk.End)
	})

	t.Run("from a chunk boundary", func(t *testing.T) {
		chunk := s.GetEarlierMessages(testRoomID, "live", 10)
		require.NotNil(t, chunk)
		require.Len(t, chunk.Chunk, 2)
		assert.Equal(t, "$2", chunk.Chunk[0].ID)
		assert.Equal(t, "$1", chunk.Chunk[1].ID)
		assert.Equal(t, "live", chunk.Start)
		assert.Equal(t, "t1", chunk.End)
	})

	t.Run("limit satisfied then chunk completed", func(t *testing.T) {
		// Limit 2 is satisfied at $2, but $1 shares $2's chunk, so the
		// chunk is completed rather than cut.
		chunk := s.GetEarlierMessages(testRoomID, "", 2)
		require.NotNil(t, chunk)
		require.Len(t, chunk.Chunk, 3)
		assert.Equal(t, "t1", chunk.End)
	})

	t.Run("unknown token misses", func(t *testing.T) {
		assert.Nil(t, s.GetEarlierMessages(testRoomID, "nope", 10))
	})

	t.Run("oldest boundary misses", func(t *testing.T) {
		assert.Nil(t, s.GetEarlierMessages(testRoomID, "t1", 10))
	})

	t.Run("empty room misses", func(t *testing.T) {
		assert.Nil(t, s.GetEarlierMessages("!other:x", "", 10))
	})
}

func TestDeleteAllRoomMessages(t *testing.T) {
	stateKey := ""
	mkState := func(id string) *types.Event {
		ev := liveEvent(id, "")
		ev.Type = "m.room.name"
		ev.StateKey = &stateKey
		return ev
	}

	t.Run("state events survive", func(t *testing.T) {
		s := NewStore("@alice:x")
		s.StoreLiveRoomEvent(mkState("$name"))
		s.StoreLiveRoomEvent(liveEvent("$msg", ""))
		s.DeleteAllRoomMessages(testRoomID, false)

		assert.NotNil(t, s.GetEvent(testRoomID, "$name"))
		assert.Nil(t, s.GetEvent(testRoomID, "$msg"))
	})

	t.Run("keepUnsent preserves pending locals", func(t *testing.T) {
		s := NewStore("@alice:x")
		local := types.NewLocalEvent(testRoomID, "@alice:x", types.EventTypeMessage, json.RawMessage(`{"body":"pending"}`))
		s.StoreLiveRoomEvent(local)
		s.StoreLiveRoomEvent(liveEvent("$msg", ""))

		s.DeleteAllRoomMessages(testRoomID, true)
		assert.NotNil(t, s.GetEvent(testRoomID, local.ID))
		assert.Nil(t, s.GetEvent(testRoomID, "$msg"))

		s.DeleteAllRoomMessages(testRoomID, false)
		assert.Nil(t, s.GetEvent(testRoomID, local.ID))
	})
}

func TestDeleteRoomData(t *testing.T) {
	s := NewStore("@alice:x")
	s.StoreLiveRoomEvent(liveEvent("$1", ""))
	s.StoreToken(testRoomID, types.Backwards, "t1")
	s.StoreSummary(&types.RoomSummary{RoomID: testRoomID, Name: "Ops"})

	s.DeleteRoomData(testRoomID)

	assert.Nil(t, s.GetEvent(testRoomID, "$1"))
	assert.Empty(t, s.GetToken(testRoomID, types.Backwards))
	assert.Nil(t, s.GetSummary(testRoomID))
}

func TestCorruptionNotifiesListeners(t *testing.T) {
	s := NewStore("@alice:x")
	l := &recordingListener{}
	s.AddListener(l)
	assert.True(t, l.ready, "ready store must notify new listeners immediately")

	s.SetCorrupted("disk on fire")
	assert.True(t, s.IsCorrupted())
	assert.Equal(t, "disk on fire", l.reason)

	// A second corruption keeps the first reason.
	s.SetCorrupted("other")
	assert.Equal(t, "disk on fire", l.reason)
}

type recordingListener struct {
	ready  bool
	reason string
}

func (l *recordingListener) OnStoreReady(accountID string) { l.ready = true }

func (l *recordingListener) OnStoreCorrupted(accountID, reason string) { l.reason = reason }
