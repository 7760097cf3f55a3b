// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"github.com/element-hq/hearth/syncengine/state"
	"github.com/element-hq/hearth/syncengine/types"
)

// Store is the per-account persistence surface the sync engine writes
// through. All mutations go through these entry points, never through direct
// map surgery, so persistent implementations can track dirty rooms for
// deferred flush.
//
// Reads may be served synchronously (in-memory backends) or after a deferred
// load (persistent backends); callers must treat responses as potentially
// deferred and never rely on synchronous completion.
type Store interface {
	// GetEarlierMessages returns cached events older than fromToken, newest
	// first, or nil when nothing relevant is cached and the caller must go
	// to the network. An empty fromToken means "from the live edge". The
	// returned chunk may be larger than limit: some implementations return
	// whole cached chunks.
	GetEarlierMessages(roomID, fromToken string, limit int) *types.TokensChunk

	// StoreRoomEvents records a paginated chunk for a room. For Backwards
	// the chunk is newest first and each event is stamped with the chunk's
	// continuation token.
	StoreRoomEvents(roomID string, chunk *types.TokensChunk, dir types.Direction)

	// StoreLiveRoomEvent records (or replaces, for echoes and redaction
	// pruning) a single live event.
	StoreLiveRoomEvent(ev *types.Event)

	GetEvent(roomID, eventID string) *types.Event
	DeleteEvent(ev *types.Event)

	// DeleteAllRoomMessages removes the room's non-state events. State
	// events are kept. keepUnsent preserves locally-originated events that
	// have not reached the server yet.
	DeleteAllRoomMessages(roomID string, keepUnsent bool)

	// DeleteRoomData discards everything cached for a room: events, tokens,
	// state and summary.
	DeleteRoomData(roomID string)

	GetOldestEvent(roomID string) *types.Event
	GetLatestEvent(roomID string) *types.Event
	EventsCountAfter(roomID, eventID string) int

	StoreSummary(summary *types.RoomSummary)
	GetSummary(roomID string) *types.RoomSummary
	// FlushSummary marks an already-stored summary as dirty so the next
	// commit persists it.
	FlushSummary(summary *types.RoomSummary)

	// StoreLiveStateForRoom persists the room's current state snapshot.
	StoreLiveStateForRoom(roomID string, st *state.RoomState)
	GetLiveStateForRoom(roomID string) *state.RoomState

	StoreToken(roomID string, dir types.Direction, token string)
	GetToken(roomID string, dir types.Direction) string

	// StoreEventStreamToken records the account-wide sync cursor.
	StoreEventStreamToken(token string)
	GetEventStreamToken() string

	// Commit flushes pending dirty state. It is idempotent and safe to call
	// with nothing pending, any number of times.
	Commit()

	// SetCorrupted marks the store unusable. Surfaced to listeners, not
	// returned as an error.
	SetCorrupted(reason string)
	IsCorrupted() bool

	AddListener(listener Listener)

	Close() error
}

// Listener receives store lifecycle notifications.
type Listener interface {
	OnStoreReady(accountID string)
	OnStoreCorrupted(accountID, reason string)
}
