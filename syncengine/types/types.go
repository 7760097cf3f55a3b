// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

// Direction selects which way pagination walks room history.
type Direction int

const (
	// Backwards walks towards older events.
	Backwards Direction = iota
	// Forwards walks towards newer events.
	Forwards
)

func (d Direction) String() string {
	if d == Backwards {
		return "b"
	}
	return "f"
}

// TokenEndOfHistory is the reserved pagination token meaning the top of the
// room's history has been reached. It is never issued by a server.
const TokenEndOfHistory = "t_end_of_history"

// TokensChunk is a page of events bounded by two pagination tokens.
type TokensChunk struct {
	Start string  `json:"start"`
	End   string  `json:"end"`
	Chunk []Event `json:"chunk"`
}

// EventList wraps an event array in the shape the sync endpoints use.
type EventList struct {
	Events []Event `json:"events"`
}

// RoomSyncTimeline is the timeline section of a per-room sync chunk.
type RoomSyncTimeline struct {
	Events []Event `json:"events"`
	// Limited signals a gap: the server elided events between the previous
	// sync position and this batch.
	Limited   bool   `json:"limited"`
	PrevBatch string `json:"prev_batch"`
}

// UnreadNotifications carries the per-room counters from sync.
type UnreadNotifications struct {
	NotificationCount int `json:"notification_count"`
	HighlightCount    int `json:"highlight_count"`
}

// JoinedRoomSync is one joined room's chunk of a sync response.
type JoinedRoomSync struct {
	State               EventList            `json:"state"`
	Timeline            RoomSyncTimeline     `json:"timeline"`
	Ephemeral           EventList            `json:"ephemeral"`
	AccountData         EventList            `json:"account_data"`
	UnreadNotifications *UnreadNotifications `json:"unread_notifications,omitempty"`
}

// InvitedRoomSync is one invited room's chunk of a sync response.
type InvitedRoomSync struct {
	InviteState EventList `json:"invite_state"`
}

// LeftRoomSync is one left room's chunk of a sync response.
type LeftRoomSync struct {
	State    EventList        `json:"state"`
	Timeline RoomSyncTimeline `json:"timeline"`
}

// SyncResponse is the engine's view of a /sync response.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join   map[string]JoinedRoomSync  `json:"join"`
		Invite map[string]InvitedRoomSync `json:"invite"`
		Leave  map[string]LeftRoomSync    `json:"leave"`
	} `json:"rooms"`
	AccountData EventList `json:"account_data"`
}

// EventContext is the response to a context request around a single event.
type EventContext struct {
	Event        *Event  `json:"event"`
	EventsBefore []Event `json:"events_before"`
	EventsAfter  []Event `json:"events_after"`
	State        []Event `json:"state"`
	Start        string  `json:"start"`
	End          string  `json:"end"`
}

// RoomInitialSync is the response to a per-room initial sync, used when the
// engine needs an authoritative state snapshot.
type RoomInitialSync struct {
	RoomID     string       `json:"room_id"`
	State      []Event      `json:"state"`
	Messages   *TokensChunk `json:"messages,omitempty"`
	Membership string       `json:"membership,omitempty"`
}

// RoomSummary is a derived, always-regenerable view of a room used for room
// lists. It is recomputed from state plus the latest supported event and is
// never the source of truth.
type RoomSummary struct {
	RoomID             string
	Name               string
	Topic              string
	LatestEvent        *Event
	UnreadCount        int
	NotificationCount  int
	HighlightCount     int
	ReadReceiptEventID string
	ReadMarkerEventID  string
}
