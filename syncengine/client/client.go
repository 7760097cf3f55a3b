// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import "github.com/element-hq/hearth/syncengine/types"

// Client is the network surface the sync engine consumes. Implementations
// map transport and server failures onto the engine's error taxonomy:
// *types.NetworkError for transport problems, *types.ProtocolError for
// structured server errors, *types.UnexpectedError for everything else.
type Client interface {
	// GetRoomMessagesFrom pages room history from a token in the given
	// direction.
	GetRoomMessagesFrom(roomID, token string, dir types.Direction, limit int) (*types.TokensChunk, error)

	// GetContextOfEvent fetches an event with symmetric surrounding context
	// and the room state at that point.
	GetContextOfEvent(roomID, eventID string, limit int) (*types.EventContext, error)

	// RoomInitialSync fetches an authoritative snapshot of one room.
	RoomInitialSync(roomID string, limit int) (*types.RoomInitialSync, error)

	// Sync long-polls the event stream from the given position.
	Sync(since string, timeoutMS int) (*types.SyncResponse, error)

	// SendMessageEvent sends a message event, returning the server-assigned
	// event id.
	SendMessageEvent(roomID, eventType string, content interface{}) (string, error)

	SendReadReceipt(roomID, eventID string) error
	SendReadMarkers(roomID, fullyReadEventID, readReceiptEventID string) error
	SendTyping(roomID string, typing bool, timeoutMS int) error
}
