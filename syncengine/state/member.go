// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

// RoomMember is the folded view of one user's membership in a room. Members
// are created and updated only through RoomState.ApplyState on
// m.room.member events.
type RoomMember struct {
	UserID                string
	DisplayName           string
	AvatarURL             string
	Membership            string
	ThirdPartyInviteToken string
	// OriginEventID and OriginServerTS identify the member event this view
	// was folded from.
	OriginEventID  string
	OriginServerTS int64
	// SenderID is the user who sent the member event; it differs from
	// UserID for invites, kicks and bans.
	SenderID string
}

// Copy returns an independent copy of the member.
func (m *RoomMember) Copy() *RoomMember {
	c := *m
	return &c
}

// ThirdPartyInvite is the folded view of an m.room.third_party_invite state
// event, keyed by its token (the event's state key).
type ThirdPartyInvite struct {
	Token       string
	DisplayName string
}
