// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"sort"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/hearth/syncengine/types"
)

// PowerLevels is the folded content of an m.room.power_levels event.
type PowerLevels struct {
	Ban           int            `json:"ban"`
	Kick          int            `json:"kick"`
	Redact        int            `json:"redact"`
	Invite        int            `json:"invite"`
	UsersDefault  int            `json:"users_default"`
	EventsDefault int            `json:"events_default"`
	StateDefault  int            `json:"state_default"`
	Users         map[string]int `json:"users"`
	Events        map[string]int `json:"events"`
}

// RoomState is a snapshot of a room's metadata and membership at a point in
// its timeline, produced by folding state events in order. It is immutable
// by convention: the owning timeline deep-copies the active snapshot before
// applying a new state event, so previously handed-out references stay valid
// historical views.
type RoomState struct {
	RoomID            string
	Name              string
	Topic             string
	Creator           string
	AvatarURL         string
	CanonicalAlias    string
	JoinRule          string
	GuestAccess       string
	HistoryVisibility gomatrixserverlib.HistoryVisibility
	RelatedGroups     []string
	PowerLevels       *PowerLevels
	NotificationCount int
	HighlightCount    int

	// EncryptionAlgorithm latches one way: once non-empty it never goes
	// back to empty, whatever later events claim.
	EncryptionAlgorithm string

	// Token is the pagination token this snapshot is anchored at. For the
	// back state it is the position backward pagination continues from.
	Token string

	aliasesByDomain map[string][]string
	mergedAliases   []string

	members                 map[string]*RoomMember
	memberEvents            map[string]*types.Event
	memberByThirdPartyToken map[string]*RoomMember
	thirdPartyInvites       map[string]*ThirdPartyInvite

	// stateEventsByType retains every accepted state event for later
	// retrieval, e.g. redaction impact analysis. Member events are excluded
	// because they have their own storage.
	stateEventsByType map[string][]*types.Event
}

// NewRoomState returns an empty state for a room.
func NewRoomState(roomID string) *RoomState {
	return &RoomState{
		RoomID:                  roomID,
		aliasesByDomain:         make(map[string][]string),
		members:                 make(map[string]*RoomMember),
		memberEvents:            make(map[string]*types.Event),
		memberByThirdPartyToken: make(map[string]*RoomMember),
		thirdPartyInvites:       make(map[string]*ThirdPartyInvite),
		stateEventsByType:       make(map[string][]*types.Event),
	}
}

// Copy returns a deep copy of the state. Retained events are shared, since
// events are immutable once delivered; everything else is copied.
func (s *RoomState) Copy() *RoomState {
	c := &RoomState{
		RoomID:                  s.RoomID,
		Name:                    s.Name,
		Topic:                   s.Topic,
		Creator:                 s.Creator,
		AvatarURL:               s.AvatarURL,
		CanonicalAlias:          s.CanonicalAlias,
		JoinRule:                s.JoinRule,
		GuestAccess:             s.GuestAccess,
		HistoryVisibility:       s.HistoryVisibility,
		PowerLevels:             s.PowerLevels,
		NotificationCount:       s.NotificationCount,
		HighlightCount:          s.HighlightCount,
		EncryptionAlgorithm:     s.EncryptionAlgorithm,
		Token:                   s.Token,
		aliasesByDomain:         make(map[string][]string, len(s.aliasesByDomain)),
		members:                 make(map[string]*RoomMember, len(s.members)),
		memberEvents:            make(map[string]*types.Event, len(s.memberEvents)),
		memberByThirdPartyToken: make(map[string]*RoomMember, len(s.memberByThirdPartyToken)),
		thirdPartyInvites:       make(map[string]*ThirdPartyInvite, len(s.thirdPartyInvites)),
		stateEventsByType:       make(map[string][]*types.Event, len(s.stateEventsByType)),
	}
	c.RelatedGroups = append([]string(nil), s.RelatedGroups...)
	for domain, aliases := range s.aliasesByDomain {
		c.aliasesByDomain[domain] = append([]string(nil), aliases...)
	}
	for userID, member := range s.members {
		mc := member.Copy()
		c.members[userID] = mc
		if mc.ThirdPartyInviteToken != "" {
			c.memberByThirdPartyToken[mc.ThirdPartyInviteToken] = mc
		}
	}
	for userID, ev := range s.memberEvents {
		c.memberEvents[userID] = ev
	}
	for token, invite := range s.thirdPartyInvites {
		ic := *invite
		c.thirdPartyInvites[token] = &ic
	}
	for eventType, events := range s.stateEventsByType {
		c.stateEventsByType[eventType] = append([]*types.Event(nil), events...)
	}
	return c
}

// Member returns the folded member for a user id, or nil.
func (s *RoomState) Member(userID string) *RoomMember {
	return s.members[userID]
}

// Members returns all known members sorted by user id.
func (s *RoomState) Members() []*RoomMember {
	members := make([]*RoomMember, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].UserID < members[j].UserID
	})
	return members
}

// JoinedMemberCount returns the number of members with membership join.
func (s *RoomState) JoinedMemberCount() int {
	n := 0
	for _, m := range s.members {
		if m.Membership == spec.Join {
			n++
		}
	}
	return n
}

// SelfMembership returns the membership of userID in this snapshot, or
// leave if unknown, consistent with how left users appear.
func (s *RoomState) SelfMembership(userID string) string {
	if m := s.members[userID]; m != nil {
		return m.Membership
	}
	return spec.Leave
}

// MemberByThirdPartyInviteToken resolves a member via a third-party invite
// token registered during the fold.
func (s *RoomState) MemberByThirdPartyInviteToken(token string) *RoomMember {
	return s.memberByThirdPartyToken[token]
}

// ThirdPartyInviteForToken returns the folded third-party invite for a
// token, or nil.
func (s *RoomState) ThirdPartyInviteForToken(token string) *ThirdPartyInvite {
	return s.thirdPartyInvites[token]
}

// Aliases returns the merged alias list across all domains. The merged view
// is computed lazily and invalidated when any domain's list changes.
func (s *RoomState) Aliases() []string {
	if s.mergedAliases == nil {
		domains := make([]string, 0, len(s.aliasesByDomain))
		for domain := range s.aliasesByDomain {
			domains = append(domains, domain)
		}
		sort.Strings(domains)
		merged := make([]string, 0)
		for _, domain := range domains {
			merged = append(merged, s.aliasesByDomain[domain]...)
		}
		s.mergedAliases = merged
	}
	return s.mergedAliases
}

// StateEventsByType returns the retained state events of one type, oldest
// first. Member events are not in this index.
func (s *RoomState) StateEventsByType(eventType string) []*types.Event {
	return s.stateEventsByType[eventType]
}

// AllStateEvents returns every retained non-member state event plus the
// latest member event per user, suitable for a full refold.
func (s *RoomState) AllStateEvents() []*types.Event {
	var events []*types.Event
	eventTypes := make([]string, 0, len(s.stateEventsByType))
	for eventType := range s.stateEventsByType {
		eventTypes = append(eventTypes, eventType)
	}
	sort.Strings(eventTypes)
	for _, eventType := range eventTypes {
		events = append(events, s.stateEventsByType[eventType]...)
	}
	userIDs := make([]string, 0, len(s.memberEvents))
	for userID := range s.memberEvents {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)
	for _, userID := range userIDs {
		events = append(events, s.memberEvents[userID])
	}
	return events
}

// ReplaceStateEvent swaps the retained copy of ev (matched by id) for the
// given one, in whichever index holds it. It reports whether a copy was
// found.
func (s *RoomState) ReplaceStateEvent(ev *types.Event) bool {
	if ev.Type == spec.MRoomMember {
		for userID, old := range s.memberEvents {
			if old.ID == ev.ID {
				s.memberEvents[userID] = ev
				return true
			}
		}
		return false
	}
	for i, old := range s.stateEventsByType[ev.Type] {
		if old.ID == ev.ID {
			s.stateEventsByType[ev.Type][i] = ev
			return true
		}
	}
	return false
}

// HasStateEvent reports whether an event id is among the retained state
// events of this snapshot.
func (s *RoomState) HasStateEvent(eventID string) bool {
	for _, events := range s.stateEventsByType {
		for _, ev := range events {
			if ev.ID == eventID {
				return true
			}
		}
	}
	for _, ev := range s.memberEvents {
		if ev.ID == eventID {
			return true
		}
	}
	return false
}

// HistoryVisibleTo reports whether a user with the given membership may read
// history from this point, per the room's history visibility policy.
func (s *RoomState) HistoryVisibleTo(membership string) bool {
	if s.HistoryVisibility == gomatrixserverlib.HistoryVisibilityWorldReadable {
		return true
	}
	return membership == spec.Join
}
