// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/hearth/internal/util"
	"github.com/element-hq/hearth/syncengine/types"
)

// ApplyState folds one state event into the snapshot. It returns false when
// the event was not applied (missing state key, unparseable member content,
// exact duplicate); the caller must then treat the event as a no-op and not
// notify listeners.
//
// Folding forwards reads the event's content; folding backwards reads the
// previous content, so a historical snapshot reflects the state before the
// event.
func (s *RoomState) ApplyState(ev *types.Event, dir types.Direction) bool {
	if !ev.IsState() {
		return false
	}
	content := ev.StateContent(dir)

	switch ev.Type {
	case spec.MRoomName:
		s.Name = gjson.GetBytes(content, "name").String()
	case types.EventTypeTopic:
		s.Topic = gjson.GetBytes(content, "topic").String()
	case spec.MRoomCreate:
		s.Creator = gjson.GetBytes(content, "creator").String()
	case spec.MRoomJoinRules:
		s.JoinRule = gjson.GetBytes(content, "join_rule").String()
	case types.EventTypeGuestAccess:
		s.GuestAccess = gjson.GetBytes(content, "guest_access").String()
	case types.EventTypeAvatar:
		s.AvatarURL = gjson.GetBytes(content, "url").String()
	case spec.MRoomCanonicalAlias:
		s.CanonicalAlias = util.NormalizeRoomAlias(gjson.GetBytes(content, "alias").String())
	case types.EventTypeHistoryVisibility:
		s.HistoryVisibility = gomatrixserverlib.HistoryVisibility(
			gjson.GetBytes(content, "history_visibility").String())
	case types.EventTypeRelatedGroups:
		groups := gjson.GetBytes(content, "groups").Array()
		s.RelatedGroups = make([]string, 0, len(groups))
		for _, g := range groups {
			s.RelatedGroups = append(s.RelatedGroups, g.String())
		}
	case types.EventTypeAliases:
		// Aliases are stored per domain, keyed by the event's state key;
		// the merged view is recomputed lazily.
		domain := string(util.NormalizeServerName(spec.ServerName(ev.GetStateKey())))
		if domain == "" {
			return false
		}
		list := gjson.GetBytes(content, "aliases").Array()
		aliases := make([]string, 0, len(list))
		for _, a := range list {
			aliases = append(aliases, util.NormalizeRoomAlias(a.String()))
		}
		s.aliasesByDomain[domain] = aliases
		s.mergedAliases = nil
	case types.EventTypeEncryption:
		// One-way latch: an event reporting an empty or absent algorithm
		// must not clear a previously set one.
		if algo := gjson.GetBytes(content, "algorithm").String(); algo != "" {
			s.EncryptionAlgorithm = algo
		}
	case spec.MRoomPowerLevels:
		var levels PowerLevels
		if err := json.Unmarshal(content, &levels); err != nil {
			logrus.WithError(err).WithField("room_id", s.RoomID).
				Warn("Failed to parse power levels content")
			return false
		}
		s.PowerLevels = &levels
	case spec.MRoomMember:
		return s.applyMember(ev, content)
	case types.EventTypeThirdPartyInvite:
		token := ev.GetStateKey()
		if token == "" {
			return false
		}
		s.thirdPartyInvites[token] = &ThirdPartyInvite{
			Token:       token,
			DisplayName: gjson.GetBytes(content, "display_name").String(),
		}
	default:
		// Unknown types mutate no named field but are still retained below.
	}

	s.stateEventsByType[ev.Type] = append(s.stateEventsByType[ev.Type], ev)
	return true
}

func (s *RoomState) applyMember(ev *types.Event, content json.RawMessage) bool {
	target := ev.GetStateKey()
	if target == "" {
		return false
	}
	existing := s.members[target]
	membership := gjson.GetBytes(content, "membership").String()
	if membership == "" {
		// No member object in the content means removal.
		if existing == nil {
			return false
		}
		if existing.ThirdPartyInviteToken != "" {
			delete(s.memberByThirdPartyToken, existing.ThirdPartyInviteToken)
		}
		delete(s.members, target)
		s.memberEvents[target] = ev
		return true
	}

	member := &RoomMember{
		UserID:         target,
		DisplayName:    gjson.GetBytes(content, "displayname").String(),
		AvatarURL:      gjson.GetBytes(content, "avatar_url").String(),
		Membership:     membership,
		OriginEventID:  ev.ID,
		OriginServerTS: ev.OriginServerTS,
		SenderID:       ev.Sender,
	}

	if existing != nil &&
		existing.UserID == member.UserID &&
		existing.DisplayName == member.DisplayName &&
		existing.AvatarURL == member.AvatarURL &&
		existing.Membership == member.Membership {
		return false
	}

	// Leave and ban events often omit profile fields; backfill from the
	// record being replaced.
	if (membership == spec.Leave || membership == spec.Ban) && existing != nil {
		if member.DisplayName == "" {
			member.DisplayName = existing.DisplayName
		}
		if member.AvatarURL == "" {
			member.AvatarURL = existing.AvatarURL
		}
	}

	// A join to leave transition caused by someone else is a kick.
	if ev.Sender != target && existing != nil &&
		existing.Membership == spec.Join && membership == spec.Leave {
		member.Membership = types.MembershipKick
	}

	if token := gjson.GetBytes(content, "third_party_invite.signed.token").String(); token != "" {
		member.ThirdPartyInviteToken = token
		s.memberByThirdPartyToken[token] = member
	}

	s.members[target] = member
	s.memberEvents[target] = ev
	return true
}

// InitHistory rebuilds the snapshot from scratch by folding the given state
// events forwards, in order. Used after a redaction invalidates previously
// folded state.
func (s *RoomState) InitHistory(events []*types.Event) {
	fresh := NewRoomState(s.RoomID)
	for _, ev := range events {
		fresh.ApplyState(ev, types.Forwards)
	}
	fresh.NotificationCount = s.NotificationCount
	fresh.HighlightCount = s.HighlightCount
	*s = *fresh
}
