// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/hearth/syncengine/types"
)

const testRoomID = "!room:example.org"

var eventCounter int

func stateEvent(t *testing.T, eventType, stateKey, sender string, content map[string]interface{}) *types.Event {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	eventCounter++
	return &types.Event{
		ID:       fmt.Sprintf("$ev%d:example.org", eventCounter),
		RoomID:   testRoomID,
		Type:     eventType,
		Sender:   sender,
		StateKey: &stateKey,
		Content:  raw,
	}
}

func memberEvent(t *testing.T, sender, target, membership, displayName string) *types.Event {
	t.Helper()
	content := map[string]interface{}{"membership": membership}
	if displayName != "" {
		content["displayname"] = displayName
	}
	return stateEvent(t, spec.MRoomMember, target, sender, content)
}

func TestApplyStateScalars(t *testing.T) {
	s := NewRoomState(testRoomID)

	require.True(t, s.ApplyState(stateEvent(t, spec.MRoomName, "", "@a:x", map[string]interface{}{"name": "Ops"}), types.Forwards))
	require.True(t, s.ApplyState(stateEvent(t, types.EventTypeTopic, "", "@a:x", map[string]interface{}{"topic": "on fire"}), types.Forwards))
	require.True(t, s.ApplyState(stateEvent(t, spec.MRoomCreate, "", "@a:x", map[string]interface{}{"creator": "@a:x"}), types.Forwards))
	require.True(t, s.ApplyState(stateEvent(t, spec.MRoomJoinRules, "", "@a:x", map[string]interface{}{"join_rule": "invite"}), types.Forwards))

	assert.Equal(t, "Ops", s.Name)
	assert.Equal(t, "on fire", s.Topic)
	assert.Equal(t, "@a:x", s.Creator)
	assert.Equal(t, "invite", s.JoinRule)
}

func TestApplyStateRejectsNonStateEvent(t *testing.T) {
	s := NewRoomState(testRoomID)
	ev := &types.Event{ID: "$msg", Type: types.EventTypeMessage, Content: json.RawMessage(`{"body":"hi"}`)}
	assert.False(t, s.ApplyState(ev, types.Forwards))
}

func TestApplyMember(t *testing.T) {
	t.Run("join adds member", func(t *testing.T) {
		s := NewRoomState(testRoomID)
		require.True(t, s.ApplyState(memberEvent(t, "@alice:x", "@alice:x", spec.Join, "Alice"), types.Forwards))
		m := s.Member("@alice:x")
		require.NotNil(t, m)
		assert.Equal(t, spec.Join, m.Membership)
		assert.Equal(t, "Alice", m.DisplayName)
		assert.Equal(t, 1, s.JoinedMemberCount())
	})

	t.Run("exact duplicate is rejected", func(t *testing.T) {
		s := NewRoomState(testRoomID)
		require.True(t, s.ApplyState(memberEvent(t, "@alice:x", "@alice:x", spec.Join, "Alice"), types.Forwards))
		assert.False(t, s.ApplyState(memberEvent(t, "@alice:x", "@alice:x", spec.Join, "Alice"), types.Forwards))
	})

	t.Run("profile change is applied", func(t *testing.T) {
		s := NewRoomState(testRoomID)
		require.True(t, s.ApplyState(memberEvent(t, "@alice:x", "@alice:x", spec.Join, "Alice"), types.Forwards))
		require.True(t, s.ApplyState(memberEvent(t, "@alice:x", "@alice:x", spec.Join, "Alice II"), types.Forwards))
		assert.Equal(t, "Alice II", s.Member("@alice:x").DisplayName)
	})

	t.Run("missing state key is rejected", func(t *testing.T) {
		s := NewRoomState(testRoomID)
		ev := memberEvent(t, "@alice:x", "@alice:x", spec.Join, "")
		ev.StateKey = nil
		assert.False(t, s.ApplyState(ev, types.Forwards))
	})

	t.Run("leave backfills profile from previous record", func(t *testing.T) {
		s := NewRoomState(testRoomID)
		require.True(t, s.ApplyState(memberEvent(t, "@alice:x", "@alice:x", spec.Join, "Alice"), types.Forwards))
		require.True(t, s.ApplyState(memberEvent(t, "@alice:x", "@alice:x", spec.Leave, ""), types.Forwards))
		m := s.Member("@alice:x")
		require.NotNil(t, m)
		assert.Equal(t, spec.Leave, m.Membership)
		assert.Equal(t, "Alice", m.DisplayName)
	})

	t.Run("leave by another sender becomes kick", func(t *testing.T) {
		s := NewRoomState(testRoomID)
		require.True(t, s.ApplyState(memberEvent(t, "@alice:x", "@alice:x", spec.Join, "Alice"), types.Forwards))
		require.True(t, s.ApplyState(memberEvent(t, "@admin:x", "@alice:x", spec.Leave, ""), types.Forwards))
		assert.Equal(t, types.MembershipKick, s.Member("@alice:x").Membership)
	})

	t.Run("leave by another sender without prior join stays leave", func(t *testing.T) {
		s := NewRoomState(testRoomID)
		require.True(t, s.ApplyState(memberEvent(t, "@admin:x", "@alice:x", spec.Leave, ""), types.Forwards))
		assert.Equal(t, spec.Leave, s.Member("@alice:x").Membership)
	})

	t.Run("empty membership removes the member", func(t *testing.T) {
		s := NewRoomState(testRoomID)
		require.True(t, s.ApplyState(memberEvent(t, "@alice:x", "@alice:x", spec.Join, "Alice"), types.Forwards))
		ev := stateEvent(t, spec.MRoomMember, "@alice:x", "@alice:x", map[string]interface{}{})
		require.True(t, s.ApplyState(ev, types.Forwards))
		assert.Nil(t, s.Member("@alice:x"))
	})

	t.Run("empty membership for unknown member is rejected", func(t *testing.T) {
		s := NewRoomState(testRoomID)
		ev := stateEvent(t, spec.MRoomMember, "@ghost:x", "@ghost:x", map[string]interface{}{})
		assert.False(t, s.ApplyState(ev, types.Forwards))
	})
}

func TestApplyMemberThirdPartyInvite(t *testing.T) {
	s := NewRoomState(testRoomID)
	ev := stateEvent(t, spec.MRoomMember, "@bob:x", "@bob:x", map[string]interface{}{
		"membership": spec.Join,
		"third_party_invite": map[string]interface{}{
			"signed": map[string]interface{}{"token": "tok123"},
		},
	})
	require.True(t, s.ApplyState(ev, types.Forwards))
	m := s.MemberByThirdPartyInviteToken("tok123")
	require.NotNil(t, m)
	assert.Equal(t, "@bob:x", m.UserID)
}

func TestApplyEncryptionLatch(t *testing.T) {
	s := NewRoomState(testRoomID)
	require.True(t, s.ApplyState(stateEvent(t, types.EventTypeEncryption, "", "@a:x",
		map[string]interface{}{"algorithm": "m.megolm.v1.aes-sha2"}), types.Forwards))
	assert.Equal(t, "m.megolm.v1.aes-sha2", s.EncryptionAlgorithm)

	// An encryption event without an algorithm must not clear the latch.
	require.True(t, s.ApplyState(stateEvent(t, types.EventTypeEncryption, "", "@a:x",
		map[string]interface{}{}), types.Forwards))
	assert.Equal(t, "m.megolm.v1.aes-sha2", s.EncryptionAlgorithm)
}

func TestApplyAliasesPerDomain(t *testing.T) {
	s := NewRoomState(testRoomID)
	require.True(t, s.ApplyState(stateEvent(t, types.EventTypeAliases, "one.org", "@a:x",
		map[string]interface{}{"aliases": []string{"#a:one.org"}}), types.Forwards))
	require.True(t, s.ApplyState(stateEvent(t, types.EventTypeAliases, "two.org", "@a:x",
		map[string]interface{}{"aliases": []string{"#a:two.org", "#b:two.org"}}), types.Forwards))

	assert.ElementsMatch(t, []string{"#a:one.org", "#a:two.org", "#b:two.org"}, s.Aliases())

	// Replacing one domain's list must not disturb the other's.
	require.True(t, s.ApplyState(stateEvent(t, types.EventTypeAliases, "two.org", "@a:x",
		map[string]interface{}{"aliases": []string{"#c:two.org"}}), types.Forwards))
	assert.ElementsMatch(t, []string{"#a:one.org", "#c:two.org"}, s.Aliases())
}

func TestApplyPowerLevels(t *testing.T) {
	s := NewRoomState(testRoomID)
	require.True(t, s.ApplyState(stateEvent(t, spec.MRoomPowerLevels, "", "@a:x", map[string]interface{}{
		"ban":  50,
		"kick": 50,
		"users": map[string]interface{}{
			"@admin:x": 100,
		},
	}), types.Forwards))
	require.NotNil(t, s.PowerLevels)
	assert.Equal(t, 100, s.PowerLevels.Users["@admin:x"])

	t.Run("unparseable content is rejected", func(t *testing.T) {
		ev := stateEvent(t, spec.MRoomPowerLevels, "", "@a:x", nil)
		ev.Content = json.RawMessage(`"not an object"`)
		assert.False(t, s.ApplyState(ev, types.Forwards))
	})
}

func TestApplyStateBackwardsUsesPrevContent(t *testing.T) {
	s := NewRoomState(testRoomID)
	ev := stateEvent(t, spec.MRoomName, "", "@a:x", map[string]interface{}{"name": "After"})
	ev.PrevContent = json.RawMessage(`{"name":"Before"}`)

	require.True(t, s.ApplyState(ev, types.Backwards))
	assert.Equal(t, "Before", s.Name)

	require.True(t, s.ApplyState(ev, types.Forwards))
	assert.Equal(t, "After", s.Name)
}

func TestCopyIsDeep(t *testing.T) {
	s := NewRoomState(testRoomID)
	require.True(t, s.ApplyState(memberEvent(t, "@alice:x", "@alice:x", spec.Join, "Alice"), types.Forwards))
	require.True(t, s.ApplyState(stateEvent(t, spec.MRoomName, "", "@a:x", map[string]interface{}{"name": "Before"}), types.Forwards))

	copied := s.Copy()
	require.True(t, copied.ApplyState(memberEvent(t, "@admin:x", "@alice:x", spec.Leave, ""), types.Forwards))
	require.True(t, copied.ApplyState(stateEvent(t, spec.MRoomName, "", "@a:x", map[string]interface{}{"name": "After"}), types.Forwards))

	assert.Equal(t, spec.Join, s.Member("@alice:x").Membership)
	assert.Equal(t, "Before", s.Name)
	assert.Equal(t, types.MembershipKick, copied.Member("@alice:x").Membership)
	assert.Equal(t, "After", copied.Name)
}

func TestInitHistoryPreservesCounters(t *testing.T) {
	s := NewRoomState(testRoomID)
	s.NotificationCount = 3
	s.HighlightCount = 1
	events := []*types.Event{
		stateEvent(t, spec.MRoomName, "", "@a:x", map[string]interface{}{"name": "Refolded"}),
		memberEvent(t, "@alice:x", "@alice:x", spec.Join, "Alice"),
	}
	s.InitHistory(events)
	assert.Equal(t, "Refolded", s.Name)
	assert.Equal(t, 3, s.NotificationCount)
	assert.Equal(t, 1, s.HighlightCount)
	require.NotNil(t, s.Member("@alice:x"))
}

func TestSelfMembershipDefaultsToLeave(t *testing.T) {
	s := NewRoomState(testRoomID)
	assert.Equal(t, spec.Leave, s.SelfMembership("@nobody:x"))
}

func TestHistoryVisibleTo(t *testing.T) {
	s := NewRoomState(testRoomID)
	assert.False(t, s.HistoryVisibleTo(spec.Leave))
	assert.True(t, s.HistoryVisibleTo(spec.Join))

	require.True(t, s.ApplyState(stateEvent(t, types.EventTypeHistoryVisibility, "", "@a:x",
		map[string]interface{}{"history_visibility": "world_readable"}), types.Forwards))
	assert.True(t, s.HistoryVisibleTo(spec.Leave))
}
