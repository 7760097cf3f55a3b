// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"github.com/pkg/errors"

	"github.com/element-hq/hearth/syncengine/types"
)

// SnapshotVersion is the current persisted snapshot schema version. Readers
// reject versions they do not understand instead of guessing.
const SnapshotVersion = 1

// Snapshot is the self-describing persisted form of a RoomState. Rather than
// serializing every folded field, it carries the retained state events and
// refolds them on load, plus the few scalars that are not derivable from the
// events.
type Snapshot struct {
	Version             int            `json:"version"`
	RoomID              string         `json:"room_id"`
	Token               string         `json:"token,omitempty"`
	NotificationCount   int            `json:"notification_count,omitempty"`
	HighlightCount      int            `json:"highlight_count,omitempty"`
	EncryptionAlgorithm string         `json:"encryption_algorithm,omitempty"`
	Events              []*types.Event `json:"events"`
}

// Snapshot captures the state for persistence.
func (s *RoomState) Snapshot() *Snapshot {
	return &Snapshot{
		Version:             SnapshotVersion,
		RoomID:              s.RoomID,
		Token:               s.Token,
		NotificationCount:   s.NotificationCount,
		HighlightCount:      s.HighlightCount,
		EncryptionAlgorithm: s.EncryptionAlgorithm,
		Events:              s.AllStateEvents(),
	}
}

// FromSnapshot rebuilds a RoomState from its persisted form by refolding the
// retained events.
func FromSnapshot(sn *Snapshot) (*RoomState, error) {
	if sn.Version != SnapshotVersion {
		return nil, errors.Errorf("unsupported room state snapshot version %d", sn.Version)
	}
	st := NewRoomState(sn.RoomID)
	for _, ev := range sn.Events {
		st.ApplyState(ev, types.Forwards)
	}
	st.Token = sn.Token
	st.NotificationCount = sn.NotificationCount
	st.HighlightCount = sn.HighlightCount
	if sn.EncryptionAlgorithm != "" {
		st.EncryptionAlgorithm = sn.EncryptionAlgorithm
	}
	return st, nil
}
