// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/element-hq/hearth/syncengine/types"
)

// contentAllowlist lists the content keys a redaction preserves, per event
// type. Types not listed keep nothing.
var contentAllowlist = map[string][]string{
	spec.MRoomMember: {"membership"},
	spec.MRoomCreate: {"creator"},
	spec.MRoomJoinRules: {"join_rule"},
	spec.MRoomPowerLevels: {
		"users", "users_default", "events", "events_default",
		"state_default", "ban", "kick", "redact", "invite",
	},
	types.EventTypeAliases:         {"aliases"},
	spec.MRoomCanonicalAlias:       {"alias"},
	types.EventTypeMessageFeedback: {"type", "target_event_id"},
}

// PruneContent strips an event's content down to the redaction allow-list
// for its type. Encrypted events keep nothing: every cryptographic
// side-channel field is cleared.
func PruneContent(eventType string, content json.RawMessage) json.RawMessage {
	out := json.RawMessage(`{}`)
	if eventType == types.EventTypeEncrypted {
		return out
	}
	allowed, ok := contentAllowlist[eventType]
	if !ok {
		return out
	}
	parsed := gjson.ParseBytes(content)
	for _, key := range allowed {
		v := parsed.Get(key)
		if !v.Exists() {
			continue
		}
		pruned, err := sjson.SetRawBytes(out, key, []byte(v.Raw))
		if err != nil {
			continue
		}
		out = pruned
	}
	return out
}

// RedactEvent prunes a cached event in place after a redaction. The event
// keeps its identity and allow-listed content; previous content and
// unsigned data are dropped, with a stub redacted_because recording the
// redaction event id.
func RedactEvent(target *types.Event, redactionEventID string) {
	target.Content = PruneContent(target.Type, target.Content)
	target.PrevContent = nil
	target.Unsigned = &types.Unsigned{
		RedactedBecause: &types.Event{
			ID:     redactionEventID,
			Type:   types.EventTypeRedaction,
			RoomID: target.RoomID,
		},
	}
}
