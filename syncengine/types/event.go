// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// SendState tracks the delivery lifecycle of a locally-originated event.
// Events received from the server are always SendStateSent.
type SendState int

const (
	SendStateUnsent SendState = iota
	SendStateEncrypting
	SendStateSending
	SendStateWaitingRetry
	SendStateSent
	SendStateUndeliverable
	SendStateFailedUnknownDevices
)

func (s SendState) String() string {
	switch s {
	case SendStateUnsent:
		return "unsent"
	case SendStateEncrypting:
		return "encrypting"
	case SendStateSending:
		return "sending"
	case SendStateWaitingRetry:
		return "waiting_retry"
	case SendStateSent:
		return "sent"
	case SendStateUndeliverable:
		return "undeliverable"
	case SendStateFailedUnknownDevices:
		return "failed_unknown_devices"
	default:
		return "unknown"
	}
}

// DummyEventAge marks an event created locally as an optimistic echo; the
// server copy of the same event id replaces it when it arrives on sync.
const DummyEventAge int64 = math.MaxInt64 - 30000

// LocalIDPrefix prefixes placeholder event ids generated for optimistic
// sends, before the server has assigned the real id.
const LocalIDPrefix = "$local."

// Event types not covered by the gomatrixserverlib spec constants.
const (
	EventTypeMessage           = "m.room.message"
	EventTypeMessageFeedback   = "m.room.message.feedback"
	EventTypeTopic             = "m.room.topic"
	EventTypeAvatar            = "m.room.avatar"
	EventTypeAliases           = "m.room.aliases"
	EventTypeHistoryVisibility = "m.room.history_visibility"
	EventTypeGuestAccess       = "m.room.guest_access"
	EventTypeRelatedGroups     = "m.room.related_groups"
	EventTypeThirdPartyInvite  = "m.room.third_party_invite"
	EventTypeEncryption        = "m.room.encryption"
	EventTypeEncrypted         = "m.room.encrypted"
	EventTypeRedaction         = "m.room.redaction"
	EventTypeReceipt           = "m.receipt"
	EventTypeTyping            = "m.typing"
	EventTypeTag               = "m.tag"
	EventTypeFullyRead         = "m.fully_read"
	EventTypeCallInvite        = "m.call.invite"
	EventTypeCallCandidates    = "m.call.candidates"
	EventTypeCallAnswer        = "m.call.answer"
	EventTypeCallHangup        = "m.call.hangup"
)

// MembershipKick is not a wire membership value: it is synthesized locally
// when a different sender transitions a joined member to leave.
const MembershipKick = "kick"

// Unsigned carries the unsigned portion of a wire event. Only the fields the
// engine consumes are mapped.
type Unsigned struct {
	PrevContent   json.RawMessage `json:"prev_content,omitempty"`
	Age           int64           `json:"age,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	RedactedBecause *Event        `json:"redacted_because,omitempty"`
}

// Event is a single room event as delivered by the server, or constructed
// locally for an optimistic send. Once delivered it is immutable except for
// the two documented cases: placeholder id replacement on echo, and content
// pruning on redaction.
type Event struct {
	ID             string          `json:"event_id"`
	RoomID         string          `json:"room_id,omitempty"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender,omitempty"`
	Content        json.RawMessage `json:"content"`
	PrevContent    json.RawMessage `json:"prev_content,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Age            int64           `json:"age,omitempty"`
	Redacts        string          `json:"redacts,omitempty"`
	Unsigned       *Unsigned       `json:"unsigned,omitempty"`

	// PaginationToken records the /messages token this event arrived under.
	// Not part of the wire format.
	PaginationToken string `json:"-"`

	// SendState is meaningful for locally-originated events only.
	SendState SendState `json:"-"`
}

// NewLocalEvent builds a placeholder event for an optimistic send. The id is
// locally generated and replaced by the server-assigned id on echo.
func NewLocalEvent(roomID, sender, eventType string, content json.RawMessage) *Event {
	return &Event{
		ID:        LocalIDPrefix + uuid.NewString(),
		RoomID:    roomID,
		Type:      eventType,
		Sender:    sender,
		Content:   content,
		Age:       DummyEventAge,
		SendState: SendStateUnsent,
	}
}

// IsLocal reports whether the event still carries a locally-generated
// placeholder id.
func (e *Event) IsLocal() bool {
	return strings.HasPrefix(e.ID, LocalIDPrefix)
}

// IsDummy reports whether this cached copy is the optimistic placeholder
// awaiting its server echo.
func (e *Event) IsDummy() bool {
	return e.Age == DummyEventAge
}

// IsState reports whether the event carries a state key. An empty state key
// still makes it a state event.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// GetStateKey returns the state key, or "" for non-state events.
func (e *Event) GetStateKey() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// IsCallEvent reports whether the event belongs to the call signaling
// subsystem.
func (e *Event) IsCallEvent() bool {
	return strings.HasPrefix(e.Type, "m.call.")
}

// PrevContentRaw returns the previous content of a state event, looking in
// both the top-level field and the unsigned block.
func (e *Event) PrevContentRaw() json.RawMessage {
	if len(e.PrevContent) > 0 {
		return e.PrevContent
	}
	if e.Unsigned != nil && len(e.Unsigned.PrevContent) > 0 {
		return e.Unsigned.PrevContent
	}
	return nil
}

// StateContent returns the content to fold when applying the event in the
// given direction: the live content going forwards, the previous content
// going backwards.
func (e *Event) StateContent(dir Direction) json.RawMessage {
	if dir == Backwards {
		if prev := e.PrevContentRaw(); prev != nil {
			return prev
		}
	}
	return e.Content
}

// ContentString extracts a string field from the event content by gjson
// path, tolerating malformed surrounding content.
func (e *Event) ContentString(path string) string {
	return gjson.GetBytes(e.Content, path).String()
}
