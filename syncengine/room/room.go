// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package room aggregates everything the engine tracks about one room: its
// live timeline, ephemeral state (typing, receipts), per-room account data
// and outbound sends.
package room

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/hearth/internal/dispatch"
	"github.com/element-hq/hearth/syncengine/client"
	"github.com/element-hq/hearth/syncengine/state"
	"github.com/element-hq/hearth/syncengine/storage"
	"github.com/element-hq/hearth/syncengine/timeline"
	"github.com/element-hq/hearth/syncengine/types"
)

// typingTimeoutMS is sent with outbound typing notifications.
const typingTimeoutMS = 30000

// Room is one room as the session tracks it. All mutating methods must run
// on the session dispatch queue.
type Room struct {
	id     string
	userID string

	store storage.Store
	cli   client.Client
	queue *dispatch.Queue

	liveTimeline *timeline.Timeline

	typingUserIDs []string
	accountData   map[string]*types.Event
	tags          map[string]json.RawMessage
}

// New builds a room around its live timeline. The config's RoomID selects
// the room; the remaining collaborators are shared session-wide.
func New(cfg timeline.Config) *Room {
	return &Room{
		id:           cfg.RoomID,
		userID:       cfg.UserID,
		store:        cfg.Store,
		cli:          cfg.Client,
		queue:        cfg.Queue,
		accountData:  make(map[string]*types.Event),
		tags:         make(map[string]json.RawMessage),
		liveTimeline: timeline.NewLiveTimeline(cfg),
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// Timeline returns the room's live timeline.
func (r *Room) Timeline() *timeline.Timeline { return r.liveTimeline }

// State returns the room's current forward state.
func (r *Room) State() *state.RoomState { return r.liveTimeline.State() }

// Summary returns the stored room summary, or nil before the first sync.
func (r *Room) Summary() *types.RoomSummary { return r.store.GetSummary(r.id) }

// TypingUserIDs returns the users currently typing, local user excluded.
func (r *Room) TypingUserIDs() []string {
	return append([]string(nil), r.typingUserIDs...)
}

// AccountData returns the latest per-room account data event of a type.
func (r *Room) AccountData(eventType string) *types.Event {
	return r.accountData[eventType]
}

// Tags returns the room's tag content by tag name.
func (r *Room) Tags() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(r.tags))
	for k, v := range r.tags {
		out[k] = v
	}
	return out
}

// ForwardJoinedSync folds one sync chunk into the room: timeline and state
// first, then ephemeral and account data sections.
func (r *Room) ForwardJoinedSync(payload *types.JoinedRoomSync, isInitialSync bool) {
	r.liveTimeline.HandleJoinedRoomSync(payload, isInitialSync)
	for i := range payload.Ephemeral.Events {
		r.handleEphemeral(&payload.Ephemeral.Events[i])
	}
	for i := range payload.AccountData.Events {
		r.HandleAccountData(&payload.AccountData.Events[i])
	}
}

// ForwardInvitedSync folds an invite chunk: the stripped state events fold
// into room state so the inviter, room name and own invite membership are
// queryable before joining.
func (r *Room) ForwardInvitedSync(payload *types.InvitedRoomSync) {
	r.liveTimeline.HandleStrippedState(payload.InviteState.Events)
}

// ForwardLeftSync folds a left-room chunk. The timeline events are applied
// so the departure is recorded, then the cached messages are dropped; only
// state and summary survive a leave.
func (r *Room) ForwardLeftSync(payload *types.LeftRoomSync) {
	joined := types.JoinedRoomSync{
		State:    payload.State,
		Timeline: payload.Timeline,
	}
	r.liveTimeline.HandleJoinedRoomSync(&joined, false)
	r.store.DeleteAllRoomMessages(r.id, false)
}

func (r *Room) handleEphemeral(ev *types.Event) {
	switch ev.Type {
	case types.EventTypeTyping:
		r.applyTyping(ev)
	case types.EventTypeReceipt:
		r.applyReceipts(ev)
	}
}

func (r *Room) applyTyping(ev *types.Event) {
	r.typingUserIDs = r.typingUserIDs[:0]
	for _, id := range gjson.GetBytes(ev.Content, "user_ids").Array() {
		if userID := id.String(); userID != r.userID {
			r.typingUserIDs = append(r.typingUserIDs, userID)
		}
	}
}

// applyReceipts tracks the local user's read receipt position and resets
// the derived unread count relative to it.
func (r *Room) applyReceipts(ev *types.Event) {
	gjson.ParseBytes(ev.Content).ForEach(func(eventID, receipts gjson.Result) bool {
		own := receipts.Get("m\\.read").Get(escapeGJSONKey(r.userID))
		if !own.Exists() {
			return true
		}
		summary := r.summaryOrNew()
		summary.ReadReceiptEventID = eventID.String()
		summary.UnreadCount = r.store.EventsCountAfter(r.id, eventID.String())
		r.store.StoreSummary(summary)
		return true
	})
}

// HandleAccountData records a per-room account data event and applies the
// types the engine derives state from.
func (r *Room) HandleAccountData(ev *types.Event) {
	r.accountData[ev.Type] = ev
	switch ev.Type {
	case types.EventTypeFullyRead:
		summary := r.summaryOrNew()
		summary.ReadMarkerEventID = gjson.GetBytes(ev.Content, "event_id").String()
		r.store.StoreSummary(summary)
	case types.EventTypeTag:
		r.tags = make(map[string]json.RawMessage)
		gjson.GetBytes(ev.Content, "tags").ForEach(func(name, content gjson.Result) bool {
			r.tags[name.String()] = json.RawMessage(content.Raw)
			return true
		})
	}
}

func (r *Room) summaryOrNew() *types.RoomSummary {
	if summary := r.store.GetSummary(r.id); summary != nil {
		return summary
	}
	st := r.liveTimeline.State()
	return &types.RoomSummary{RoomID: r.id, Name: st.Name, Topic: st.Topic}
}

// MarkAllAsRead advances the read marker and read receipt to the latest
// event and zeroes the local counters. The server round-trip runs off the
// queue; the local bookkeeping is applied optimistically.
func (r *Room) MarkAllAsRead() error {
	latest := r.store.GetLatestEvent(r.id)
	if latest == nil {
		return nil
	}
	summary := r.summaryOrNew()
	summary.ReadReceiptEventID = latest.ID
	summary.ReadMarkerEventID = latest.ID
	summary.UnreadCount = 0
	summary.NotificationCount = 0
	summary.HighlightCount = 0
	r.store.FlushSummary(summary)

	if err := r.cli.SendReadMarkers(r.id, latest.ID, latest.ID); err != nil {
		return errors.Wrap(err, "SendReadMarkers")
	}
	return nil
}

// SendTyping reports the local user's typing state to the server.
func (r *Room) SendTyping(typing bool) error {
	return r.cli.SendTyping(r.id, typing, typingTimeoutMS)
}

// SendTextMessage sends an m.room.message text event optimistically: a
// placeholder with a local id appears on the timeline immediately and is
// resolved to the server copy when the echo arrives on sync.
func (r *Room) SendTextMessage(body string) *types.Event {
	content, _ := json.Marshal(map[string]string{
		"msgtype": "m.text",
		"body":    body,
	})
	return r.SendMessageEvent(types.EventTypeMessage, content)
}

// SendMessageEvent sends an arbitrary message event optimistically.
func (r *Room) SendMessageEvent(eventType string, content json.RawMessage) *types.Event {
	local := types.NewLocalEvent(r.id, r.userID, eventType, content)
	local.SendState = types.SendStateSending
	// The timeline stores the placeholder and notifies listeners; the echo
	// arriving later replaces it in place.
	r.liveTimeline.HandleLiveEvent(local, false, false)

	go func() {
		eventID, err := r.cli.SendMessageEvent(r.id, eventType, json.RawMessage(content))
		r.queue.Post(func() {
			r.resolveLocalSend(local.ID, eventID, err)
		})
	}()
	return local
}

// resolveLocalSend rebinds the placeholder to its server-assigned id, or
// records the failure on the placeholder.
func (r *Room) resolveLocalSend(localID, eventID string, err error) {
	ev := r.store.GetEvent(r.id, localID)
	if ev == nil {
		// The echo arrived first and replaced the placeholder already.
		return
	}
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_id":  r.id,
			"event_id": localID,
		}).Warn("Failed to send message event")
		ev.SendState = types.SendStateUndeliverable
		r.store.StoreLiveRoomEvent(ev)
		return
	}
	r.store.DeleteEvent(ev)
	ev.ID = eventID
	if existing := r.store.GetEvent(r.id, eventID); existing != nil && !existing.IsDummy() {
		// The sync echo won the race; the authoritative copy is stored.
		return
	}
	r.store.StoreLiveRoomEvent(ev)
}

// escapeGJSONKey escapes path separators in a literal map key.
func escapeGJSONKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '.' || key[i] == '*' || key[i] == '?' {
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}
