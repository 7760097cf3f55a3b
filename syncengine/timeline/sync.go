// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package timeline

import (
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/hearth/syncengine/state"
	"github.com/element-hq/hearth/syncengine/types"
)

// supportedSummaryTypes are the event types a room summary can surface as
// its latest event.
var supportedSummaryTypes = map[string]bool{
	types.EventTypeMessage:   true,
	types.EventTypeEncrypted: true,
	types.EventTypeTopic:     true,
	spec.MRoomName:           true,
	spec.MRoomMember:         true,
	spec.MRoomCreate:         true,
}

func isSummarySupported(ev *types.Event) bool {
	return ev != nil && supportedSummaryTypes[ev.Type]
}

// HandleJoinedRoomSync folds one joined-room sync chunk into the timeline:
// state first, then the timeline events in chronological order, then
// summary and counter upkeep.
func (t *Timeline) HandleJoinedRoomSync(payload *types.JoinedRoomSync, isInitialSync bool) {
	// Self-membership before any mutation: an invite turning into a join
	// means everything cached under the invite is suspect.
	selfMembership := t.forwardState.SelfMembership(t.userID)
	if selfMembership == spec.Invite {
		logrus.WithField("room_id", t.roomID).Info("Invited room became joined, discarding cached data")
		t.store.DeleteRoomData(t.roomID)
		t.forwardState = state.NewRoomState(t.roomID)
		t.backState = state.NewRoomState(t.roomID)
		t.snapshotBuffer = nil
		t.initialized = false
	}

	if len(payload.State.Events) > 0 {
		firstSync := !t.initialized
		// Deep copy before mutate: references handed out earlier stay
		// valid historical snapshots.
		folded := t.forwardState.Copy()
		for i := range payload.State.Events {
			ev := &payload.State.Events[i]
			ev.RoomID = t.roomID
			folded.ApplyState(ev, types.Forwards)
		}
		t.forwardState = folded
		t.store.StoreLiveStateForRoom(t.roomID, t.forwardState)
		if firstSync {
			// Front and back start out equal.
			t.backState = t.forwardState.Copy()
		}
	}

	if payload.Timeline.Limited {
		t.handleLimitedTimeline(payload, isInitialSync)
	}

	for i := range payload.Timeline.Events {
		ev := &payload.Timeline.Events[i]
		ev.RoomID = t.roomID
		ev.PaginationToken = payload.Timeline.PrevBatch
		t.HandleLiveEvent(ev, true, !isInitialSync)
	}

	t.initialized = true
	t.repairSummary(payload)
	t.applyUnreadCounters(payload)
}

// HandleStrippedState folds an invite's stripped state events into room
// state. Stripped events carry no event id, so they never pass through the
// event store or duplicate suppression; the fold alone is what makes the
// inviter, room name and own invite membership queryable before joining.
func (t *Timeline) HandleStrippedState(events []types.Event) {
	if len(events) == 0 {
		return
	}
	wasInvited := t.forwardState.SelfMembership(t.userID) == spec.Invite
	copied := t.forwardState.Copy()
	changed := false
	for i := range events {
		ev := &events[i]
		ev.RoomID = t.roomID
		if copied.ApplyState(ev, types.Forwards) {
			changed = true
		}
	}
	if !changed {
		return
	}
	t.forwardState = copied
	t.store.StoreLiveStateForRoom(t.roomID, t.forwardState)
	if t.handler != nil && !wasInvited && t.forwardState.SelfMembership(t.userID) == spec.Invite {
		t.handler.OnNewRoom(t.roomID)
	}
	for i := range events {
		t.dispatchToListeners(&events[i], types.Forwards, t.forwardState)
	}
}

// handleLimitedTimeline reacts to a server-signalled gap: cached messages
// before the gap can no longer be assumed contiguous with the new batch.
func (t *Timeline) handleLimitedTimeline(payload *types.JoinedRoomSync, isInitialSync bool) {
	if !isInitialSync {
		t.store.DeleteAllRoomMessages(t.roomID, true)
		// Buffered-but-undelivered backward events predate the flushed
		// window; they go too.
		t.snapshotBuffer = nil

		if oldest := t.store.GetOldestEvent(t.roomID); isSummarySupported(oldest) {
			summary := t.currentSummary()
			summary.LatestEvent = oldest
			t.store.StoreSummary(summary)
		}
	}

	token := payload.Timeline.PrevBatch
	if token == "" {
		token = types.TokenEndOfHistory
	}
	t.backToken = token
	t.store.StoreToken(t.roomID, types.Backwards, token)

	// Back pagination restarts from the live edge.
	t.backState.Token = ""
	if token == types.TokenEndOfHistory {
		t.backPaginationExhausted.Store(true)
	} else {
		t.backPaginationExhausted.Store(false)
		t.topTokenSeen = false
		t.retriever.ResetTopReached(t.roomID)
	}
}

// HandleLiveEvent processes one event from the live stream: echo and
// duplicate suppression, state folding, the storage policy, then listener
// dispatch. checkRedactedStateEvent gates redaction impact analysis;
// withPush gates push evaluation (both false during initial sync).
func (t *Timeline) HandleLiveEvent(ev *types.Event, checkRedactedStateEvent bool, withPush bool) {
	if ev.IsCallEvent() {
		// Call signaling bypasses the cache entirely; candidates are also
		// suppressed from listener notification.
		if t.calls != nil {
			t.calls.OnCallEvent(ev)
		}
		if ev.Type != types.EventTypeCallCandidates {
			t.dispatchToListeners(ev, types.Forwards, t.forwardState)
		}
		return
	}

	if existing := t.store.GetEvent(t.roomID, ev.ID); existing != nil {
		if existing.IsDummy() {
			// Server echo of an optimistic send: the authoritative copy
			// replaces the placeholder in place.
			ev.SendState = types.SendStateSent
			t.store.StoreLiveRoomEvent(ev)
			return
		}
		logrus.WithFields(logrus.Fields{
			"room_id":  t.roomID,
			"event_id": ev.ID,
		}).Debug("Dropping duplicate live event")
		return
	}

	t.detectSelfProfileDrift(ev)

	if ev.IsState() {
		// Deep copy before mutate: references handed out earlier stay
		// valid historical snapshots.
		copied := t.forwardState.Copy()
		if !copied.ApplyState(ev, types.Forwards) {
			// Duplicate or no-op state: no storage, no notification.
			return
		}
		t.forwardState = copied
		t.store.StoreLiveStateForRoom(t.roomID, t.forwardState)
	}

	t.storeLiveEvent(ev, checkRedactedStateEvent)

	if t.handler != nil {
		t.handler.OnLiveEvent(ev, t.forwardState)
	}
	t.dispatchToListeners(ev, types.Forwards, t.forwardState)
	_ = withPush // push evaluation is out of scope; the hook point stays.
}

// detectSelfProfileDrift catches the local user's profile changing from
// another device: a join-to-join member event about ourselves whose profile
// fields differ from the session's cached profile.
func (t *Timeline) detectSelfProfileDrift(ev *types.Event) {
	if ev.Type != spec.MRoomMember || ev.GetStateKey() != t.userID || ev.Sender != t.userID {
		return
	}
	if gjson.GetBytes(ev.Content, "membership").String() != spec.Join {
		return
	}
	existing := t.forwardState.Member(t.userID)
	if existing == nil || existing.Membership != spec.Join {
		return
	}
	displayName := gjson.GetBytes(ev.Content, "displayname").String()
	avatarURL := gjson.GetBytes(ev.Content, "avatar_url").String()
	if displayName != existing.DisplayName || avatarURL != existing.AvatarURL {
		if t.handler != nil {
			t.handler.OnSelfProfileDrift(displayName, avatarURL)
		}
	}
}

// storeLiveEvent applies the per-type storage policy and its side effects.
func (t *Timeline) storeLiveEvent(ev *types.Event, checkRedactedStateEvent bool) {
	switch ev.Type {
	case types.EventTypeRedaction:
		t.handleRedactionEvent(ev, checkRedactedStateEvent)
		t.store.StoreLiveRoomEvent(ev)
		return
	case spec.MRoomMember:
		if ev.GetStateKey() == t.userID {
			membership := gjson.GetBytes(ev.Content, "membership").String()
			switch membership {
			case spec.Leave, spec.Ban:
				// The live timeline is about to be torn down by the
				// caller; only historical timelines keep the departure.
				if t.isLive {
					return
				}
			case spec.Join:
				if t.handler != nil {
					t.handler.OnJoinedRoom(t.roomID)
				}
			case spec.Invite:
				if t.handler != nil {
					t.handler.OnNewRoom(t.roomID)
				}
			}
		}
	case spec.MRoomCreate:
		if t.handler != nil {
			t.handler.OnNewRoom(t.roomID)
		}
	}
	t.store.StoreLiveRoomEvent(ev)
}

// handleRedactionEvent prunes the redacted target if cached, and triggers
// state reconciliation when a state event may have been affected.
func (t *Timeline) handleRedactionEvent(ev *types.Event, checkRedactedStateEvent bool) {
	if ev.Redacts == "" {
		return
	}
	target := t.store.GetEvent(t.roomID, ev.Redacts)
	if target != nil {
		state.RedactEvent(target, ev.ID)
		t.store.StoreLiveRoomEvent(target)
		if checkRedactedStateEvent && target.IsState() {
			t.checkStateEventRedaction(ev.Redacts)
		}
		return
	}
	// The target may be an un-cached state event; the impact check decides
	// from what the state knows.
	if checkRedactedStateEvent {
		t.checkStateEventRedaction(ev.Redacts)
	}
}

// currentSummary returns the stored summary or a fresh one seeded from the
// forward state.
func (t *Timeline) currentSummary() *types.RoomSummary {
	if summary := t.store.GetSummary(t.roomID); summary != nil {
		return summary
	}
	return &types.RoomSummary{
		RoomID: t.roomID,
		Name:   t.forwardState.Name,
		Topic:  t.forwardState.Topic,
	}
}

// repairSummary backfills the room summary's latest event if absent:
// current summary's latest supported event, else the oldest retained event,
// else the newest supported event among the batch's state events.
func (t *Timeline) repairSummary(payload *types.JoinedRoomSync) {
	summary := t.currentSummary()
	summary.Name = t.forwardState.Name
	summary.Topic = t.forwardState.Topic
	if isSummarySupported(summary.LatestEvent) {
		t.store.StoreSummary(summary)
		return
	}
	if oldest := t.store.GetOldestEvent(t.roomID); isSummarySupported(oldest) {
		summary.LatestEvent = oldest
	} else {
		for i := len(payload.State.Events) - 1; i >= 0; i-- {
			if ev := &payload.State.Events[i]; isSummarySupported(ev) {
				summary.LatestEvent = ev
				break
			}
		}
	}
	t.store.StoreSummary(summary)
}

// applyUnreadCounters folds the sync payload's notification counters into
// state and summary when they changed.
func (t *Timeline) applyUnreadCounters(payload *types.JoinedRoomSync) {
	counts := payload.UnreadNotifications
	if counts == nil {
		return
	}
	if t.forwardState.NotificationCount == counts.NotificationCount &&
		t.forwardState.HighlightCount == counts.HighlightCount {
		return
	}
	copied := t.forwardState.Copy()
	copied.NotificationCount = counts.NotificationCount
	copied.HighlightCount = counts.HighlightCount
	t.forwardState = copied
	t.store.StoreLiveStateForRoom(t.roomID, t.forwardState)

	summary := t.currentSummary()
	summary.NotificationCount = counts.NotificationCount
	summary.HighlightCount = counts.HighlightCount
	t.store.FlushSummary(summary)
}
