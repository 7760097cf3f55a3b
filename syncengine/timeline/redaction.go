// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package timeline

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/hearth/syncengine/state"
	"github.com/element-hq/hearth/syncengine/types"
)

// redactionContextLimit is the context window requested when resolving an
// un-cached redaction target.
const redactionContextLimit = 1

// checkStateEventRedaction reconciles room state after a state event was
// redacted. A redacted member or power-levels event changes what folding
// produces, so the folded state must be rebuilt, not patched.
func (t *Timeline) checkStateEventRedaction(redactedEventID string) {
	if t.forwardState.HasStateEvent(redactedEventID) {
		t.rebuildStateAfterRedaction(redactedEventID)
		return
	}
	// The redacted event is not part of our folded state. It may still be a
	// state event we never cached; ask the server what it was.
	go t.resolveRedactedEvent(redactedEventID)
}

// rebuildStateAfterRedaction swaps the pruned copy into the state's event
// set and refolds from scratch. Everything derived from the old fold is
// invalidated: the back state, buffered backward events and any pending
// pagination all assumed the pre-redaction content.
func (t *Timeline) rebuildStateAfterRedaction(redactedEventID string) {
	pruned := t.store.GetEvent(t.roomID, redactedEventID)
	if pruned == nil || !pruned.IsState() {
		return
	}
	copied := t.forwardState.Copy()
	if !copied.ReplaceStateEvent(pruned) {
		return
	}
	copied.InitHistory(copied.AllStateEvents())
	t.forwardState = copied
	t.backState = copied.Copy()
	t.snapshotBuffer = nil
	t.retriever.CancelHistoryRequest(t.roomID)
	t.isBackPaginating.Store(false)
	t.store.StoreLiveStateForRoom(t.roomID, t.forwardState)

	logrus.WithFields(logrus.Fields{
		"room_id":  t.roomID,
		"event_id": redactedEventID,
	}).Info("Rebuilt room state after state event redaction")
}

// resolveRedactedEvent runs off the dispatch queue: it fetches the redacted
// event to decide whether state reconciliation is required, then posts the
// decision back.
func (t *Timeline) resolveRedactedEvent(redactedEventID string) {
	ctx, err := t.cli.GetContextOfEvent(t.roomID, redactedEventID, redactionContextLimit)
	if err != nil {
		// Without knowing whether a state event changed, the cached fold can
		// no longer be trusted.
		t.queue.Post(func() {
			t.store.SetCorrupted(fmt.Sprintf("cannot resolve redacted event %s in %s: %v", redactedEventID, t.roomID, err))
		})
		return
	}
	if ctx.Event == nil || !ctx.Event.IsState() {
		return
	}
	t.queue.Post(func() {
		t.resyncStateAfterRedaction(redactedEventID)
	})
}

// resyncStateAfterRedaction replaces the folded state with an authoritative
// server snapshot. The per-room initial sync runs off the queue; when its
// result lands, the state is only swapped if no competing rebuild replaced
// it in the meantime.
func (t *Timeline) resyncStateAfterRedaction(redactedEventID string) {
	guard := t.forwardState
	go func() {
		snapshot, err := t.cli.RoomInitialSync(t.roomID, redactionContextLimit)
		t.queue.Post(func() {
			if t.forwardState != guard {
				logrus.WithField("room_id", t.roomID).Debug("Dropping stale state resync after redaction")
				return
			}
			if err != nil {
				t.store.SetCorrupted(fmt.Sprintf("state resync of %s after redaction of %s: %v", t.roomID, redactedEventID, err))
				return
			}
			st := state.NewRoomState(t.roomID)
			events := make([]*types.Event, 0, len(snapshot.State))
			for i := range snapshot.State {
				ev := &snapshot.State[i]
				ev.RoomID = t.roomID
				events = append(events, ev)
			}
			st.InitHistory(events)
			st.NotificationCount = guard.NotificationCount
			st.HighlightCount = guard.HighlightCount
			st.Token = guard.Token
			t.forwardState = st
			t.backState = st.Copy()
			t.snapshotBuffer = nil
			t.store.StoreLiveStateForRoom(t.roomID, t.forwardState)
		})
	}()
}
