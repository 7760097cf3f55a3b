// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package timeline

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/hearth/syncengine/state"
	"github.com/element-hq/hearth/syncengine/types"
)

// CanBackPaginate reports whether a backward pagination request would be
// accepted right now: no request in flight, history visible to the local
// user, history not exhausted, and at least one sync folded in.
func (t *Timeline) CanBackPaginate() bool {
	if t.isBackPaginating.Load() || t.backPaginationExhausted.Load() {
		return false
	}
	if !t.initialized {
		return false
	}
	return t.forwardState.HistoryVisibleTo(t.forwardState.SelfMembership(t.userID))
}

// BackPaginate requests older events. Buffered events from an earlier fetch
// are released first; only when the buffer is empty does a new request go
// out. Returns false when the request was not accepted.
func (t *Timeline) BackPaginate(cb PaginateCallback) bool {
	if len(t.snapshotBuffer) > 0 {
		released := t.releaseSnapshotBuffer()
		if cb != nil {
			cb(released, nil)
		}
		return true
	}
	if !t.CanBackPaginate() {
		return false
	}

	token := t.backState.Token
	if token == "" {
		token = t.backToken
	}
	if token == "" {
		// Nothing to continue from: the room has no known history edge yet.
		return false
	}

	if !t.isBackPaginating.CompareAndSwap(false, true) {
		return false
	}
	accepted := t.retriever.Paginate(t.store, t.roomID, token, types.Backwards, paginationRequestLimit,
		func(outcome types.PaginationOutcome) {
			t.isBackPaginating.Store(false)
			t.onBackPaginationOutcome(outcome, cb)
		})
	if !accepted {
		t.isBackPaginating.Store(false)
	}
	return accepted
}

// onBackPaginationOutcome runs on the dispatch queue with the retriever's
// result for our own, still-current request.
func (t *Timeline) onBackPaginationOutcome(outcome types.PaginationOutcome, cb PaginateCallback) {
	if outcome.Kind == types.OutcomeFailed {
		if types.IsUnknownToken(outcome.Err) {
			// The continuation token aged out server-side. There is no way
			// to resume from here; further attempts would fail the same way.
			logrus.WithField("room_id", t.roomID).Warn("Back pagination token no longer known to server")
			t.backPaginationExhausted.Store(true)
		}
		if cb != nil {
			cb(0, outcome.Err)
		}
		return
	}

	chunk := outcome.Chunk
	for i := range chunk.Chunk {
		ev := &chunk.Chunk[i]
		ev.RoomID = t.roomID
		// Walking backwards, the state paired with an event is the state
		// BEFORE folding it out: what the room looked like when the event
		// was its newest.
		paired := t.backState.Copy()
		t.backState = paired.Copy()
		t.backState.ApplyState(ev, types.Backwards)
		t.snapshotBuffer = append(t.snapshotBuffer, snapshotItem{ev: ev, st: paired})
	}
	t.backState.Token = chunk.End
	if chunk.End == types.TokenEndOfHistory {
		t.topTokenSeen = true
	}

	released := t.releaseSnapshotBuffer()
	if cb != nil {
		cb(released, nil)
	}
}

// releaseSnapshotBuffer delivers up to snapshotBufferRelease buffered
// backward events to listeners, oldest-buffered first, and performs the
// post-release upkeep: summary repair, exhaustion latch, store commit.
func (t *Timeline) releaseSnapshotBuffer() int {
	n := len(t.snapshotBuffer)
	if n > snapshotBufferRelease {
		n = snapshotBufferRelease
	}
	for i := 0; i < n; i++ {
		item := t.snapshotBuffer[i]
		t.dispatchToListeners(item.ev, types.Backwards, item.st)
	}
	t.snapshotBuffer = t.snapshotBuffer[n:]

	if len(t.snapshotBuffer) < snapshotBufferRelease && t.topTokenSeen {
		t.backPaginationExhausted.Store(true)
	}
	t.repairSummaryFromStore()
	t.store.Commit()
	return n
}

// repairSummaryFromStore backfills the summary latest event from cached
// history. Newly fetched older events can provide a summary for a room whose
// recent timeline had nothing displayable.
func (t *Timeline) repairSummaryFromStore() {
	summary := t.currentSummary()
	if isSummarySupported(summary.LatestEvent) {
		return
	}
	if latest := t.store.GetLatestEvent(t.roomID); isSummarySupported(latest) {
		summary.LatestEvent = latest
		t.store.StoreSummary(summary)
	}
}

// ForwardPaginate requests newer events from the forward token. Only
// meaningful on historical timelines; the live timeline's forward edge is
// fed by sync.
func (t *Timeline) ForwardPaginate(cb PaginateCallback) bool {
	if t.isLive {
		return false
	}
	if t.forwardToken == "" || t.forwardToken == types.TokenEndOfHistory {
		return false
	}
	if !t.isForwardPaginating.CompareAndSwap(false, true) {
		return false
	}
	accepted := t.retriever.Paginate(t.store, t.roomID, t.forwardToken, types.Forwards, paginationRequestLimit,
		func(outcome types.PaginationOutcome) {
			t.isForwardPaginating.Store(false)
			t.onForwardPaginationOutcome(outcome, cb)
		})
	if !accepted {
		t.isForwardPaginating.Store(false)
	}
	return accepted
}

func (t *Timeline) onForwardPaginationOutcome(outcome types.PaginationOutcome, cb PaginateCallback) {
	if outcome.Kind == types.OutcomeFailed {
		if cb != nil {
			cb(0, outcome.Err)
		}
		return
	}
	chunk := outcome.Chunk
	for i := range chunk.Chunk {
		ev := &chunk.Chunk[i]
		ev.RoomID = t.roomID
		copied := t.forwardState.Copy()
		if ev.IsState() && copied.ApplyState(ev, types.Forwards) {
			t.forwardState = copied
		}
		t.dispatchToListeners(ev, types.Forwards, t.forwardState)
	}
	if chunk.End == "" || chunk.End == chunk.Start {
		t.forwardToken = types.TokenEndOfHistory
	} else {
		t.forwardToken = chunk.End
	}
	if cb != nil {
		cb(len(chunk.Chunk), nil)
	}
}

// Paginate requests events in either direction.
func (t *Timeline) Paginate(dir types.Direction, cb PaginateCallback) bool {
	if dir == types.Forwards {
		return t.ForwardPaginate(cb)
	}
	return t.BackPaginate(cb)
}

// CancelPaginationRequest abandons the in-flight backward request, if any.
// The response, when it arrives, is recognized as stale and discarded.
func (t *Timeline) CancelPaginationRequest() {
	t.retriever.CancelHistoryRequest(t.roomID)
	t.isBackPaginating.Store(false)
}

// ResetPaginationAroundInitialEvent loads the anchor event with symmetric
// context and rebuilds the timeline around it: state from the context
// snapshot, older events dispatched backwards, the anchor and newer events
// forwards. Runs the network call inline; callers invoke it off the dispatch
// queue and receive results there.
func (t *Timeline) ResetPaginationAroundInitialEvent(contextLimit int, cb PaginateCallback) {
	if t.initialEventID == "" {
		if cb != nil {
			cb(0, &types.UnexpectedError{Inner: errors.New("timeline has no initial event")})
		}
		return
	}
	ctx, err := t.cli.GetContextOfEvent(t.roomID, t.initialEventID, contextLimit)
	t.queue.Post(func() {
		if err != nil {
			if cb != nil {
				cb(0, err)
			}
			return
		}
		t.applyEventContext(ctx, cb)
	})
}

func (t *Timeline) applyEventContext(ctx *types.EventContext, cb PaginateCallback) {
	t.snapshotBuffer = nil
	t.topTokenSeen = false
	t.backPaginationExhausted.Store(false)

	st := state.NewRoomState(t.roomID)
	stateEvents := make([]*types.Event, 0, len(ctx.State))
	for i := range ctx.State {
		ev := &ctx.State[i]
		ev.RoomID = t.roomID
		stateEvents = append(stateEvents, ev)
	}
	st.InitHistory(stateEvents)
	t.forwardState = st
	t.backState = st.Copy()
	t.backState.Token = ctx.Start
	t.forwardToken = ctx.End
	t.initialized = true

	count := 0
	// events_before is newest-first; fold and dispatch in that order so
	// listeners prepend them like any backward page.
	for i := range ctx.EventsBefore {
		ev := &ctx.EventsBefore[i]
		ev.RoomID = t.roomID
		paired := t.backState.Copy()
		t.backState = paired.Copy()
		t.backState.ApplyState(ev, types.Backwards)
		t.dispatchToListeners(ev, types.Backwards, paired)
		count++
	}
	if ctx.Event != nil {
		ctx.Event.RoomID = t.roomID
		t.dispatchToListeners(ctx.Event, types.Forwards, t.forwardState)
		count++
	}
	for i := range ctx.EventsAfter {
		ev := &ctx.EventsAfter[i]
		ev.RoomID = t.roomID
		copied := t.forwardState.Copy()
		if ev.IsState() && copied.ApplyState(ev, types.Forwards) {
			t.forwardState = copied
		}
		t.dispatchToListeners(ev, types.Forwards, t.forwardState)
		count++
	}
	if cb != nil {
		cb(count, nil)
	}
}
