// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package timeline

import (
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/hearth/internal/dispatch"
	"github.com/element-hq/hearth/syncengine/client"
	"github.com/element-hq/hearth/syncengine/retriever"
	"github.com/element-hq/hearth/syncengine/state"
	"github.com/element-hq/hearth/syncengine/storage"
	"github.com/element-hq/hearth/syncengine/types"
)

// snapshotBufferRelease bounds how many buffered backward events one
// BackPaginate call releases to listeners.
const snapshotBufferRelease = 30

// paginationRequestLimit is the event count requested per pagination call.
const paginationRequestLimit = 30

// Listener observes events flowing through one timeline. The state passed
// alongside an event is the snapshot paired with it: the forward state for
// live and forward events, the back state at time of arrival for backward
// events.
type Listener interface {
	OnTimelineEvent(ev *types.Event, dir types.Direction, st *state.RoomState)
}

// EventHandler is the cross-cutting callback surface the timeline reports
// into: global event dispatch and room lifecycle notifications. The session
// implements it.
type EventHandler interface {
	OnLiveEvent(ev *types.Event, st *state.RoomState)
	OnNewRoom(roomID string)
	OnJoinedRoom(roomID string)
	// OnSelfProfileDrift fires when a join event for the local user carries
	// a display name or avatar differing from the session's cached profile.
	OnSelfProfileDrift(displayName, avatarURL string)
}

// CallHandler receives call signaling events, which bypass the cache.
type CallHandler interface {
	OnCallEvent(ev *types.Event)
}

// PaginateCallback reports completion of one pagination call: the number of
// events delivered to listeners and the error, if any.
type PaginateCallback func(count int, err error)

type snapshotItem struct {
	ev *types.Event
	st *state.RoomState
}

// Timeline owns the ordered event sequence of one room, the two state
// snapshots bounding it, pagination bookkeeping and listener dispatch. A
// live timeline is created once per room and fed by sync; a historical
// timeline is anchored to an initial event and fed by pagination only.
//
// All methods must be called from the session dispatch queue; the retriever
// delivers its results there too.
type Timeline struct {
	roomID         string
	userID         string
	isLive         bool
	initialEventID string

	store     storage.Store
	retriever *retriever.Retriever
	cli       client.Client
	queue     *dispatch.Queue
	handler   EventHandler
	calls     CallHandler

	forwardState *state.RoomState
	backState    *state.RoomState

	// backToken is the server-issued continuation for backward pagination
	// when the back state has not advanced yet (e.g. after a limited sync).
	backToken    string
	forwardToken string

	initialized             bool
	isBackPaginating        atomic.Bool
	isForwardPaginating     atomic.Bool
	backPaginationExhausted atomic.Bool
	// topTokenSeen records that the end-of-history sentinel was observed;
	// the exhaustion latch flips once the buffer drains below a release.
	topTokenSeen bool

	snapshotBuffer []snapshotItem

	listenersMu sync.Mutex
	listeners   []Listener
}

// Config carries the collaborators a timeline needs.
type Config struct {
	RoomID    string
	UserID    string
	Store     storage.Store
	Retriever *retriever.Retriever
	Client    client.Client
	Queue     *dispatch.Queue
	Handler   EventHandler
	Calls     CallHandler
}

// NewLiveTimeline creates the room's live timeline, restoring persisted
// state if the store has any.
func NewLiveTimeline(cfg Config) *Timeline {
	t := newTimeline(cfg, true, "")
	if st := cfg.Store.GetLiveStateForRoom(cfg.RoomID); st != nil {
		t.forwardState = st
		t.backState = st.Copy()
		t.initialized = true
	}
	t.backToken = cfg.Store.GetToken(cfg.RoomID, types.Backwards)
	return t
}

// NewHistoricalTimeline creates a transient timeline anchored at an event.
// It is filled by ResetPaginationAroundInitialEvent and discarded when no
// longer referenced.
func NewHistoricalTimeline(cfg Config, initialEventID string) *Timeline {
	return newTimeline(cfg, false, initialEventID)
}

func newTimeline(cfg Config, isLive bool, initialEventID string) *Timeline {
	return &Timeline{
		roomID:         cfg.RoomID,
		userID:         cfg.UserID,
		isLive:         isLive,
		initialEventID: initialEventID,
		store:          cfg.Store,
		retriever:      cfg.Retriever,
		cli:            cfg.Client,
		queue:          cfg.Queue,
		handler:        cfg.Handler,
		calls:          cfg.Calls,
		forwardState:   state.NewRoomState(cfg.RoomID),
		backState:      state.NewRoomState(cfg.RoomID),
	}
}

// RoomID returns the room this timeline belongs to.
func (t *Timeline) RoomID() string { return t.roomID }

// IsLive reports whether this is the room's live timeline.
func (t *Timeline) IsLive() bool { return t.isLive }

// State returns the forward state: the room state after the most recent
// known event.
func (t *Timeline) State() *state.RoomState { return t.forwardState }

// BackState returns the state at the oldest point backward pagination has
// reached.
func (t *Timeline) BackState() *state.RoomState { return t.backState }

// AddEventTimelineListener registers a listener.
func (t *Timeline) AddEventTimelineListener(l Listener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners = append(t.listeners, l)
}

// RemoveEventTimelineListener removes a previously registered listener.
func (t *Timeline) RemoveEventTimelineListener(l Listener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	for i, cur := range t.listeners {
		if cur == l {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// dispatchToListeners invokes every listener, isolating each one: a panic in
// listener code is logged and must not block delivery to the others. No lock
// is held across the callbacks.
func (t *Timeline) dispatchToListeners(ev *types.Event, dir types.Direction, st *state.RoomState) {
	t.listenersMu.Lock()
	listeners := append([]Listener(nil), t.listeners...)
	t.listenersMu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.WithFields(logrus.Fields{
						"room_id":  t.roomID,
						"event_id": ev.ID,
						"panic":    r,
					}).Error("Timeline listener panicked")
				}
			}()
			l.OnTimelineEvent(ev, dir, st)
		}()
	}
}
