// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package memory

import (
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/hearth/internal/caching"
	"github.com/element-hq/hearth/syncengine/state"
	"github.com/element-hq/hearth/syncengine/storage"
	"github.com/element-hq/hearth/syncengine/types"
)

const defaultEventCacheBytes = 32 << 20

type tokenKey struct {
	roomID string
	dir    types.Direction
}

// Store keeps all room data in process memory. The mutex guards the shared
// maps and is held for map operations only, never across listener callbacks.
type Store struct {
	accountID string

	mu        sync.Mutex
	events    map[string]map[string]*types.Event
	timelines map[string][]*types.Event
	tokens    map[tokenKey]string
	summaries map[string]*types.RoomSummary
	states    map[string]*state.RoomState

	streamToken string

	cache *caching.EventCache

	corrupted     atomic.Bool
	corruptReason string

	listenerMu sync.Mutex
	listeners  []storage.Listener
	ready      bool
}

// NewStore returns a ready in-memory store for one account.
func NewStore(accountID string) *Store {
	cache, err := caching.NewEventCache(defaultEventCacheBytes)
	if err != nil {
		// The only config error ristretto reports is a non-positive size,
		// which the constant above rules out.
		logrus.WithError(err).Panic("Failed to create event cache")
	}
	return &Store{
		accountID: accountID,
		events:    make(map[string]map[string]*types.Event),
		timelines: make(map[string][]*types.Event),
		tokens:    make(map[tokenKey]string),
		summaries: make(map[string]*types.RoomSummary),
		states:    make(map[string]*state.RoomState),
		cache:     cache,
		ready:     true,
	}
}

// AccountID returns the account this store belongs to.
func (s *Store) AccountID() string {
	return s.accountID
}

func (s *Store) roomEvents(roomID string) map[string]*types.Event {
	evs, ok := s.events[roomID]
	if !ok {
		evs = make(map[string]*types.Event)
		s.events[roomID] = evs
	}
	return evs
}

// GetEarlierMessages returns cached events strictly older than fromToken,
// newest first. It satisfies limit and then completes the current chunk, so
// callers can receive more events than requested. nil means nothing is
// cached before that position.
func (s *Store) GetEarlierMessages(roomID, fromToken string, limit int) *types.TokensChunk {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	timeline := s.timelines[roomID]
	start := len(timeline)
	if fromToken != "" {
		start = -1
		for i, ev := range timeline {
			if ev.PaginationToken == fromToken {
				start = i
				break
			}
		}
		if start < 0 {
			return nil
		}
	}
	if start == 0 {
		return nil
	}

	var chunk []types.Event
	for i := start - 1; i >= 0; i-- {
		ev := timeline[i]
		if len(chunk) >= limit && ev.PaginationToken != chunk[len(chunk)-1].PaginationToken {
			break
		}
		chunk = append(chunk, *ev)
	}
	if len(chunk) == 0 {
		return nil
	}
	return &types.TokensChunk{
		Start: fromToken,
		End:   chunk[len(chunk)-1].PaginationToken,
		Chunk: chunk,
	}
}

// StoreRoomEvents records a paginated chunk. Backward chunks arrive newest
// first and are prepended in chronological order, each event stamped with
// the chunk's continuation token so later lookups can find the boundary.
func (s *Store) StoreRoomEvents(roomID string, chunk *types.TokensChunk, dir types.Direction) {
	if chunk == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	roomEvents := s.roomEvents(roomID)
	if dir == types.Backwards {
		var prepend []*types.Event
		for i := len(chunk.Chunk) - 1; i >= 0; i-- {
			ev := chunk.Chunk[i]
			if _, exists := roomEvents[ev.ID]; exists {
				continue
			}
			stored := ev
			stored.RoomID = roomID
			stored.PaginationToken = chunk.End
			prepend = append(prepend, &stored)
			roomEvents[stored.ID] = &stored
			s.cache.Put(&stored)
		}
		s.timelines[roomID] = append(prepend, s.timelines[roomID]...)
		return
	}
	for i := range chunk.Chunk {
		ev := chunk.Chunk[i]
		if _, exists := roomEvents[ev.ID]; exists {
			continue
		}
		stored := ev
		stored.RoomID = roomID
		stored.PaginationToken = chunk.End
		s.timelines[roomID] = append(s.timelines[roomID], &stored)
		roomEvents[stored.ID] = &stored
		s.cache.Put(&stored)
	}
}

// StoreLiveRoomEvent appends a live event, or replaces the stored copy in
// place when the id already exists (server echo, redaction pruning).
func (s *Store) StoreLiveRoomEvent(ev *types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roomEvents := s.roomEvents(ev.RoomID)
	if old, exists := roomEvents[ev.ID]; exists {
		// Replace in the timeline slot, keeping position.
		for i, tev := range s.timelines[ev.RoomID] {
			if tev.ID == ev.ID {
				if ev.PaginationToken == "" {
					ev.PaginationToken = old.PaginationToken
				}
				s.timelines[ev.RoomID][i] = ev
				break
			}
		}
	} else {
		s.timelines[ev.RoomID] = append(s.timelines[ev.RoomID], ev)
	}
	roomEvents[ev.ID] = ev
	s.cache.Put(ev)
}

// GetEvent returns the stored event for an id, or nil.
func (s *Store) GetEvent(roomID, eventID string) *types.Event {
	if ev, ok := s.cache.Get(eventID); ok && ev.RoomID == roomID {
		return ev
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[roomID][eventID]
}

// DeleteEvent removes one event from the room.
func (s *Store) DeleteEvent(ev *types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events[ev.RoomID], ev.ID)
	s.cache.Del(ev.ID)
	timeline := s.timelines[ev.RoomID]
	for i, tev := range timeline {
		if tev.ID == ev.ID {
			s.timelines[ev.RoomID] = append(timeline[:i:i], timeline[i+1:]...)
			break
		}
	}
}

// DeleteAllRoomMessages drops the room's non-state events. State events
// survive; keepUnsent also preserves locally-originated events that have
// not been acknowledged by the server.
func (s *Store) DeleteAllRoomMessages(roomID string, keepUnsent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timeline := s.timelines[roomID]
	kept := timeline[:0:0]
	roomEvents := s.roomEvents(roomID)
	for _, ev := range timeline {
		keep := ev.IsState() ||
			(keepUnsent && ev.IsLocal() && ev.SendState != types.SendStateSent)
		if keep {
			kept = append(kept, ev)
			continue
		}
		delete(roomEvents, ev.ID)
		s.cache.Del(ev.ID)
	}
	s.timelines[roomID] = kept
}

// DeleteRoomData discards everything cached for a room.
func (s *Store) DeleteRoomData(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.events[roomID] {
		s.cache.Del(id)
	}
	delete(s.events, roomID)
	delete(s.timelines, roomID)
	delete(s.summaries, roomID)
	delete(s.states, roomID)
	delete(s.tokens, tokenKey{roomID, types.Backwards})
	delete(s.tokens, tokenKey{roomID, types.Forwards})
}

// GetOldestEvent returns the oldest cached event of the room, or nil.
func (s *Store) GetOldestEvent(roomID string) *types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	timeline := s.timelines[roomID]
	if len(timeline) == 0 {
		return nil
	}
	return timeline[0]
}

// GetLatestEvent returns the newest cached event of the room, or nil.
func (s *Store) GetLatestEvent(roomID string) *types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	timeline := s.timelines[roomID]
	if len(timeline) == 0 {
		return nil
	}
	return timeline[len(timeline)-1]
}

// EventsCountAfter counts cached events strictly newer than eventID. An
// unknown id counts the whole timeline.
func (s *Store) EventsCountAfter(roomID, eventID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	timeline := s.timelines[roomID]
	for i, ev := range timeline {
		if ev.ID == eventID {
			return len(timeline) - i - 1
		}
	}
	return len(timeline)
}

// StoreSummary records the room summary.
func (s *Store) StoreSummary(summary *types.RoomSummary) {
	if summary == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[summary.RoomID] = summary
}

// GetSummary returns the stored summary for a room, or nil.
func (s *Store) GetSummary(roomID string) *types.RoomSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaries[roomID]
}

// FlushSummary is the same as StoreSummary for the memory store; persistent
// wrappers intercept it to mark the room dirty.
func (s *Store) FlushSummary(summary *types.RoomSummary) {
	s.StoreSummary(summary)
}

// StoreLiveStateForRoom persists the current state snapshot for a room.
func (s *Store) StoreLiveStateForRoom(roomID string, st *state.RoomState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[roomID] = st
}

// GetLiveStateForRoom returns the stored state snapshot, or nil.
func (s *Store) GetLiveStateForRoom(roomID string) *state.RoomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[roomID]
}

// StoreToken records a pagination token for a room and direction.
func (s *Store) StoreToken(roomID string, dir types.Direction, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenKey{roomID, dir}] = token
}

// GetToken returns the recorded token for a room and direction, or "".
func (s *Store) GetToken(roomID string, dir types.Direction) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[tokenKey{roomID, dir}]
}

// StoreEventStreamToken records the account-wide sync cursor.
func (s *Store) StoreEventStreamToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamToken = token
}

// GetEventStreamToken returns the account-wide sync cursor, or "".
func (s *Store) GetEventStreamToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamToken
}

// Rooms returns every room id with any cached data.
func (s *Store) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for roomID := range s.timelines {
		seen[roomID] = struct{}{}
	}
	for roomID := range s.states {
		seen[roomID] = struct{}{}
	}
	for roomID := range s.summaries {
		seen[roomID] = struct{}{}
	}
	rooms := make([]string, 0, len(seen))
	for roomID := range seen {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// TimelineSnapshot returns a copy of the room's chronological event list,
// oldest first. Persistent wrappers use it during commit.
func (s *Store) TimelineSnapshot(roomID string) []*types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Event(nil), s.timelines[roomID]...)
}

// Commit is a no-op: memory is always current.
func (s *Store) Commit() {}

// SetCorrupted marks the store unusable and notifies listeners. Further
// reads keep working; the session decides what to do.
func (s *Store) SetCorrupted(reason string) {
	if !s.corrupted.CompareAndSwap(false, true) {
		return
	}
	s.corruptReason = reason
	logrus.WithFields(logrus.Fields{
		"account_id": s.accountID,
		"reason":     reason,
	}).Error("Store marked corrupted")

	s.listenerMu.Lock()
	listeners := append([]storage.Listener(nil), s.listeners...)
	s.listenerMu.Unlock()
	for _, l := range listeners {
		l.OnStoreCorrupted(s.accountID, reason)
	}
}

// IsCorrupted reports whether the store was marked corrupted.
func (s *Store) IsCorrupted() bool {
	return s.corrupted.Load()
}

// AddListener registers a lifecycle listener. If the store is already ready
// the listener is told immediately.
func (s *Store) AddListener(listener storage.Listener) {
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, listener)
	ready := s.ready
	s.listenerMu.Unlock()
	if ready {
		listener.OnStoreReady(s.accountID)
	}
}

// Close releases nothing for the memory store.
func (s *Store) Close() error {
	return nil
}
