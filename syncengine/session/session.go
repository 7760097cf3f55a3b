// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package session ties the engine together for one logged-in user: it owns
// the store, the dispatch queue, the retriever, the per-room aggregates and
// the /sync long-poll loop that feeds them.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/hearth/internal/dispatch"
	"github.com/element-hq/hearth/syncengine/client"
	"github.com/element-hq/hearth/syncengine/retriever"
	"github.com/element-hq/hearth/syncengine/room"
	"github.com/element-hq/hearth/syncengine/state"
	"github.com/element-hq/hearth/syncengine/storage"
	"github.com/element-hq/hearth/syncengine/timeline"
	"github.com/element-hq/hearth/syncengine/types"
)

const (
	defaultSyncTimeoutMS = 30000
	initialRetryInterval = time.Second
	maxRetryInterval     = 30 * time.Second
)

// Config carries what a session needs to start.
type Config struct {
	UserID string
	Client client.Client
	Store  storage.Store
	// SyncTimeoutMS overrides the long-poll timeout when non-zero.
	SyncTimeoutMS int
	// Calls receives call signaling events. Optional.
	Calls timeline.CallHandler
}

// Session is the engine front door for one user.
type Session struct {
	userID string
	cli    client.Client
	store  storage.Store
	queue  *dispatch.Queue
	rtr    *retriever.Retriever
	calls  timeline.CallHandler

	syncTimeoutMS int

	// rooms is mutated on the dispatch queue only.
	rooms map[string]*room.Room

	listenersMu     sync.Mutex
	globalListeners []timeline.Listener

	profileMu          sync.Mutex
	profileDisplayName string
	profileAvatarURL   string

	nextBatch  string
	storeReady atomic.Bool
	corrupted  atomic.Bool
}

// New builds a session. The store's readiness and corruption signals are
// subscribed immediately.
func New(cfg Config) *Session {
	queue := &dispatch.Queue{}
	s := &Session{
		userID:        cfg.UserID,
		cli:           cfg.Client,
		store:         cfg.Store,
		queue:         queue,
		rtr:           retriever.New(cfg.Client, queue),
		calls:         cfg.Calls,
		syncTimeoutMS: cfg.SyncTimeoutMS,
		rooms:         make(map[string]*room.Room),
	}
	if s.syncTimeoutMS == 0 {
		s.syncTimeoutMS = defaultSyncTimeoutMS
	}
	cfg.Store.AddListener(s)
	return s
}

// OnStoreReady implements storage.Listener.
func (s *Session) OnStoreReady(accountID string) {
	s.storeReady.Store(true)
}

// OnStoreCorrupted implements storage.Listener. A corrupted store keeps
// serving the in-memory view; persistence is abandoned for this run.
func (s *Session) OnStoreCorrupted(accountID, reason string) {
	s.corrupted.Store(true)
	logrus.WithFields(logrus.Fields{
		"account_id": accountID,
		"reason":     reason,
	}).Error("Store corrupted, persistence disabled for this session")
}

// AddGlobalListener registers a listener receiving every timeline event
// across all rooms.
func (s *Session) AddGlobalListener(l timeline.Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.globalListeners = append(s.globalListeners, l)
}

// RemoveGlobalListener removes a previously registered global listener.
func (s *Session) RemoveGlobalListener(l timeline.Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for i, cur := range s.globalListeners {
		if cur == l {
			s.globalListeners = append(s.globalListeners[:i], s.globalListeners[i+1:]...)
			return
		}
	}
}

// OnLiveEvent implements timeline.EventHandler: fan a live event out to the
// global listeners after the room-local ones had it.
func (s *Session) OnLiveEvent(ev *types.Event, st *state.RoomState) {
	s.listenersMu.Lock()
	listeners := append([]timeline.Listener(nil), s.globalListeners...)
	s.listenersMu.Unlock()
	for _, l := range listeners {
		l.OnTimelineEvent(ev, types.Forwards, st)
	}
}

// OnNewRoom implements timeline.EventHandler.
func (s *Session) OnNewRoom(roomID string) {
	logrus.WithField("room_id", roomID).Debug("New room observed")
}

// OnJoinedRoom implements timeline.EventHandler.
func (s *Session) OnJoinedRoom(roomID string) {
	logrus.WithField("room_id", roomID).Debug("Joined room")
}

// OnSelfProfileDrift implements timeline.EventHandler: the local user's
// profile changed from another device, so the cached copy follows.
func (s *Session) OnSelfProfileDrift(displayName, avatarURL string) {
	s.profileMu.Lock()
	s.profileDisplayName = displayName
	s.profileAvatarURL = avatarURL
	s.profileMu.Unlock()
	logrus.WithFields(logrus.Fields{
		"display_name": displayName,
	}).Info("Own profile changed remotely")
}

// Profile returns the cached own display name and avatar URL.
func (s *Session) Profile() (displayName, avatarURL string) {
	s.profileMu.Lock()
	defer s.profileMu.Unlock()
	return s.profileDisplayName, s.profileAvatarURL
}

// Room returns the aggregate for a room id, or nil if never seen. Safe to
// call from any goroutine; the lookup hops onto the dispatch queue.
func (s *Session) Room(roomID string) *room.Room {
	var r *room.Room
	s.queue.Sync(func() { r = s.rooms[roomID] })
	return r
}

// RoomIDs returns the ids of all rooms the session tracks, sorted.
func (s *Session) RoomIDs() []string {
	var ids []string
	s.queue.Sync(func() {
		ids = make([]string, 0, len(s.rooms))
		for id := range s.rooms {
			ids = append(ids, id)
		}
	})
	sort.Strings(ids)
	return ids
}

func (s *Session) getOrCreateRoom(roomID string) *room.Room {
	if r, ok := s.rooms[roomID]; ok {
		return r
	}
	r := room.New(timeline.Config{
		RoomID:    roomID,
		UserID:    s.userID,
		Store:     s.store,
		Retriever: s.rtr,
		Client:    s.cli,
		Queue:     s.queue,
		Handler:   s,
		Calls:     s.calls,
	})
	s.rooms[roomID] = r
	return r
}

// Run drives the /sync long-poll loop until the context is cancelled.
// Transport errors back off exponentially; an expired stream token restarts
// from a full initial sync.
func (s *Session) Run(ctx context.Context) error {
	s.nextBatch = s.store.GetEventStreamToken()
	retryIn := initialRetryInterval

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, err := s.cli.Sync(s.nextBatch, s.syncTimeoutMS)
		if err != nil {
			if types.IsUnknownToken(err) {
				logrus.Warn("Sync token expired, restarting from initial sync")
				s.nextBatch = ""
				continue
			}
			logrus.WithError(err).WithField("retry_in", retryIn).Warn("Sync failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryIn):
			}
			retryIn *= 2
			if retryIn > maxRetryInterval {
				retryIn = maxRetryInterval
			}
			continue
		}
		retryIn = initialRetryInterval

		isInitial := s.nextBatch == ""
		s.queue.Sync(func() {
			s.processSyncResponse(resp, isInitial)
		})
		s.nextBatch = resp.NextBatch
		s.store.StoreEventStreamToken(resp.NextBatch)
		s.store.Commit()
	}
}

// processSyncResponse routes one sync response. Runs on the dispatch queue.
func (s *Session) processSyncResponse(resp *types.SyncResponse, isInitial bool) {
	for roomID := range resp.Rooms.Join {
		payload := resp.Rooms.Join[roomID]
		s.getOrCreateRoom(roomID).ForwardJoinedSync(&payload, isInitial)
	}
	for roomID := range resp.Rooms.Invite {
		payload := resp.Rooms.Invite[roomID]
		s.getOrCreateRoom(roomID).ForwardInvitedSync(&payload)
	}
	for roomID := range resp.Rooms.Leave {
		payload := resp.Rooms.Leave[roomID]
		s.getOrCreateRoom(roomID).ForwardLeftSync(&payload)
	}
}

// Close flushes and closes the store.
func (s *Session) Close() error {
	s.store.StoreEventStreamToken(s.nextBatch)
	s.store.Commit()
	return s.store.Close()
}
