// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package retriever

import (
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/hearth/internal/caching"
	"github.com/element-hq/hearth/internal/dispatch"
	"github.com/element-hq/hearth/syncengine/client"
	"github.com/element-hq/hearth/syncengine/storage"
	"github.com/element-hq/hearth/syncengine/types"
)

var (
	paginationRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Name:      "pagination_requests_total",
			Help:      "Pagination requests resolved, by direction and source.",
		},
		[]string{"direction", "source"},
	)
	paginationStaleDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Name:      "pagination_stale_dropped_total",
			Help:      "Pagination responses dropped because the pending token no longer matched.",
		},
	)
)

func init() {
	prometheus.MustRegister(paginationRequests, paginationStaleDrops)
}

// Callback receives the outcome of one pagination request. It is only
// invoked for requests that are still current: superseded or cancelled
// requests are dropped without any callback.
type Callback func(outcome types.PaginationOutcome)

// Retriever resolves pagination requests from the local store with fallback
// to the network, deduplicating concurrent requests per room and direction
// through a pending-token table. Clearing a pending token is the only
// cancellation mechanism; a late response is recognized as stale by token
// mismatch and discarded.
type Retriever struct {
	client  client.Client
	queue   *dispatch.Queue
	pending *caching.PendingTokens

	// topReached marks rooms whose backward history is exhausted: no
	// further backward network request is issued until explicitly reset.
	topReached *gocache.Cache
}

// New builds a retriever delivering results on the given dispatch queue.
func New(cli client.Client, queue *dispatch.Queue) *Retriever {
	return &Retriever{
		client:     cli,
		queue:      queue,
		pending:    caching.NewPendingTokens(),
		topReached: gocache.New(gocache.NoExpiration, 0),
	}
}

// Paginate resolves "limit events before/after token in roomID". It returns
// false when another request for the same room and direction is already in
// flight; the new request is dropped, not queued.
func (r *Retriever) Paginate(store storage.Store, roomID, token string, dir types.Direction, limit int, cb Callback) bool {
	if dir == types.Forwards {
		return r.forwardPaginate(roomID, token, limit, cb)
	}
	return r.backPaginate(store, roomID, token, limit, cb)
}

func (r *Retriever) backPaginate(store storage.Store, roomID, token string, limit int, cb Callback) bool {
	if _, inflight := r.pending.Get(roomID, types.Backwards); inflight {
		return false
	}
	if token == types.TokenEndOfHistory || r.isTopReached(roomID) {
		// Top of history already observed; answer from what we know
		// without touching the network.
		r.queue.Post(func() {
			cb(types.PaginationOutcome{
				Kind:  types.OutcomeApplied,
				Chunk: &types.TokensChunk{Start: token, End: types.TokenEndOfHistory},
			})
		})
		return true
	}

	r.pending.Set(roomID, types.Backwards, token)

	if cached := store.GetEarlierMessages(roomID, token, limit); cached != nil {
		paginationRequests.WithLabelValues("b", "cache").Inc()
		// Delivered asynchronously so callers can never rely on synchronous
		// completion; the token is re-checked at delivery time.
		r.queue.Post(func() {
			if !r.pending.ClearIfMatches(roomID, types.Backwards, token) {
				paginationStaleDrops.Inc()
				return
			}
			cb(types.PaginationOutcome{Kind: types.OutcomeApplied, Chunk: cached})
		})
		return true
	}

	paginationRequests.WithLabelValues("b", "network").Inc()
	go r.backPaginateRemote(store, roomID, token, limit, cb)
	return true
}

func (r *Retriever) backPaginateRemote(store storage.Store, roomID, token string, limit int, cb Callback) {
	chunk, err := r.client.GetRoomMessagesFrom(roomID, token, types.Backwards, limit)
	r.queue.Post(func() {
		if !r.pending.ClearIfMatches(roomID, types.Backwards, token) {
			paginationStaleDrops.Inc()
			logrus.WithFields(logrus.Fields{
				"room_id": roomID,
				"token":   token,
			}).Debug("Dropping superseded back pagination response")
			return
		}
		if err != nil {
			cb(types.PaginationOutcome{Kind: types.OutcomeFailed, Err: err})
			return
		}

		// Single-event overlap correction: servers may return the event
		// the token points at again.
		if oldest := store.GetOldestEvent(roomID); oldest != nil && len(chunk.Chunk) > 0 &&
			chunk.Chunk[0].ID == oldest.ID {
			chunk.Chunk = chunk.Chunk[1:]
		}

		if len(chunk.Chunk) == 0 || chunk.End == "" || chunk.End == chunk.Start {
			r.markTopReached(roomID)
			chunk.End = types.TokenEndOfHistory
		}

		store.StoreRoomEvents(roomID, chunk, types.Backwards)
		cb(types.PaginationOutcome{Kind: types.OutcomeApplied, Chunk: chunk})
	})
}

func (r *Retriever) forwardPaginate(roomID, token string, limit int, cb Callback) bool {
	if _, inflight := r.pending.Get(roomID, types.Forwards); inflight {
		return false
	}
	r.pending.Set(roomID, types.Forwards, token)
	paginationRequests.WithLabelValues("f", "network").Inc()
	go func() {
		chunk, err := r.client.GetRoomMessagesFrom(roomID, token, types.Forwards, limit)
		r.queue.Post(func() {
			if !r.pending.ClearIfMatches(roomID, types.Forwards, token) {
				paginationStaleDrops.Inc()
				return
			}
			if err != nil {
				cb(types.PaginationOutcome{Kind: types.OutcomeFailed, Err: err})
				return
			}
			cb(types.PaginationOutcome{Kind: types.OutcomeApplied, Chunk: chunk})
		})
	}()
	return true
}

// CancelHistoryRequest clears the backward pending token for a room. An
// in-flight response arriving later fails the token match and is dropped.
func (r *Retriever) CancelHistoryRequest(roomID string) {
	r.pending.Clear(roomID, types.Backwards)
}

// CancelRemoteHistoryRequest clears both directions' pending tokens.
func (r *Retriever) CancelRemoteHistoryRequest(roomID string) {
	r.pending.ClearRoom(roomID)
}

// ResetTopReached forgets that a room's history top was observed, allowing
// backward network requests again.
func (r *Retriever) ResetTopReached(roomID string) {
	r.topReached.Delete(roomID)
}

func (r *Retriever) markTopReached(roomID string) {
	r.topReached.Set(roomID, struct{}{}, gocache.NoExpiration)
}

func (r *Retriever) isTopReached(roomID string) bool {
	_, ok := r.topReached.Get(roomID)
	return ok
}
