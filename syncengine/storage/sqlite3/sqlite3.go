// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"database/sql"
	"encoding/json"
	"sync"

	// Import the sqlite3 database driver.
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/hearth/internal/dispatch"
	"github.com/element-hq/hearth/internal/sqlutil"
	"github.com/element-hq/hearth/syncengine/state"
	"github.com/element-hq/hearth/syncengine/storage/memory"
	"github.com/element-hq/hearth/syncengine/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS hearth_room_events (
	room_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	ord INTEGER NOT NULL,
	pagination_token TEXT NOT NULL DEFAULT '',
	send_state INTEGER NOT NULL DEFAULT 4,
	json TEXT NOT NULL,
	PRIMARY KEY (room_id, event_id)
);
CREATE INDEX IF NOT EXISTS hearth_room_events_ord ON hearth_room_events(room_id, ord);

CREATE TABLE IF NOT EXISTS hearth_room_tokens (
	room_id TEXT NOT NULL,
	dir TEXT NOT NULL,
	token TEXT NOT NULL,
	PRIMARY KEY (room_id, dir)
);

CREATE TABLE IF NOT EXISTS hearth_room_state (
	room_id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS hearth_room_summaries (
	room_id TEXT PRIMARY KEY,
	json TEXT NOT NULL
);
`

const (
	deleteRoomEventsSQL = "DELETE FROM hearth_room_events WHERE room_id = $1"
	insertRoomEventSQL  = "INSERT INTO hearth_room_events" +
		" (room_id, event_id, ord, pagination_token, send_state, json)" +
		" VALUES ($1, $2, $3, $4, $5, $6)"
	selectRoomEventsSQL = "SELECT room_id, pagination_token, send_state, json" +
		" FROM hearth_room_events ORDER BY room_id, ord"

	upsertTokenSQL = "INSERT INTO hearth_room_tokens (room_id, dir, token) VALUES ($1, $2, $3)" +
		" ON CONFLICT (room_id, dir) DO UPDATE SET token = $3"
	deleteTokensSQL = "DELETE FROM hearth_room_tokens WHERE room_id = $1"
	selectTokensSQL = "SELECT room_id, dir, token FROM hearth_room_tokens"

	upsertStateSQL = "INSERT INTO hearth_room_state (room_id, version, json) VALUES ($1, $2, $3)" +
		" ON CONFLICT (room_id) DO UPDATE SET version = $2, json = $3"
	deleteStateSQL = "DELETE FROM hearth_room_state WHERE room_id = $1"
	selectStateSQL = "SELECT room_id, version, json FROM hearth_room_state"

	upsertSummarySQL = "INSERT INTO hearth_room_summaries (room_id, json) VALUES ($1, $2)" +
		" ON CONFLICT (room_id) DO UPDATE SET json = $2"
	deleteSummarySQL = "DELETE FROM hearth_room_summaries WHERE room_id = $1"
	selectSummarySQL = "SELECT room_id, json FROM hearth_room_summaries"
)

// Store layers sqlite persistence over an in-memory store by composition:
// reads and live mutations go straight to the delegate, while mutating entry
// points additionally mark the room dirty. Commit serializes the dirty rooms
// to sqlite on a dedicated background queue.
type Store struct {
	*memory.Store

	db    *sql.DB
	queue *dispatch.Queue

	insertRoomEvent  *sql.Stmt
	deleteRoomEvents *sql.Stmt
	upsertToken      *sql.Stmt
	deleteTokens     *sql.Stmt
	upsertState      *sql.Stmt
	deleteState      *sql.Stmt
	upsertSummary    *sql.Stmt
	deleteSummary    *sql.Stmt

	dirtyMu     sync.Mutex
	dirty       map[string]struct{}
	deleted     map[string]struct{}
	dirtyStream bool
}

// NewStore opens (or creates) the sqlite database at path and loads every
// room into the in-memory delegate. A snapshot the reader does not
// understand marks the store corrupted rather than silently dropping data.
func NewStore(accountID, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "sql.Open")
	}
	if _, err = db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "create schema")
	}
	s := &Store{
		Store:   memory.NewStore(accountID),
		db:      db,
		queue:   dispatch.NewQueue(),
		dirty:   make(map[string]struct{}),
		deleted: make(map[string]struct{}),
	}
	if err = (sqlutil.StatementList{
		{&s.insertRoomEvent, insertRoomEventSQL},
		{&s.deleteRoomEvents, deleteRoomEventsSQL},
		{&s.upsertToken, upsertTokenSQL},
		{&s.deleteTokens, deleteTokensSQL},
		{&s.upsertState, upsertStateSQL},
		{&s.deleteState, deleteStateSQL},
		{&s.upsertSummary, upsertSummarySQL},
		{&s.deleteSummary, deleteSummarySQL},
	}).Prepare(db); err != nil {
		return nil, errors.Wrap(err, "prepare statements")
	}
	if err = s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(selectRoomEventsSQL)
	if err != nil {
		return errors.Wrap(err, "select events")
	}
	defer rows.Close() // nolint: errcheck
	for rows.Next() {
		var roomID, token, eventJSON string
		var sendState int
		if err = rows.Scan(&roomID, &token, &sendState, &eventJSON); err != nil {
			return errors.Wrap(err, "scan event")
		}
		var ev types.Event
		if err = json.Unmarshal([]byte(eventJSON), &ev); err != nil {
			s.SetCorrupted("undecodable event row: " + err.Error())
			return nil
		}
		ev.RoomID = roomID
		ev.PaginationToken = token
		ev.SendState = types.SendState(sendState)
		s.Store.StoreLiveRoomEvent(&ev)
	}

	tokenRows, err := s.db.Query(selectTokensSQL)
	if err != nil {
		return errors.Wrap(err, "select tokens")
	}
	defer tokenRows.Close() // nolint: errcheck
	for tokenRows.Next() {
		var roomID, dir, token string
		if err = tokenRows.Scan(&roomID, &dir, &token); err != nil {
			return errors.Wrap(err, "scan token")
		}
		if dir == "stream" {
			s.Store.StoreEventStreamToken(token)
			continue
		}
		d := types.Forwards
		if dir == types.Backwards.String() {
			d = types.Backwards
		}
		s.Store.StoreToken(roomID, d, token)
	}

	stateRows, err := s.db.Query(selectStateSQL)
	if err != nil {
		return errors.Wrap(err, "select state")
	}
	defer stateRows.Close() // nolint: errcheck
	for stateRows.Next() {
		var roomID, stateJSON string
		var version int
		if err = stateRows.Scan(&roomID, &version, &stateJSON); err != nil {
			return errors.Wrap(err, "scan state")
		}
		var snapshot state.Snapshot
		if err = json.Unmarshal([]byte(stateJSON), &snapshot); err != nil {
			s.SetCorrupted("undecodable state snapshot: " + err.Error())
			return nil
		}
		st, err := state.FromSnapshot(&snapshot)
		if err != nil {
			s.SetCorrupted(err.Error())
			return nil
		}
		s.Store.StoreLiveStateForRoom(roomID, st)
	}

	summaryRows, err := s.db.Query(selectSummarySQL)
	if err != nil {
		return errors.Wrap(err, "select summaries")
	}
	defer summaryRows.Close() // nolint: errcheck
	for summaryRows.Next() {
		var roomID, summaryJSON string
		if err = summaryRows.Scan(&roomID, &summaryJSON); err != nil {
			return errors.Wrap(err, "scan summary")
		}
		var summary types.RoomSummary
		if err = json.Unmarshal([]byte(summaryJSON), &summary); err != nil {
			s.SetCorrupted("undecodable summary: " + err.Error())
			return nil
		}
		s.Store.StoreSummary(&summary)
	}
	return nil
}

func (s *Store) markDirty(roomID string) {
	s.dirtyMu.Lock()
	s.dirty[roomID] = struct{}{}
	s.dirtyMu.Unlock()
}

// StoreRoomEvents marks the room dirty and delegates.
func (s *Store) StoreRoomEvents(roomID string, chunk *types.TokensChunk, dir types.Direction) {
	s.Store.StoreRoomEvents(roomID, chunk, dir)
	s.markDirty(roomID)
}

// StoreLiveRoomEvent marks the room dirty and delegates.
func (s *Store) StoreLiveRoomEvent(ev *types.Event) {
	s.Store.StoreLiveRoomEvent(ev)
	s.markDirty(ev.RoomID)
}

// DeleteEvent marks the room dirty and delegates.
func (s *Store) DeleteEvent(ev *types.Event) {
	s.Store.DeleteEvent(ev)
	s.markDirty(ev.RoomID)
}

// DeleteAllRoomMessages marks the room dirty and delegates.
func (s *Store) DeleteAllRoomMessages(roomID string, keepUnsent bool) {
	s.Store.DeleteAllRoomMessages(roomID, keepUnsent)
	s.markDirty(roomID)
}

// DeleteRoomData queues the room for row deletion and delegates.
func (s *Store) DeleteRoomData(roomID string) {
	s.Store.DeleteRoomData(roomID)
	s.dirtyMu.Lock()
	delete(s.dirty, roomID)
	s.deleted[roomID] = struct{}{}
	s.dirtyMu.Unlock()
}

// StoreSummary marks the room dirty and delegates.
func (s *Store) StoreSummary(summary *types.RoomSummary) {
	s.Store.StoreSummary(summary)
	if summary != nil {
		s.markDirty(summary.RoomID)
	}
}

// FlushSummary marks the room dirty and delegates.
func (s *Store) FlushSummary(summary *types.RoomSummary) {
	s.Store.FlushSummary(summary)
	if summary != nil {
		s.markDirty(summary.RoomID)
	}
}

// StoreLiveStateForRoom marks the room dirty and delegates.
func (s *Store) StoreLiveStateForRoom(roomID string, st *state.RoomState) {
	s.Store.StoreLiveStateForRoom(roomID, st)
	s.markDirty(roomID)
}

// StoreToken marks the room dirty and delegates.
func (s *Store) StoreToken(roomID string, dir types.Direction, token string) {
	s.Store.StoreToken(roomID, dir, token)
	s.markDirty(roomID)
}

// StoreEventStreamToken marks the cursor dirty and delegates.
func (s *Store) StoreEventStreamToken(token string) {
	s.Store.StoreEventStreamToken(token)
	s.dirtyMu.Lock()
	s.dirtyStream = true
	s.dirtyMu.Unlock()
}

// Commit snapshots the dirty and deleted room sets and flushes them on the
// background queue. Calling it with nothing pending is free; repeat calls
// are safe.
func (s *Store) Commit() {
	s.dirtyMu.Lock()
	if len(s.dirty) == 0 && len(s.deleted) == 0 && !s.dirtyStream {
		s.dirtyMu.Unlock()
		return
	}
	dirty := s.dirty
	deleted := s.deleted
	flushStream := s.dirtyStream
	s.dirty = make(map[string]struct{})
	s.deleted = make(map[string]struct{})
	s.dirtyStream = false
	s.dirtyMu.Unlock()

	s.queue.Post(func() {
		if err := s.flush(dirty, deleted, flushStream); err != nil {
			logrus.WithError(err).WithField("account_id", s.AccountID()).
				Error("Failed to flush store")
			s.SetCorrupted("flush failed: " + err.Error())
		}
	})
}

func (s *Store) flush(dirty, deleted map[string]struct{}, flushStream bool) (err error) {
	txn, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	var succeeded bool
	defer sqlutil.EndTransactionWithCheck(txn, &succeeded, &err)

	if flushStream {
		if _, err = sqlutil.TxStmt(txn, s.upsertToken).Exec("", "stream", s.GetEventStreamToken()); err != nil {
			return errors.Wrap(err, "upsert stream token")
		}
	}

	for roomID := range deleted {
		for _, stmt := range []*sql.Stmt{s.deleteRoomEvents, s.deleteTokens, s.deleteState, s.deleteSummary} {
			if _, err = sqlutil.TxStmt(txn, stmt).Exec(roomID); err != nil {
				return errors.Wrapf(err, "delete room %s", roomID)
			}
		}
	}

	for roomID := range dirty {
		if _, err = sqlutil.TxStmt(txn, s.deleteRoomEvents).Exec(roomID); err != nil {
			return errors.Wrapf(err, "clear events %s", roomID)
		}
		for ord, ev := range s.TimelineSnapshot(roomID) {
			blob, merr := json.Marshal(ev)
			if merr != nil {
				return errors.Wrapf(merr, "marshal event %s", ev.ID)
			}
			if _, err = sqlutil.TxStmt(txn, s.insertRoomEvent).Exec(
				roomID, ev.ID, ord, ev.PaginationToken, int(ev.SendState), string(blob),
			); err != nil {
				return errors.Wrapf(err, "insert event %s", ev.ID)
			}
		}
		for _, dir := range []types.Direction{types.Backwards, types.Forwards} {
			if token := s.GetToken(roomID, dir); token != "" {
				if _, err = sqlutil.TxStmt(txn, s.upsertToken).Exec(roomID, dir.String(), token); err != nil {
					return errors.Wrapf(err, "upsert token %s", roomID)
				}
			}
		}
		if st := s.GetLiveStateForRoom(roomID); st != nil {
			blob, merr := json.Marshal(st.Snapshot())
			if merr != nil {
				return errors.Wrapf(merr, "marshal state %s", roomID)
			}
			if _, err = sqlutil.TxStmt(txn, s.upsertState).Exec(roomID, state.SnapshotVersion, string(blob)); err != nil {
				return errors.Wrapf(err, "upsert state %s", roomID)
			}
		}
		if summary := s.GetSummary(roomID); summary != nil {
			blob, merr := json.Marshal(summary)
			if merr != nil {
				return errors.Wrapf(merr, "marshal summary %s", roomID)
			}
			if _, err = sqlutil.TxStmt(txn, s.upsertSummary).Exec(roomID, string(blob)); err != nil {
				return errors.Wrapf(err, "upsert summary %s", roomID)
			}
		}
	}
	succeeded = true
	return nil
}

// Close drains pending commits and closes the database.
func (s *Store) Close() error {
	s.Commit()
	s.queue.Sync(func() {})
	return s.db.Close()
}
