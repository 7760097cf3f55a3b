// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package room

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/hearth/internal/dispatch"
	"github.com/element-hq/hearth/syncengine/storage/memory"
	"github.com/element-hq/hearth/syncengine/timeline"
	"github.com/element-hq/hearth/syncengine/types"
)

const (
	testRoomID = "!room:example.org"
	testUserID = "@alice:example.org"
)

type fakeClient struct {
	mu          sync.Mutex
	sendResult  string
	sendErr     error
	sends       []string
	readMarkers []string
	typings     []bool
}

func (f *fakeClient) GetRoomMessagesFrom(roomID, token string, dir types.Direction, limit int) (*types.TokensChunk, error) {
	return &types.TokensChunk{Start: token, End: token}, nil
}

func (f *fakeClient) GetContextOfEvent(roomID, eventID string, limit int) (*types.EventContext, error) {
	return &types.EventContext{}, nil
}

func (f *fakeClient) RoomInitialSync(roomID string, limit int) (*types.RoomInitialSync, error) {
	return &types.RoomInitialSync{RoomID: roomID}, nil
}

func (f *fakeClient) Sync(since string, timeoutMS int) (*types.SyncResponse, error) { return nil, nil }

func (f *fakeClient) SendMessageEvent(roomID, eventType string, content interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, eventType)
	return f.sendResult, f.sendErr
}

func (f *fakeClient) SendReadReceipt(roomID, eventID string) error { return nil }

func (f *fakeClient) SendReadMarkers(roomID, fullyReadEventID, readReceiptEventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readMarkers = append(f.readMarkers, fullyReadEventID)
	return nil
}

func (f *fakeClient) SendTyping(roomID string, typing bool, timeoutMS int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typings = append(f.typings, typing)
	return nil
}

func newTestRoom(t *testing.T) (*Room, *memory.Store, *fakeClient, *dispatch.Queue) {
	t.Helper()
	queue := &dispatch.Queue{}
	store := memory.NewStore(testUserID)
	cli := &fakeClient{sendResult: "$server:example.org"}
	r := New(timeline.Config{
		RoomID: testRoomID,
		UserID: testUserID,
		Store:  store,
		Client: cli,
		Queue:  queue,
	})
	return r, store, cli, queue
}

func ephemeral(eventType string, content map[string]interface{}) types.Event {
	raw, _ := json.Marshal(content)
	return types.Event{Type: eventType, RoomID: testRoomID, Content: raw}
}

func TestTypingIngestion(t *testing.T) {
	r, _, _, queue := newTestRoom(t)
	payload := &types.JoinedRoomSync{
		Ephemeral: types.EventList{Events: []types.Event{
			ephemeral(types.EventTypeTyping, map[string]interface{}{
				"user_ids": []string{testUserID, "@bob:x", "@carol:x"},
			}),
		}},
	}
	queue.Sync(func() { r.ForwardJoinedSync(payload, false) })
	assert.Equal(t, []string{"@bob:x", "@carol:x"}, r.TypingUserIDs(), "own typing is filtered out")

	// The next typing event replaces the list wholesale.
	payload.Ephemeral.Events[0] = ephemeral(types.EventTypeTyping, map[string]interface{}{
		"user_ids": []string{},
	})
	queue.Sync(func() { r.ForwardJoinedSync(payload, false) })
	assert.Empty(t, r.TypingUserIDs())
}

func TestReceiptIngestion(t *testing.T) {
	r, store, _, queue := newTestRoom(t)
	for _, id := range []string{"$1", "$2", "$3"} {
		store.StoreLiveRoomEvent(&types.Event{
			ID: id, RoomID: testRoomID, Type: types.EventTypeMessage,
			Content: json.RawMessage(`{"body":"x"}`),
		})
	}
	payload := &types.JoinedRoomSync{
		Ephemeral: types.EventList{Events: []types.Event{
			ephemeral(types.EventTypeReceipt, map[string]interface{}{
				"$1": map[string]interface{}{
					"m.read": map[string]interface{}{
						testUserID: map[string]interface{}{"ts": 123},
					},
				},
			}),
		}},
	}
	queue.Sync(func() { r.ForwardJoinedSync(payload, false) })

	summary := store.GetSummary(testRoomID)
	require.NotNil(t, summary)
	assert.Equal(t, "$1", summary.ReadReceiptEventID)
	assert.Equal(t, 2, summary.UnreadCount, "two events after the receipt position")
}

func TestForwardInvitedSync(t *testing.T) {
	r, store, _, queue := newTestRoom(t)
	stripped := func(eventType, stateKey, sender string, content map[string]interface{}) types.Event {
		raw, _ := json.Marshal(content)
		return types.Event{Type: eventType, StateKey: &stateKey, Sender: sender, Content: raw}
	}
	payload := &types.InvitedRoomSync{InviteState: types.EventList{Events: []types.Event{
		stripped(spec.MRoomCreate, "", "@bob:x", map[string]interface{}{"creator": "@bob:x"}),
		stripped(spec.MRoomName, "", "@bob:x", map[string]interface{}{"name": "Midnight Society"}),
		stripped(spec.MRoomMember, "@bob:x", "@bob:x", map[string]interface{}{"membership": spec.Join}),
		stripped(spec.MRoomMember, testUserID, "@bob:x", map[string]interface{}{"membership": spec.Invite}),
	}}}
	queue.Sync(func() { r.ForwardInvitedSync(payload) })

	st := r.State()
	assert.Equal(t, "Midnight Society", st.Name)
	assert.Equal(t, spec.Invite, st.SelfMembership(testUserID))
	inviter := st.Member("@bob:x")
	require.NotNil(t, inviter)
	assert.Equal(t, spec.Join, inviter.Membership)
	assert.Nil(t, store.GetLatestEvent(testRoomID), "stripped invite state is not cached as events")
}

func TestAccountDataTags(t *testing.T) {
	r, _, _, queue := newTestRoom(t)
	ev := ephemeral(types.EventTypeTag, map[string]interface{}{
		"tags": map[string]interface{}{
			"m.favourite": map[string]interface{}{"order": 0.1},
		},
	})
	queue.Sync(func() { r.HandleAccountData(&ev) })

	tags := r.Tags()
	require.Contains(t, tags, "m.favourite")
	require.NotNil(t, r.AccountData(types.EventTypeTag))
}

func TestFullyReadMarker(t *testing.T) {
	r, store, _, queue := newTestRoom(t)
	ev := ephemeral(types.EventTypeFullyRead, map[string]interface{}{"event_id": "$42"})
	queue.Sync(func() { r.HandleAccountData(&ev) })

	summary := store.GetSummary(testRoomID)
	require.NotNil(t, summary)
	assert.Equal(t, "$42", summary.ReadMarkerEventID)
}

func TestMarkAllAsRead(t *testing.T) {
	r, store, cli, queue := newTestRoom(t)
	store.StoreLiveRoomEvent(&types.Event{
		ID: "$latest", RoomID: testRoomID, Type: types.EventTypeMessage,
		Content: json.RawMessage(`{"body":"x"}`),
	})
	store.StoreSummary(&types.RoomSummary{RoomID: testRoomID, NotificationCount: 5, UnreadCount: 3})

	var err error
	queue.Sync(func() { err = r.MarkAllAsRead() })
	require.NoError(t, err)

	summary := store.GetSummary(testRoomID)
	assert.Equal(t, "$latest", summary.ReadReceiptEventID)
	assert.Equal(t, "$latest", summary.ReadMarkerEventID)
	assert.Zero(t, summary.UnreadCount)
	assert.Zero(t, summary.NotificationCount)
	assert.Equal(t, []string{"$latest"}, cli.readMarkers)
}

func TestSendMessageOptimistic(t *testing.T) {
	r, store, cli, queue := newTestRoom(t)

	var local *types.Event
	queue.Sync(func() { local = r.SendTextMessage("hello") })
	require.NotNil(t, local)
	assert.True(t, local.IsLocal())
	assert.True(t, local.IsDummy())
	require.NotNil(t, store.GetEvent(testRoomID, local.ID), "placeholder appears immediately")

	// The server acknowledges; the placeholder is rebound to the real id.
	require.Eventually(t, func() bool {
		var resolved bool
		queue.Sync(func() {
			resolved = store.GetEvent(testRoomID, "$server:example.org") != nil
		})
		return resolved
	}, 5*time.Second, 10*time.Millisecond)

	queue.Sync(func() {})
	assert.Nil(t, store.GetEvent(testRoomID, local.ID), "local id no longer resolves")
	assert.Equal(t, []string{types.EventTypeMessage}, cli.sends)
}

func TestSendMessageFailureMarksUndeliverable(t *testing.T) {
	r, store, cli, queue := newTestRoom(t)
	cli.sendErr = &types.NetworkError{}
	cli.sendResult = ""

	var local *types.Event
	queue.Sync(func() { local = r.SendTextMessage("doomed") })

	require.Eventually(t, func() bool {
		var failed bool
		queue.Sync(func() {
			ev := store.GetEvent(testRoomID, local.ID)
			failed = ev != nil && ev.SendState == types.SendStateUndeliverable
		})
		return failed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSendTyping(t *testing.T) {
	r, _, cli, queue := newTestRoom(t)
	queue.Sync(func() {
		require.NoError(t, r.SendTyping(true))
		require.NoError(t, r.SendTyping(false))
	})
	assert.Equal(t, []bool{true, false}, cli.typings)
}
