// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"sync"

	"github.com/element-hq/hearth/syncengine/types"
)

type pendingKey struct {
	roomID string
	dir    types.Direction
}

// PendingTokens records the token of the at most one in-flight pagination
// request per (room, direction). A response is delivered only if its request
// token still matches the recorded one; clearing the entry is the only
// cancellation mechanism. The lock is held for the map operation only, never
// across callbacks.
type PendingTokens struct {
	mu     sync.Mutex
	tokens map[pendingKey]string
}

func NewPendingTokens() *PendingTokens {
	return &PendingTokens{
		tokens: make(map[pendingKey]string),
	}
}

// Set records token as the pending token for (roomID, dir), replacing any
// previous entry.
func (p *PendingTokens) Set(roomID string, dir types.Direction, token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[pendingKey{roomID, dir}] = token
}

// Get returns the pending token for (roomID, dir), if any.
func (p *PendingTokens) Get(roomID string, dir types.Direction) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	token, ok := p.tokens[pendingKey{roomID, dir}]
	return token, ok
}

// Matches reports whether token is still the current pending token for
// (roomID, dir).
func (p *PendingTokens) Matches(roomID string, dir types.Direction, token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	current, ok := p.tokens[pendingKey{roomID, dir}]
	return ok && current == token
}

// ClearIfMatches removes the entry for (roomID, dir) if it still holds
// token, reporting whether it did. A false return means the request was
// superseded or cancelled and its result must be dropped.
func (p *PendingTokens) ClearIfMatches(roomID string, dir types.Direction, token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := pendingKey{roomID, dir}
	current, ok := p.tokens[key]
	if !ok || current != token {
		return false
	}
	delete(p.tokens, key)
	return true
}

// Clear removes the entry for (roomID, dir) unconditionally.
func (p *PendingTokens) Clear(roomID string, dir types.Direction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tokens, pendingKey{roomID, dir})
}

// ClearRoom removes both directions' entries for a room.
func (p *PendingTokens) ClearRoom(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tokens, pendingKey{roomID, types.Backwards})
	delete(p.tokens, pendingKey{roomID, types.Forwards})
}
