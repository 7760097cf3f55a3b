// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package dispatch

import "github.com/Arceliar/phony"

// Queue serializes work onto a single cooperative actor inbox. The session
// owns one main queue, onto which all listener callbacks and public API
// re-entry are delivered; each persistent store owns a second queue for
// background commits. Work posted to a queue runs in order, one item at a
// time.
type Queue struct {
	phony.Inbox
}

// NewQueue returns an empty queue. The zero value is also usable.
func NewQueue() *Queue {
	return &Queue{}
}

// Post schedules fn to run on the queue after previously posted work. It
// never blocks the caller.
func (q *Queue) Post(fn func()) {
	q.Act(nil, fn)
}

// Sync runs fn on the queue and waits for it to finish. Used by tests and
// shutdown paths; calling it from the queue itself deadlocks.
func (q *Queue) Sync(fn func()) {
	phony.Block(q, fn)
}
