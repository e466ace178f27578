//----------------------------------------------------------------------
// This file is part of fbpost.
// Copyright (C) 2024-present Bernd Fix   >Y<
//
// fbpost is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// fbpost is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

package fbpost

import (
	"context"
	"log/slog"
	"sync"
)

// Loop delivers platform events to a session one at a time. The queue
// is unbounded: Post never blocks, neither on the loop goroutine itself
// (a platform posting from inside Handle) nor after Run has returned.
type Loop struct {
	mu     sync.Mutex
	queue  []Event
	wakeup chan struct{}
	log    *slog.Logger
}

// NewLoop creates an event loop.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = discardLogger()
	}
	return &Loop{
		wakeup: make(chan struct{}, 1),
		log:    logger,
	}
}

// Post an event (safe for concurrent use).
func (l *Loop) Post(ev Event) {
	l.mu.Lock()
	l.queue = append(l.queue, ev)
	l.mu.Unlock()
	select {
	case l.wakeup <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued events.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// next queued event (if any)
func (l *Loop) next() (ev Event, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	ev = l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return ev, true
}

// Run the loop until the session is done or the context is canceled.
// A stalled session keeps the loop waiting.
func (l *Loop) Run(ctx context.Context, s *Session) error {
	for s.State() != StateDone {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, ok := l.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.wakeup:
			}
			continue
		}
		if err := s.Handle(ev); err != nil {
			l.log.Debug("loop:event-dropped", slog.String("event", ev.Name()), slog.Any("err", err))
		}
	}
	return nil
}
