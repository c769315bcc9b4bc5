/*
Copyright The AccelRT Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduler

import (
	"time"

	"github.com/tensoredge/accelrt/pkg/datastore"
)

// readinessView is the scheduler-global state a readiness decision depends
// on, copied out so the predicates stay pure and testable.
type readinessView struct {
	current       datastore.Handle
	batchInFlight bool
	hasCompetitor bool
	now           time.Time
}

// groupReady reports whether a group is eligible to run. All of the
// following must hold:
//
//  1. every input stream has at least one queued frame;
//  2. some input reached the threshold, or the switching timeout elapsed
//     since the first queued frame, or the timeout is 0 and no other group
//     is competing;
//  3. the group is not degraded and its owner is alive;
//  4. the active group, if any, has finished its current batch, unless the
//     group under test is the active one.
func groupReady(rec *datastore.Record, view readinessView) bool {
	if rec == nil || rec.Degraded || !rec.Alive() {
		return false
	}
	if view.batchInFlight && rec.Handle != view.current {
		return false
	}

	thresholdMet := false
	for _, in := range rec.Inputs {
		pending := rec.Counters().Stream(in.Name).Pending()
		if pending == 0 {
			return false
		}
		if pending >= rec.Threshold {
			thresholdMet = true
		}
	}
	if thresholdMet {
		return true
	}

	if rec.Timeout > 0 {
		return !rec.FirstQueuedAt.IsZero() && view.now.Sub(rec.FirstQueuedAt) >= rec.Timeout
	}

	// Timeout 0 means wait indefinitely for the threshold, except that a
	// solitary group must still run promptly.
	return !view.hasCompetitor
}

// readyLocked builds the view for one handle and evaluates readiness.
func (s *Scheduler) readyLocked(h datastore.Handle) bool {
	rec, ok := s.store.Peek(h)
	if !ok {
		return false
	}
	return groupReady(rec, readinessView{
		current:       s.act.Current(),
		batchInFlight: s.batchInFlight,
		hasCompetitor: s.hasCompetitorLocked(h),
		now:           s.now(),
	})
}

// hasCompetitorLocked reports whether any other live, non-degraded group is
// registered. A solitary group never waits out a zero timeout.
func (s *Scheduler) hasCompetitorLocked(h datastore.Handle) bool {
	for _, other := range s.store.Handles() {
		if other == h {
			continue
		}
		rec, ok := s.store.Peek(other)
		if ok && rec.Alive() && !rec.Degraded {
			return true
		}
	}
	return false
}
