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

// switchTimer is the per-group background task that wakes the waiter core
// when the group's switching timeout elapses. It sleeps outside the mutex
// and acquires it only to read its deadline, run a scheduling decision and
// broadcast.
type switchTimer struct {
	h    datastore.Handle
	poke chan struct{}
	quit chan struct{}
	done chan struct{}
}

func (s *Scheduler) startTimer(h datastore.Handle) *switchTimer {
	t := &switchTimer{
		h:    h,
		poke: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.runTimer(t)
	return t
}

// Poke re-arms the timer after its deadline inputs changed. Non-blocking;
// coalesces with a pending poke.
func (t *switchTimer) Poke() {
	select {
	case t.poke <- struct{}{}:
	default:
	}
}

// Stop terminates the timer task and waits for it to exit.
func (t *switchTimer) Stop() {
	close(t.quit)
	<-t.done
}

// pokeTimerLocked re-arms a group's timer. Called with the mutex held from
// the sites that stamp FirstQueuedAt or change Timeout.
func (s *Scheduler) pokeTimerLocked(h datastore.Handle) {
	if t := s.timers[h]; t != nil {
		t.Poke()
	}
}

// timerDeadline computes the group's next switching deadline, if any.
func (s *Scheduler) timerDeadline(h datastore.Handle) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.store.Peek(h)
	if !ok || !rec.Alive() || rec.Timeout == 0 || rec.FirstQueuedAt.IsZero() {
		return time.Time{}, false
	}
	return rec.FirstQueuedAt.Add(rec.Timeout), true
}

func (s *Scheduler) runTimer(t *switchTimer) {
	defer close(t.done)
	for {
		deadline, armed := s.timerDeadline(t.h)
		if !armed {
			select {
			case <-t.poke:
				continue
			case <-t.quit:
				return
			}
		}

		wait := deadline.Sub(s.now())
		if wait <= 0 {
			s.mu.Lock()
			s.runScheduleLocked()
			s.cv.Broadcast()
			s.mu.Unlock()
			// The deadline fired; wait for the next re-arm so an
			// unschedulable group doesn't spin here.
			select {
			case <-t.poke:
				continue
			case <-t.quit:
				return
			}
		}

		sleep := time.NewTimer(wait)
		select {
		case <-sleep.C:
		case <-t.poke:
			sleep.Stop()
		case <-t.quit:
			sleep.Stop()
			return
		}
	}
}
