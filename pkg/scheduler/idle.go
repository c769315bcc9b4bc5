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
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/tensoredge/accelrt/pkg/datastore"
)

// IdleGuard is a scoped hold on the scheduler's forced-idle state. While a
// guard is held no group can be activated, so device configuration may be
// mutated safely. Release must be called on every exit path; it is
// idempotent.
type IdleGuard struct {
	s    *Scheduler
	id   uuid.UUID
	once sync.Once
}

// CreateIdleGuard forces the scheduler idle and returns the guard. It
// blocks until any in-flight batch completes and the device is deactivated.
// Guards are exclusive; a second caller waits for the first to release.
func (s *Scheduler) CreateIdleGuard(ctx context.Context) (*IdleGuard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cv.Broadcast()

	// One guard at a time.
	if err := s.waitLocked(ctx, func() bool { return !s.forcedIdle }); err != nil {
		return nil, err
	}
	if s.closed {
		return nil, fmt.Errorf("%w: scheduler closed", ErrAborted)
	}

	s.forcedIdle = true
	s.cv.Broadcast()

	// Deactivate immediately when quiescent; otherwise the last read of the
	// in-flight batch triggers it.
	s.runScheduleLocked()

	err := s.waitLocked(ctx, func() bool {
		return !s.batchInFlight && s.act.Current() == datastore.InvalidHandle
	})
	if err != nil {
		s.forcedIdle = false
		s.runScheduleLocked()
		return nil, err
	}

	guard := &IdleGuard{s: s, id: uuid.New()}
	klog.V(2).Infof("scheduler %s: idle guard %s acquired", s.instanceID, guard.id)
	return guard, nil
}

// Release ends the forced-idle scope and lets scheduling resume.
func (g *IdleGuard) Release() {
	g.once.Do(func() {
		s := g.s
		s.mu.Lock()
		defer s.mu.Unlock()
		defer s.cv.Broadcast()

		s.forcedIdle = false
		s.runScheduleLocked()
		klog.V(2).Infof("scheduler %s: idle guard %s released", s.instanceID, g.id)
	})
}
