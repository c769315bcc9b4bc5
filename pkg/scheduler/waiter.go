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
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/tensoredge/accelrt/pkg/datastore"
	"github.com/tensoredge/accelrt/pkg/metrics"
)

// waitLocked blocks on the condition variable until pred holds, the caller's
// context ends, or the scheduler closes. The predicate is re-evaluated on
// every wake. Called with the mutex held; returns with it held.
func (s *Scheduler) waitLocked(ctx context.Context, pred func() bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// Condition variables don't observe contexts; a broadcast on expiry
	// makes the loop below re-check ctx.Err.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cv.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	for !pred() {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return ErrTimeout
			}
			return fmt.Errorf("%w: %v", ErrAborted, err)
		}
		if s.closed {
			return fmt.Errorf("%w: scheduler closed", ErrAborted)
		}
		s.cv.Wait()
	}
	return nil
}

// WaitForWrite blocks until the producer may queue one frame on an input
// stream. It registers intent by incrementing the stream's requested-write
// counter; on any non-success return the increment is rolled back so failed
// waits leave the counters untouched.
func (s *Scheduler) WaitForWrite(ctx context.Context, h datastore.Handle, stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cv.Broadcast()

	rec, counters, err := s.lookupStreamLocked(h, stream, true)
	if err != nil {
		return err
	}
	if rec.Degraded {
		return fmt.Errorf("%w: group %s is degraded", ErrActivationFailed, h)
	}

	counters.IncRequested()

	err = s.waitLocked(ctx, func() bool {
		if rec.Stopped(stream) || !rec.Alive() || rec.Degraded {
			return true
		}
		return !s.shouldWaitForWriteAgainLocked(rec, stream)
	})
	if err == nil {
		switch {
		case rec.Stopped(stream):
			err = fmt.Errorf("%w: stream %q disabled", ErrAborted, stream)
		case !rec.Alive():
			err = fmt.Errorf("%w: group %s owner dropped", ErrNotFound, h)
		case rec.Degraded:
			err = fmt.Errorf("%w: group %s is degraded", ErrActivationFailed, h)
		}
	}
	if err != nil {
		counters.DecRequested()
		metrics.RecordWaitFailure("write", errReason(err))
		return err
	}
	return nil
}

// shouldWaitForWriteAgainLocked holds while the writer must stay blocked:
// the group is neither active nor scheduled next, and this stream has run
// ahead of a sibling input stream. Lockstep across inputs keeps one stream
// from racing far ahead and starving the others before the group ever
// activates.
func (s *Scheduler) shouldWaitForWriteAgainLocked(rec *datastore.Record, stream string) bool {
	if rec.Handle == s.act.Current() || rec.Handle == s.next {
		return false
	}
	mine := rec.Counters().Stream(stream)
	ahead := mine.Requested() - mine.Sent()
	for _, in := range rec.Inputs {
		if in.Name == stream {
			continue
		}
		other := rec.Counters().Stream(in.Name)
		if ahead > other.Requested()-other.Sent() {
			return true
		}
	}
	return false
}

// SignalWriteFinish records that the producer has placed one frame on an
// input stream and triggers a scheduling decision. If the decision switches
// to this group and the device refuses activation, the failure is returned
// here, on the operation that caused the switch.
func (s *Scheduler) SignalWriteFinish(h datastore.Handle, stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cv.Broadcast()

	rec, counters, err := s.lookupStreamLocked(h, stream, true)
	if err != nil {
		return err
	}
	if rec.Degraded {
		return fmt.Errorf("%w: group %s is degraded", ErrActivationFailed, h)
	}

	counters.IncWritten()
	metrics.RecordFrameWritten(rec.Name, stream)
	if rec.FirstQueuedAt.IsZero() {
		rec.FirstQueuedAt = s.now()
		s.pokeTimerLocked(h)
	}

	if serr, failed := s.scheduleLocked(); serr != nil {
		if failed == h {
			return serr
		}
		klog.Errorf("scheduler %s: activation of group %s failed: %v", s.instanceID, failed, serr)
	}
	return nil
}

// WaitForRead blocks until a result is available on an output stream of the
// group, the stream is disabled, or the caller's deadline expires.
func (s *Scheduler) WaitForRead(ctx context.Context, h datastore.Handle, stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cv.Broadcast()

	rec, counters, err := s.lookupStreamLocked(h, stream, false)
	if err != nil {
		return err
	}

	err = s.waitLocked(ctx, func() bool {
		if rec.Stopped(stream) || !rec.Alive() {
			return true
		}
		if counters.Owed() > 0 {
			return true
		}
		// Nothing owed and no input can ever feed the group again: the
		// result this reader waits for will never arrive.
		return s.allInputsStoppedLocked(rec)
	})
	if err == nil {
		switch {
		case rec.Stopped(stream):
			err = fmt.Errorf("%w: stream %q disabled", ErrAborted, stream)
		case !rec.Alive():
			err = fmt.Errorf("%w: group %s owner dropped", ErrNotFound, h)
		case counters.Owed() == 0 && s.allInputsStoppedLocked(rec):
			err = fmt.Errorf("%w: all input streams of group %s disabled", ErrAborted, h)
		}
	}
	if err != nil {
		metrics.RecordWaitFailure("read", errReason(err))
		return err
	}
	return nil
}

// SignalReadFinish records that the consumer fully consumed one result on
// an output stream. Completing the last outstanding read of the active
// batch ends the batch and re-runs the scheduling decision, which is where
// deferred switches happen.
func (s *Scheduler) SignalReadFinish(h datastore.Handle, stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cv.Broadcast()

	rec, counters, err := s.lookupStreamLocked(h, stream, false)
	if err != nil {
		return err
	}

	counters.IncFinished()
	metrics.RecordFrameRead(rec.Name, stream)

	if meter := s.meters[h]; meter != nil {
		if ch, ok := rec.OutputChannel(stream); ok {
			if merr := meter.AddEndSample(ch, s.sinceEpoch()); merr != nil {
				klog.Errorf("scheduler %s: latency end sample for %s/%s: %v", s.instanceID, h, stream, merr)
			}
		}
	}

	if h == s.act.Current() && s.batchInFlight && s.batchConsumedLocked(rec) {
		for _, in := range rec.Inputs {
			rec.Counters().Stream(in.Name).FinishBatch()
		}
		s.batchInFlight = false
		s.runScheduleLocked()
	}
	return nil
}

func (s *Scheduler) allInputsStoppedLocked(rec *datastore.Record) bool {
	for _, in := range rec.Inputs {
		if !rec.Stopped(in.Name) {
			return false
		}
	}
	return true
}

// batchConsumedLocked reports whether every output of the group has been
// fully consumed.
func (s *Scheduler) batchConsumedLocked(rec *datastore.Record) bool {
	for _, out := range rec.Outputs {
		if rec.Counters().Stream(out.Name).Owed() > 0 {
			return false
		}
	}
	return true
}
