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
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/tensoredge/accelrt/pkg/datastore"
	"github.com/tensoredge/accelrt/pkg/device"
	"github.com/tensoredge/accelrt/pkg/metrics"
	"github.com/tensoredge/accelrt/pkg/scheduler/framework"
)

// activationController serializes the device-visible state transition and
// owns the currently-active handle. It is driven only with the scheduler's
// mutex held; the device call is the serialization point.
type activationController struct {
	dev     device.Device
	current datastore.Handle
}

func newActivationController(dev device.Device) *activationController {
	return &activationController{
		dev:     dev,
		current: datastore.InvalidHandle,
	}
}

func (a *activationController) Current() datastore.Handle {
	return a.current
}

// Activate programs the device for a group. Precondition: nothing active.
func (a *activationController) Activate(rec *datastore.Record, group *datastore.ConfiguredGroup) error {
	if a.current != datastore.InvalidHandle {
		// Counter-ordering bug; continuing would put two groups on the device.
		klog.Fatalf("activation of group %s requested while group %s is active", rec.Handle, a.current)
	}
	if err := a.dev.Activate(rec.Handle, group); err != nil {
		return fmt.Errorf("%w: group %s: %v", ErrActivationFailed, rec.Handle, err)
	}
	a.current = rec.Handle
	return nil
}

// Deactivate releases the active handle back to idle.
func (a *activationController) Deactivate() error {
	if a.current == datastore.InvalidHandle {
		klog.Fatalf("deactivation requested with no active network group")
	}
	err := a.dev.Deactivate()
	a.current = datastore.InvalidHandle
	return err
}

// scheduleLocked runs one scheduling decision: pick the next group via the
// policy, execute the switch protocol if the pick differs from the active
// group, and drain a batch. Switches never preempt an in-flight batch; they
// are retried when the batch's last read completes.
//
// On activation failure it returns the error and the handle it failed for,
// so the triggering producer operation can surface it.
func (s *Scheduler) scheduleLocked() (error, datastore.Handle) {
	if s.closed {
		return nil, datastore.InvalidHandle
	}
	if s.forcedIdle {
		if s.act.Current() != datastore.InvalidHandle && !s.batchInFlight {
			s.deactivateLocked()
		}
		return nil, datastore.InvalidHandle
	}

	ctx := framework.Context{
		Current: s.act.Current(),
		Handles: s.store.Handles(),
		Ready:   s.readyLocked,
	}
	pick, ok := s.policy.ChooseNext(&ctx)
	if !ok {
		return nil, datastore.InvalidHandle
	}

	if pick != s.act.Current() {
		s.next = pick
		s.isSwitching = true
		if s.act.Current() != datastore.InvalidHandle {
			if s.batchInFlight {
				// Switch deferred to the batch boundary.
				return nil, datastore.InvalidHandle
			}
			s.deactivateLocked()
		}
		if err := s.activateLocked(pick); err != nil {
			return err, pick
		}
	} else if s.batchInFlight {
		return nil, datastore.InvalidHandle
	}

	drained := s.act.Current()
	if err := s.drainBatchLocked(drained); err != nil {
		return err, drained
	}
	return nil, datastore.InvalidHandle
}

func (s *Scheduler) activateLocked(h datastore.Handle) error {
	rec, ok := s.store.Peek(h)
	if !ok {
		return fmt.Errorf("%w: handle %s", ErrNotFound, h)
	}
	owner, alive := rec.Owner()
	if !alive {
		return fmt.Errorf("%w: handle %s owner dropped", ErrNotFound, h)
	}

	if err := s.act.Activate(rec, owner); err != nil {
		rec.Degraded = true
		s.next = datastore.InvalidHandle
		s.isSwitching = false
		metrics.RecordActivationFailure(rec.Name)
		klog.Errorf("scheduler %s: group %q degraded: %v", s.instanceID, rec.Name, err)
		return err
	}

	s.isSwitching = false
	metrics.RecordActivation(rec.Name)
	klog.V(2).Infof("scheduler %s: activated group %q (handle %s)", s.instanceID, rec.Name, h)

	// Restart timeout measurement fairly for frames that waited through the
	// switch.
	s.resetFirstQueuedLocked(rec)
	return nil
}

func (s *Scheduler) deactivateLocked() {
	h := s.act.Current()
	if err := s.act.Deactivate(); err != nil {
		klog.Errorf("scheduler %s: deactivating group %s: %v", s.instanceID, h, err)
	}
	metrics.RecordSwitch()
	klog.V(2).Infof("scheduler %s: deactivated group %s", s.instanceID, h)
}

// drainBatchLocked hands up to MaxBatch queued frames of the active group
// to the device, round-robin over the input streams in declared order. Each
// completed round owes one result on every output stream and posts one
// latency start sample.
func (s *Scheduler) drainBatchLocked(h datastore.Handle) error {
	if h == datastore.InvalidHandle || s.batchInFlight {
		return nil
	}
	rec, ok := s.store.Peek(h)
	if !ok || !rec.Alive() {
		return nil
	}

	total := uint32(0)
	for s.roundPossibleLocked(rec, total) {
		for _, in := range rec.Inputs {
			if err := s.act.dev.DrainOne(h, in.Name); err != nil {
				rec.Degraded = true
				s.batchInFlight = false
				s.deactivateLocked()
				klog.Errorf("scheduler %s: drain %s/%s failed, group degraded: %v", s.instanceID, h, in.Name, err)
				return fmt.Errorf("%w: drain %s/%s: %v", ErrActivationFailed, h, in.Name, err)
			}
			rec.Counters().Stream(in.Name).IncSent()
			metrics.RecordFrameDrained(rec.Name, in.Name)
			total++
		}
		for _, out := range rec.Outputs {
			oc := rec.Counters().Stream(out.Name)
			oc.IncRequested()
			oc.IncWritten()
			oc.IncSent()
		}
		if meter := s.meters[h]; meter != nil {
			meter.AddStartSample(s.sinceEpoch())
		}
	}

	if total > 0 {
		s.batchInFlight = true
		klog.V(4).Infof("scheduler %s: drained %d frame(s) for group %s", s.instanceID, total, h)
	}
	s.refreshFirstQueuedLocked(rec)
	return nil
}

// roundPossibleLocked reports whether another full input round fits in the
// batch budget and has a queued frame on every input. The first round is
// always allowed so a batch budget smaller than the input count still makes
// progress.
func (s *Scheduler) roundPossibleLocked(rec *datastore.Record, drained uint32) bool {
	if drained > 0 && drained+uint32(len(rec.Inputs)) > rec.MaxBatch {
		return false
	}
	if drained >= rec.MaxBatch {
		return false
	}
	for _, in := range rec.Inputs {
		if rec.Counters().Stream(in.Name).Pending() == 0 {
			return false
		}
	}
	return true
}

// resetFirstQueuedLocked restarts timeout measurement as part of the switch
// protocol: now when frames survived the switch, zero otherwise. Only
// activation may push an already-running clock forward.
func (s *Scheduler) resetFirstQueuedLocked(rec *datastore.Record) {
	if !anyInputPending(rec) {
		rec.FirstQueuedAt = time.Time{}
		return
	}
	rec.FirstQueuedAt = s.now()
	s.pokeTimerLocked(rec.Handle)
}

// refreshFirstQueuedLocked maintains the first-queued stamp after a drain:
// cleared when the backlog ran dry, stamped when frames became pending with
// no clock running. Leftover frames of a backlog larger than the batch
// budget keep the timestamp they have carried since the last activation.
func (s *Scheduler) refreshFirstQueuedLocked(rec *datastore.Record) {
	if !anyInputPending(rec) {
		rec.FirstQueuedAt = time.Time{}
		return
	}
	if rec.FirstQueuedAt.IsZero() {
		rec.FirstQueuedAt = s.now()
		s.pokeTimerLocked(rec.Handle)
	}
}

func anyInputPending(rec *datastore.Record) bool {
	for _, in := range rec.Inputs {
		if rec.Counters().Stream(in.Name).Pending() > 0 {
			return true
		}
	}
	return false
}
