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

// Package scheduler time-multiplexes a single inference accelerator between
// registered network groups. Exactly one group is active at a time;
// switching reprograms the device, so the scheduler batches pending frames
// and amortizes switches while honoring per-group thresholds and timeouts.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/tensoredge/accelrt/pkg/datastore"
	"github.com/tensoredge/accelrt/pkg/device"
	"github.com/tensoredge/accelrt/pkg/latency"
	"github.com/tensoredge/accelrt/pkg/metrics"
	"github.com/tensoredge/accelrt/pkg/scheduler/framework"
	"github.com/tensoredge/accelrt/pkg/scheduler/plugins"
)

// DefaultLatencyCapacity bounds the latency meter timestamp buffers when no
// override is given.
const DefaultLatencyCapacity = 128

// Scheduler is the network group scheduler. One central mutex and one
// condition variable guard and broadcast all state changes: every public
// operation acquires the mutex, mutates counters, broadcasts, and releases;
// every blocking wait re-checks its predicate on each wake.
type Scheduler struct {
	mu sync.Mutex
	cv *sync.Cond

	store  *datastore.Store
	act    *activationController
	policy framework.Policy

	// next is the scheduled-but-not-yet-activated successor; it may equal
	// the active handle. isSwitching is set whenever a switch is pending.
	next        datastore.Handle
	isSwitching bool

	// batchInFlight is true from the first drained frame of a batch until
	// every output of that batch has been consumed.
	batchInFlight bool

	// forcedIdle is held by an idle guard; it blocks any activation.
	forcedIdle bool

	closed bool

	meters map[datastore.Handle]*latency.Meter
	timers map[datastore.Handle]*switchTimer

	latencyCapacity int
	instanceID      string
	epoch           time.Time
	now             func() time.Time
}

// Option customizes scheduler construction.
type Option func(*Scheduler)

// WithPolicy replaces the default round-robin policy.
func WithPolicy(p framework.Policy) Option {
	return func(s *Scheduler) { s.policy = p }
}

// WithLatencyCapacity overrides the latency meter buffer capacity. Zero
// disables latency measurement entirely.
func WithLatencyCapacity(capacity int) Option {
	return func(s *Scheduler) { s.latencyCapacity = capacity }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler driving the given device.
func New(dev device.Device, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:           datastore.NewStore(),
		act:             newActivationController(dev),
		policy:          plugins.NewRoundRobin(),
		next:            datastore.InvalidHandle,
		meters:          make(map[datastore.Handle]*latency.Meter),
		timers:          make(map[datastore.Handle]*switchTimer),
		latencyCapacity: DefaultLatencyCapacity,
		instanceID:      uuid.NewString(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cv = sync.NewCond(&s.mu)
	s.epoch = s.now()
	klog.V(2).Infof("scheduler %s: created with policy %q", s.instanceID, s.policy.Name())
	return s
}

// RegisterNetworkGroup adds a configured group under scheduler control and
// returns its handle. The scheduler references owner only weakly; once the
// caller drops it, operations on the handle fail with ErrNotFound.
// maxBatch bounds the total frames drained per batch; a group that stays
// active drains further batches without being reactivated.
func (s *Scheduler) RegisterNetworkGroup(owner *datastore.ConfiguredGroup, maxBatch uint32) (datastore.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cv.Broadcast()

	if s.closed {
		return datastore.InvalidHandle, ErrAborted
	}

	h, err := s.store.Register(owner, maxBatch)
	if err != nil {
		return datastore.InvalidHandle, err
	}

	// Hardware latency measurement needs an unambiguous start sample per
	// inference, so it is limited to single-input groups.
	if s.latencyCapacity > 0 && len(owner.Inputs) == 1 {
		channels := make([]uint32, 0, len(owner.Outputs))
		for _, out := range owner.Outputs {
			channels = append(channels, out.Channel)
		}
		meter, merr := latency.NewMeter(channels, s.latencyCapacity)
		if merr != nil {
			klog.Warningf("scheduler %s: no latency meter for group %q: %v", s.instanceID, owner.Name, merr)
		} else {
			s.meters[h] = meter
		}
	}

	s.timers[h] = s.startTimer(h)
	klog.Infof("scheduler %s: registered group %q as handle %s (max batch %d)", s.instanceID, owner.Name, h, maxBatch)
	return h, nil
}

// SetTimeout sets the per-group switching timeout. Zero means wait
// indefinitely for the threshold. networkName may be empty for "the whole
// group"; any other value must match the group's name.
func (s *Scheduler) SetTimeout(h datastore.Handle, timeout time.Duration, networkName string) error {
	if timeout < 0 {
		return fmt.Errorf("%w: negative timeout %v", ErrInvalidArgument, timeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cv.Broadcast()

	rec, err := s.store.Get(h)
	if err != nil {
		return err
	}
	if networkName != "" && networkName != rec.Name {
		return fmt.Errorf("%w: unknown network name %q", ErrInvalidArgument, networkName)
	}

	rec.Timeout = timeout
	s.pokeTimerLocked(h)
	s.runScheduleLocked()
	return nil
}

// SetThreshold sets the minimum number of pending frames before the group
// is considered ready on queue-depth grounds. A change made mid-batch
// applies at the next scheduling decision.
func (s *Scheduler) SetThreshold(h datastore.Handle, count uint32, networkName string) error {
	if count == 0 {
		return fmt.Errorf("%w: threshold must be at least 1", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cv.Broadcast()

	rec, err := s.store.Get(h)
	if err != nil {
		return err
	}
	if networkName != "" && networkName != rec.Name {
		return fmt.Errorf("%w: unknown network name %q", ErrInvalidArgument, networkName)
	}

	rec.Threshold = count
	s.runScheduleLocked()
	return nil
}

// EnableStream clears a stream's stop flag so new waiters block normally.
func (s *Scheduler) EnableStream(h datastore.Handle, stream string) error {
	return s.setStreamStopped(h, stream, false)
}

// DisableStream sets a stream's stop flag. Writers and readers currently
// blocked on the stream return ErrAborted; new waits fail immediately until
// the stream is re-enabled.
func (s *Scheduler) DisableStream(h datastore.Handle, stream string) error {
	return s.setStreamStopped(h, stream, true)
}

func (s *Scheduler) setStreamStopped(h datastore.Handle, stream string, stopped bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cv.Broadcast()

	rec, err := s.store.Get(h)
	if err != nil {
		return err
	}
	if !rec.SetStopped(stream, stopped) {
		return fmt.Errorf("%w: stream %q in group %s", ErrNotFound, stream, h)
	}
	if !stopped {
		s.runScheduleLocked()
	}
	return nil
}

// ReenableGroup clears the degraded mark left by a failed activation so the
// group can be scheduled again.
func (s *Scheduler) ReenableGroup(h datastore.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cv.Broadcast()

	rec, err := s.store.Get(h)
	if err != nil {
		return err
	}
	rec.Degraded = false
	s.runScheduleLocked()
	return nil
}

// DropNetworkGroup tombstones a group ahead of garbage collection; every
// subsequent operation on the handle fails with ErrNotFound and blocked
// waiters are released.
func (s *Scheduler) DropNetworkGroup(h datastore.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cv.Broadcast()

	s.store.Drop(h)
	if s.act.Current() == h {
		s.batchInFlight = false
		s.deactivateLocked()
		s.runScheduleLocked()
	}
}

// GetLatency returns the mean inference latency of a group. Passing clear
// resets the running accumulation.
func (s *Scheduler) GetLatency(h datastore.Handle, clear bool) (time.Duration, error) {
	s.mu.Lock()
	_, err := s.store.Get(h)
	meter := s.meters[h]
	s.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if meter == nil {
		return 0, fmt.Errorf("%w: no latency meter for group %s", ErrNotAvailable, h)
	}
	mean, err := meter.GetLatency(clear)
	if err != nil {
		return 0, err
	}
	metrics.ObserveMeanLatency(h.String(), mean)
	return mean, nil
}

// CounterSnapshot returns a copy of every stream's counters for a group.
func (s *Scheduler) CounterSnapshot(h datastore.Handle) (map[string]datastore.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.Get(h)
	if err != nil {
		return nil, err
	}
	return rec.Counters().SnapshotAll(), nil
}

// GroupState is a debug view of one registered group.
type GroupState struct {
	Handle    datastore.Handle              `json:"handle"`
	Name      string                        `json:"name"`
	Active    bool                          `json:"active"`
	Next      bool                          `json:"next"`
	Degraded  bool                          `json:"degraded"`
	Alive     bool                          `json:"alive"`
	MaxBatch  uint32                        `json:"maxBatchSize"`
	Threshold uint32                        `json:"threshold"`
	Timeout   time.Duration                 `json:"timeout"`
	Streams   map[string]datastore.Snapshot `json:"streams"`
}

// State is a debug view of the scheduler.
type State struct {
	InstanceID    string       `json:"instanceID"`
	Policy        string       `json:"policy"`
	Current       string       `json:"current"`
	IsSwitching   bool         `json:"isSwitching"`
	BatchInFlight bool         `json:"batchInFlight"`
	ForcedIdle    bool         `json:"forcedIdle"`
	Groups        []GroupState `json:"groups"`
}

// Snapshot copies the scheduler's observable state under the mutex.
func (s *Scheduler) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		InstanceID:    s.instanceID,
		Policy:        s.policy.Name(),
		Current:       s.act.Current().String(),
		IsSwitching:   s.isSwitching,
		BatchInFlight: s.batchInFlight,
		ForcedIdle:    s.forcedIdle,
	}
	for _, h := range s.store.Handles() {
		rec, ok := s.store.Peek(h)
		if !ok {
			continue
		}
		st.Groups = append(st.Groups, GroupState{
			Handle:    h,
			Name:      rec.Name,
			Active:    s.act.Current() == h,
			Next:      s.next == h,
			Degraded:  rec.Degraded,
			Alive:     rec.Alive(),
			MaxBatch:  rec.MaxBatch,
			Threshold: rec.Threshold,
			Timeout:   rec.Timeout,
			Streams:   rec.Counters().SnapshotAll(),
		})
	}
	return st
}

// Close shuts the scheduler down. Blocked waiters return ErrAborted; timer
// tasks are stopped and joined. An active group is deactivated, even with a
// batch in flight.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.act.Current() != datastore.InvalidHandle {
		s.deactivateLocked()
	}
	timers := make([]*switchTimer, 0, len(s.timers))
	for _, t := range s.timers {
		timers = append(timers, t)
	}
	s.cv.Broadcast()
	s.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	klog.V(2).Infof("scheduler %s: closed", s.instanceID)
}

func (s *Scheduler) sinceEpoch() time.Duration {
	return s.now().Sub(s.epoch)
}

// lookupStreamLocked resolves (handle, stream) and enforces direction.
func (s *Scheduler) lookupStreamLocked(h datastore.Handle, stream string, wantInput bool) (*datastore.Record, *datastore.StreamCounters, error) {
	if s.closed {
		return nil, nil, fmt.Errorf("%w: scheduler closed", ErrAborted)
	}
	rec, err := s.store.Get(h)
	if err != nil {
		return nil, nil, err
	}
	isInput, ok := rec.HasStream(stream)
	if !ok {
		return nil, nil, fmt.Errorf("%w: stream %q in group %s", ErrNotFound, stream, h)
	}
	if isInput != wantInput {
		want := "input"
		if !wantInput {
			want = "output"
		}
		return nil, nil, fmt.Errorf("%w: stream %q of group %s is not an %s stream", ErrInvalidArgument, stream, h, want)
	}
	return rec, rec.Counters().Stream(stream), nil
}

// runScheduleLocked runs a scheduling decision and discards the activation
// error; used on paths with no producer to surface it to (the failure is
// already recorded on the group).
func (s *Scheduler) runScheduleLocked() {
	if err, failed := s.scheduleLocked(); err != nil {
		klog.Errorf("scheduler %s: activation of group %s failed: %v", s.instanceID, failed, err)
	}
}
