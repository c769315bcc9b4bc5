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
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensoredge/accelrt/pkg/datastore"
)

// fakeDevice records the device-visible call sequence and can be scripted
// to refuse activations.
type fakeDevice struct {
	mu          sync.Mutex
	active      datastore.Handle
	activations []datastore.Handle
	drains      []string
	failNext    int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{active: datastore.InvalidHandle}
}

func (d *fakeDevice) Activate(h datastore.Handle, group *datastore.ConfiguredGroup) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != datastore.InvalidHandle {
		return errors.New("already active")
	}
	if d.failNext > 0 {
		d.failNext--
		return errors.New("activation refused")
	}
	d.active = h
	d.activations = append(d.activations, h)
	return nil
}

func (d *fakeDevice) Deactivate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == datastore.InvalidHandle {
		return errors.New("not active")
	}
	d.active = datastore.InvalidHandle
	return nil
}

func (d *fakeDevice) DrainOne(h datastore.Handle, inputStream string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != h {
		return errors.New("drain for inactive group")
	}
	d.drains = append(d.drains, fmt.Sprintf("%s/%s", h, inputStream))
	return nil
}

func (d *fakeDevice) activationSeq() []datastore.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]datastore.Handle(nil), d.activations...)
}

func (d *fakeDevice) drainCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.drains)
}

func (d *fakeDevice) failNextActivations(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

func singleStreamGroup(name string, channel uint32) *datastore.ConfiguredGroup {
	return &datastore.ConfiguredGroup{
		Name:    name,
		Inputs:  []datastore.StreamConfig{{Name: "input0"}},
		Outputs: []datastore.StreamConfig{{Name: "output0", Channel: channel}},
	}
}

func writeFrame(t *testing.T, s *Scheduler, h datastore.Handle) {
	t.Helper()
	require.NoError(t, s.WaitForWrite(context.Background(), h, "input0"))
	require.NoError(t, s.SignalWriteFinish(h, "input0"))
}

func readFrame(t *testing.T, s *Scheduler, h datastore.Handle) {
	t.Helper()
	require.NoError(t, s.WaitForRead(context.Background(), h, "output0"))
	require.NoError(t, s.SignalReadFinish(h, "output0"))
}

// Scenario: a single group with a single stream pair and threshold 1 is
// activated exactly once for a four-frame run.
func TestSingleGroupSingleStreamPair(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)
	defer s.Close()

	owner := singleStreamGroup("g0", 7)
	defer runtime.KeepAlive(owner)
	h, err := s.RegisterNetworkGroup(owner, 4)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		writeFrame(t, s, h)
	}
	for i := 0; i < 4; i++ {
		readFrame(t, s, h)
	}

	assert.Equal(t, []datastore.Handle{h}, dev.activationSeq())
	assert.Equal(t, 4, dev.drainCount())

	snap, err := s.CounterSnapshot(h)
	require.NoError(t, err)
	assert.Equal(t, datastore.Snapshot{Requested: 4, Written: 4, Sent: 4, Finished: 4}, snap["input0"])
	assert.Equal(t, datastore.Snapshot{Requested: 4, Written: 4, Sent: 4, Finished: 4}, snap["output0"])

	mean, err := s.GetLatency(h, false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, mean, time.Duration(0))
}

// Scenario: two groups with threshold 2 and batch 2 alternate in strict
// rotation, two frames per activation.
func TestTwoGroupsRoundRobin(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)
	defer s.Close()

	g1 := singleStreamGroup("g1", 1)
	g2 := singleStreamGroup("g2", 2)
	defer runtime.KeepAlive(g1)
	defer runtime.KeepAlive(g2)

	h1, err := s.RegisterNetworkGroup(g1, 2)
	require.NoError(t, err)
	h2, err := s.RegisterNetworkGroup(g2, 2)
	require.NoError(t, err)
	require.NoError(t, s.SetThreshold(h1, 2, ""))
	require.NoError(t, s.SetThreshold(h2, 2, ""))

	// G1 reaches its threshold and activates; G2's frames queue behind the
	// in-flight batch.
	writeFrame(t, s, h1)
	writeFrame(t, s, h1)
	writeFrame(t, s, h2)
	writeFrame(t, s, h2)

	// Finishing G1's batch hands the device to G2, and so on.
	readFrame(t, s, h1)
	readFrame(t, s, h1)
	writeFrame(t, s, h1)
	writeFrame(t, s, h1)
	readFrame(t, s, h2)
	readFrame(t, s, h2)
	writeFrame(t, s, h2)
	writeFrame(t, s, h2)
	readFrame(t, s, h1)
	readFrame(t, s, h1)
	readFrame(t, s, h2)
	readFrame(t, s, h2)

	assert.Equal(t, []datastore.Handle{h1, h2, h1, h2}, dev.activationSeq())
	assert.Equal(t, 8, dev.drainCount())
}

// Scenario: a group below its threshold is released by the switching
// timeout.
func TestThresholdGatedTimeoutRelease(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)
	defer s.Close()

	owner := singleStreamGroup("g0", 3)
	defer runtime.KeepAlive(owner)
	h, err := s.RegisterNetworkGroup(owner, 8)
	require.NoError(t, err)
	require.NoError(t, s.SetThreshold(h, 4, ""))
	require.NoError(t, s.SetTimeout(h, 50*time.Millisecond, ""))

	writeFrame(t, s, h)
	writeFrame(t, s, h)

	// Below threshold and before the timeout: nothing activated.
	assert.Empty(t, dev.activationSeq())

	require.Eventually(t, func() bool {
		return len(dev.activationSeq()) == 1
	}, 2*time.Second, 5*time.Millisecond, "timeout should release the pending frames")
	assert.Equal(t, 2, dev.drainCount())

	readFrame(t, s, h)
	readFrame(t, s, h)
}

// max_batch_size=1 with two alternating groups forces one switch per frame.
func TestBatchSizeOneSwitchesPerFrame(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)
	defer s.Close()

	g1 := singleStreamGroup("g1", 1)
	g2 := singleStreamGroup("g2", 2)
	defer runtime.KeepAlive(g1)
	defer runtime.KeepAlive(g2)

	h1, err := s.RegisterNetworkGroup(g1, 1)
	require.NoError(t, err)
	h2, err := s.RegisterNetworkGroup(g2, 1)
	require.NoError(t, err)

	writeFrame(t, s, h1)
	writeFrame(t, s, h2)
	readFrame(t, s, h1)
	readFrame(t, s, h2)
	writeFrame(t, s, h1)
	writeFrame(t, s, h2)
	readFrame(t, s, h1)
	readFrame(t, s, h2)

	assert.Equal(t, []datastore.Handle{h1, h2, h1, h2}, dev.activationSeq())
}

// Scenario: an idle guard acquired while a batch drains waits for the batch,
// then holds the device idle until released.
func TestIdleGuard(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)
	defer s.Close()

	owner := singleStreamGroup("g0", 5)
	defer runtime.KeepAlive(owner)
	h, err := s.RegisterNetworkGroup(owner, 4)
	require.NoError(t, err)

	// Activates and leaves one result owed: the batch is in flight.
	writeFrame(t, s, h)

	type guardResult struct {
		guard *IdleGuard
		err   error
	}
	guardCh := make(chan guardResult, 1)
	go func() {
		guard, gerr := s.CreateIdleGuard(context.Background())
		guardCh <- guardResult{guard, gerr}
	}()

	// The guard cannot complete while the batch is in flight.
	select {
	case <-guardCh:
		t.Fatal("idle guard acquired while a batch was draining")
	case <-time.After(50 * time.Millisecond):
	}

	// Consuming the batch lets the guard force the device idle.
	readFrame(t, s, h)

	var res guardResult
	select {
	case res = <-guardCh:
	case <-time.After(2 * time.Second):
		t.Fatal("idle guard never acquired")
	}
	require.NoError(t, res.err)

	state := s.Snapshot()
	assert.True(t, state.ForcedIdle)
	assert.Equal(t, "invalid", state.Current)

	// New work queues but cannot activate while the guard is held.
	writeFrame(t, s, h)
	assert.Equal(t, []datastore.Handle{h}, dev.activationSeq())

	res.guard.Release()
	assert.Equal(t, []datastore.Handle{h, h}, dev.activationSeq())
	readFrame(t, s, h)
}

// Scenario: disabling a stream aborts a blocked reader without touching
// counters.
func TestDisableStreamAbortsWaiter(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)
	defer s.Close()

	owner := singleStreamGroup("g0", 5)
	defer runtime.KeepAlive(owner)
	h, err := s.RegisterNetworkGroup(owner, 4)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.WaitForRead(context.Background(), h, "output0")
	}()

	// Let the reader reach its wait.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.DisableStream(h, "output0"))

	select {
	case werr := <-errCh:
		assert.ErrorIs(t, werr, ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("reader not released by disable")
	}

	snap, err := s.CounterSnapshot(h)
	require.NoError(t, err)
	assert.Equal(t, datastore.Snapshot{}, snap["output0"])

	// Enable after disable is a no-op with respect to counters.
	require.NoError(t, s.EnableStream(h, "output0"))
	snap, err = s.CounterSnapshot(h)
	require.NoError(t, err)
	assert.Equal(t, datastore.Snapshot{}, snap["output0"])
}

func TestActivationFailureDegradesGroup(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)
	defer s.Close()

	owner := singleStreamGroup("g0", 5)
	defer runtime.KeepAlive(owner)
	h, err := s.RegisterNetworkGroup(owner, 4)
	require.NoError(t, err)

	dev.failNextActivations(1)

	// The failure surfaces on the producer operation that triggered the
	// switch.
	require.NoError(t, s.WaitForWrite(context.Background(), h, "input0"))
	err = s.SignalWriteFinish(h, "input0")
	assert.ErrorIs(t, err, ErrActivationFailed)

	// Subsequent writes are poisoned until the group is re-enabled.
	err = s.WaitForWrite(context.Background(), h, "input0")
	assert.ErrorIs(t, err, ErrActivationFailed)

	require.NoError(t, s.ReenableGroup(h))

	// The queued frame from before the failure drains now.
	require.Eventually(t, func() bool {
		return len(dev.activationSeq()) == 1
	}, time.Second, 5*time.Millisecond)
	readFrame(t, s, h)
}

func TestWaitForReadDeadline(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)
	defer s.Close()

	owner := singleStreamGroup("g0", 5)
	defer runtime.KeepAlive(owner)
	h, err := s.RegisterNetworkGroup(owner, 4)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = s.WaitForRead(ctx, h, "output0")
	assert.ErrorIs(t, err, ErrTimeout)

	snap, err := s.CounterSnapshot(h)
	require.NoError(t, err)
	assert.Equal(t, datastore.Snapshot{}, snap["output0"])
}

func TestNotFoundErrors(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)
	defer s.Close()

	owner := singleStreamGroup("g0", 5)
	defer runtime.KeepAlive(owner)
	h, err := s.RegisterNetworkGroup(owner, 4)
	require.NoError(t, err)

	ctx := context.Background()
	assert.ErrorIs(t, s.WaitForWrite(ctx, datastore.Handle(9), "input0"), ErrNotFound)
	assert.ErrorIs(t, s.WaitForWrite(ctx, h, "nope"), ErrNotFound)
	assert.ErrorIs(t, s.WaitForWrite(ctx, h, "output0"), ErrInvalidArgument)
	assert.ErrorIs(t, s.WaitForRead(ctx, h, "input0"), ErrInvalidArgument)

	s.DropNetworkGroup(h)
	assert.ErrorIs(t, s.WaitForWrite(ctx, h, "input0"), ErrNotFound)
	assert.ErrorIs(t, s.SignalWriteFinish(h, "input0"), ErrNotFound)
	_, err = s.CounterSnapshot(h)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetParametersValidation(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)
	defer s.Close()

	owner := singleStreamGroup("g0", 5)
	defer runtime.KeepAlive(owner)
	h, err := s.RegisterNetworkGroup(owner, 4)
	require.NoError(t, err)

	assert.ErrorIs(t, s.SetThreshold(h, 0, ""), ErrInvalidArgument)
	assert.ErrorIs(t, s.SetThreshold(h, 2, "other-net"), ErrInvalidArgument)
	assert.ErrorIs(t, s.SetTimeout(h, -time.Second, ""), ErrInvalidArgument)
	assert.ErrorIs(t, s.SetTimeout(datastore.Handle(7), time.Second, ""), ErrNotFound)

	require.NoError(t, s.SetThreshold(h, 2, "g0"))
	require.NoError(t, s.SetTimeout(h, time.Second, "g0"))
	// Setting the same value twice is a no-op.
	require.NoError(t, s.SetTimeout(h, time.Second, "g0"))

	state := s.Snapshot()
	require.Len(t, state.Groups, 1)
	assert.Equal(t, uint32(2), state.Groups[0].Threshold)
	assert.Equal(t, time.Second, state.Groups[0].Timeout)
}

// Writers on a group that is neither active nor next advance in lockstep
// across its input streams.
func TestWaitForWriteBalancesInputStreams(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)
	defer s.Close()

	// A second group keeps the first from being solo-activated on its first
	// frame.
	other := singleStreamGroup("other", 9)
	defer runtime.KeepAlive(other)
	_, err := s.RegisterNetworkGroup(other, 1)
	require.NoError(t, err)

	owner := &datastore.ConfiguredGroup{
		Name:    "dual",
		Inputs:  []datastore.StreamConfig{{Name: "in0"}, {Name: "in1"}},
		Outputs: []datastore.StreamConfig{{Name: "out0", Channel: 1}},
	}
	defer runtime.KeepAlive(owner)
	h, err := s.RegisterNetworkGroup(owner, 2)
	require.NoError(t, err)
	require.NoError(t, s.SetThreshold(h, 2, ""))

	firstCh := make(chan error, 1)
	go func() {
		firstCh <- s.WaitForWrite(context.Background(), h, "in0")
	}()

	// The in0 writer is one ahead of in1 and must block.
	select {
	case werr := <-firstCh:
		t.Fatalf("writer on in0 not blocked, returned %v", werr)
	case <-time.After(50 * time.Millisecond):
	}

	// A matching writer on in1 releases it.
	require.NoError(t, s.WaitForWrite(context.Background(), h, "in1"))
	select {
	case werr := <-firstCh:
		require.NoError(t, werr)
	case <-time.After(2 * time.Second):
		t.Fatal("writer on in0 not released")
	}
}

// Concurrent producers and consumers on two groups: every frame completes
// and the counter ordering invariant holds at the end.
func TestConcurrentProducersConsumers(t *testing.T) {
	const frames = 50

	dev := newFakeDevice()
	s := New(dev)
	defer s.Close()

	owners := []*datastore.ConfiguredGroup{
		singleStreamGroup("g0", 0),
		singleStreamGroup("g1", 1),
	}
	defer runtime.KeepAlive(owners)

	handles := make([]datastore.Handle, len(owners))
	for i, owner := range owners {
		h, err := s.RegisterNetworkGroup(owner, 4)
		require.NoError(t, err)
		require.NoError(t, s.SetThreshold(h, 2, ""))
		require.NoError(t, s.SetTimeout(h, 20*time.Millisecond, ""))
		handles[i] = h
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(2)
		go func(h datastore.Handle) {
			defer wg.Done()
			ctx := context.Background()
			for i := 0; i < frames; i++ {
				assert.NoError(t, s.WaitForWrite(ctx, h, "input0"))
				assert.NoError(t, s.SignalWriteFinish(h, "input0"))
			}
		}(h)
		go func(h datastore.Handle) {
			defer wg.Done()
			ctx := context.Background()
			for i := 0; i < frames; i++ {
				assert.NoError(t, s.WaitForRead(ctx, h, "output0"))
				assert.NoError(t, s.SignalReadFinish(h, "output0"))
			}
		}(h)
	}
	wg.Wait()

	for _, h := range handles {
		snap, err := s.CounterSnapshot(h)
		require.NoError(t, err)
		for stream, c := range snap {
			assert.True(t, c.Finished <= c.Sent && c.Sent <= c.Written && c.Written <= c.Requested,
				"ordering violated on %s: %+v", stream, c)
		}
		assert.Equal(t, uint32(frames), snap["input0"].Written)
		assert.Equal(t, uint32(frames), snap["output0"].Finished)
	}
}

// Leftover frames of a backlog larger than the batch budget keep the
// first-queued timestamp they have carried since activation; a later drain
// of the same activation must not push the timeout clock forward.
func TestLeftoverBacklogKeepsTimeoutClock(t *testing.T) {
	base := time.Unix(0, 0)
	var offset atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(offset.Load())) }

	dev := newFakeDevice()
	s := New(dev, WithClock(clock))
	defer s.Close()

	owner := singleStreamGroup("g0", 3)
	defer runtime.KeepAlive(owner)
	h, err := s.RegisterNetworkGroup(owner, 2)
	require.NoError(t, err)
	require.NoError(t, s.SetThreshold(h, 2, ""))
	require.NoError(t, s.SetTimeout(h, 100*time.Millisecond, ""))

	// Five frames against a batch budget of two: the second write activates
	// and drains two, the rest queue with their clock started at t=0.
	for i := 0; i < 5; i++ {
		writeFrame(t, s, h)
	}
	assert.Equal(t, 2, dev.drainCount())

	// Finishing the first batch at t=60ms drains two more, leaving one
	// frame below the threshold.
	offset.Store(int64(60 * time.Millisecond))
	readFrame(t, s, h)
	readFrame(t, s, h)
	assert.Equal(t, 4, dev.drainCount())
	readFrame(t, s, h)
	readFrame(t, s, h)

	// At t=110ms the leftover frame has been pending for 110ms, past the
	// 100ms timeout measured from activation; a fresh scheduling decision
	// must release it even though the second drain happened at t=60ms.
	offset.Store(int64(110 * time.Millisecond))
	require.NoError(t, s.SetThreshold(h, 2, ""))
	assert.Equal(t, 5, dev.drainCount())
	readFrame(t, s, h)
}

// A reader blocked on an output stream aborts once every input stream of
// its group is disabled and no result is owed anymore.
func TestDisableAllInputsAbortsReader(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)
	defer s.Close()

	owner := singleStreamGroup("g0", 5)
	defer runtime.KeepAlive(owner)
	h, err := s.RegisterNetworkGroup(owner, 4)
	require.NoError(t, err)

	// One complete round trip; the output stream itself stays enabled.
	writeFrame(t, s, h)
	readFrame(t, s, h)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.WaitForRead(context.Background(), h, "output0")
	}()

	// Let the reader reach its wait, then cut off the group's only input.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.DisableStream(h, "input0"))

	select {
	case werr := <-errCh:
		assert.ErrorIs(t, werr, ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("reader not released by disabling the group's inputs")
	}

	// The abort left the round-trip counters as they were.
	snap, err := s.CounterSnapshot(h)
	require.NoError(t, err)
	assert.Equal(t, datastore.Snapshot{Requested: 1, Written: 1, Sent: 1, Finished: 1}, snap["output0"])
}

func TestCloseAbortsWaiters(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)

	owner := singleStreamGroup("g0", 5)
	defer runtime.KeepAlive(owner)
	h, err := s.RegisterNetworkGroup(owner, 4)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.WaitForRead(context.Background(), h, "output0")
	}()
	time.Sleep(20 * time.Millisecond)

	s.Close()
	select {
	case werr := <-errCh:
		assert.ErrorIs(t, werr, ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("reader not released by close")
	}
}
