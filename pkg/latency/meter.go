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

// Package latency measures inference frame latency: the time between the
// start of a frame and the moment the slowest output channel emits its
// result for that frame.
package latency

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

var (
	// ErrNotAvailable is returned when no complete sample has been measured.
	ErrNotAvailable = errors.New("latency measurement not available")
	// ErrUnknownChannel is returned for channels outside the constructor set.
	ErrUnknownChannel = errors.New("unknown output channel")
)

// Meter correlates per-frame start timestamps with per-channel end
// timestamps into a running mean.
//
// AddStartSample must be called by at most one thread, and AddEndSample by
// at most one thread per channel; the caller feeds samples in frame order
// per channel. The channel set is fixed at construction, so the channel map
// itself needs no guard; the buffers and accumulators are protected by one
// mutex. GetLatency may be called from any thread.
type Meter struct {
	mu sync.Mutex

	starts        deque.Deque[time.Duration]
	endsByChannel map[uint32]*deque.Deque[time.Duration]
	capacity      int

	latencySum   time.Duration
	latencyCount uint64
}

// NewMeter creates a meter for the given set of output channels. capacity
// bounds each timestamp buffer; the oldest sample is evicted on overflow.
func NewMeter(outputChannels []uint32, capacity int) (*Meter, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("invalid timestamp buffer capacity %d", capacity)
	}
	if len(outputChannels) == 0 {
		return nil, errors.New("latency meter needs at least one output channel")
	}

	m := &Meter{
		endsByChannel: make(map[uint32]*deque.Deque[time.Duration], len(outputChannels)),
		capacity:      capacity,
	}
	for _, ch := range outputChannels {
		if _, dup := m.endsByChannel[ch]; dup {
			return nil, fmt.Errorf("duplicate output channel %d", ch)
		}
		m.endsByChannel[ch] = &deque.Deque[time.Duration]{}
	}
	return m, nil
}

// Channels returns the constructor-supplied channel set in ascending order.
func (m *Meter) Channels() []uint32 {
	chs := make([]uint32, 0, len(m.endsByChannel))
	for ch := range m.endsByChannel {
		chs = append(chs, ch)
	}
	sort.Slice(chs, func(i, j int) bool { return chs[i] < chs[j] })
	return chs
}

// AddStartSample records the start timestamp of the next frame.
func (m *Meter) AddStartSample(timestamp time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pushEvicting(&m.starts, timestamp, m.capacity)
	m.updateLocked()
}

// AddEndSample records the end timestamp of the next frame on one output
// channel. A frame's measurement completes once every channel has reported.
func (m *Meter) AddEndSample(channel uint32, timestamp time.Duration) error {
	ends, ok := m.endsByChannel[channel]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pushEvicting(ends, timestamp, m.capacity)
	m.updateLocked()
	return nil
}

// GetLatency returns the mean latency over all matched samples. Passing
// clear resets the accumulators atomically with the read.
func (m *Meter) GetLatency(clear bool) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latencyCount == 0 {
		return 0, ErrNotAvailable
	}

	mean := m.latencySum / time.Duration(m.latencyCount)
	if clear {
		m.latencySum = 0
		m.latencyCount = 0
	}
	return mean, nil
}

// SampleCount returns the number of matched samples accumulated so far.
func (m *Meter) SampleCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latencyCount
}

// updateLocked fuses samples while the start buffer and every channel
// buffer are non-empty: one frame's latency is the slowest channel's end
// minus the frame's start.
func (m *Meter) updateLocked() {
	for {
		if m.starts.Len() == 0 {
			return
		}

		end := time.Duration(0)
		for _, ends := range m.endsByChannel {
			if ends.Len() == 0 {
				return
			}
			if front := ends.Front(); front > end {
				end = front
			}
		}

		start := m.starts.PopFront()
		for _, ends := range m.endsByChannel {
			ends.PopFront()
		}

		m.latencySum += end - start
		m.latencyCount++
	}
}

func pushEvicting(d *deque.Deque[time.Duration], t time.Duration, capacity int) {
	if d.Len() == capacity {
		d.PopFront()
	}
	d.PushBack(t)
}
