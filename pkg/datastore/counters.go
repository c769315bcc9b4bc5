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

package datastore

import "sync/atomic"

// StreamCounters tracks the four stages a frame traverses on one stream.
// Each counter only moves forward, apart from the DecRequested rollback of
// a failed wait, and has a single canonical writer (the stage
// owning that transition), so atomic increments are sufficient; there is no
// per-counter lock.
//
// The ordering invariant holds at every quiescent point:
//
//	FinishedRead <= SentPending <= Written <= Requested
type StreamCounters struct {
	requestedWrite atomic.Uint32
	writtenBuffer  atomic.Uint32
	sentPending    atomic.Uint32
	finishedRead   atomic.Uint32
}

func (c *StreamCounters) Requested() uint32 { return c.requestedWrite.Load() }
func (c *StreamCounters) Written() uint32   { return c.writtenBuffer.Load() }
func (c *StreamCounters) Sent() uint32      { return c.sentPending.Load() }
func (c *StreamCounters) Finished() uint32  { return c.finishedRead.Load() }

func (c *StreamCounters) IncRequested() { c.requestedWrite.Add(1) }
func (c *StreamCounters) IncWritten()   { c.writtenBuffer.Add(1) }
func (c *StreamCounters) IncSent()      { c.sentPending.Add(1) }
func (c *StreamCounters) IncFinished()  { c.finishedRead.Add(1) }

// DecRequested rolls back an IncRequested when a wait-for-write exits
// without success, so aborted and timed-out waits leave the counters as
// they found them.
func (c *StreamCounters) DecRequested() { c.requestedWrite.Add(^uint32(0)) }

// FinishBatch marks every sent frame of an input stream as fully consumed.
// The scheduler calls it when the last output of the batch has been read;
// it is the only writer of finishedRead on input streams.
func (c *StreamCounters) FinishBatch() { c.finishedRead.Store(c.sentPending.Load()) }

// Pending is the number of frames written but not yet handed to the device.
func (c *StreamCounters) Pending() uint32 {
	return c.writtenBuffer.Load() - c.sentPending.Load()
}

// Owed is the number of results sent to the device but not yet consumed.
func (c *StreamCounters) Owed() uint32 {
	return c.sentPending.Load() - c.finishedRead.Load()
}

// Snapshot is a point-in-time copy of one stream's counters.
type Snapshot struct {
	Requested uint32 `json:"requestedWrite"`
	Written   uint32 `json:"writtenBuffer"`
	Sent      uint32 `json:"sentPendingBuffer"`
	Finished  uint32 `json:"finishedRead"`
}

func (c *StreamCounters) Snapshot() Snapshot {
	return Snapshot{
		Requested: c.requestedWrite.Load(),
		Written:   c.writtenBuffer.Load(),
		Sent:      c.sentPending.Load(),
		Finished:  c.finishedRead.Load(),
	}
}

// CounterSet is the flat (stream -> counters) map of one network group. The
// shape is fixed at registration, so lookups need no lock; only the counter
// values mutate afterwards.
type CounterSet struct {
	byStream map[string]*StreamCounters
}

func newCounterSet(streams []string) *CounterSet {
	set := &CounterSet{byStream: make(map[string]*StreamCounters, len(streams))}
	for _, name := range streams {
		set.byStream[name] = &StreamCounters{}
	}
	return set
}

// Stream returns the counters of one stream, or nil for unknown streams.
func (s *CounterSet) Stream(name string) *StreamCounters {
	return s.byStream[name]
}

// SnapshotAll copies every stream's counters.
func (s *CounterSet) SnapshotAll() map[string]Snapshot {
	out := make(map[string]Snapshot, len(s.byStream))
	for name, c := range s.byStream {
		out[name] = c.Snapshot()
	}
	return out
}
