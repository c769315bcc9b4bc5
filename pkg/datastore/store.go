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

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
	"weak"
)

// Handle identifies a registered network group. Handles are dense small
// integers assigned monotonically at registration and never reused within
// the process.
type Handle uint32

// InvalidHandle is the sentinel for "no network group".
const InvalidHandle Handle = math.MaxUint32

func (h Handle) String() string {
	if h == InvalidHandle {
		return "invalid"
	}
	return fmt.Sprintf("%d", h)
}

var (
	ErrNotFound        = errors.New("network group not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// StreamConfig describes one named stream of a network group. Channel is
// only meaningful for output streams, where it names the device channel the
// stream's results arrive on.
type StreamConfig struct {
	Name    string
	Channel uint32
}

// ConfiguredGroup is the owner-side description of a loaded network
// configuration. The scheduler holds it only weakly: dropping the last
// strong reference makes every scheduler operation on the group fail with
// ErrNotFound once the runtime collects it.
type ConfiguredGroup struct {
	Name    string
	Inputs  []StreamConfig
	Outputs []StreamConfig
}

// Record is the scheduler-side state of one registered network group. It is
// created at registration and lives for the store's lifetime.
//
// The counter set is safe for concurrent use on its own. The stop flags and
// the scheduling fields (Timeout, Threshold, FirstQueuedAt, Degraded) are
// guarded by the scheduler's central mutex, not by the store.
type Record struct {
	Handle   Handle
	Name     string
	MaxBatch uint32

	// Inputs and Outputs preserve declared order; draining is round-robin
	// over Inputs in this order.
	Inputs  []StreamConfig
	Outputs []StreamConfig

	// Timeout of 0 means wait indefinitely for the threshold.
	Timeout   time.Duration
	Threshold uint32

	// FirstQueuedAt is the arrival time of the first pending frame since the
	// last activation; zero when nothing is pending.
	FirstQueuedAt time.Time

	// Degraded is set when device activation fails for this group. Writes on
	// a degraded group fail until the group is re-enabled.
	Degraded bool

	owner    weak.Pointer[ConfiguredGroup]
	dead     bool
	counters *CounterSet
	stop     map[string]*stopFlag
	isInput  map[string]bool
}

type stopFlag struct {
	stopped bool
}

// Owner resolves the weak back-reference. The second return is false once
// the owning configured group has been dropped and collected.
func (r *Record) Owner() (*ConfiguredGroup, bool) {
	if r.dead {
		return nil, false
	}
	g := r.owner.Value()
	return g, g != nil
}

// Alive reports whether the owning configured group can still be resolved.
func (r *Record) Alive() bool {
	_, ok := r.Owner()
	return ok
}

// Counters returns the group's per-stream counter set.
func (r *Record) Counters() *CounterSet {
	return r.counters
}

// HasStream reports whether name is a registered stream, and whether it is
// an input.
func (r *Record) HasStream(name string) (isInput bool, ok bool) {
	isInput, ok = r.isInput[name]
	return isInput, ok
}

// OutputChannel returns the device channel index of an output stream.
func (r *Record) OutputChannel(name string) (uint32, bool) {
	for _, out := range r.Outputs {
		if out.Name == name {
			return out.Channel, true
		}
	}
	return 0, false
}

// Stopped reports the per-stream stop flag. Guarded by the scheduler mutex.
func (r *Record) Stopped(stream string) bool {
	f, ok := r.stop[stream]
	return ok && f.stopped
}

// SetStopped toggles the per-stream stop flag. Guarded by the scheduler
// mutex. Returns false for unknown streams.
func (r *Record) SetStopped(stream string, stopped bool) bool {
	f, ok := r.stop[stream]
	if !ok {
		return false
	}
	f.stopped = stopped
	return true
}

// Store is the registry of network group records. Registration is add-only;
// records are never removed, they are tombstoned when the owner is dropped.
type Store struct {
	mu      sync.RWMutex
	records []*Record
	byName  map[string]Handle
}

func NewStore() *Store {
	return &Store{
		byName: make(map[string]Handle),
	}
}

// Register adds a configured group and returns its handle. The store keeps
// only a weak reference to owner; the caller keeps ownership. maxBatch
// bounds the number of frames drained per batch and must be at least 1.
func (s *Store) Register(owner *ConfiguredGroup, maxBatch uint32) (Handle, error) {
	if owner == nil {
		return InvalidHandle, fmt.Errorf("%w: nil configured group", ErrInvalidArgument)
	}
	if maxBatch == 0 {
		return InvalidHandle, fmt.Errorf("%w: max batch size must be at least 1", ErrInvalidArgument)
	}
	if len(owner.Inputs) == 0 || len(owner.Outputs) == 0 {
		return InvalidHandle, fmt.Errorf("%w: group %q needs at least one input and one output stream", ErrInvalidArgument, owner.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[owner.Name]; exists {
		return InvalidHandle, fmt.Errorf("%w: group %q already registered", ErrInvalidArgument, owner.Name)
	}

	rec := &Record{
		Handle:    Handle(len(s.records)),
		Name:      owner.Name,
		MaxBatch:  maxBatch,
		Inputs:    append([]StreamConfig(nil), owner.Inputs...),
		Outputs:   append([]StreamConfig(nil), owner.Outputs...),
		Threshold: DefaultThreshold,
		owner:     weak.Make(owner),
		stop:      make(map[string]*stopFlag),
		isInput:   make(map[string]bool),
	}

	streams := make([]string, 0, len(owner.Inputs)+len(owner.Outputs))
	for _, in := range owner.Inputs {
		if in.Name == "" {
			return InvalidHandle, fmt.Errorf("%w: empty stream name in group %q", ErrInvalidArgument, owner.Name)
		}
		if _, dup := rec.isInput[in.Name]; dup {
			return InvalidHandle, fmt.Errorf("%w: duplicate stream %q in group %q", ErrInvalidArgument, in.Name, owner.Name)
		}
		rec.isInput[in.Name] = true
		rec.stop[in.Name] = &stopFlag{}
		streams = append(streams, in.Name)
	}
	for _, out := range owner.Outputs {
		if out.Name == "" {
			return InvalidHandle, fmt.Errorf("%w: empty stream name in group %q", ErrInvalidArgument, owner.Name)
		}
		if _, dup := rec.isInput[out.Name]; dup {
			return InvalidHandle, fmt.Errorf("%w: duplicate stream %q in group %q", ErrInvalidArgument, out.Name, owner.Name)
		}
		rec.isInput[out.Name] = false
		rec.stop[out.Name] = &stopFlag{}
		streams = append(streams, out.Name)
	}
	rec.counters = newCounterSet(streams)

	s.records = append(s.records, rec)
	s.byName[owner.Name] = rec.Handle
	return rec.Handle, nil
}

// DefaultThreshold is the minimum-pending-frames threshold a group starts
// with until SetThreshold overrides it.
const DefaultThreshold uint32 = 1

// Get returns the record for a handle. Tombstoned and expired records fail
// with ErrNotFound.
func (s *Store) Get(h Handle) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(h) >= len(s.records) {
		return nil, fmt.Errorf("%w: handle %s", ErrNotFound, h)
	}
	rec := s.records[h]
	if !rec.Alive() {
		return nil, fmt.Errorf("%w: handle %s owner dropped", ErrNotFound, h)
	}
	return rec, nil
}

// Peek returns the record for a handle without checking owner liveness.
// Used by predicates that must see tombstoned groups.
func (s *Store) Peek(h Handle) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(h) >= len(s.records) {
		return nil, false
	}
	return s.records[h], true
}

// Drop tombstones a record explicitly, ahead of the garbage collector.
func (s *Store) Drop(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(h) < len(s.records) {
		s.records[h].dead = true
	}
}

// Handles returns all assigned handles in registration order, including
// tombstoned ones.
func (s *Store) Handles() []Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Handle, len(s.records))
	for i := range s.records {
		out[i] = Handle(i)
	}
	return out
}

// Len returns the number of registered groups.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
