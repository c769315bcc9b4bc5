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

package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash"
	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/tensoredge/accelrt/pkg/datastore"
)

// contextCacheSize bounds how many programmed network contexts the
// simulated device keeps warm. Activating a cached group skips the full
// reprogramming path, mirroring real context-switch cost asymmetry.
const contextCacheSize = 4

var (
	ErrNotActive      = errors.New("device: no active network group")
	ErrAlreadyActive  = errors.New("device: a network group is already active")
	ErrNoQueuedFrame  = errors.New("device: no queued frame on stream")
	ErrUnknownStream  = errors.New("device: unknown stream")
	ErrActivateDenied = errors.New("device: activation refused")
)

// Frame is one unit of data moving through the simulated device. Checksum
// is the xxhash of the payload, stamped by the producer and carried through
// to every output so consumers can verify integrity end to end.
type Frame struct {
	Seq      uint64
	Checksum uint64
	Payload  []byte
}

type streamKey struct {
	handle datastore.Handle
	stream string
}

// Simulated is an in-process stand-in for the accelerator. Producers submit
// input frames with SubmitFrame; the scheduler drains them with DrainOne;
// each completed input round yields one frame per output stream, collected
// by consumers with CollectOutput.
type Simulated struct {
	mu sync.Mutex

	active      datastore.Handle
	activeGroup *datastore.ConfiguredGroup

	contexts *lru.Cache[datastore.Handle, struct{}]

	queued      map[streamKey][]Frame
	drained     map[streamKey]uint64
	drainedSums map[streamKey][]uint64
	outputs     map[streamKey][]Frame
	rounds      map[datastore.Handle]uint64
	nextSeq     uint64

	activations     uint64
	coldActivations uint64
	invalidFrames   uint64

	// failActivate lets tests and the fault-injection flag refuse the next
	// activations.
	failActivate int
}

// NewSimulated creates an idle simulated device.
func NewSimulated() *Simulated {
	cache, _ := lru.New[datastore.Handle, struct{}](contextCacheSize)
	return &Simulated{
		active:      datastore.InvalidHandle,
		contexts:    cache,
		queued:      make(map[streamKey][]Frame),
		drained:     make(map[streamKey]uint64),
		drainedSums: make(map[streamKey][]uint64),
		outputs:     make(map[streamKey][]Frame),
		rounds:      make(map[datastore.Handle]uint64),
	}
}

func (d *Simulated) Activate(h datastore.Handle, group *datastore.ConfiguredGroup) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active != datastore.InvalidHandle {
		return fmt.Errorf("%w: group %s", ErrAlreadyActive, d.active)
	}
	if d.failActivate > 0 {
		d.failActivate--
		return fmt.Errorf("%w: group %s", ErrActivateDenied, h)
	}

	if _, warm := d.contexts.Get(h); !warm {
		d.coldActivations++
		d.contexts.Add(h, struct{}{})
	}
	d.activations++
	d.active = h
	d.activeGroup = group
	klog.V(4).Infof("device: activated group %s (%s)", h, group.Name)
	return nil
}

func (d *Simulated) Deactivate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active == datastore.InvalidHandle {
		return ErrNotActive
	}
	klog.V(4).Infof("device: deactivated group %s", d.active)
	d.active = datastore.InvalidHandle
	d.activeGroup = nil
	return nil
}

// SubmitFrame queues one input frame. Producers call it between the
// scheduler's wait-for-write and signal-write-finish.
func (d *Simulated) SubmitFrame(h datastore.Handle, inputStream string, payload []byte) Frame {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextSeq++
	f := Frame{
		Seq:      d.nextSeq,
		Checksum: xxhash.Sum64(payload),
		Payload:  payload,
	}
	key := streamKey{h, inputStream}
	d.queued[key] = append(d.queued[key], f)
	return f
}

func (d *Simulated) DrainOne(h datastore.Handle, inputStream string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active != h {
		return fmt.Errorf("%w: drain for group %s", ErrNotActive, h)
	}
	key := streamKey{h, inputStream}
	if len(d.queued[key]) == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNoQueuedFrame, h, inputStream)
	}
	f := d.queued[key][0]
	d.queued[key] = d.queued[key][1:]
	d.drained[key]++
	d.drainedSums[key] = append(d.drainedSums[key], f.Checksum)
	d.completeRoundsLocked(h)
	return nil
}

// completeRoundsLocked emits output frames for every fully-drained input
// round. One round consumes one frame per input stream and produces one
// frame per output stream.
func (d *Simulated) completeRoundsLocked(h datastore.Handle) {
	if d.activeGroup == nil {
		return
	}
	done := d.rounds[h]
	min := uint64(0)
	for i, in := range d.activeGroup.Inputs {
		n := d.drained[streamKey{h, in.Name}]
		if i == 0 || n < min {
			min = n
		}
	}
	for ; done < min; done++ {
		// An output result carries the xor of the round's input checksums,
		// so consumers can verify integrity end to end.
		sum := uint64(0)
		for _, in := range d.activeGroup.Inputs {
			sum ^= d.drainedSums[streamKey{h, in.Name}][done]
		}
		d.nextSeq++
		out := Frame{Seq: d.nextSeq, Checksum: sum}
		for _, o := range d.activeGroup.Outputs {
			k := streamKey{h, o.Name}
			d.outputs[k] = append(d.outputs[k], out)
		}
	}
	d.rounds[h] = done
}

// CollectOutput pops the next ready result of an output stream. Consumers
// call it between wait-for-read and signal-read-finish.
func (d *Simulated) CollectOutput(h datastore.Handle, outputStream string) (Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := streamKey{h, outputStream}
	pending := d.outputs[key]
	if len(pending) == 0 {
		return Frame{}, false
	}
	d.outputs[key] = pending[1:]
	return pending[0], true
}

// ReportInvalidFrame counts a checksum mismatch observed by a consumer.
func (d *Simulated) ReportInvalidFrame() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invalidFrames++
}

// FailNextActivations makes the next n Activate calls fail.
func (d *Simulated) FailNextActivations(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failActivate = n
}

// Stats is a point-in-time view of the simulated device's counters.
type Stats struct {
	Activations     uint64
	ColdActivations uint64
	InvalidFrames   uint64
}

func (d *Simulated) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Activations:     d.activations,
		ColdActivations: d.coldActivations,
		InvalidFrames:   d.invalidFrames,
	}
}
