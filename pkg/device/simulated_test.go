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
	"testing"

	"github.com/cespare/xxhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensoredge/accelrt/pkg/datastore"
)

func simGroup(name string) *datastore.ConfiguredGroup {
	return &datastore.ConfiguredGroup{
		Name:    name,
		Inputs:  []datastore.StreamConfig{{Name: "input0"}},
		Outputs: []datastore.StreamConfig{{Name: "output0", Channel: 0}},
	}
}

func TestSimulatedActivationExclusion(t *testing.T) {
	dev := NewSimulated()
	g := simGroup("g")

	assert.ErrorIs(t, dev.Deactivate(), ErrNotActive)
	require.NoError(t, dev.Activate(0, g))
	assert.ErrorIs(t, dev.Activate(1, simGroup("h")), ErrAlreadyActive)
	require.NoError(t, dev.Deactivate())
	require.NoError(t, dev.Activate(1, simGroup("h")))
	require.NoError(t, dev.Deactivate())
}

func TestSimulatedDrainProducesOutputs(t *testing.T) {
	dev := NewSimulated()
	g := simGroup("g")

	payload := []byte("frame payload")
	dev.SubmitFrame(0, "input0", payload)

	// Draining an inactive group is a contract violation.
	assert.ErrorIs(t, dev.DrainOne(0, "input0"), ErrNotActive)

	require.NoError(t, dev.Activate(0, g))
	require.NoError(t, dev.DrainOne(0, "input0"))
	assert.ErrorIs(t, dev.DrainOne(0, "input0"), ErrNoQueuedFrame)

	out, ok := dev.CollectOutput(0, "output0")
	require.True(t, ok)
	assert.Equal(t, xxhash.Sum64(payload), out.Checksum)

	_, ok = dev.CollectOutput(0, "output0")
	assert.False(t, ok)
}

// Each completed round over a multi-input group yields one output frame
// carrying the xor of the round's input checksums.
func TestSimulatedMultiInputRounds(t *testing.T) {
	dev := NewSimulated()
	g := &datastore.ConfiguredGroup{
		Name:    "dual",
		Inputs:  []datastore.StreamConfig{{Name: "in0"}, {Name: "in1"}},
		Outputs: []datastore.StreamConfig{{Name: "out0", Channel: 0}},
	}

	a := []byte("left")
	b := []byte("right")
	dev.SubmitFrame(0, "in0", a)
	dev.SubmitFrame(0, "in1", b)

	require.NoError(t, dev.Activate(0, g))
	require.NoError(t, dev.DrainOne(0, "in0"))

	// Half a round: no output yet.
	_, ok := dev.CollectOutput(0, "out0")
	assert.False(t, ok)

	require.NoError(t, dev.DrainOne(0, "in1"))
	out, ok := dev.CollectOutput(0, "out0")
	require.True(t, ok)
	assert.Equal(t, xxhash.Sum64(a)^xxhash.Sum64(b), out.Checksum)
}

func TestSimulatedContextCache(t *testing.T) {
	dev := NewSimulated()

	// First activation of each group is cold; reactivating a warm group is
	// not.
	for i := 0; i < 2; i++ {
		require.NoError(t, dev.Activate(0, simGroup("g")))
		require.NoError(t, dev.Deactivate())
	}
	stats := dev.Stats()
	assert.Equal(t, uint64(2), stats.Activations)
	assert.Equal(t, uint64(1), stats.ColdActivations)

	// Cycling through more groups than the cache holds evicts the oldest.
	for i := 1; i <= contextCacheSize+1; i++ {
		require.NoError(t, dev.Activate(datastore.Handle(i), simGroup("g")))
		require.NoError(t, dev.Deactivate())
	}
	require.NoError(t, dev.Activate(0, simGroup("g")))
	require.NoError(t, dev.Deactivate())

	stats = dev.Stats()
	assert.Equal(t, uint64(contextCacheSize+2+2), stats.Activations)
	// Group 0 was evicted and re-programmed cold.
	assert.Equal(t, uint64(1+contextCacheSize+1+1), stats.ColdActivations)
}

func TestSimulatedFailNextActivations(t *testing.T) {
	dev := NewSimulated()
	dev.FailNextActivations(2)

	assert.ErrorIs(t, dev.Activate(0, simGroup("g")), ErrActivateDenied)
	assert.ErrorIs(t, dev.Activate(0, simGroup("g")), ErrActivateDenied)
	require.NoError(t, dev.Activate(0, simGroup("g")))
}

func TestSimulatedInvalidFrames(t *testing.T) {
	dev := NewSimulated()
	assert.Equal(t, uint64(0), dev.Stats().InvalidFrames)
	dev.ReportInvalidFrame()
	assert.Equal(t, uint64(1), dev.Stats().InvalidFrames)
}
