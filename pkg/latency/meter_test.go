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

package latency

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMeterValidation(t *testing.T) {
	tests := []struct {
		name     string
		channels []uint32
		capacity int
		wantErr  bool
	}{
		{
			name:     "valid",
			channels: []uint32{7, 9},
			capacity: 8,
			wantErr:  false,
		},
		{
			name:     "no channels",
			channels: nil,
			capacity: 8,
			wantErr:  true,
		},
		{
			name:     "zero capacity",
			channels: []uint32{1},
			capacity: 0,
			wantErr:  true,
		},
		{
			name:     "duplicate channel",
			channels: []uint32{3, 3},
			capacity: 4,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMeter(tt.channels, tt.capacity)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.channels, m.Channels())
		})
	}
}

// The correlation fuses one start with the frontmost end of every channel;
// the sample's latency is the slowest channel's end minus the start.
func TestMeterCorrelation(t *testing.T) {
	m, err := NewMeter([]uint32{7, 9}, 8)
	require.NoError(t, err)

	starts := []time.Duration{100, 200, 300}
	ends7 := []time.Duration{150, 280, 360}
	ends9 := []time.Duration{170, 260, 400}

	for i := range starts {
		m.AddStartSample(starts[i])
		require.NoError(t, m.AddEndSample(7, ends7[i]))
		require.NoError(t, m.AddEndSample(9, ends9[i]))
	}

	assert.Equal(t, uint64(3), m.SampleCount())

	// (170-100) + (280-200) + (400-300) = 250, mean 83.
	mean, err := m.GetLatency(false)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(83), mean)
}

func TestMeterNoSamples(t *testing.T) {
	m, err := NewMeter([]uint32{0}, 4)
	require.NoError(t, err)

	_, err = m.GetLatency(false)
	assert.ErrorIs(t, err, ErrNotAvailable)

	// A start with no end is not a sample yet.
	m.AddStartSample(10)
	_, err = m.GetLatency(false)
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestMeterUnknownChannel(t *testing.T) {
	m, err := NewMeter([]uint32{1}, 4)
	require.NoError(t, err)
	assert.ErrorIs(t, m.AddEndSample(2, 100), ErrUnknownChannel)
}

func TestMeterClear(t *testing.T) {
	m, err := NewMeter([]uint32{1}, 4)
	require.NoError(t, err)

	m.AddStartSample(100)
	require.NoError(t, m.AddEndSample(1, 150))

	mean, err := m.GetLatency(true)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(50), mean)

	// The clear took the accumulation with it.
	_, err = m.GetLatency(false)
	assert.ErrorIs(t, err, ErrNotAvailable)

	// New samples accumulate from scratch.
	m.AddStartSample(200)
	require.NoError(t, m.AddEndSample(1, 300))
	mean, err = m.GetLatency(false)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(100), mean)
}

// Unmatched samples beyond capacity evict the oldest; the correlation only
// ever sees the newest window.
func TestMeterEviction(t *testing.T) {
	m, err := NewMeter([]uint32{1}, 2)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		m.AddStartSample(time.Duration(100 * (i + 1)))
	}
	// Starts 100..300 were evicted; fronts are 400 and 500.
	require.NoError(t, m.AddEndSample(1, 450))
	require.NoError(t, m.AddEndSample(1, 550))

	assert.Equal(t, uint64(2), m.SampleCount())
	mean, err := m.GetLatency(false)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(50), mean)
}

// One start feeder, one end feeder per channel, concurrent reader.
func TestMeterConcurrentFeeders(t *testing.T) {
	const frames = 1000
	// Capacity covers the whole run so nothing is evicted and matching
	// stays positional.
	m, err := NewMeter([]uint32{4, 5}, frames)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < frames; i++ {
			m.AddStartSample(time.Duration(i) * 10)
		}
	}()
	for _, ch := range []uint32{4, 5} {
		go func(ch uint32) {
			defer wg.Done()
			for i := 0; i < frames; i++ {
				assert.NoError(t, m.AddEndSample(ch, time.Duration(i)*10+5))
			}
		}(ch)
	}
	wg.Wait()

	assert.Equal(t, uint64(frames), m.SampleCount())
	mean, err := m.GetLatency(false)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(5), mean)
}
