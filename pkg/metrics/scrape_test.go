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

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleExposition = `# HELP accelrt_frames_written_total Frames queued by producers per group and input stream.
# TYPE accelrt_frames_written_total counter
accelrt_frames_written_total{group="net0",stream="input0"} 12
accelrt_frames_written_total{group="net1",stream="input0"} 8
# HELP accelrt_mean_latency_nanoseconds Last queried mean inference latency per network group handle.
# TYPE accelrt_mean_latency_nanoseconds gauge
accelrt_mean_latency_nanoseconds{group="0"} 1500
accelrt_mean_latency_nanoseconds{group="1"} 2500
`

func TestParseMetricsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(sampleExposition))
	}))
	defer srv.Close()

	families, err := ParseMetricsURL(srv.URL)
	require.NoError(t, err)

	assert.Equal(t, 20.0, CounterTotal(families, "accelrt_frames_written_total"))
	assert.Equal(t, 0.0, CounterTotal(families, "no_such_metric"))

	gauges := GaugeValues(families, "accelrt_mean_latency_nanoseconds", LabelGroup)
	assert.Equal(t, map[string]float64{"0": 1500, "1": 2500}, gauges)
}

func TestParseMetricsURLUnreachable(t *testing.T) {
	_, err := ParseMetricsURL("http://127.0.0.1:1/metrics")
	assert.Error(t, err)
}
