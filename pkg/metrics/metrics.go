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

// Package metrics holds the Prometheus instrumentation of the scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Label names
	LabelGroup  = "group"
	LabelStream = "stream"
	LabelOp     = "op"
	LabelReason = "reason"
)

var (
	activationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accelrt_activations_total",
		Help: "Number of device activations per network group.",
	}, []string{LabelGroup})

	activationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accelrt_activation_failures_total",
		Help: "Number of refused device activations per network group.",
	}, []string{LabelGroup})

	switchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accelrt_switches_total",
		Help: "Number of network group deactivations (context switches).",
	})

	framesWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accelrt_frames_written_total",
		Help: "Frames queued by producers per group and input stream.",
	}, []string{LabelGroup, LabelStream})

	framesDrainedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accelrt_frames_drained_total",
		Help: "Frames handed to the device per group and input stream.",
	}, []string{LabelGroup, LabelStream})

	framesReadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accelrt_frames_read_total",
		Help: "Results consumed per group and output stream.",
	}, []string{LabelGroup, LabelStream})

	waitFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accelrt_wait_failures_total",
		Help: "Producer/consumer waits that ended without success.",
	}, []string{LabelOp, LabelReason})

	meanLatencyNanos = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "accelrt_mean_latency_nanoseconds",
		Help: "Last queried mean inference latency per network group handle.",
	}, []string{LabelGroup})
)

func RecordActivation(group string) {
	activationsTotal.WithLabelValues(group).Inc()
}

func RecordActivationFailure(group string) {
	activationFailuresTotal.WithLabelValues(group).Inc()
}

func RecordSwitch() {
	switchesTotal.Inc()
}

func RecordFrameWritten(group, stream string) {
	framesWrittenTotal.WithLabelValues(group, stream).Inc()
}

func RecordFrameDrained(group, stream string) {
	framesDrainedTotal.WithLabelValues(group, stream).Inc()
}

func RecordFrameRead(group, stream string) {
	framesReadTotal.WithLabelValues(group, stream).Inc()
}

// RecordWaitFailure counts a failed wait under its taxonomy kind
// ("timeout", "aborted", "not-found", ...).
func RecordWaitFailure(op, reason string) {
	waitFailuresTotal.WithLabelValues(op, reason).Inc()
}

// ObserveMeanLatency publishes the last queried mean latency of a group.
func ObserveMeanLatency(group string, mean time.Duration) {
	meanLatencyNanos.WithLabelValues(group).Set(float64(mean.Nanoseconds()))
}
