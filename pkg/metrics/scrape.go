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
	"fmt"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"k8s.io/klog/v2"
)

// ParseMetricsURL fetches a Prometheus text exposition endpoint and parses
// it into metric families. The soak harness uses it against the daemon's
// own /metrics endpoint for the end-of-run summary.
func ParseMetricsURL(url string) (map[string]*dto.MetricFamily, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.Logger = nil

	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metrics from %s: %v", url, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			klog.Errorf("failed to close response body: %v", err)
		}
	}()

	var parser expfmt.TextParser
	allMetrics, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error parsing metric families: %v", err)
	}
	return allMetrics, nil
}

// CounterTotal sums a counter family over all label combinations.
func CounterTotal(families map[string]*dto.MetricFamily, name string) float64 {
	family, exist := families[name]
	if !exist {
		return 0
	}
	total := 0.0
	for _, metric := range family.Metric {
		total += metric.GetCounter().GetValue()
	}
	return total
}

// GaugeValues returns a gauge family's values keyed by the given label.
func GaugeValues(families map[string]*dto.MetricFamily, name, label string) map[string]float64 {
	out := make(map[string]float64)
	family, exist := families[name]
	if !exist {
		return out
	}
	for _, metric := range family.Metric {
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == label {
				out[lp.GetValue()] = metric.GetGauge().GetValue()
			}
		}
	}
	return out
}
