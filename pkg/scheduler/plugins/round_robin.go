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

// Package plugins holds the built-in scheduling policies.
package plugins

import (
	"github.com/tensoredge/accelrt/pkg/datastore"
	"github.com/tensoredge/accelrt/pkg/scheduler/framework"
)

const RoundRobinPolicyName = "round-robin"

var _ framework.Policy = &RoundRobin{}

func init() {
	framework.RegisterPolicyBuilder(RoundRobinPolicyName, func(arg map[string]interface{}) framework.Policy {
		return NewRoundRobin()
	})
}

// RoundRobin walks the registered handles starting one past the rotation
// cursor and returns the first ready group, then advances the cursor to it.
// The tie-break is strict rotation order, independent of queue depth, so
// low-threshold groups cannot be starved by deep-queued ones.
//
// The cursor is only touched from ChooseNext, which the scheduler calls
// with its mutex held.
type RoundRobin struct {
	cursor int
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (r *RoundRobin) Name() string {
	return RoundRobinPolicyName
}

func (r *RoundRobin) ChooseNext(ctx *framework.Context) (datastore.Handle, bool) {
	n := len(ctx.Handles)
	if n == 0 {
		return datastore.InvalidHandle, false
	}
	if r.cursor >= n {
		r.cursor = 0
	}

	// Full circle, ending on the cursor itself so a solitary ready group is
	// always found.
	for i := 1; i <= n; i++ {
		idx := (r.cursor + i) % n
		h := ctx.Handles[idx]
		if ctx.Ready(h) {
			r.cursor = idx
			return h, true
		}
	}
	return datastore.InvalidHandle, false
}
