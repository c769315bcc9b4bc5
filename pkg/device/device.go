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

// Package device defines the contract the scheduler requires of the driver
// layer, and a simulated implementation for tests and the soak harness.
package device

import "github.com/tensoredge/accelrt/pkg/datastore"

// Device is the single exclusive hardware resource the scheduler
// time-multiplexes. Activate and Deactivate are synchronous, fast
// (microseconds-scale on real hardware), and mutually exclusive with each
// other and with DrainOne; the scheduler guarantees the exclusion.
type Device interface {
	// Activate programs the device to run the given network group. At most
	// one group is active at a time; the scheduler deactivates the previous
	// group first.
	Activate(h datastore.Handle, group *datastore.ConfiguredGroup) error

	// Deactivate releases the active group back to idle.
	Deactivate() error

	// DrainOne hands one queued frame of the given input stream to the
	// device. It returns once the frame is accepted into the input ring.
	DrainOne(h datastore.Handle, inputStream string) error
}
