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

package scheduler

import (
	"errors"

	"github.com/tensoredge/accelrt/pkg/datastore"
	"github.com/tensoredge/accelrt/pkg/latency"
)

// The scheduler's error taxonomy. Callers classify failures with errors.Is.
var (
	// ErrNotFound: handle expired, stream unknown, or group tombstoned.
	ErrNotFound = datastore.ErrNotFound

	// ErrInvalidArgument: zero threshold, malformed stream name, unknown
	// network name.
	ErrInvalidArgument = datastore.ErrInvalidArgument

	// ErrTimeout: a wait exceeded the caller's deadline. Counters are left
	// as the wait found them.
	ErrTimeout = errors.New("wait deadline exceeded")

	// ErrAborted: the stream was disabled while waiting, the caller's
	// context was canceled, or the scheduler is shutting down.
	ErrAborted = errors.New("operation aborted")

	// ErrActivationFailed: the device refused to activate the group. The
	// group is degraded until re-enabled; other groups keep running.
	ErrActivationFailed = errors.New("network group activation failed")

	// ErrNotAvailable: the latency meter has no matched samples.
	ErrNotAvailable = latency.ErrNotAvailable
)

// errReason maps an error onto its taxonomy kind, for metric labels.
func errReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrAborted):
		return "aborted"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	case errors.Is(err, ErrActivationFailed):
		return "activation-failed"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid-argument"
	case errors.Is(err, ErrNotAvailable):
		return "not-available"
	default:
		return "internal"
	}
}
