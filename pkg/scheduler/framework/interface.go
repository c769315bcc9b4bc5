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

// Package framework defines the pluggable policy surface of the network
// group scheduler.
package framework

import (
	"github.com/tensoredge/accelrt/pkg/datastore"
)

// Context is the scheduling decision input. It is built by the scheduler
// with its central mutex held; Ready must not be retained past the call.
type Context struct {
	// Current is the active network group, or InvalidHandle.
	Current datastore.Handle

	// Handles lists every assigned handle in registration order, including
	// tombstoned ones; Ready filters those out.
	Handles []datastore.Handle

	// Ready reports whether a handle is eligible to run right now.
	Ready func(datastore.Handle) bool
}

// Policy picks the next network group to activate among the ready ones.
// ChooseNext is called with the scheduler's mutex held and must be fast and
// side-effect free apart from the policy's own bookkeeping (e.g. a rotation
// cursor). Returning false means no group is eligible.
type Policy interface {
	Name() string
	ChooseNext(ctx *Context) (datastore.Handle, bool)
}
