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

package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/tensoredge/accelrt/pkg/datastore"
	"github.com/tensoredge/accelrt/pkg/device"
	"github.com/tensoredge/accelrt/pkg/scheduler"
)

// payloadFor generates the deterministic payload of one frame, so the
// consumer side can recompute the expected checksum independently.
func payloadFor(group datastore.Handle, seq, size int) []byte {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(int(group)*31 + seq*7 + i)
	}
	return payload
}

// runWorkload drives one producer and one consumer goroutine per group and
// waits for all frames to complete the round trip.
func runWorkload(sched *scheduler.Scheduler, dev *device.Simulated, handles []datastore.Handle, owners []*datastore.ConfiguredGroup, opts *options) error {
	ctx := context.Background()
	var wg sync.WaitGroup
	errCh := make(chan error, 2*len(handles))

	for i, h := range handles {
		input := owners[i].Inputs[0].Name
		output := owners[i].Outputs[0].Name

		wg.Add(1)
		go func(h datastore.Handle) {
			defer wg.Done()
			if err := produce(ctx, sched, dev, h, input, opts); err != nil {
				errCh <- fmt.Errorf("producer %s: %w", h, err)
			}
		}(h)

		wg.Add(1)
		go func(h datastore.Handle) {
			defer wg.Done()
			if err := consume(ctx, sched, dev, h, output, opts); err != nil {
				errCh <- fmt.Errorf("consumer %s: %w", h, err)
			}
		}(h)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		return err
	}
	return nil
}

func produce(ctx context.Context, sched *scheduler.Scheduler, dev *device.Simulated, h datastore.Handle, stream string, opts *options) error {
	limiter := rate.NewLimiter(rate.Limit(opts.frameRate), 1)
	for seq := 0; seq < opts.frames; seq++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := sched.WaitForWrite(ctx, h, stream); err != nil {
			return err
		}
		dev.SubmitFrame(h, stream, payloadFor(h, seq, opts.frameSize))
		if err := sched.SignalWriteFinish(h, stream); err != nil {
			return err
		}
	}
	return nil
}

func consume(ctx context.Context, sched *scheduler.Scheduler, dev *device.Simulated, h datastore.Handle, stream string, opts *options) error {
	for seq := 0; seq < opts.frames; seq++ {
		if err := sched.WaitForRead(ctx, h, stream); err != nil {
			return err
		}
		frame, ok := dev.CollectOutput(h, stream)
		if !ok {
			return fmt.Errorf("no output ready on %s/%s", h, stream)
		}
		if expected := xxhash.Sum64(payloadFor(h, seq, opts.frameSize)); frame.Checksum != expected {
			dev.ReportInvalidFrame()
			klog.Errorf("group %s: frame %d checksum mismatch (got %x, want %x)", h, seq, frame.Checksum, expected)
		}
		if err := sched.SignalReadFinish(h, stream); err != nil {
			return err
		}
	}
	return nil
}
