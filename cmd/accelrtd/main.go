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

// accelrtd runs the network group scheduler against the simulated device:
// a configurable set of groups, paced producers and consumers, and the
// debug/metrics HTTP endpoints. It exists for soak testing and for
// exploring scheduling behavior without hardware.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/tensoredge/accelrt/pkg/datastore"
	"github.com/tensoredge/accelrt/pkg/debug"
	"github.com/tensoredge/accelrt/pkg/device"
	"github.com/tensoredge/accelrt/pkg/metrics"
	"github.com/tensoredge/accelrt/pkg/scheduler"
)

type options struct {
	listen        string
	groups        int
	frames        int
	maxBatch      uint32
	threshold     uint32
	timeout       time.Duration
	frameRate     float64
	frameSize     int
	failActivates int
	authJWKS      string
}

func main() {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "accelrtd",
		Short: "Soak harness for the accelerator network group scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	cmd.Flags().AddFlagSet(pflag.CommandLine)
	cmd.Flags().StringVar(&opts.listen, "listen", "127.0.0.1:8090", "Debug/metrics listen address")
	cmd.Flags().IntVar(&opts.groups, "groups", 2, "Number of network groups to register")
	cmd.Flags().IntVar(&opts.frames, "frames", 64, "Frames to push through each group")
	cmd.Flags().Uint32Var(&opts.maxBatch, "max-batch", 4, "Frames drained per batch")
	cmd.Flags().Uint32Var(&opts.threshold, "threshold", 1, "Pending frames before a group is ready")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Switching timeout (0 waits for the threshold)")
	cmd.Flags().Float64Var(&opts.frameRate, "rate", 200, "Producer frame rate per group, frames/sec")
	cmd.Flags().IntVar(&opts.frameSize, "frame-size", 256, "Payload bytes per frame")
	cmd.Flags().IntVar(&opts.failActivates, "fail-activations", 0, "Refuse this many activations (fault injection)")
	cmd.Flags().StringVar(&opts.authJWKS, "auth-jwks", "", "JWKS file gating mutating debug endpoints")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts *options) error {
	if opts.groups < 1 {
		return fmt.Errorf("need at least one group")
	}

	dev := device.NewSimulated()
	if opts.failActivates > 0 {
		dev.FailNextActivations(opts.failActivates)
	}
	sched := scheduler.New(dev)
	defer sched.Close()

	// The scheduler holds the configured groups only weakly; the harness
	// keeps them alive for the duration of the run.
	owners := make([]*datastore.ConfiguredGroup, opts.groups)
	handles := make([]datastore.Handle, opts.groups)
	for i := 0; i < opts.groups; i++ {
		owners[i] = &datastore.ConfiguredGroup{
			Name:    fmt.Sprintf("net%d", i),
			Inputs:  []datastore.StreamConfig{{Name: "input0"}},
			Outputs: []datastore.StreamConfig{{Name: "output0", Channel: uint32(8 + i)}},
		}
		h, err := sched.RegisterNetworkGroup(owners[i], opts.maxBatch)
		if err != nil {
			return err
		}
		handles[i] = h
		if err := sched.SetThreshold(h, opts.threshold, ""); err != nil {
			return err
		}
		if err := sched.SetTimeout(h, opts.timeout, ""); err != nil {
			return err
		}
	}

	var auth gin.HandlerFunc
	if opts.authJWKS != "" {
		mw, err := debug.NewJWTAuth(opts.authJWKS)
		if err != nil {
			return err
		}
		auth = mw
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	debug.NewHandler(sched, dev).Register(router, auth)

	srv := &http.Server{Addr: opts.listen, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Errorf("debug server: %v", err)
		}
	}()
	defer srv.Close()

	start := time.Now()
	if err := runWorkload(sched, dev, handles, owners, opts); err != nil {
		return err
	}
	elapsed := time.Since(start)

	printSummary(opts, handles, sched, dev, elapsed)
	return nil
}

func printSummary(opts *options, handles []datastore.Handle, sched *scheduler.Scheduler, dev *device.Simulated, elapsed time.Duration) {
	for _, h := range handles {
		if mean, err := sched.GetLatency(h, false); err == nil {
			klog.Infof("group %s: mean inference latency %v", h, mean)
		}
	}

	families, err := metrics.ParseMetricsURL("http://" + opts.listen + "/metrics")
	if err != nil {
		klog.Errorf("scraping own metrics: %v", err)
		return
	}
	stats := dev.Stats()
	klog.Infof("run finished in %v: %.0f frames written, %.0f drained, %.0f read, %.0f activations (%d cold), %.0f switches, %d invalid frames",
		elapsed,
		metrics.CounterTotal(families, "accelrt_frames_written_total"),
		metrics.CounterTotal(families, "accelrt_frames_drained_total"),
		metrics.CounterTotal(families, "accelrt_frames_read_total"),
		metrics.CounterTotal(families, "accelrt_activations_total"),
		stats.ColdActivations,
		metrics.CounterTotal(families, "accelrt_switches_total"),
		stats.InvalidFrames,
	)
}
