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

// Package debug provides the scheduler's debug and admin HTTP endpoints.
package debug

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tensoredge/accelrt/pkg/datastore"
	"github.com/tensoredge/accelrt/pkg/device"
	"github.com/tensoredge/accelrt/pkg/scheduler"
)

// Handler exposes scheduler state and scheduling-parameter mutation over
// HTTP. Parameter mutation goes through the scheduler's own operations, so
// blocked waiters re-evaluate immediately.
type Handler struct {
	sched *scheduler.Scheduler
	dev   *device.Simulated
}

func NewHandler(sched *scheduler.Scheduler, dev *device.Simulated) *Handler {
	return &Handler{
		sched: sched,
		dev:   dev,
	}
}

// Register wires the endpoints. auth, when non-nil, gates the mutating
// routes.
func (h *Handler) Register(router *gin.Engine, auth gin.HandlerFunc) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ro := router.Group("/debug")
	ro.GET("/state", h.getState)
	ro.GET("/groups/:handle/counters", h.getCounters)
	ro.GET("/groups/:handle/latency", h.getLatency)

	rw := router.Group("/debug")
	if auth != nil {
		rw.Use(auth)
	}
	rw.POST("/groups/:handle/threshold", h.setThreshold)
	rw.POST("/groups/:handle/timeout", h.setTimeout)
	rw.POST("/groups/:handle/reenable", h.reenable)
	rw.POST("/groups/:handle/streams/:stream/enable", h.enableStream)
	rw.POST("/groups/:handle/streams/:stream/disable", h.disableStream)
}

type stateResponse struct {
	Scheduler scheduler.State `json:"scheduler"`
	Device    *device.Stats   `json:"device,omitempty"`
}

func (h *Handler) getState(c *gin.Context) {
	resp := stateResponse{Scheduler: h.sched.Snapshot()}
	if h.dev != nil {
		stats := h.dev.Stats()
		resp.Device = &stats
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getCounters(c *gin.Context) {
	handle, ok := parseHandle(c)
	if !ok {
		return
	}
	snap, err := h.sched.CounterSnapshot(handle)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

type latencyResponse struct {
	MeanNanoseconds int64  `json:"meanNanoseconds"`
	Mean            string `json:"mean"`
}

func (h *Handler) getLatency(c *gin.Context) {
	handle, ok := parseHandle(c)
	if !ok {
		return
	}
	clear := c.Query("clear") == "true"
	mean, err := h.sched.GetLatency(handle, clear)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, latencyResponse{
		MeanNanoseconds: mean.Nanoseconds(),
		Mean:            mean.String(),
	})
}

type thresholdRequest struct {
	Count   uint32 `json:"count" binding:"required"`
	Network string `json:"network"`
}

func (h *Handler) setThreshold(c *gin.Context) {
	handle, ok := parseHandle(c)
	if !ok {
		return
	}
	var req thresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.sched.SetThreshold(handle, req.Count, req.Network); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type timeoutRequest struct {
	TimeoutMs int64  `json:"timeoutMs"`
	Network   string `json:"network"`
}

func (h *Handler) setTimeout(c *gin.Context) {
	handle, ok := parseHandle(c)
	if !ok {
		return
	}
	var req timeoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.sched.SetTimeout(handle, time.Duration(req.TimeoutMs)*time.Millisecond, req.Network); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) reenable(c *gin.Context) {
	handle, ok := parseHandle(c)
	if !ok {
		return
	}
	if err := h.sched.ReenableGroup(handle); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) enableStream(c *gin.Context) {
	h.toggleStream(c, true)
}

func (h *Handler) disableStream(c *gin.Context) {
	h.toggleStream(c, false)
}

func (h *Handler) toggleStream(c *gin.Context, enable bool) {
	handle, ok := parseHandle(c)
	if !ok {
		return
	}
	stream := c.Param("stream")
	var err error
	if enable {
		err = h.sched.EnableStream(handle, stream)
	} else {
		err = h.sched.DisableStream(handle, stream)
	}
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parseHandle(c *gin.Context) (datastore.Handle, bool) {
	raw, err := strconv.ParseUint(c.Param("handle"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed handle"})
		return datastore.InvalidHandle, false
	}
	return datastore.Handle(raw), true
}
