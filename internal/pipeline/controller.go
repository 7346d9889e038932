// Package pipeline is the concrete MethodHandler collaborator the
// dispatcher's method table is bound to: it owns one *gst.Pipeline per
// server-assigned pipeline id and turns Start/Stop/Pause/Resume calls
// into GStreamer state transitions.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
)

// ErrEmptyConfig is returned when a PipelineStart descriptor is empty.
var ErrEmptyConfig = errors.New("pipeline: empty launch descriptor")

// ErrNotFound is returned when Stop/Pause/Resume names an id this
// controller has no record of (already stopped, or never started).
var ErrNotFound = errors.New("pipeline: not found")

// Status is a snapshot of one tracked pipeline, used by the registry
// supplement for shutdown draining and periodic observability logging.
type Status struct {
	ID        uint32
	Config    string
	TraceID   string
	State     string
	StartedAt time.Time
}

type entry struct {
	pipeline  *gst.Pipeline
	config    string
	traceID   string
	startedAt time.Time

	mu    sync.Mutex
	state string
}

func (e *entry) setState(s string) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *entry) getState() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Controller implements the pipeline-control side of the method table.
// Safe for concurrent use: every method locks the registry for the
// duration of its own lookup/mutation, but GStreamer state changes
// themselves are not held under the lock.
type Controller struct {
	mu        sync.RWMutex
	pipelines map[uint32]*entry
	nextID    atomic.Uint32
	gstReady  sync.Once
}

// New returns a Controller. GStreamer initialization is deferred to the
// first Start call (gst.Init is safe to call multiple times, but there
// is no reason to pay for it in processes that never start a pipeline,
// e.g. in unit tests of the dispatcher that stub this interface out).
func New() *Controller {
	return &Controller{pipelines: make(map[uint32]*entry)}
}

func (c *Controller) ensureInit() {
	c.gstReady.Do(func() { gst.Init(nil) })
}

// Start launches a pipeline from a gst-launch-style descriptor and
// returns the server-assigned pipeline id the client must use for
// subsequent Stop/Pause/Resume calls.
func (c *Controller) Start(config string) (uint32, error) {
	if strings.TrimSpace(config) == "" {
		return 0, ErrEmptyConfig
	}
	c.ensureInit()

	gstPipeline, err := gst.NewPipelineFromString(config)
	if err != nil {
		return 0, fmt.Errorf("pipeline: create: %w", err)
	}
	if err := gstPipeline.SetState(gst.StatePlaying); err != nil {
		return 0, fmt.Errorf("pipeline: start: %w", err)
	}

	id := c.nextID.Add(1)
	e := &entry{
		pipeline:  gstPipeline,
		config:    config,
		traceID:   uuid.NewString(),
		startedAt: time.Now(),
		state:     "playing",
	}
	c.mu.Lock()
	c.pipelines[id] = e
	c.mu.Unlock()

	slog.Info("pipeline: started", "pipeline_id", id, "trace_id", e.traceID, "config", config)
	return id, nil
}

// Stop halts and removes the tracked pipeline for id.
func (c *Controller) Stop(id uint32) error {
	c.mu.Lock()
	e, ok := c.pipelines[id]
	if ok {
		delete(c.pipelines, id)
	}
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if err := e.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("pipeline: stop %d: %w", id, err)
	}
	slog.Info("pipeline: stopped", "pipeline_id", id, "trace_id", e.traceID)
	return nil
}

// Pause transitions the tracked pipeline for id to PAUSED.
func (c *Controller) Pause(id uint32) error {
	e, ok := c.lookup(id)
	if !ok {
		return ErrNotFound
	}
	if err := e.pipeline.SetState(gst.StatePaused); err != nil {
		return fmt.Errorf("pipeline: pause %d: %w", id, err)
	}
	e.setState("paused")
	slog.Info("pipeline: paused", "pipeline_id", id, "trace_id", e.traceID)
	return nil
}

// Resume transitions the tracked pipeline for id back to PLAYING.
func (c *Controller) Resume(id uint32) error {
	e, ok := c.lookup(id)
	if !ok {
		return ErrNotFound
	}
	if err := e.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("pipeline: resume %d: %w", id, err)
	}
	e.setState("playing")
	slog.Info("pipeline: resumed", "pipeline_id", id, "trace_id", e.traceID)
	return nil
}

func (c *Controller) lookup(id uint32) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.pipelines[id]
	return e, ok
}

// List returns a snapshot of every pipeline this controller currently
// tracks. Internal only: there is no wire method exposing this; it
// backs the registry supplement's periodic observability logging
// (the repurposed List capability from the original source's unused
// operation enum), via the ingress loop's pipeline status ticker.
func (c *Controller) List() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, 0, len(c.pipelines))
	for id, e := range c.pipelines {
		out = append(out, Status{
			ID:        id,
			Config:    e.config,
			TraceID:   e.traceID,
			State:     e.getState(),
			StartedAt: e.startedAt,
		})
	}
	return out
}

// StopAll halts every tracked pipeline. Internal only: the repurposed
// StopAll capability from the original source's unused operation enum,
// used during graceful shutdown rather than exposed as a wire method.
func (c *Controller) StopAll() {
	c.mu.Lock()
	entries := c.pipelines
	c.pipelines = make(map[uint32]*entry)
	c.mu.Unlock()

	for id, e := range entries {
		if err := e.pipeline.SetState(gst.StateNull); err != nil {
			slog.Warn("pipeline: stop during shutdown failed", "pipeline_id", id, "error", err)
			continue
		}
		slog.Info("pipeline: stopped during shutdown", "pipeline_id", id, "trace_id", e.traceID)
	}
}
