// Package dispatch holds the method table the ingress loop submits
// parsed frames against: one handler per MethodID, each given a
// response sink it uses to enqueue outbound frames without ever
// touching a socket itself.
package dispatch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/KrishnaPG/zmq-task-dispatcher/internal/frame"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/mpsc"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/objpool"
)

// PipelineController is the slice of *pipeline.Controller the dispatch
// table needs. Expressed as an interface so the table can be built and
// exercised in tests without a real GStreamer pipeline behind it.
type PipelineController interface {
	Start(config string) (uint32, error)
	Stop(id uint32) error
	Pause(id uint32) error
	Resume(id uint32) error
}

// ResponseSink lets a handler enqueue outbound frames for the request it
// was invoked for, without knowing anything about the publish socket or
// the outbound queue's implementation.
type ResponseSink interface {
	Respond(resultJSON string)
	RespondError(code int, message string)
	Log(level, message string)
}

// sink allocates every outbound frame it enqueues from the object pool,
// via the calling worker's thread cache. This is the "allocation of
// outbound frames goes through (A)" path. A nil pool or cache (e.g. a
// test building a sink directly, or a process run without pooling)
// falls back to a heap allocation so callers that don't care about
// pooling still work; note the fallback is only ever heap-to-heap or
// pool-to-pool, never mixed, since Release is only ever called by
// ingress when the pool+cache pair it was built with is non-nil.
type sink struct {
	reqID uint64
	out   *mpsc.Queue[*frame.Outbound]
	pool  *objpool.Pool[frame.Outbound]
	cache *objpool.ThreadCache[frame.Outbound]
}

func (s sink) push(v frame.Outbound) {
	if s.pool == nil || s.cache == nil {
		o := v
		s.out.Push(&o)
		return
	}
	o, err := s.pool.Acquire(s.cache)
	if err != nil {
		// Exhausted: this outbound frame is dropped rather than handed a
		// heap-backed fallback, since a heap pointer released through
		// Release's node-offset arithmetic would corrupt the pool.
		slog.Warn("dispatch: outbound pool exhausted, dropping frame", "req_id", s.reqID, "error", err)
		return
	}
	*o = v
	s.out.Push(o)
}

func (s sink) Respond(resultJSON string) {
	s.push(frame.Response(s.reqID, resultJSON))
}

func (s sink) RespondError(code int, message string) {
	s.push(frame.Error(int64(s.reqID), code, message))
}

func (s sink) Log(level, message string) {
	s.push(frame.Log(level, message))
}

// Handler is bound to exactly one MethodID in the dispatch table. It
// returns an error to have the dispatcher convert it into a
// HandlerError outbound frame; it must not itself write error frames
// for its own failures (but may emit Log frames freely).
type Handler func(sink ResponseSink, payload frame.Payload) error

// Dispatcher holds the static method table, the outbound queue every
// sink writes to, and the pool sinks allocate outbound frames from.
type Dispatcher struct {
	table     map[frame.MethodID]Handler
	out       *mpsc.Queue[*frame.Outbound]
	pool      *objpool.Pool[frame.Outbound]
	benchmark bool
}

// New builds the dispatcher's fixed method table, binding each method to
// the pipeline controller. pool may be nil, in which case outbound
// frames are heap-allocated instead of pooled. benchmark toggles
// emission of a Log frame with per-call latency after every successful
// handler invocation.
func New(out *mpsc.Queue[*frame.Outbound], pool *objpool.Pool[frame.Outbound], ctrl PipelineController, benchmark bool) *Dispatcher {
	d := &Dispatcher{out: out, pool: pool, benchmark: benchmark}
	d.table = map[frame.MethodID]Handler{
		frame.PipelineStart:  handleStart(ctrl),
		frame.PipelineStop:   handleStop(ctrl),
		frame.PipelinePause:  handlePause(ctrl),
		frame.PipelineResume: handleResume(ctrl),
	}
	return d
}

// Dispatch looks up f's method in the table and runs its handler on the
// calling goroutine (a worker), using cache to allocate outbound frames.
// cache should be the *objpool.ThreadCache[frame.Outbound] the calling
// worker registered at startup; it may be nil, which disables pooling
// for this call. A missing table entry (structurally unreachable once
// Parse has rejected method_id >= Unknown, but checked defensively per
// the dispatch rules) enqueues MethodNotFound. A handler error or
// recovered panic enqueues HandlerError, preserving the request id
// either way.
func (d *Dispatcher) Dispatch(f *frame.Frame, cache *objpool.ThreadCache[frame.Outbound]) {
	s := sink{reqID: f.ReqID, out: d.out, pool: d.pool, cache: cache}

	handler, ok := d.table[f.Payload.Method]
	if !ok {
		s.RespondError(frame.CodeMethodNotFound, "Method not found")
		return
	}

	start := time.Now()
	err := runHandler(handler, s, f.Payload)
	if err != nil {
		s.RespondError(frame.CodeApplicationErr, err.Error())
		return
	}
	if d.benchmark {
		s.Log("benchmark", fmt.Sprintf("%s took %dus", f.Payload.Method, time.Since(start).Microseconds()))
	}
}

// runHandler converts a handler panic into an error, mirroring "worker
// exceptions do not escape the worker loop" for Go's panic/recover
// rather than C++ exceptions.
func runHandler(h Handler, s ResponseSink, p frame.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(s, p)
}

type startResult struct {
	PipelineID uint32 `json:"pipeline_id"`
	Status     string `json:"status"`
}

type idResult struct {
	PipelineID uint32 `json:"pipeline_id"`
	Status     string `json:"status"`
}

func handleStart(ctrl PipelineController) Handler {
	return func(sink ResponseSink, p frame.Payload) error {
		id, err := ctrl.Start(p.PipelineConfig)
		if err != nil {
			return err
		}
		b, err := json.Marshal(startResult{PipelineID: id, Status: "started"})
		if err != nil {
			return err
		}
		sink.Respond(string(b))
		return nil
	}
}

func handleStop(ctrl PipelineController) Handler {
	return func(sink ResponseSink, p frame.Payload) error {
		if err := ctrl.Stop(p.PipelineID); err != nil {
			return err
		}
		b, err := json.Marshal(idResult{PipelineID: p.PipelineID, Status: "stopped"})
		if err != nil {
			return err
		}
		sink.Respond(string(b))
		return nil
	}
}

func handlePause(ctrl PipelineController) Handler {
	return func(sink ResponseSink, p frame.Payload) error {
		if err := ctrl.Pause(p.PipelineID); err != nil {
			return err
		}
		b, err := json.Marshal(idResult{PipelineID: p.PipelineID, Status: "paused"})
		if err != nil {
			return err
		}
		sink.Respond(string(b))
		return nil
	}
}

func handleResume(ctrl PipelineController) Handler {
	return func(sink ResponseSink, p frame.Payload) error {
		if err := ctrl.Resume(p.PipelineID); err != nil {
			return err
		}
		b, err := json.Marshal(idResult{PipelineID: p.PipelineID, Status: "resumed"})
		if err != nil {
			return err
		}
		sink.Respond(string(b))
		return nil
	}
}
