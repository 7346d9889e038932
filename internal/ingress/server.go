// Package ingress implements the single-threaded poll loop that owns
// the command (SUB) and response (PUB) sockets, demultiplexes them
// against the shutdown wake primitive, and is the sole writer on the
// publish socket per the concurrency model's shared-resource discipline.
package ingress

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/KrishnaPG/zmq-task-dispatcher/internal/dispatch"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/frame"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/mpsc"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/objpool"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/pipeline"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/shutdown"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/workerpool"
)

// Config parameterizes the ingress loop's transport bindings.
type Config struct {
	// SubEndpoint is the command ingress endpoint this server connects
	// to as a subscriber (no topic filter).
	SubEndpoint string
	// PubEndpoint is the response egress endpoint this server binds as
	// a publisher.
	PubEndpoint string
	// PollTimeout bounds each poll cycle. Zero blocks indefinitely,
	// relying on the wake primitive alone to unblock the poller; a
	// nonzero value additionally re-checks on a timer, for platforms
	// whose signal delivery cannot interrupt poll.
	PollTimeout time.Duration
}

// pipelineLogInterval is how often the ingress loop emits a structured
// log line per tracked pipeline, the repurposed List capability from
// the registry supplement.
const pipelineLogInterval = 30 * time.Second

// Server runs the ingress loop described by the spec's Ingress Loop
// component: bind sockets, poll, decode, ack, submit to the worker
// pool, drain the outbound queue to the publish socket, repeat.
type Server struct {
	cfg       Config
	ctrl      *shutdown.Controller
	workers   *workerpool.Pool
	dispatch  *dispatch.Dispatcher
	out       *mpsc.Queue[*frame.Outbound]
	pool      *objpool.Pool[frame.Outbound]
	taskPool  *objpool.Pool[frame.Frame]
	pipelines *pipeline.Controller

	wakeEndpoint string
}

// New wires a Server. pool and taskPool may each be nil to disable
// pooled allocation of, respectively, outbound frames and inbound task
// descriptors.
func New(cfg Config, ctrl *shutdown.Controller, workers *workerpool.Pool, d *dispatch.Dispatcher, out *mpsc.Queue[*frame.Outbound], pool *objpool.Pool[frame.Outbound], taskPool *objpool.Pool[frame.Frame], pipelines *pipeline.Controller) *Server {
	s := &Server{cfg: cfg, ctrl: ctrl, workers: workers, dispatch: d, out: out, pool: pool, taskPool: taskPool, pipelines: pipelines}
	s.wakeEndpoint = fmt.Sprintf("inproc://ingress-wake-%p", s)
	return s
}

// WorkerContext is what Config.OnWorkerStart in workerpool.Config
// should return per worker when the server is wired with pooled
// allocation: the cache each of that worker's tasks uses to release its
// frame.Frame task descriptor and to allocate frame.Outbound responses.
type WorkerContext struct {
	Frames    *objpool.ThreadCache[frame.Frame]
	Outbounds *objpool.ThreadCache[frame.Outbound]
}

// Run binds the command and response sockets and blocks running the
// main loop until the shutdown controller wakes it. On return it has
// stopped the worker pool, drained the outbound queue one final time,
// closed its sockets, and stopped every pipeline still tracked by the
// registry.
func (s *Server) Run() error {
	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return fmt.Errorf("ingress: sub socket: %w", err)
	}
	defer sub.Close()
	if err := sub.SetSubscribe(""); err != nil {
		return fmt.Errorf("ingress: subscribe: %w", err)
	}
	if err := sub.Connect(s.cfg.SubEndpoint); err != nil {
		return fmt.Errorf("ingress: connect sub %s: %w", s.cfg.SubEndpoint, err)
	}

	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return fmt.Errorf("ingress: pub socket: %w", err)
	}
	defer pub.Close()
	if err := pub.Bind(s.cfg.PubEndpoint); err != nil {
		return fmt.Errorf("ingress: bind pub %s: %w", s.cfg.PubEndpoint, err)
	}

	wakeIn, wakeOut, err := s.newWakePair()
	if err != nil {
		return fmt.Errorf("ingress: wake pair: %w", err)
	}
	defer wakeIn.Close()
	defer wakeOut.Close()
	go relayWake(s.ctrl, wakeOut)
	go s.logPipelinesPeriodically()

	poller := zmq.NewPoller()
	poller.Add(sub, zmq.POLLIN)
	poller.Add(wakeIn, zmq.POLLIN)

	timeout := s.cfg.PollTimeout
	if timeout <= 0 {
		timeout = -1
	}

	var ingressCache *objpool.ThreadCache[frame.Outbound]
	if s.pool != nil {
		ingressCache = s.pool.RegisterThread()
		defer ingressCache.Unregister()
	}
	var taskCache *objpool.ThreadCache[frame.Frame]
	if s.taskPool != nil {
		taskCache = s.taskPool.RegisterThread()
		defer taskCache.Unregister()
	}

	slog.Info("ingress: loop started", "sub", s.cfg.SubEndpoint, "pub", s.cfg.PubEndpoint)

loop:
	for {
		polled, err := poller.Poll(timeout)
		if err != nil {
			if strings.Contains(err.Error(), "closed") {
				break loop
			}
			slog.Warn("ingress: poll error", "error", err)
			continue
		}

		woke := false
		hasCommand := false
		for _, p := range polled {
			switch p.Socket {
			case wakeIn:
				woke = true
			case sub:
				hasCommand = true
			}
		}
		if woke {
			wakeIn.RecvBytes(0)
			break loop
		}
		if hasCommand {
			s.drainCommands(sub, pub, taskCache)
		}
		s.drainOutbound(pub, ingressCache)
	}

	slog.Info("ingress: shutting down")
	s.workers.Stop()
	s.drainOutbound(pub, ingressCache)
	s.pipelines.StopAll()
	return nil
}

// drainCommands non-blockingly reads every frame currently pending on
// sub, parsing, acking, and submitting each to the worker pool in turn.
// The task descriptor itself is allocated from taskCache when a task
// pool is configured, otherwise Parse heap-allocates it as usual.
func (s *Server) drainCommands(sub, pub *zmq.Socket, taskCache *objpool.ThreadCache[frame.Frame]) {
	for {
		buf, err := sub.RecvBytes(zmq.DONTWAIT)
		if err != nil {
			return
		}

		f, err := s.acquireFrame(taskCache)
		if err != nil {
			s.publish(pub, frame.Error(int64(-1), frame.CodeApplicationErr, "task pool exhausted"))
			continue
		}
		if err := frame.ParseInto(buf, f); err != nil {
			s.releaseFrame(taskCache, f)
			s.publish(pub, parseErrorFrame(buf, err))
			continue
		}

		s.publish(pub, frame.Ack(f.ReqID))

		if err := s.workers.Submit(workerpool.Task{
			Arg:    f,
			Handle: s.runDispatch,
		}); err != nil {
			s.releaseFrame(taskCache, f)
			s.publish(pub, frame.Error(int64(f.ReqID), frame.CodeApplicationErr, "worker pool busy"))
		}
	}
}

func (s *Server) acquireFrame(cache *objpool.ThreadCache[frame.Frame]) (*frame.Frame, error) {
	if s.taskPool == nil || cache == nil {
		return &frame.Frame{}, nil
	}
	return s.taskPool.Acquire(cache)
}

func (s *Server) releaseFrame(cache *objpool.ThreadCache[frame.Frame], f *frame.Frame) {
	if s.taskPool == nil || cache == nil {
		return
	}
	s.taskPool.Release(cache, f)
}

// runDispatch runs on a worker goroutine with ctx set to the
// *WorkerContext that worker's OnWorkerStart hook returned (nil if the
// server was wired without pooling). It dispatches the task, then
// releases the frame descriptor back to the task pool. This is the task's
// destruction point per the spec's data model, since nothing needs the
// frame buffer once the handler has produced its outbound frames.
func (s *Server) runDispatch(arg any, ctx any) {
	f := arg.(*frame.Frame)
	var wc *WorkerContext
	if ctx != nil {
		wc = ctx.(*WorkerContext)
	}

	var outCache *objpool.ThreadCache[frame.Outbound]
	var taskCache *objpool.ThreadCache[frame.Frame]
	if wc != nil {
		outCache = wc.Outbounds
		taskCache = wc.Frames
	}

	s.dispatch.Dispatch(f, outCache)
	s.releaseFrame(taskCache, f)
}

// drainOutbound publishes every frame currently queued, releasing each
// back to the pool once the publish call returns (successful or not;
// a dropped frame's storage is still reclaimed).
func (s *Server) drainOutbound(pub *zmq.Socket, cache *objpool.ThreadCache[frame.Outbound]) {
	for {
		o, ok := s.out.Pop()
		if !ok {
			return
		}
		s.publish(pub, *o)
		if s.pool != nil && cache != nil {
			s.pool.Release(cache, o)
		}
	}
}

// publish is a non-blocking send; back-pressure (a full high-water
// mark) drops the frame and logs, matching the spec's back-pressure
// policy for the publish socket.
func (s *Server) publish(pub *zmq.Socket, o frame.Outbound) {
	if _, err := pub.Send(o.JSON, zmq.DONTWAIT); err != nil {
		slog.Warn("ingress: publish dropped frame", "error", err)
	}
}

// logPipelinesPeriodically runs until the shutdown controller wakes,
// emitting one structured log line per tracked pipeline every
// pipelineLogInterval.
func (s *Server) logPipelinesPeriodically() {
	ticker := time.NewTicker(pipelineLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.logPipelines()
		case <-s.ctrl.Wake():
			return
		}
	}
}

func (s *Server) logPipelines() {
	for _, st := range s.pipelines.List() {
		slog.Info("pipeline: status", "pipeline_id", st.ID, "trace_id", st.TraceID, "state", st.State, "started_at", st.StartedAt)
	}
}

// parseErrorFrame classifies a Parse failure into the JSON-RPC error
// shape from spec §7. reqID is recovered independently of Parse's
// error path so MethodNotFound (whose req_id is known and valid) can
// still carry it even though Parse returns no Frame on any error.
func parseErrorFrame(buf []byte, err error) frame.Outbound {
	switch err {
	case frame.ErrInvalidRequest:
		return frame.Error(0, frame.CodeInvalidRequest, err.Error())
	case frame.ErrUnknownMethod:
		return frame.Error(reqIDOf(buf), frame.CodeMethodNotFound, err.Error())
	default:
		return frame.Error(-1, frame.CodeParseError, err.Error())
	}
}

func reqIDOf(buf []byte) int64 {
	if len(buf) < 8 {
		return -1
	}
	return int64(binary.LittleEndian.Uint64(buf[0:8]))
}

func (s *Server) newWakePair() (*zmq.Socket, *zmq.Socket, error) {
	in, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		return nil, nil, err
	}
	if err := in.Bind(s.wakeEndpoint); err != nil {
		in.Close()
		return nil, nil, err
	}
	out, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		in.Close()
		return nil, nil, err
	}
	if err := out.Connect(s.wakeEndpoint); err != nil {
		in.Close()
		out.Close()
		return nil, nil, err
	}
	return in, out, nil
}

// relayWake bridges the shutdown controller's channel-based wake
// primitive onto the poll set: it blocks on Wake or Force and, once
// either fires, sends a single byte over the loopback PAIR socket so
// the ingress poller observes readable input and can break its loop.
func relayWake(ctrl *shutdown.Controller, out *zmq.Socket) {
	select {
	case <-ctrl.Wake():
	case <-ctrl.Force():
	}
	if _, err := out.SendBytes([]byte{1}, 0); err != nil {
		slog.Warn("ingress: wake relay send failed", "error", err)
	}
}
