package dispatch

import (
	"errors"
	"testing"

	"github.com/KrishnaPG/zmq-task-dispatcher/internal/frame"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/mpsc"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/objpool"
)

type fakeController struct {
	startID   uint32
	startErr  error
	stopErr   error
	pauseErr  error
	resumeErr error

	lastConfig string
	lastID     uint32
}

func (f *fakeController) Start(config string) (uint32, error) {
	f.lastConfig = config
	return f.startID, f.startErr
}

func (f *fakeController) Stop(id uint32) error {
	f.lastID = id
	return f.stopErr
}

func (f *fakeController) Pause(id uint32) error {
	f.lastID = id
	return f.pauseErr
}

func (f *fakeController) Resume(id uint32) error {
	f.lastID = id
	return f.resumeErr
}

func drain(t *testing.T, q *mpsc.Queue[*frame.Outbound]) frame.Outbound {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if v, ok := q.Pop(); ok {
			return *v
		}
	}
	t.Fatal("queue stayed empty")
	return frame.Outbound{}
}

func TestDispatchStartSuccessEmitsResult(t *testing.T) {
	ctrl := &fakeController{startID: 7}
	out := mpsc.New[*frame.Outbound]()
	pool := objpool.New(objpool.Config[frame.Outbound]{Prealloc: 2, MaxThreadCache: 2, MaxTotal: 8, DynamicExpansion: true})
	cache := pool.RegisterThread()
	defer cache.Unregister()
	d := New(out, pool, ctrl, false)

	f := &frame.Frame{ReqID: 1, Payload: frame.Payload{Method: frame.PipelineStart, PipelineConfig: "videotestsrc ! fakesink"}}
	d.Dispatch(f, cache)

	got := drain(t, out)
	want := `{"jsonrpc":"2.0","id":1,"result":{"pipeline_id":7,"status":"started"}}`
	if got.JSON != want {
		t.Fatalf("got %s, want %s", got.JSON, want)
	}
	if ctrl.lastConfig != "videotestsrc ! fakesink" {
		t.Fatalf("controller saw config %q", ctrl.lastConfig)
	}
}

func TestDispatchStopRoutesPipelineID(t *testing.T) {
	ctrl := &fakeController{}
	out := mpsc.New[*frame.Outbound]()
	pool := objpool.New(objpool.Config[frame.Outbound]{Prealloc: 2, MaxThreadCache: 2, MaxTotal: 8, DynamicExpansion: true})
	cache := pool.RegisterThread()
	defer cache.Unregister()
	d := New(out, pool, ctrl, false)

	f := &frame.Frame{ReqID: 2, Payload: frame.Payload{Method: frame.PipelineStop, PipelineID: 9}}
	d.Dispatch(f, cache)

	if ctrl.lastID != 9 {
		t.Fatalf("controller saw id %d, want 9", ctrl.lastID)
	}
	got := drain(t, out)
	want := `{"jsonrpc":"2.0","id":2,"result":{"pipeline_id":9,"status":"stopped"}}`
	if got.JSON != want {
		t.Fatalf("got %s, want %s", got.JSON, want)
	}
}

func TestDispatchHandlerErrorBecomesApplicationError(t *testing.T) {
	ctrl := &fakeController{pauseErr: errors.New("not found")}
	out := mpsc.New[*frame.Outbound]()
	d := New(out, nil, ctrl, false)

	f := &frame.Frame{ReqID: 3, Payload: frame.Payload{Method: frame.PipelinePause, PipelineID: 1}}
	d.Dispatch(f, nil)

	got := drain(t, out)
	want := `{"jsonrpc":"2.0","id":3,"error":{"code":-32000,"message":"not found"}}`
	if got.JSON != want {
		t.Fatalf("got %s, want %s", got.JSON, want)
	}
}

func TestDispatchMissingTableEntryReturnsMethodNotFound(t *testing.T) {
	out := mpsc.New[*frame.Outbound]()
	d := New(out, nil, &fakeController{}, false)

	f := &frame.Frame{ReqID: 4, Payload: frame.Payload{Method: frame.Unknown}}
	d.Dispatch(f, nil)

	got := drain(t, out)
	want := `{"jsonrpc":"2.0","id":4,"error":{"code":-32601,"message":"Method not found"}}`
	if got.JSON != want {
		t.Fatalf("got %s, want %s", got.JSON, want)
	}
}

func TestDispatchHandlerPanicIsRecovered(t *testing.T) {
	out := mpsc.New[*frame.Outbound]()
	d := New(out, nil, &fakeController{}, false)
	d.table[frame.PipelineResume] = func(ResponseSink, frame.Payload) error {
		panic("boom")
	}

	f := &frame.Frame{ReqID: 5, Payload: frame.Payload{Method: frame.PipelineResume, PipelineID: 1}}
	d.Dispatch(f, nil)

	got := drain(t, out)
	want := `{"jsonrpc":"2.0","id":5,"error":{"code":-32000,"message":"panic: boom"}}`
	if got.JSON != want {
		t.Fatalf("got %s, want %s", got.JSON, want)
	}
}

func TestDispatchBenchmarkModeEmitsLogAfterSuccess(t *testing.T) {
	ctrl := &fakeController{startID: 1}
	out := mpsc.New[*frame.Outbound]()
	d := New(out, nil, ctrl, true)

	f := &frame.Frame{ReqID: 6, Payload: frame.Payload{Method: frame.PipelineStart, PipelineConfig: "videotestsrc ! fakesink"}}
	d.Dispatch(f, nil)

	result := drain(t, out)
	if result.JSON == "" {
		t.Fatal("expected a result frame first")
	}
	logFrame := drain(t, out)
	if !contains(logFrame.JSON, `"method":"log"`) || !contains(logFrame.JSON, `"level":"benchmark"`) {
		t.Fatalf("got %s, want a benchmark log frame", logFrame.JSON)
	}
}

func TestDispatchAllocatesFromPoolAndFrameIsReleasable(t *testing.T) {
	ctrl := &fakeController{startID: 1}
	out := mpsc.New[*frame.Outbound]()
	pool := objpool.New(objpool.Config[frame.Outbound]{
		Prealloc:       1,
		MaxThreadCache: 1,
		MaxTotal:       1,
		Reset:          func(o *frame.Outbound) { o.JSON = "" },
	})
	cache := pool.RegisterThread()
	defer cache.Unregister()
	d := New(out, pool, ctrl, false)

	f := &frame.Frame{ReqID: 1, Payload: frame.Payload{Method: frame.PipelineStart, PipelineConfig: "x"}}
	d.Dispatch(f, cache)
	got, ok := out.Pop()
	if !ok {
		t.Fatal("expected a frame")
	}

	// The sole preallocated record is in use; with MaxTotal=1 and no
	// dynamic expansion, acquiring a second one must fail until this one
	// is released.
	if _, err := pool.Acquire(cache); err != objpool.ErrExhausted {
		t.Fatalf("got %v, want ErrExhausted while the frame is still held", err)
	}

	if err := pool.Release(cache, got); err != nil {
		t.Fatal(err)
	}
	if got.JSON != "" {
		t.Fatalf("Reset hook did not run: JSON still %q", got.JSON)
	}
	if _, err := pool.Acquire(cache); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
