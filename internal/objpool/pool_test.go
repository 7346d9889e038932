package objpool

import (
	"sync"
	"testing"
)

type record struct {
	value int
	reset bool
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New(Config[record]{
		Prealloc:       4,
		MaxThreadCache: 2,
		MaxTotal:       4,
	})
	cache := p.RegisterThread()
	defer cache.Unregister()

	const rounds = 100
	for k := 0; k < rounds; k++ {
		got := make([]*record, 0, 4)
		for i := 0; i < 4; i++ {
			r, err := p.Acquire(cache)
			if err != nil {
				t.Fatalf("round %d acquire %d: %v", k, i, err)
			}
			got = append(got, r)
		}
		if _, err := p.Acquire(cache); err != ErrExhausted {
			t.Fatalf("round %d: expected ErrExhausted, got %v", k, err)
		}
		for _, r := range got {
			if err := p.Release(cache, r); err != nil {
				t.Fatalf("round %d release: %v", k, err)
			}
		}
		if got := p.Total(); got != 4 {
			t.Fatalf("round %d: total = %d, want 4", k, got)
		}
	}
}

func TestResetHookRunsOnRelease(t *testing.T) {
	p := New(Config[record]{
		Prealloc:       1,
		MaxThreadCache: 1,
		MaxTotal:       1,
		Reset: func(r *record) {
			r.value = 0
			r.reset = true
		},
	})
	cache := p.RegisterThread()
	defer cache.Unregister()

	r, err := p.Acquire(cache)
	if err != nil {
		t.Fatal(err)
	}
	r.value = 42
	if err := p.Release(cache, r); err != nil {
		t.Fatal(err)
	}

	r2, err := p.Acquire(cache)
	if err != nil {
		t.Fatal(err)
	}
	if !r2.reset || r2.value != 0 {
		t.Fatalf("expected reset record, got %+v", r2)
	}
}

func TestExhaustedWithoutExpansion(t *testing.T) {
	p := New(Config[record]{Prealloc: 2, MaxThreadCache: 2, MaxTotal: 2})
	cache := p.RegisterThread()
	defer cache.Unregister()

	if _, err := p.Acquire(cache); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(cache); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(cache); err != ErrExhausted {
		t.Fatalf("want ErrExhausted, got %v", err)
	}
}

func TestDynamicExpansionRespectsCap(t *testing.T) {
	p := New(Config[record]{
		Prealloc:         0,
		MaxThreadCache:   1,
		MaxTotal:         2,
		DynamicExpansion: true,
	})
	cache := p.RegisterThread()
	defer cache.Unregister()

	var held []*record
	for i := 0; i < 2; i++ {
		r, err := p.Acquire(cache)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		held = append(held, r)
	}
	if _, err := p.Acquire(cache); err != ErrExhausted {
		t.Fatalf("want ErrExhausted beyond cap, got %v", err)
	}
	_ = held
}

func TestNotRegisteredAcquire(t *testing.T) {
	p := New(Config[record]{Prealloc: 1, MaxThreadCache: 1, MaxTotal: 1})
	if _, err := p.Acquire(nil); err != ErrNotRegistered {
		t.Fatalf("want ErrNotRegistered, got %v", err)
	}
}

func TestConcurrentAcquireReleaseNoLeak(t *testing.T) {
	const (
		goroutines = 8
		perGo      = 2000
	)
	p := New(Config[record]{
		Prealloc:         4,
		MaxThreadCache:   4,
		MaxTotal:         64,
		DynamicExpansion: true,
	})

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache := p.RegisterThread()
			defer cache.Unregister()
			for i := 0; i < perGo; i++ {
				r, err := p.Acquire(cache)
				if err != nil {
					continue
				}
				r.value = i
				_ = p.Release(cache, r)
			}
		}()
	}
	wg.Wait()
	p.Shutdown()

	if total := p.Total(); total > 64 {
		t.Fatalf("total %d exceeds cap 64", total)
	}
}

func TestShutdownWaitsForAllThreadsUnregistered(t *testing.T) {
	p := New(Config[record]{Prealloc: 1, MaxThreadCache: 1, MaxTotal: 1})
	cache := p.RegisterThread()

	shutdownDone := make(chan struct{})
	go func() {
		p.Shutdown()
		close(shutdownDone)
	}()

	unregistered := make(chan struct{})
	go func() {
		cache.Unregister()
		close(unregistered)
	}()

	<-unregistered
	<-shutdownDone
}
