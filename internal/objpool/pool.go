// Package objpool implements a bounded, thread-cached free-list allocator
// for fixed-type records. It is the allocation substrate for task
// descriptors and outbound frame buffers on the hot path: acquiring and
// releasing a record never touches the Go heap once the pool's
// preallocated reserve is warm.
package objpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

var (
	// ErrExhausted is returned by Acquire when no cached, global, or
	// overflow record is available.
	ErrExhausted = errors.New("objpool: exhausted")
	// ErrNotRegistered is returned when Acquire/Release is called with a
	// nil or already-unregistered thread cache.
	ErrNotRegistered = errors.New("objpool: caller not registered")
	// ErrShuttingDown is returned by Acquire once the pool has begun
	// shutting down.
	ErrShuttingDown = errors.New("objpool: shutting down")
)

const (
	stateFree     int32 = 0
	stateInUse    int32 = 1
	stateDestroyed int32 = 2
)

// node is a pool record: a next-pointer word followed by the payload and
// a liveness tag. The next-pointer participates in a linked list only
// while the node is free; it is irrelevant once in use. Release
// recovers a *node[T] from a *T via pointer arithmetic on the offset of
// value, which nodeOf computes from the struct layout.
type node[T any] struct {
	next  atomic.Pointer[node[T]]
	value T
	state int32
}

func nodeOf[T any](v *T) *node[T] {
	var n node[T]
	offset := uintptr(unsafe.Pointer(&n.value)) - uintptr(unsafe.Pointer(&n))
	return (*node[T])(unsafe.Add(unsafe.Pointer(v), -offset))
}

// Config parameterizes a Pool.
type Config[T any] struct {
	// Prealloc is the number of records allocated up front and linked
	// into the global free list at construction.
	Prealloc int
	// MaxThreadCache bounds the size of each registered thread's cache.
	MaxThreadCache int
	// MaxTotal caps the number of live+free records the pool will ever
	// hold, preallocated and overflow combined.
	MaxTotal int
	// DynamicExpansion permits allocating overflow records once the
	// preallocated reserve and global free list are both empty.
	DynamicExpansion bool
	// New constructs a fresh T for each preallocated record and each
	// newly expanded record. May be nil,
	// in which case the zero value of T is used.
	New func() T
	// Reset is invoked on a record's value before it returns to a free
	// list. May be nil.
	Reset func(*T)
}

// Pool is a bounded, thread-cached free-list allocator for T.
type Pool[T any] struct {
	maxThreadCache int
	maxTotal       int64
	expand         bool
	newFn          func() T
	resetFn        func(*T)

	total    atomic.Int64
	freeHead atomic.Pointer[node[T]]
	prealloc []node[T]

	shuttingDown  atomic.Bool
	activeThreads atomic.Int64
	mu            sync.Mutex
	cond          *sync.Cond

	scavengerStop chan struct{}
	scavengerDone chan struct{}
}

// New builds a Pool per cfg, preallocating and linking Cfg.Prealloc
// records into the global free list.
func New[T any](cfg Config[T]) *Pool[T] {
	p := &Pool[T]{
		maxThreadCache: cfg.MaxThreadCache,
		maxTotal:       int64(cfg.MaxTotal),
		expand:         cfg.DynamicExpansion,
		newFn:          cfg.New,
		resetFn:        cfg.Reset,
	}
	p.cond = sync.NewCond(&p.mu)

	if cfg.Prealloc > 0 {
		p.prealloc = make([]node[T], cfg.Prealloc)
		for i := range p.prealloc {
			if p.newFn != nil {
				p.prealloc[i].value = p.newFn()
			}
			p.prealloc[i].state = stateFree
			p.pushGlobal(&p.prealloc[i])
		}
	}
	p.total.Store(int64(cfg.Prealloc))

	return p
}

// ThreadCache is a registration guard: the scoped, per-goroutine resource
// described in the pool's design notes. Every goroutine that will call
// Acquire or Release must hold one, obtained from RegisterThread and
// released via Unregister (typically deferred) before the goroutine
// exits. It owns a non-atomic singly linked stack of free records,
// touched only by its owner.
type ThreadCache[T any] struct {
	pool   *Pool[T]
	head   *node[T]
	size   int
	closed bool
}

// RegisterThread registers the calling goroutine against the pool and
// returns its cache guard. Must be called before the goroutine's first
// Acquire/Release, and its Unregister must be called before the
// goroutine exits.
func (p *Pool[T]) RegisterThread() *ThreadCache[T] {
	p.activeThreads.Add(1)
	return &ThreadCache[T]{pool: p}
}

// Unregister drains the cache into the pool's global free list and
// deregisters the calling goroutine. Idempotent.
func (c *ThreadCache[T]) Unregister() {
	if c.closed {
		return
	}
	c.closed = true
	for c.head != nil {
		n := c.head
		c.head = n.next.Load()
		n.next.Store(nil)
		c.pool.pushGlobal(n)
	}
	c.size = 0
	if c.pool.activeThreads.Add(-1) == 0 {
		c.pool.mu.Lock()
		c.pool.cond.Broadcast()
		c.pool.mu.Unlock()
	}
}

func (c *ThreadCache[T]) pop() *node[T] {
	if c.head == nil {
		return nil
	}
	n := c.head
	c.head = n.next.Load()
	n.next.Store(nil)
	c.size--
	return n
}

func (c *ThreadCache[T]) push(n *node[T]) {
	n.next.Store(c.head)
	c.head = n
	c.size++
}

func (p *Pool[T]) pushGlobal(n *node[T]) {
	for {
		head := p.freeHead.Load()
		n.next.Store(head)
		if p.freeHead.CompareAndSwap(head, n) {
			return
		}
	}
}

func (p *Pool[T]) popGlobal() *node[T] {
	for {
		head := p.freeHead.Load()
		if head == nil {
			return nil
		}
		next := head.next.Load()
		if p.freeHead.CompareAndSwap(head, next) {
			head.next.Store(nil)
			return head
		}
	}
}

// Acquire returns a pointer to a constructed T, preferring the caller's
// thread cache, then the global free list, then a freshly expanded
// record if expansion is enabled and the pool is under its cap.
func (p *Pool[T]) Acquire(c *ThreadCache[T]) (*T, error) {
	if c == nil || c.closed {
		return nil, ErrNotRegistered
	}
	if p.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}

	if n := c.pop(); n != nil {
		n.state = stateInUse
		return &n.value, nil
	}
	if n := p.popGlobal(); n != nil {
		n.state = stateInUse
		return &n.value, nil
	}
	if !p.expand {
		return nil, ErrExhausted
	}
	for {
		total := p.total.Load()
		if total >= p.maxTotal {
			return nil, ErrExhausted
		}
		if p.total.CompareAndSwap(total, total+1) {
			n := &node[T]{state: stateInUse}
			if p.newFn != nil {
				n.value = p.newFn()
			}
			return &n.value, nil
		}
	}
}

// Release runs the reset hook (if any) and returns the record to the
// caller's thread cache, overflowing to the global free list once that
// cache is full. The releasing goroutine need not be the one that
// acquired the record, but it must be registered.
func (p *Pool[T]) Release(c *ThreadCache[T], v *T) error {
	if c == nil || c.closed {
		return ErrNotRegistered
	}
	n := nodeOf(v)
	if p.resetFn != nil {
		p.resetFn(v)
	}
	n.state = stateFree
	if c.size < p.maxThreadCache {
		c.push(n)
	} else {
		p.pushGlobal(n)
	}
	return nil
}

// StartScavenger launches a background goroutine that registers itself
// with the pool and, every interval, drains its own (otherwise unused)
// thread cache into the global free list. It exists to mirror the
// source design's periodic sweep; because per-thread caches can only be
// drained by their owner or at thread exit, a scavenger that never
// acquires or releases has nothing of its own to sweep; it only keeps
// globally-visible state (the free list) reachable for inspection.
// Callers that want caches actively reclaimed should prefer registering
// short-lived workers instead of relying on this.
func (p *Pool[T]) StartScavenger(interval time.Duration) {
	p.scavengerStop = make(chan struct{})
	p.scavengerDone = make(chan struct{})
	go func() {
		defer close(p.scavengerDone)
		cache := p.RegisterThread()
		defer cache.Unregister()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.scavengerStop:
				return
			case <-ticker.C:
				for cache.head != nil {
					n := cache.pop()
					p.pushGlobal(n)
				}
			}
		}
	}()
}

// Shutdown sets the shutting-down flag, stops the scavenger if running
// (releasing its registration), blocks until every registered thread
// has unregistered, and drops
// references held by the global free list and the preallocated block so
// the garbage collector can reclaim them. Go has no manual destructors,
// so "destroy any not-yet-destroyed T" is realized as resetting the
// record's value to its zero value before the last reference is
// dropped, rather than an explicit deallocation call.
func (p *Pool[T]) Shutdown() {
	p.shuttingDown.Store(true)

	if p.scavengerStop != nil {
		close(p.scavengerStop)
		<-p.scavengerDone
	}

	p.mu.Lock()
	for p.activeThreads.Load() != 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()

	for {
		n := p.popGlobal()
		if n == nil {
			break
		}
		if n.state != stateDestroyed {
			var zero T
			n.value = zero
			n.state = stateDestroyed
		}
	}
	p.prealloc = nil
}

// Total reports the current live+free record count (preallocated plus
// overflow), for tests and observability.
func (p *Pool[T]) Total() int64 {
	return p.total.Load()
}
