package rpmalloc

import (
	"sync/atomic"
	"unsafe"
)

// pageFlags packs the five single-bit page flags spec.md §3 lists
// (is_full, is_free, is_zero, is_decommitted, has_aligned_block) into one
// byte, the same way the original C bitfield does.
type pageFlags uint8

const (
	flagFull pageFlags = 1 << iota
	flagFree
	flagZero
	flagDecommitted
	flagAlignedBlock
)

func (f *pageFlags) set(bit pageFlags)   { *f |= bit }
func (f *pageFlags) clear(bit pageFlags) { *f &^= bit }
func (f pageFlags) has(bit pageFlags) bool { return f&bit != 0 }

// page is the header laid out at the start of a memory page (spec.md §3
// "Page"). It is never allocated on the Go heap: instances are produced by
// reinterpreting bytes inside an mmap'd span via unsafe.Pointer, exactly
// as original_source/rpmalloc/rpmalloc.c's page_t is the first bytes of
// a page it describes. Fields are ordered largest-first so the struct's
// actual size lines up with pageHeaderSize (see init() below).
type page struct {
	localFree  uintptr        // address of the local free-list head, 0 if empty
	crossFree  atomic.Uint64  // cross-thread free-list token, spec.md §4.4.1
	ownerHeap  uintptr        // uintptr(unsafe.Pointer(*Heap)) — see ownerHeapPtr
	next, prev *page          // heap-held list links; always point into off-heap span memory

	sizeClassIdx     uint32
	blockSize        uint32
	blockCount       uint32
	blockInitialized uint32
	blockUsed        uint32
	localFreeCount   uint32

	pageTier tier
	flags    pageFlags
}

func init() {
	if unsafe.Sizeof(page{}) > pageHeaderSize {
		panic("rpmalloc: page header exceeds pageHeaderSize")
	}
	if unsafe.Sizeof(span{}) > spanHeaderSize {
		panic("rpmalloc: span header exceeds spanHeaderSize")
	}
}

// pageAt reinterprets addr, which must be the start of a page-sized
// region inside a span, as a page header.
func pageAt(addr unsafe.Pointer) *page {
	return (*page)(addr)
}

func (p *page) addr() unsafe.Pointer {
	return unsafe.Pointer(p)
}

// ownerHeapPtr recovers the *Heap that owns this page. This is always
// safe to call: every Heap this package ever hands out is registered with
// its Allocator for the heap's entire lifetime (spec.md §3 "Lifecycle":
// heaps are recycled, never destroyed, until process teardown), so the
// object a page's ownerHeap field points at is guaranteed reachable
// through that registry even though the GC cannot trace the raw pointer
// sitting in this off-heap struct. This mirrors the teacher's own
// guintptr/puintptr pattern (memory_and_heap/runtime2.go) for bypassing
// write barriers on pointers the GC does not need to — and in this case
// cannot — scan.
func (p *page) ownerHeapPtr() *Heap {
	return (*Heap)(unsafe.Pointer(p.ownerHeap))
}

func (p *page) setOwnerHeap(h *Heap) {
	p.ownerHeap = uintptr(unsafe.Pointer(h))
}

// blockStart is the address of block 0, immediately after the header.
func (p *page) blockStart() unsafe.Pointer {
	return unsafe.Add(p.addr(), pageHeaderSize)
}

func (p *page) blockAt(index uint32) unsafe.Pointer {
	return unsafe.Add(p.blockStart(), uintptr(index)*uintptr(p.blockSize))
}

func (p *page) blockIndex(block unsafe.Pointer) uint32 {
	diff := uintptr(block) - uintptr(p.blockStart())
	return uint32(diff / uintptr(p.blockSize))
}

// realign recovers a block's origin address from a possibly-interior
// pointer handed out by an aligned allocation (spec.md §4.4 "Aligned
// blocks").
func (p *page) realign(block unsafe.Pointer) unsafe.Pointer {
	offset := uintptr(block) - uintptr(p.blockStart())
	return unsafe.Add(block, -int(offset%uintptr(p.blockSize)))
}

func readNext(block unsafe.Pointer) uintptr {
	return *(*uintptr)(block)
}

func writeNext(block unsafe.Pointer, next uintptr) {
	*(*uintptr)(block) = next
}

// --- local free-list ---------------------------------------------------

func (p *page) popLocalFree() unsafe.Pointer {
	if p.localFree == 0 {
		return nil
	}
	block := unsafe.Pointer(p.localFree)
	p.localFree = readNext(block)
	p.localFreeCount--
	p.blockUsed++
	return block
}

func (p *page) pushLocalFree(block unsafe.Pointer) {
	writeNext(block, p.localFree)
	p.localFree = uintptr(block)
	p.localFreeCount++
	p.blockUsed--
}

// pushLocalFreeToHeap drains whatever remains of this page's local
// free-list into the owning heap's per-class fast-path cache, spec.md
// §4.5 "Fast paths". Mirrors page_push_local_free_to_heap in the original
// source: only ever called right after servicing one allocation, so the
// heap's cache for this class is known empty.
func (p *page) pushLocalFreeToHeap(h *Heap) {
	if p.localFree == 0 {
		return
	}
	h.localFree[p.sizeClassIdx] = p.localFree
	p.blockUsed += p.localFreeCount
	p.localFree = 0
	p.localFreeCount = 0
}

// --- cross-thread free-list token (spec.md §4.4.1) ----------------------

func (p *page) adoptCrossThreadFree() {
	raw := p.crossFree.Load()
	if raw == 0 {
		return
	}
	for !p.crossFree.CompareAndSwap(raw, 0) {
		spinWait()
		raw = p.crossFree.Load()
	}
	blockIdx, count := crossToken(raw).decode()
	if count == 0 {
		return
	}
	p.localFree = uintptr(p.blockAt(blockIdx))
	p.localFreeCount = count
	p.blockUsed -= count
}

// pushCrossThreadFree performs a remote free: CAS the block onto the
// page's cross-thread token. Returns the new list length.
func (p *page) pushCrossThreadFree(block unsafe.Pointer) uint32 {
	blockIdx := p.blockIndex(block)
	prev := p.crossFree.Load()
	for {
		prevIdx, prevCount := crossToken(prev).decode()
		if prevCount == 0 {
			writeNext(block, 0)
		} else {
			writeNext(block, uintptr(p.blockAt(prevIdx)))
		}
		next := uint64(packToken(blockIdx, prevCount+1))
		if p.crossFree.CompareAndSwap(prev, next) {
			return prevCount + 1
		}
		spinWait()
		prev = p.crossFree.Load()
	}
}

// --- block initialization (spec.md §4.4, priority 3) ---------------------

func (p *page) initializeBlock() unsafe.Pointer {
	block := p.blockAt(p.blockInitialized)
	p.blockInitialized++
	p.blockUsed++

	if p.pageTier == tierSmall && uintptr(p.blockSize) < osPageSize/2 {
		p.preLinkWithinOSPage(block)
	}
	return block
}

// preLinkWithinOSPage amortizes initialization cost by linking every
// not-yet-touched block up to the next OS-page boundary onto the local
// free-list in one pass, spec.md §4.4 "Optimization".
func (p *page) preLinkWithinOSPage(block unsafe.Pointer) {
	osPageStart := uintptr(block) &^ (osPageSize - 1)
	osPageEnd := osPageStart + osPageSize

	free := unsafe.Add(block, p.blockSize)
	var first, last unsafe.Pointer
	count := uint32(0)
	maxCount := p.blockCount - p.blockInitialized
	for uintptr(free) < osPageEnd && count < maxCount {
		if first == nil {
			first = free
		}
		last = free
		next := unsafe.Add(free, p.blockSize)
		writeNext(free, uintptr(next))
		free = next
		count++
	}
	if count > 0 {
		writeNext(last, 0)
		p.localFree = uintptr(first)
		p.blockInitialized += count
		p.localFreeCount = count
	}
}

// --- allocation / deallocation (spec.md §4.4) ----------------------------

// allocate implements the priority-ordered algorithm of spec.md §4.4:
// local free-list, then adopted cross-thread list, then a fresh block.
func (p *page) allocate(zero bool) unsafe.Pointer {
	isZero := false
	block := p.popLocalFree()
	if block == nil {
		p.adoptCrossThreadFree()
		block = p.popLocalFree()
		if block == nil {
			block = p.initializeBlock()
			isZero = p.flags.has(flagZero)
		}
	}

	p.pushLocalFreeToHeap(p.ownerHeapPtr())

	if p.blockUsed == p.blockCount {
		p.adoptCrossThreadFree()
	}
	if p.blockUsed == p.blockCount {
		if !p.flags.has(flagFull) {
			p.ownerHeapPtr().detachAvailable(p)
		}
		p.flags.set(flagFull)
		p.flags.clear(flagZero)
	}

	if zero && !isZero && block != nil {
		zeroBytes(block, uintptr(p.blockSize))
	}
	return block
}

// deallocate frees a block on behalf of caller, the Heap through which
// the free was requested. Ownership is decided by comparing caller
// against the page's owning heap: spec.md §4.4 "Determine the calling
// thread" — in this port, the goroutine's stand-in thread identity is
// whichever *Heap it is currently holding.
func (p *page) deallocate(caller *Heap, block unsafe.Pointer) {
	if p.flags.has(flagAlignedBlock) {
		block = p.realign(block)
	}

	owner := p.ownerHeapPtr()
	if caller == owner {
		p.freeLocal(block)
		return
	}
	p.remoteFree(block)
}

func (p *page) freeLocal(block unsafe.Pointer) {
	owner := p.ownerHeapPtr()
	invariant(owner.allocator.debug, p.blockUsed > 0, "local free of a page with no used blocks")
	p.pushLocalFree(block)
	if p.blockUsed == 0 {
		owner.availableToFree(p)
	} else if p.flags.has(flagFull) {
		owner.fullToAvailable(p)
	}
}

// remoteFree is the cross-thread free path, spec.md §4.4.1. On
// saturation (the list reaches block_count while the page was full) it
// decommits the page's trailing OS pages and migrates it onto the owning
// heap's cross-thread free-page stack (spec.md §4.5.2).
func (p *page) remoteFree(block unsafe.Pointer) {
	count := p.pushCrossThreadFree(block)
	if count >= p.blockCount {
		p.decommitExtra()
		p.ownerHeapPtr().pushRemoteFreedPage(p)
	}
}

// --- OS-page commit granularity (spec.md §4.4.2, "Free → Available") ----

func (p *page) decommitExtra() {
	extra := unsafe.Add(p.addr(), osPageSize)
	size := pageSizeForTier(p.pageTier) - osPageSize
	a := p.ownerHeapPtr().allocator
	if err := a.mem.Decommit(extra, size); err != nil {
		a.logger.Warn("page decommit failed", "tier", p.pageTier, "err", err)
	} else {
		a.logger.Debug("page decommitted", "tier", p.pageTier)
	}
	p.flags.set(flagDecommitted)
}

func (p *page) commitExtra() {
	extra := unsafe.Add(p.addr(), osPageSize)
	size := pageSizeForTier(p.pageTier) - osPageSize
	a := p.ownerHeapPtr().allocator
	if err := a.mem.Commit(extra, size); err != nil {
		a.logger.Warn("page recommit failed", "tier", p.pageTier, "err", err)
	} else {
		a.logger.Debug("page recommitted", "tier", p.pageTier)
	}
	p.flags.clear(flagDecommitted)
}

func zeroBytes(addr unsafe.Pointer, n uintptr) {
	b := unsafe.Slice((*byte)(addr), int(n))
	for i := range b {
		b[i] = 0
	}
}
