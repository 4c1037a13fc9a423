package rpmalloc

import (
	"sync/atomic"
	"unsafe"
)

// ReallocFlags modifies Heap.Reallocate's policy, spec.md §4.5 "Contract".
type ReallocFlags uint8

const (
	// ReallocNoPreserve skips copying the old contents into the new block.
	ReallocNoPreserve ReallocFlags = 1 << iota
	// ReallocGrowOrFail makes Reallocate return a nil block and a nil
	// error, rather than relocate the block, when it does not already fit.
	ReallocGrowOrFail
)

// Heap is the per-goroutine coordinator of spec.md §3 "Heap". Go has no
// portable thread-local storage, so unlike the original source's
// implicit current_thread_heap() lookup, a Heap is acquired and released
// explicitly: see Allocator.AcquireHeap and Heap.Release.
type Heap struct {
	id        uint32
	allocator *Allocator

	// localFree is the fast-path cache of §4.5 "Fast paths": one free
	// block address per size class, populated lazily from a page's own
	// local free-list on a miss.
	localFree [sizeClassCount]uintptr

	pageAvailable [sizeClassCount]*page
	pageFree      [3]*page
	pageFreeThread [3]atomic.Pointer[page]

	spanPartial [3]*span
	spanUsed    [3]*span

	// next links retired heaps on the Allocator's global free-heap queue.
	next *Heap
}

func (h *Heap) ID() uint32 { return h.id }

// --- page list management (available / free / cross-thread stack) ------

func (h *Heap) attachAvailable(p *page) {
	head := h.pageAvailable[p.sizeClassIdx]
	p.next, p.prev = head, nil
	if head != nil {
		head.prev = p
	}
	h.pageAvailable[p.sizeClassIdx] = p
}

func (h *Heap) detachAvailable(p *page) {
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		h.pageAvailable[p.sizeClassIdx] = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	}
	p.next, p.prev = nil, nil
}

func (h *Heap) pushPageFree(t tier, p *page) {
	head := h.pageFree[t]
	p.next, p.prev = head, nil
	if head != nil {
		head.prev = p
	}
	h.pageFree[t] = p
}

func (h *Heap) popPageFree(t tier) *page {
	p := h.pageFree[t]
	if p == nil {
		return nil
	}
	h.pageFree[t] = p.next
	if p.next != nil {
		p.next.prev = nil
	}
	p.next, p.prev = nil, nil
	return p
}

// pushRemoteFreedPage is the producer side of spec.md §4.5.2: any thread
// CAS-pushes a fully cross-thread-freed page onto its owner's per-tier
// stack.
func (h *Heap) pushRemoteFreedPage(p *page) {
	stack := &h.pageFreeThread[p.pageTier]
	for {
		old := stack.Load()
		p.next = old
		if stack.CompareAndSwap(old, p) {
			return
		}
		spinWait()
	}
}

// availableToFree is the Available→Free transition of §4.4.2: a local
// free that drains the page to zero used blocks. Its non-header OS
// pages are decommitted immediately, mirroring the symmetric "re-
// committed... re-zeroed" language §4.4.2 uses for the reverse
// transition.
func (h *Heap) availableToFree(p *page) {
	if !p.flags.has(flagFull) {
		h.detachAvailable(p)
	}
	p.flags.clear(flagFull)
	p.flags.set(flagFree)
	p.decommitExtra()

	old := h.pageFree[p.pageTier]
	p.next, p.prev = old, nil
	if old != nil {
		old.prev = p
	}
	h.pageFree[p.pageTier] = p
}

// fullToAvailable is the Full→Available transition of §4.4.2.
func (h *Heap) fullToAvailable(p *page) {
	p.flags.clear(flagFull)
	h.attachAvailable(p)
}

// --- §4.5.1 page acquisition ---------------------------------------------

func (h *Heap) getPage(classIdx uint32) *page {
	if p := h.pageAvailable[classIdx]; p != nil {
		return p
	}

	t := tierOf(classIdx)

	if p := h.popPageFree(t); p != nil {
		p.reinitFor(classIdx, h)
		h.attachAvailable(p)
		return p
	}

	if stolen := h.pageFreeThread[t].Swap(nil); stolen != nil {
		first := stolen
		rest := first.next
		first.next = nil
		for rest != nil {
			next := rest.next
			rest.next, rest.prev = nil, nil
			h.pushPageFree(t, rest)
			rest = next
		}
		first.reinitFor(classIdx, h)
		h.attachAvailable(first)
		return first
	}

	s := h.getSpan(t)
	if s == nil {
		return nil
	}
	p := s.nextPage(h, classIdx)
	if p == nil {
		return nil
	}
	h.attachAvailable(p)
	if s.saturated() {
		h.spanSaturated(t)
	}
	return p
}

// reinitFor prepares a page recycled from a free list (spec.md §4.4.2
// "Free → Available") for service under classIdx, possibly a different
// class than it served before.
func (p *page) reinitFor(classIdx uint32, h *Heap) {
	if p.flags.has(flagDecommitted) {
		p.commitExtra()
	}
	headerEnd := uintptr(p.addr()) + osPageSize
	start := uintptr(p.blockStart())
	if start < headerEnd {
		zeroBytes(unsafe.Pointer(start), headerEnd-start)
	}

	p.sizeClassIdx = classIdx
	p.blockSize = globalSizeClass[classIdx].blockSize
	p.blockCount = globalSizeClass[classIdx].blockCount
	p.blockInitialized = 0
	p.blockUsed = 0
	p.localFree = 0
	p.localFreeCount = 0
	p.crossFree.Store(0)
	p.flags = flagZero
	p.next, p.prev = nil, nil
	p.setOwnerHeap(h)
}

// --- §4.5.3 span acquisition ----------------------------------------------

func (h *Heap) getSpan(t tier) *span {
	if s := h.spanPartial[t]; s != nil {
		return s
	}

	base, offset, mappedSize, err := h.allocator.mapSpan(spanSize, spanSize)
	if err != nil || base == nil {
		return nil
	}
	s := newSpan(base, t, offset, mappedSize)
	s.hdr.setOwnerHeap(h)
	h.spanPartial[t] = s
	return s
}

func (h *Heap) spanSaturated(t tier) {
	s := h.spanPartial[t]
	h.spanPartial[t] = nil

	old := h.spanUsed[t]
	s.next, s.prev = old, nil
	if old != nil {
		old.prev = s
	}
	h.spanUsed[t] = s
}

func pageFromBlock(s *span, block unsafe.Pointer) *page {
	idx := uint32((uintptr(block) - uintptr(s.addr())) >> s.pageSizeShift)
	return s.pageAtIndex(idx)
}

// --- public allocation contract (spec.md §4.5) ----------------------------

// Allocate returns a block of at least size bytes, zeroed if zero is set.
func (h *Heap) Allocate(size uintptr, zero bool) (unsafe.Pointer, error) {
	if size == 0 {
		size = 1
	}
	classIdx := classOf(size)
	if classIdx >= sizeClassCount {
		return h.allocateHuge(size, zero)
	}

	if head := h.localFree[classIdx]; head != 0 {
		block := unsafe.Pointer(head)
		h.localFree[classIdx] = readNext(block)
		if zero {
			zeroBytes(block, uintptr(globalSizeClass[classIdx].blockSize))
		}
		return block, nil
	}

	p := h.getPage(classIdx)
	if p == nil {
		return nil, outOfMemory("failed to acquire a page")
	}
	block := p.allocate(zero)
	if block == nil {
		return nil, outOfMemory("page reported no free block")
	}
	return block, nil
}

// allocateHuge implements spec.md §4.5.4: a dedicated, S_SPAN-aligned
// mapping sized to exactly this request, never cached, freed by
// unmapping.
func (h *Heap) allocateHuge(size uintptr, zero bool) (unsafe.Pointer, error) {
	total := alignUp(size+spanHeaderSize, osPageSize)
	base, offset, mappedSize, err := h.allocator.mapSpan(total, spanSize)
	if err != nil || base == nil {
		h.allocator.logger.Warn("huge allocation map failed", "size", size, "err", err)
		return nil, outOfMemory("huge allocation map failed")
	}
	h.allocator.logger.Debug("huge span mapped", "size", size, "mapped_size", mappedSize)
	s := newHugeSpan(base, size, offset, mappedSize)
	s.hdr.setOwnerHeap(h)
	s.hdr.flags.set(flagFull)
	block := unsafe.Add(base, spanHeaderSize)
	// MemoryInterface guarantees freshly mapped memory is zero-filled, so
	// there is nothing extra to do when zero is requested.
	_ = zero
	return block, nil
}

// AllocateAligned implements spec.md §4.5.5.
func (h *Heap) AllocateAligned(alignment, size uintptr, zero bool) (unsafe.Pointer, error) {
	if alignment == 0 {
		alignment = 1
	}
	if alignment&(alignment-1) != 0 {
		return nil, invalidArgument("alignment must be a power of two")
	}
	if alignment >= maxAlign {
		return nil, invalidArgument("alignment must be less than MAX_ALIGN")
	}
	if alignment <= smallGranularity {
		return h.Allocate(size, zero)
	}

	block, err := h.Allocate(size+alignment, zero)
	if err != nil {
		return nil, err
	}
	aligned := alignUpPtr(block, alignment)
	s := spanOf(block)
	if s.tier() != tierHuge {
		// has_aligned_block is a per-page flag, not per-block: mark it
		// whenever this page has served any aligned request, even one
		// that happened to land on the block's natural origin, so free's
		// realignment step (idempotent on an already-aligned pointer) is
		// always applied uniformly for every block the page ever hands out.
		pageFromBlock(s, block).flags.set(flagAlignedBlock)
	}
	return aligned, nil
}

// Free releases a block previously returned by Allocate, AllocateAligned
// or Reallocate on any heap sharing this Allocator.
func (h *Heap) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}
	s := spanOf(ptr)
	if s.tier() == tierHuge {
		// The span header lives inside the mapping, so read what the log
		// line needs before unmapping it.
		mappedSize := s.mappedSize
		err := h.allocator.mem.Unmap(s.addr(), s.mapOffset, mappedSize)
		if err != nil {
			h.allocator.logger.Warn("huge span unmap failed", "err", err)
		} else {
			h.allocator.logger.Debug("huge span unmapped", "mapped_size", mappedSize)
		}
		return err
	}
	pageFromBlock(s, ptr).deallocate(h, ptr)
	return nil
}

// UsableSize reports how many bytes are safely writable starting at ptr,
// spec.md §8 invariant 2. ptr need not be the block's origin — an
// AllocateAligned result can sit up to alignment-1 bytes inside its
// underlying block — so this is the remaining room to the end of the
// containing block (or, on the huge path, to the end of the mapping),
// not the block's/span's full capacity. Mirrors block_usable_size in
// original_source/rpmalloc/rpmalloc.c: block_size - (diff % block_size)
// for the tiered path, mapped_size - offset - diff for huge (mappedSize
// is measured from the unaligned start, mapOffset bytes before the span).
func (h *Heap) UsableSize(ptr unsafe.Pointer) uintptr {
	if ptr == nil {
		return 0
	}
	s := spanOf(ptr)
	if s.tier() == tierHuge {
		diff := uintptr(ptr) - uintptr(s.addr())
		return s.mappedSize - s.mapOffset - diff
	}
	p := pageFromBlock(s, ptr)
	diff := uintptr(ptr) - uintptr(p.blockStart())
	return uintptr(p.blockSize) - diff%uintptr(p.blockSize)
}

// Reallocate implements spec.md §4.5.6's reallocate(block, new_size,
// old_size_hint, flags) contract. oldSizeHint is accepted to match that
// signature but otherwise unused: the page/span header is the
// authoritative source of the old size, so there is nothing a caller-
// supplied hint could correct. rpmalloc's own old_size parameter is
// similarly advisory-only, kept for call-site parity with callers coded
// against the wider contract rather than for any correctness need here.
func (h *Heap) Reallocate(block unsafe.Pointer, newSize, oldSizeHint uintptr, flags ReallocFlags) (unsafe.Pointer, error) {
	_ = oldSizeHint
	if block == nil {
		return h.Allocate(newSize, false)
	}

	s := spanOf(block)
	var origin unsafe.Pointer
	var capacity uintptr
	isHuge := s.tier() == tierHuge

	if isHuge {
		origin = unsafe.Add(s.addr(), spanHeaderSize)
		capacity = s.mappedSize - s.mapOffset - spanHeaderSize
	} else {
		p := pageFromBlock(s, block)
		origin = block
		if p.flags.has(flagAlignedBlock) {
			origin = p.realign(block)
		}
		capacity = uintptr(p.blockSize)
	}

	if newSize <= capacity {
		// block and origin differ whenever the caller is holding an
		// aligned pointer (AllocateAligned, or a prior aligned
		// Reallocate): origin is the block's true start, but the bytes
		// the caller actually wrote live at block. heap_reallocate_block
		// memmoves unconditionally here (guarded only by NO_PRESERVE)
		// before returning the realigned origin, so this must too.
		if origin != block && flags&ReallocNoPreserve == 0 {
			oldSize := capacity
			if isHuge {
				oldSize = s.pageSize
			}
			copySize := oldSize
			if newSize < copySize {
				copySize = newSize
			}
			copyBytes(origin, block, copySize)
		}
		if isHuge {
			// heap_reallocate_block's "oversized block" branch: shrink in
			// place by updating the logical size rather than remapping,
			// since the backing mapping already covers newSize.
			s.pageSize = newSize
		}
		return origin, nil
	}
	if flags&ReallocGrowOrFail != 0 {
		return nil, nil
	}

	grown := newSize
	if hysteresis := capacity + capacity*3/8; hysteresis > grown {
		grown = hysteresis
	}

	newBlock, err := h.Allocate(grown, false)
	if err != nil {
		return nil, err
	}
	if flags&ReallocNoPreserve == 0 {
		copySize := capacity
		if newSize < copySize {
			copySize = newSize
		}
		copyBytes(newBlock, origin, copySize)
	}

	if isHuge {
		mappedSize := s.mappedSize
		if err := h.allocator.mem.Unmap(s.addr(), s.mapOffset, mappedSize); err != nil {
			h.allocator.logger.Warn("huge span unmap failed during reallocate", "err", err)
		} else {
			h.allocator.logger.Debug("huge span unmapped during reallocate", "mapped_size", mappedSize)
		}
	} else {
		h.Free(origin)
	}
	return newBlock, nil
}
