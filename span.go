package rpmalloc

import "unsafe"

// span is the header of a spanSize-aligned virtual memory reservation
// (spec.md §3 "Span"). Its first field is a full page header: the span's
// first page is a genuine, usable page, and the span-specific bookkeeping
// below is appended after it in the same pageHeaderSize/spanHeaderSize
// reserved region, exactly as original_source/rpmalloc/rpmalloc.c's
// span_t embeds a page_t as its first member.
type span struct {
	hdr page

	pageSize  uintptr // page size for this span's tier; doubles as the
	// caller-visible size for a huge span, mirroring the original
	// source's dual-purpose span_t.page_size field.
	mapOffset  uintptr // padding osMemory applied to reach spanSize alignment
	mappedSize uintptr // total bytes osMemory reserved, for Unmap

	next, prev *span

	pageInitialized uint32
	pageCount       uint32
	pageSizeShift   uint32
}

func spanOf(addr unsafe.Pointer) *span {
	return (*span)(unsafe.Pointer(uintptr(addr) & spanMask))
}

func (s *span) addr() unsafe.Pointer {
	return unsafe.Pointer(s)
}

func (s *span) tier() tier {
	return s.hdr.pageTier
}

// firstPage returns the span's own header reinterpreted as the page it
// doubles as.
func (s *span) firstPage() *page {
	return &s.hdr
}

// pageAtIndex returns the i'th page of the span, computed purely from
// addressing, spec.md §4.3's "addr = span + page_size * i".
func (s *span) pageAtIndex(i uint32) *page {
	return pageAt(unsafe.Add(s.addr(), uintptr(i)*s.pageSize))
}

// nextPage implements spec.md §4.3's span.next_page() operation: claim
// the next not-yet-initialized page of the span, zero and tag its header,
// and return it. The caller is responsible for linking the returned page
// into whatever list it belongs in.
func (s *span) nextPage(h *Heap, classIdx uint32) *page {
	if s.pageInitialized >= s.pageCount {
		return nil
	}

	idx := s.pageInitialized
	p := s.pageAtIndex(idx)
	if idx != 0 {
		zeroBytes(unsafe.Pointer(p), pageHeaderSize)
	}
	// idx == 0 is s.hdr itself; already zeroed when the span was mapped.

	p.pageTier = s.tier()
	p.sizeClassIdx = classIdx
	p.blockSize = globalSizeClass[classIdx].blockSize
	p.blockCount = globalSizeClass[classIdx].blockCount
	p.flags = flagZero
	p.setOwnerHeap(h)

	s.pageInitialized++
	return p
}

func (s *span) saturated() bool {
	return s.pageInitialized >= s.pageCount
}

// newSpan initializes a freshly mapped spanSize region as a span for the
// given tier, ready to start handing out pages via nextPage.
func newSpan(base unsafe.Pointer, t tier, mapOffset, mappedSize uintptr) *span {
	zeroBytes(base, spanHeaderSize)
	s := (*span)(base)
	s.hdr.pageTier = t
	s.hdr.flags = flagZero
	s.pageSize = pageSizeForTier(t)
	s.pageSizeShift = uint32(pageShiftForTier(t))
	s.mapOffset = mapOffset
	s.mappedSize = mappedSize
	s.pageCount = uint32(spanSize / s.pageSize)
	return s
}

// newHugeSpan wraps a dedicated OS mapping sized exactly to one
// oversized allocation request, spec.md §4.6 "Huge allocation path".
// It is spanSize-aligned like a tiered span but not subdivided into
// pages; its header lives in the first pageHeaderSize bytes so free()
// can recognize and release it uniformly with block_get_span.
func newHugeSpan(base unsafe.Pointer, userSize, mapOffset, mappedSize uintptr) *span {
	zeroBytes(base, spanHeaderSize)
	s := (*span)(base)
	s.hdr.pageTier = tierHuge
	s.pageSize = userSize
	s.mapOffset = mapOffset
	s.mappedSize = mappedSize
	return s
}
