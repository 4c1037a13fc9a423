package rpmalloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	return NewAllocator(Config{Debug: true})
}

// Scenario 1, spec §8: usable_size brackets the request between its own
// size and the next class's block size.
func TestHeapAllocateUsableSizeBrackets(t *testing.T) {
	a := newTestAllocator(t)
	h := a.AcquireHeap()
	defer h.Release()

	for _, size := range []uintptr{8, 16, 24, 32, 64, 128, 4096} {
		block, err := h.Allocate(size, false)
		require.NoError(t, err)
		require.NotNil(t, block)

		usable := h.UsableSize(block)
		assert.GreaterOrEqual(t, usable, size)

		class := classOf(size)
		if class+1 < sizeClassCount {
			nextClassSize := uintptr(usableSizeForClass(class + 1))
			assert.LessOrEqual(t, usable, nextClassSize)
		}
		require.NoError(t, h.Free(block))
	}
}

// Invariant 3, spec §8: masking any allocated block recovers a span
// whose tier matches the block's size class.
func TestHeapAllocateSpanAlignmentInvariant(t *testing.T) {
	a := newTestAllocator(t)
	h := a.AcquireHeap()
	defer h.Release()

	block, err := h.Allocate(100, false)
	require.NoError(t, err)

	s := spanOf(block)
	require.NotNil(t, s)
	assert.Equal(t, uintptr(0), uintptr(s.addr())%spanSize, "span base must be spanSize-aligned")

	classIdx := classOf(100)
	assert.Equal(t, tierOf(classIdx), s.tier())
}

// Invariant 4, spec §8: a block's offset from its page's block region is
// a multiple of the page's block size.
func TestHeapAllocateBlockOriginInvariant(t *testing.T) {
	a := newTestAllocator(t)
	h := a.AcquireHeap()
	defer h.Release()

	block, err := h.Allocate(48, false)
	require.NoError(t, err)

	s := spanOf(block)
	p := pageFromBlock(s, block)
	offset := uintptr(block) - uintptr(p.blockStart())
	assert.Equal(t, uintptr(0), offset%uintptr(p.blockSize))
}

// Scenario 3, spec §8: a page that fills, frees down to one remaining
// block stays Available, and goes Free only once fully drained; a
// subsequent allocation of another small-tier class, which has no
// available page or cached block of its own, reuses it. (A same-class
// allocation is served first from the heap's cache and the second page.)
func TestHeapPageStateMachineAvailableFreeReuse(t *testing.T) {
	a := newTestAllocator(t)
	h := a.AcquireHeap()
	defer h.Release()

	const size = 100
	classIdx := classOf(size)
	blockCount := globalSizeClass[classIdx].blockCount

	blocks := make([]unsafe.Pointer, blockCount)
	for i := range blocks {
		b, err := h.Allocate(size, false)
		require.NoError(t, err)
		blocks[i] = b
	}
	firstPage := pageFromBlock(spanOf(blocks[0]), blocks[0])
	assert.True(t, firstPage.flags.has(flagFull))

	// One more triggers a new page.
	extra, err := h.Allocate(size, false)
	require.NoError(t, err)
	secondPage := pageFromBlock(spanOf(extra), extra)
	assert.NotEqual(t, firstPage, secondPage)
	require.NoError(t, h.Free(extra))

	for i := 0; i < len(blocks)-1; i++ {
		require.NoError(t, h.Free(blocks[i]))
	}
	assert.False(t, firstPage.flags.has(flagFull))
	assert.False(t, firstPage.flags.has(flagFree))

	require.NoError(t, h.Free(blocks[len(blocks)-1]))
	assert.True(t, firstPage.flags.has(flagFree))

	const otherSize = 1024
	require.NotEqual(t, classIdx, classOf(otherSize))
	require.Equal(t, tierSmall, tierOf(classOf(otherSize)))
	reused, err := h.Allocate(otherSize, false)
	require.NoError(t, err)
	assert.Equal(t, firstPage, pageFromBlock(spanOf(reused), reused))
}

// Scenario 4, spec §8: aligned_alloc returns an aligned pointer, tags
// its page, and frees correctly via realignment.
func TestHeapAllocateAligned(t *testing.T) {
	a := newTestAllocator(t)
	h := a.AcquireHeap()
	defer h.Release()

	block, err := h.AllocateAligned(4096, 100, false)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, uintptr(0), uintptr(block)%4096)

	p := pageFromBlock(spanOf(block), block)
	assert.True(t, p.flags.has(flagAlignedBlock))

	// AllocateAligned's returned pointer can sit inside its natural
	// block; UsableSize must report only the room remaining to the
	// block's end, not the block's full capacity.
	usable := h.UsableSize(block)
	offset := uintptr(block) - uintptr(p.blockStart())
	assert.Equal(t, uintptr(p.blockSize)-offset%uintptr(p.blockSize), usable)
	if offset%uintptr(p.blockSize) != 0 {
		assert.Less(t, usable, uintptr(p.blockSize))
	}

	require.NoError(t, h.Free(block))
}

func TestHeapAllocateAlignedRejectsBadAlignment(t *testing.T) {
	a := newTestAllocator(t)
	h := a.AcquireHeap()
	defer h.Release()

	_, err := h.AllocateAligned(3, 16, false)
	require.Error(t, err)
	var allocErr *AllocError
	require.ErrorAs(t, err, &allocErr)
	assert.Equal(t, ErrInvalidArgument, allocErr.Kind)

	_, err = h.AllocateAligned(maxAlign, 16, false)
	require.Error(t, err)
}

// Scenario 5, spec §8: reallocate in place when capacity already
// suffices, relocate and preserve contents when it doesn't.
func TestHeapReallocate(t *testing.T) {
	a := newTestAllocator(t)
	h := a.AcquireHeap()
	defer h.Release()

	block, err := h.Allocate(32, false)
	require.NoError(t, err)
	*(*byte)(block) = 0xAB

	same, err := h.Reallocate(block, 16, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, block, same)

	grown, err := h.Reallocate(same, 4096, 0, 0)
	require.NoError(t, err)
	assert.NotEqual(t, same, grown)
	assert.Equal(t, byte(0xAB), *(*byte)(grown))

	require.NoError(t, h.Free(grown))
}

func TestHeapReallocateGrowOrFail(t *testing.T) {
	a := newTestAllocator(t)
	h := a.AcquireHeap()
	defer h.Release()

	block, err := h.Allocate(32, false)
	require.NoError(t, err)

	result, err := h.Reallocate(block, 4096, 0, ReallocGrowOrFail)
	require.NoError(t, err)
	assert.Nil(t, result)

	require.NoError(t, h.Free(block))
}

// Scenario 6, spec §8: oversize requests take the huge path, report at
// least the requested usable size, and free without error.
func TestHeapHugeAllocation(t *testing.T) {
	a := newTestAllocator(t)
	h := a.AcquireHeap()
	defer h.Release()

	hugeSize := uintptr(usableSizeForClass(sizeClassCount-1)) + 1
	block, err := h.Allocate(hugeSize, true)
	require.NoError(t, err)
	require.NotNil(t, block)

	s := spanOf(block)
	assert.Equal(t, tierHuge, s.tier())
	assert.GreaterOrEqual(t, h.UsableSize(block), hugeSize)

	require.NoError(t, h.Free(block))
}

func TestHeapZeroedAllocation(t *testing.T) {
	a := newTestAllocator(t)
	h := a.AcquireHeap()
	defer h.Release()

	block, err := h.Allocate(256, false)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(block), 256)
	for i := range b {
		b[i] = 0xFF
	}
	require.NoError(t, h.Free(block))

	reused, err := h.Allocate(256, true)
	require.NoError(t, err)
	r := unsafe.Slice((*byte)(reused), 256)
	for i, v := range r {
		assert.Equal(t, byte(0), v, "byte %d not zeroed", i)
	}
	require.NoError(t, h.Free(reused))
}
