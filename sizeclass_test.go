package rpmalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassOfTinyLinearQuantization(t *testing.T) {
	cases := []struct {
		size uintptr
		want uint32
	}{
		{1, 1},
		{32, 1},
		{33, 2},
		{64, 2},
		{65, 3},
		{smallGranularity * 16, 16},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, classOfTiny(c.size), "size %d", c.size)
	}
}

func TestClassOfWorkedExamples(t *testing.T) {
	// Hand-verified against get_size_class in the reference C
	// implementation: size 513 lands in class 17, size 32 in class 1.
	assert.Equal(t, uint32(17), classOf(513))
	assert.Equal(t, uint32(1), classOf(32))
}

func TestSizeClassMonotonicity(t *testing.T) {
	// Invariant 1, spec §8: table[class_of(n)].block_size >= n, and
	// class_of is non-decreasing. Exhaustive over every byte up to 8KiB
	// (covers the linear region and several quasi-logarithmic classes),
	// then spot-checked at every class boundary up to the largest class.
	prevClass := uint32(0)
	for n := uintptr(1); n < 8192; n++ {
		class := classOf(n)
		require.Less(t, class, uint32(sizeClassCount), "size %d unexpectedly huge", n)
		require.GreaterOrEqual(t, uint64(usableSizeForClass(class)), uint64(n), "size %d", n)
		require.GreaterOrEqual(t, class, prevClass, "class_of regressed at size %d", n)
		prevClass = class
	}

	for class := uint32(0); class < sizeClassCount; class++ {
		blockSize := uintptr(usableSizeForClass(class))
		got := classOf(blockSize)
		require.GreaterOrEqual(t, uint64(usableSizeForClass(got)), uint64(blockSize),
			"class %d block size %d", class, blockSize)
	}
}

func TestClassOfBeyondLargestIsHuge(t *testing.T) {
	biggest := largeMultiples[largeSizeClassCount-1] * smallGranularity
	assert.GreaterOrEqual(t, classOf(uintptr(biggest)+1), uint32(sizeClassCount))
}

func TestTierOfPartitionsTable(t *testing.T) {
	assert.Equal(t, tierSmall, tierOf(0))
	assert.Equal(t, tierSmall, tierOf(smallSizeClassCount-1))
	assert.Equal(t, tierMedium, tierOf(smallSizeClassCount))
	assert.Equal(t, tierLarge, tierOf(smallSizeClassCount+mediumSizeClassCount))
	assert.Equal(t, tierHuge, tierOf(sizeClassCount))
}

func TestCrossTokenRoundTrip(t *testing.T) {
	tok := packToken(123, 7)
	idx, count := tok.decode()
	assert.Equal(t, uint32(123), idx)
	assert.Equal(t, uint32(7), count)

	zero := crossToken(0)
	idx, count = zero.decode()
	assert.Equal(t, uint32(0), idx)
	assert.Equal(t, uint32(0), count)
}
