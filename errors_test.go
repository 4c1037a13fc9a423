package rpmalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocErrorMessage(t *testing.T) {
	err := invalidArgument("alignment must be a power of two")
	assert.Equal(t, ErrInvalidArgument, err.Kind)
	assert.Contains(t, err.Error(), "invalid argument")
	assert.Contains(t, err.Error(), "alignment must be a power of two")

	err = outOfMemory("map failed")
	assert.Equal(t, ErrOutOfMemory, err.Kind)
	assert.Contains(t, err.Error(), "out of memory")
}

func TestInvariantPanicsOnlyWhenDebugEnabled(t *testing.T) {
	assert.NotPanics(t, func() { invariant(false, false, "ignored without debug") })
	assert.Panics(t, func() { invariant(true, false, "violated") })
	assert.NotPanics(t, func() { invariant(true, true, "holds") })
}
