package rpmalloc

import "unsafe"

// MemoryInterface is the platform virtual-memory collaborator spec.md §6
// describes: reserve, commit, decommit and release aligned regions. The
// core depends only on the contract documented on each method; it never
// assumes a particular OS.
type MemoryInterface interface {
	// Map reserves (and, depending on the platform, commits) at least
	// size bytes starting at an address aligned to alignment. It returns
	// that aligned base, the padding offset between the reservation's
	// unaligned start and base, and the total mapped length measured from
	// the unaligned start (base-offset to base-offset+mappedSize), all of
	// which Unmap must be given back unchanged.
	Map(size, alignment uintptr) (base unsafe.Pointer, offset uintptr, mappedSize uintptr, err error)

	// Commit makes [addr, addr+len) safe to read and write, zero-filled.
	Commit(addr unsafe.Pointer, length uintptr) error

	// Decommit is a hint: contents may be discarded, but addr remains a
	// valid argument to a later Commit.
	Decommit(addr unsafe.Pointer, length uintptr) error

	// Unmap releases a region previously returned by Map. base must be
	// the aligned pointer Map returned (i.e. the original unaligned base
	// plus offset); offset and mappedSize must be the values Map
	// returned alongside it.
	Unmap(base unsafe.Pointer, offset, mappedSize uintptr) error

	// MapFailed is consulted when Map's underlying reservation failed.
	// Returning true asks the caller to retry once more; the default
	// implementation always returns false.
	MapFailed(size uintptr) bool
}

// rawMemory is the small, OS-specific primitive set that osMemory's
// alignment and bookkeeping logic is built on top of. Each platform file
// (osmem_unix.go, osmem_windows.go) supplies exactly these.
type rawMemory interface {
	reserve(size uintptr) (unsafe.Pointer, error)
	release(addr unsafe.Pointer, size uintptr) error
	commit(addr unsafe.Pointer, size uintptr) error
	decommit(addr unsafe.Pointer, size uintptr) error
}

// osMemory is the default MemoryInterface, grounded on
// original_source/rpmalloc/rpmalloc.c's os_mmap/os_mcommit/os_mdecommit/
// os_munmap: reserve size+alignment bytes, round the base up to the
// requested alignment, and remember the padding so Unmap can invert it.
type osMemory struct {
	raw rawMemory
}

func newOSMemory(hugePages bool) *osMemory {
	return &osMemory{raw: newRawMemory(hugePages)}
}

func (m *osMemory) Map(size, alignment uintptr) (unsafe.Pointer, uintptr, uintptr, error) {
	mapSize := size + alignment
	ptr, err := m.raw.reserve(mapSize)
	if err != nil || ptr == nil {
		return nil, 0, 0, err
	}

	var offset uintptr
	if alignment != 0 {
		mis := uintptr(ptr) & (alignment - 1)
		if mis != 0 {
			offset = alignment - mis
		}
	}
	aligned := unsafe.Add(ptr, offset)
	return aligned, offset, mapSize, nil
}

func (m *osMemory) Commit(addr unsafe.Pointer, length uintptr) error {
	return m.raw.commit(addr, length)
}

func (m *osMemory) Decommit(addr unsafe.Pointer, length uintptr) error {
	return m.raw.decommit(addr, length)
}

func (m *osMemory) Unmap(base unsafe.Pointer, offset, mappedSize uintptr) error {
	original := unsafe.Add(base, -int(offset))
	return m.raw.release(original, mappedSize)
}

func (m *osMemory) MapFailed(uintptr) bool {
	return false
}
