//go:build unix

package rpmalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// unixRawMemory backs osMemory on Linux, Darwin, and the BSDs, grounded on
// hivekit's internal/mmfile/mmfile_unix.go (raw syscall.Mmap/Munmap) and
// hive/dirty/flush_unix.go (golang.org/x/sys/unix for msync/fdatasync) —
// both show the pack's idiom of reaching for x/sys/unix instead of the
// lower-level syscall package once more than a couple of calls are needed.
type unixRawMemory struct {
	hugePages bool
}

func newRawMemory(hugePages bool) rawMemory {
	return unixRawMemory{hugePages: hugePages}
}

func (m unixRawMemory) reserve(size uintptr) (unsafe.Pointer, error) {
	if m.hugePages {
		data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_HUGETLB)
		if err == nil {
			return unsafe.Pointer(unsafe.SliceData(data)), nil
		}
		// Huge pages are a hint: fall back to the ordinary mapping if the
		// platform has none configured.
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(unsafe.SliceData(data)), nil
}

func (unixRawMemory) release(addr unsafe.Pointer, size uintptr) error {
	data := unsafe.Slice((*byte)(addr), int(size))
	err := unix.Munmap(data)
	if err == unix.EINVAL {
		// Already unmapped; treat as a no-op like mmfile_unix.go does.
		return nil
	}
	return err
}

func (unixRawMemory) commit(addr unsafe.Pointer, size uintptr) error {
	data := unsafe.Slice((*byte)(addr), int(size))
	return unix.Mprotect(data, unix.PROT_READ|unix.PROT_WRITE)
}

func (unixRawMemory) decommit(addr unsafe.Pointer, size uintptr) error {
	data := unsafe.Slice((*byte)(addr), int(size))
	if err := unix.Mprotect(data, unix.PROT_NONE); err != nil {
		return err
	}
	return unix.Madvise(data, unix.MADV_DONTNEED)
}
