//go:build windows

package rpmalloc

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsRawMemory backs osMemory on Windows, the Go analogue of the
// original source's VirtualAlloc/VirtualFree branch (#if PLATFORM_WINDOWS
// in original_source/rpmalloc/rpmalloc.c's os_mmap/os_mcommit/os_mdecommit/
// os_munmap), using golang.org/x/sys/windows rather than reimplementing
// the Win32 call surface with raw syscall numbers.
type windowsRawMemory struct {
	hugePages bool
}

func newRawMemory(hugePages bool) rawMemory {
	return windowsRawMemory{hugePages: hugePages}
}

func (m windowsRawMemory) reserve(size uintptr) (unsafe.Pointer, error) {
	// Reserve and commit together so Map's contract (memory is usable
	// and zero-filled immediately) holds the same way it does on unix,
	// where mmap(PROT_READ|PROT_WRITE) does both in one call.
	if m.hugePages {
		addr, err := windows.VirtualAlloc(0, size,
			windows.MEM_RESERVE|windows.MEM_COMMIT|windows.MEM_LARGE_PAGES, windows.PAGE_READWRITE)
		if err == nil {
			return unsafe.Pointer(addr), nil
		}
		// Large pages require a privilege most processes don't hold;
		// fall back to the ordinary mapping rather than failing outright.
	}
	addr, err := windows.VirtualAlloc(0, size, windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(addr), nil
}

func (windowsRawMemory) release(addr unsafe.Pointer, size uintptr) error {
	return windows.VirtualFree(uintptr(addr), 0, windows.MEM_RELEASE)
}

func (windowsRawMemory) commit(addr unsafe.Pointer, size uintptr) error {
	_, err := windows.VirtualAlloc(uintptr(addr), size, windows.MEM_COMMIT, windows.PAGE_READWRITE)
	return err
}

func (windowsRawMemory) decommit(addr unsafe.Pointer, size uintptr) error {
	return windows.VirtualFree(uintptr(addr), size, windows.MEM_DECOMMIT)
}
