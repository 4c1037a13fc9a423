package rpmalloc

import "unsafe"

func alignUp(n, alignment uintptr) uintptr {
	return (n + alignment - 1) &^ (alignment - 1)
}

func alignUpPtr(ptr unsafe.Pointer, alignment uintptr) unsafe.Pointer {
	return unsafe.Pointer(alignUp(uintptr(ptr), alignment))
}

func copyBytes(dst, src unsafe.Pointer, n uintptr) {
	d := unsafe.Slice((*byte)(dst), int(n))
	s := unsafe.Slice((*byte)(src), int(n))
	copy(d, s)
}
