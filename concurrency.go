package rpmalloc

import "runtime"

// osPageSize is the OS commit/decommit granularity (typically 4KiB),
// distinct from the three allocator page tiers. Cached once at package
// init since os.Getpagesize issues a real syscall on most platforms.
var osPageSize = uintptr(queryPageSize())

// spinWait is the pause-and-retry step of every CAS loop in this package,
// the Go analogue of the original source's thread_yield() backoff inside
// its atomic_*_explicit retry loops. runtime.Gosched lets another
// goroutine make progress instead of burning the current core spinning
// against it, which matters because unlike a native thread a goroutine
// holding a spin loop can starve the very goroutine it is waiting on from
// ever being scheduled.
func spinWait() {
	runtime.Gosched()
}
