// Package rpmalloc implements a thread-caching, mostly lock-free memory
// allocator core built from three cooperating layers:
//
//   - span: a large, self-aligned virtual-memory reservation partitioned
//     into equal-sized pages of one size tier.
//   - page: a single memory page carved into equal-sized blocks of one
//     size class, with a local free-list for the owning goroutine and an
//     atomic cross-thread free-list for everyone else.
//   - Heap: a per-goroutine coordinator that maps size classes to pages,
//     recycles pages and spans, and claims new spans from the OS.
//
// Unlike a C allocator this package cannot intercept Go's own runtime
// allocator; instead it is used as an explicit arena: a goroutine calls
// Allocator.AcquireHeap to get a *Heap, allocates and frees through it,
// and calls Heap.Release when done. Blocks may be freed from any
// goroutine, not just the one that allocated them — the page and heap
// layers reconcile that cross-thread traffic lock-free.
package rpmalloc
