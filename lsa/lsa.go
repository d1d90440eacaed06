// Package lsa implements a log-structured allocator: memory is carved into
// naturally aligned 128 KiB segments, objects are bump-allocated into the
// active segment of a region, and freed space is reclaimed by compacting
// sparse segments so that whole segments can be returned to the host.
//
// Regions own the objects allocated from them. Objects may move during
// compaction; owners register a Migrator that relocates an object and fixes
// up any references to it. Buffer allocations (AllocBuf) return stable
// *Buffer handles whose backing bytes may move instead.
//
// A Tracker owns the segment arena and all regions carved from it, drives
// compaction and eviction under memory pressure, and hooks into the host
// allocator's low-memory path.
package lsa

import (
	"errors"

	"github.com/joshuapare/logalloc/internal/uleb64"
)

const (
	segmentSizeShift = 17

	// SegmentSize is the size and alignment of every segment in the arena.
	SegmentSize = 1 << segmentSizeShift

	// MaxManagedObjectSize is the largest allocation served from segments.
	// Anything bigger goes straight to the host allocator.
	MaxManagedObjectSize = SegmentSize / 10

	// BufAlign is the alignment of every buffer allocation.
	BufAlign = 4096

	// MaxBufSize is the largest buffer allocation.
	MaxBufSize = SegmentSize

	bufSlotsPerSegment = SegmentSize / BufAlign

	// Segments whose free space is below this are not worth compacting.
	minFreeSpaceForCompaction = SegmentSize * 15 / 100

	// A region is compactible only when its closed segments hold at least
	// this much free space in total.
	minFreeSegmentsForCompaction = 4

	// Above this used fraction compaction recovers too little per byte
	// moved and eviction is preferred.
	maxUsedFractionForCompaction = 0.85

	// MaxMigrators bounds migrator ids so a live-object header always fits
	// the single-byte descriptor form.
	MaxMigrators = uleb64.ExpressSupreme / 2
)

// Errors returned by allocation entry points. Programming errors (freeing
// unknown pointers, using an unregistered migrator) panic instead.
var (
	// ErrOutOfMemory is returned when an allocation cannot be satisfied
	// even after compaction and eviction.
	ErrOutOfMemory = errors.New("lsa: out of memory")

	// ErrBufferTooLarge is returned by AllocBuf for sizes over MaxBufSize.
	ErrBufferTooLarge = errors.New("lsa: buffer exceeds maximum size")

	// ErrBlockedRequestTimeout is returned by RegionGroup.Execute when a
	// queued request's deadline expires before memory pressure relents.
	ErrBlockedRequestTimeout = errors.New("lsa: blocked request timed out")

	// ErrTrackerClosed is returned when operating on a closed tracker.
	ErrTrackerClosed = errors.New("lsa: tracker closed")
)

// oomError propagates allocation failure through internal call chains;
// public entry points recover it and surface ErrOutOfMemory.
type oomError struct{}

func (oomError) Error() string { return ErrOutOfMemory.Error() }

func throwOOM() {
	panic(oomError{})
}

// recoverOOM converts an in-flight oomError panic into ErrOutOfMemory and
// stores it in *err. Any other panic is re-raised.
func recoverOOM(err *error) {
	if r := recover(); r != nil {
		if _, ok := r.(oomError); ok {
			*err = ErrOutOfMemory
			return
		}
		panic(r)
	}
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

func isPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}
