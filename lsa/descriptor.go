package lsa

import "math/bits"

type segmentKind uint8

const (
	segmentUnused segmentKind = iota
	segmentRegular
	segmentBufs
)

const noSegment = int32(-1)

// segmentDescriptor is the per-segment bookkeeping record. The pool keeps
// one flat slice indexed by segment number, so any interior pointer resolves
// to its descriptor by address arithmetic alone.
//
// Closed segments sit in their region's free-space histogram through the
// intrusive next/prev links; keeping the links inline means histogram
// updates never allocate.
type segmentDescriptor struct {
	freeSpace uint32
	region    *Region
	kind      segmentKind
	bucket    int8 // histogram bucket, -1 when unlinked
	next      int32
	prev      int32

	// bufSlots backs buffer segments: one entry per live buffer, each
	// entangled with the *Buffer handle pointing back at its slot. The
	// slice is allocated once at full capacity so entries never move
	// because of append.
	bufSlots []*Buffer
}

func (d *segmentDescriptor) reset() {
	d.freeSpace = 0
	d.region = nil
	d.kind = segmentUnused
	d.bucket = -1
	d.next = noSegment
	d.prev = noSegment
	d.bufSlots = nil
}

// Free space 0..SegmentSize maps to log2 buckets 0..segmentSizeShift.
const histBuckets = segmentSizeShift + 1

func histKey(freeSpace uint32) int {
	if freeSpace == 0 {
		return 0
	}
	return bits.Len32(freeSpace) - 1
}

// Segments in buckets below this hold too little free space to be worth
// moving their live data.
var compactionMinBucket = histKey(minFreeSpaceForCompaction)

// descHist is a per-region histogram of closed segments keyed by the log2
// of their free space. Compaction always takes from the highest non-empty
// bucket, which is the sparsest segment up to bucket granularity.
type descHist struct {
	heads    [histBuckets]int32
	nonEmpty uint32
	count    int
}

func newDescHist() descHist {
	var h descHist
	for i := range h.heads {
		h.heads[i] = noSegment
	}
	return h
}

func (h *descHist) push(descs []segmentDescriptor, idx int32) {
	d := &descs[idx]
	key := histKey(d.freeSpace)
	d.bucket = int8(key)
	d.prev = noSegment
	d.next = h.heads[key]
	if d.next != noSegment {
		descs[d.next].prev = idx
	}
	h.heads[key] = idx
	h.nonEmpty |= 1 << uint(key)
	h.count++
}

func (h *descHist) remove(descs []segmentDescriptor, idx int32) {
	d := &descs[idx]
	key := int(d.bucket)
	if d.prev != noSegment {
		descs[d.prev].next = d.next
	} else {
		h.heads[key] = d.next
	}
	if d.next != noSegment {
		descs[d.next].prev = d.prev
	}
	if h.heads[key] == noSegment {
		h.nonEmpty &^= 1 << uint(key)
	}
	d.bucket = -1
	d.next = noSegment
	d.prev = noSegment
	h.count--
}

// adjust relinks idx after its free space changed.
func (h *descHist) adjust(descs []segmentDescriptor, idx int32) {
	d := &descs[idx]
	if int(d.bucket) == histKey(d.freeSpace) {
		return
	}
	h.remove(descs, idx)
	h.push(descs, idx)
}

// popSparsest unlinks and returns the segment with the most free space, or
// noSegment when the histogram is empty.
func (h *descHist) popSparsest(descs []segmentDescriptor) int32 {
	if h.nonEmpty == 0 {
		return noSegment
	}
	key := bits.Len32(h.nonEmpty) - 1
	idx := h.heads[key]
	h.remove(descs, idx)
	return idx
}

// containsAboveMin reports whether any segment sits at or above the minimum
// compaction bucket. Bucket granularity makes this a slight over-approximation
// near the threshold, which only affects when compaction is attempted, not
// its correctness.
func (h *descHist) containsAboveMin() bool {
	return h.nonEmpty>>uint(compactionMinBucket) != 0
}

// drainInto moves every segment from h into dst.
func (h *descHist) drainInto(descs []segmentDescriptor, dst *descHist) {
	for h.nonEmpty != 0 {
		key := bits.TrailingZeros32(h.nonEmpty)
		idx := h.heads[key]
		h.remove(descs, idx)
		dst.push(descs, idx)
	}
}
