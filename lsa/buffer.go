package lsa

import (
	"fmt"
	"unsafe"
)

// Buffer is a stable handle to a byte buffer inside a region. The backing
// bytes live in a buffer segment and move during compaction; the handle
// stays valid and always points at the current bytes. Buffer handles and
// their segment slots are entangled: each knows where the other is, and
// freeing or moving one side updates the other.
type Buffer struct {
	data  []byte
	seg   int32
	slot  int32
	space uintptr
}

// Bytes returns the current backing bytes. The slice must not be retained
// across any operation that can trigger compaction.
func (b *Buffer) Bytes() []byte { return b.data }

// Size returns the buffer length.
func (b *Buffer) Size() int { return len(b.data) }

// AllocBuf allocates a size-byte buffer aligned to BufAlign. Buffers occupy
// whole BufAlign-sized slots of dedicated buffer segments, which keeps the
// per-segment back-pointer table at a fixed capacity.
func (r *Region) AllocBuf(size int) (b *Buffer, err error) {
	if size <= 0 {
		panic(fmt.Sprintf("lsa: invalid buffer size %d", size))
	}
	if size > MaxBufSize {
		return nil, ErrBufferTooLarge
	}
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	defer recoverOOM(&err)
	r.checkOpen()

	space := alignUp(uintptr(size), BufAlign)
	seg, off := r.allocBufSpace(space)
	pool := r.tracker.pool
	d := &pool.descs[seg]
	data := pool.segmentData(seg)[off : off+uintptr(size) : off+uintptr(size)]
	b = &Buffer{data: data, seg: seg, slot: int32(len(d.bufSlots)), space: space}
	d.bufSlots = append(d.bufSlots, b)
	pool.stats.NumAllocations++
	pool.stats.MemoryAllocated += uint64(size)
	if r.san != nil {
		r.san.onAlloc(uintptr(unsafe.Pointer(unsafe.SliceData(data))), uintptr(size))
	}
	return b, nil
}

// FreeBuf releases a buffer. The handle is dead afterwards.
func (r *Region) FreeBuf(b *Buffer) {
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	r.checkOpen()
	if b.seg == noSegment {
		panic("lsa: double free of buffer")
	}
	pool := r.tracker.pool
	d := &pool.descs[b.seg]
	if d.region != r {
		panic("lsa: buffer freed in wrong region")
	}
	if r.san != nil {
		r.san.onFree(uintptr(unsafe.Pointer(unsafe.SliceData(b.data))), uintptr(len(b.data)))
	}

	// Swap-and-pop the back-pointer slot; the moved handle learns its new
	// slot through the entanglement.
	last := d.bufSlots[len(d.bufSlots)-1]
	d.bufSlots[b.slot] = last
	last.slot = b.slot
	d.bufSlots = d.bufSlots[:len(d.bufSlots)-1]

	d.freeSpace += uint32(b.space)
	pool.stats.MemoryFreed += uint64(len(b.data))
	seg, space := b.seg, b.space
	b.data = nil
	b.seg = noSegment
	b.slot = -1

	if seg == r.bufActive {
		return
	}
	r.closedOccupancy.freeSpace += uint64(space)
	if d.freeSpace == SegmentSize {
		r.releaseClosedSegment(seg)
	} else {
		r.hist.adjust(pool.descs, seg)
	}
}

func (r *Region) openBufActive() {
	idx := r.tracker.pool.allocateSegment(r.reserveGoal())
	if idx == noSegment {
		if r.tracker.compactionDepth > 0 {
			panic("lsa: emergency reserve exhausted during compaction")
		}
		throwOOM()
	}
	d := &r.tracker.pool.descs[idx]
	d.kind = segmentBufs
	d.region = r
	d.bufSlots = make([]*Buffer, 0, bufSlotsPerSegment)
	r.bufActive = idx
	r.bufActiveOffset = 0
	r.segmentCount++
	r.usageDelta(SegmentSize)
}

// closeBufActive files the active buffer segment in the histogram. Buffer
// segments carry no in-stream descriptors; the untouched tail is free space.
func (r *Region) closeBufActive() {
	if r.bufActive == noSegment {
		return
	}
	pool := r.tracker.pool
	d := &pool.descs[r.bufActive]
	d.freeSpace += uint32(SegmentSize - r.bufActiveOffset)
	r.hist.push(pool.descs, r.bufActive)
	r.closedOccupancy = r.closedOccupancy.add(Occupancy{
		freeSpace:  uint64(d.freeSpace),
		totalSpace: SegmentSize,
	})
	r.bufActive = noSegment
	r.bufActiveOffset = 0
}

// allocBufSpace bump-allocates space bytes (a BufAlign multiple) from the
// active buffer segment.
func (r *Region) allocBufSpace(space uintptr) (int32, uintptr) {
	for {
		if r.bufActive == noSegment {
			r.openBufActive()
		}
		if r.bufActiveOffset+space > SegmentSize {
			r.closeBufActive()
			continue
		}
		off := r.bufActiveOffset
		r.bufActiveOffset += space
		return r.bufActive, off
	}
}

// compactBufSegment moves every live buffer of seg to fresh space, fixing
// the handles through the back-pointer table. The scratch copy keeps the
// walk stable while slots are appended to other segments.
func (r *Region) compactBufSegment(seg int32) {
	pool := r.tracker.pool
	d := &pool.descs[seg]
	var scratch [bufSlotsPerSegment]*Buffer
	n := copy(scratch[:], d.bufSlots)
	d.bufSlots = nil
	for _, b := range scratch[:n] {
		newSeg, off := r.allocBufSpace(b.space)
		nd := &pool.descs[newSeg]
		newData := pool.segmentData(newSeg)[off : off+uintptr(len(b.data)) : off+uintptr(len(b.data))]
		if r.san != nil {
			r.san.onMigrate(
				uintptr(unsafe.Pointer(unsafe.SliceData(b.data))),
				uintptr(unsafe.Pointer(unsafe.SliceData(newData))),
				uintptr(len(b.data)))
		}
		copy(newData, b.data)
		b.data = newData
		b.seg = newSeg
		b.slot = int32(len(nd.bufSlots))
		nd.bufSlots = append(nd.bufSlots, b)
	}
}
