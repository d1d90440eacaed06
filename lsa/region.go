package lsa

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/joshuapare/logalloc/internal/uleb64"
)

// Trailing canary on host-allocated objects, checked on free.
const largeObjectCookie uint64 = 0x4c53414f424a4354

// EvictResult reports whether an eviction callback freed anything.
type EvictResult int

const (
	EvictedNothing EvictResult = iota
	EvictedSomething
)

// EvictFn releases some region memory the owner can live without, typically
// the coldest entry of a cache. It runs with the tracker lock held and may
// call Free on the same region.
type EvictFn func() EvictResult

// Region is an allocation domain. Objects allocated from a region can move
// between its segments during compaction but never to another region, and
// whole regions can be made evictable or merged.
type Region struct {
	tracker *Tracker
	group   *RegionGroup
	id      uint64

	active       int32
	activeOffset uintptr

	bufActive       int32
	bufActiveOffset uintptr

	hist descHist

	closedOccupancy Occupancy
	nonLSAOccupancy Occupancy
	segmentCount    int

	reclaiming        bool
	evictFn           EvictFn
	evictableGrounded bool
	invalidateCounter uint64

	large map[uintptr][]byte

	san *sanitizer

	closed bool
}

func newRegion(t *Tracker, g *RegionGroup) *Region {
	r := &Region{
		tracker:    t,
		group:      g,
		id:         t.nextRegionID(),
		active:     noSegment,
		bufActive:  noSegment,
		hist:       newDescHist(),
		reclaiming: true,
		large:      make(map[uintptr][]byte),
	}
	if t.cfg.Sanitize {
		r.san = newSanitizer(t.cfg.SanitizerReportBacktrace)
	}
	if g != nil {
		g.addRegion(r)
	}
	return r
}

// ID returns the region's tracker-unique id, used in log output.
func (r *Region) ID() uint64 { return r.id }

// Tracker returns the tracker the region was created by.
func (r *Region) Tracker() *Tracker { return r.tracker }

// usageDelta propagates a change in the memory the region holds to its
// group, if any.
func (r *Region) usageDelta(delta int64) {
	if r.group != nil {
		r.group.update(delta)
	}
}

// Alloc allocates size bytes with the given alignment, tagged with the
// migrator that will relocate the object during compaction. Objects above
// MaxManagedObjectSize are served by the host allocator and never move.
func (r *Region) Alloc(id MigratorID, size, align uintptr) (ptr unsafe.Pointer, err error) {
	if !isPowerOfTwo(align) || align > BufAlign {
		panic(fmt.Sprintf("lsa: invalid alignment %d", align))
	}
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	defer recoverOOM(&err)
	r.checkOpen()
	if size > MaxManagedObjectSize {
		return r.allocLarge(size, align), nil
	}
	migratorByID(id) // fail fast on unregistered ids
	p := r.allocSmall(id, size, align)
	if r.san != nil {
		r.san.onAlloc(uintptr(p), size)
	}
	return p, nil
}

func (r *Region) checkOpen() {
	if r.closed {
		panic("lsa: use of closed region")
	}
}

func (r *Region) reserveGoal() int {
	if r.tracker.compactionDepth > 0 {
		// Compaction frees at least as much as it allocates and draws
		// on the emergency reserve to make forward progress.
		return 0
	}
	return r.tracker.pool.currentEmergencyReserveGoal
}

func (r *Region) openActive() {
	idx := r.tracker.pool.allocateSegment(r.reserveGoal())
	if idx == noSegment {
		if r.tracker.compactionDepth > 0 {
			// Migration is half done and cannot be unwound.
			panic("lsa: emergency reserve exhausted during compaction")
		}
		throwOOM()
	}
	d := &r.tracker.pool.descs[idx]
	d.kind = segmentRegular
	d.region = r
	r.active = idx
	r.activeOffset = 0
	r.segmentCount++
	r.usageDelta(SegmentSize)
}

// closeActive seals the active segment with a dead-block descriptor covering
// the untouched tail and files it in the free-space histogram.
func (r *Region) closeActive() {
	if r.active == noSegment {
		return
	}
	pool := r.tracker.pool
	d := &pool.descs[r.active]
	tail := SegmentSize - r.activeOffset
	if tail > 0 {
		data := pool.segmentData(r.active)
		uleb64.Encode(data[r.activeOffset:], uint64(tail)*2)
		d.freeSpace += uint32(tail)
	}
	r.hist.push(pool.descs, r.active)
	r.closedOccupancy = r.closedOccupancy.add(Occupancy{
		freeSpace:  uint64(d.freeSpace),
		totalSpace: SegmentSize,
	})
	r.active = noSegment
	r.activeOffset = 0
}

// allocSmall bump-allocates from the active segment. The object header is
// widened over any alignment padding so that the object stream stays
// decodable in both directions.
func (r *Region) allocSmall(id MigratorID, size, align uintptr) unsafe.Pointer {
	pool := r.tracker.pool
	for {
		if r.active == noSegment {
			r.openActive()
		}
		dataStart := alignUp(r.activeOffset+1, align)
		if dataStart+size > SegmentSize {
			r.closeActive()
			continue
		}
		data := pool.segmentData(r.active)
		hdrLen := dataStart - r.activeOffset
		uleb64.EncodeExpress(data[r.activeOffset:], uint64(id)*2+1, int(hdrLen))
		r.activeOffset = dataStart + size
		pool.stats.NumAllocations++
		pool.stats.MemoryAllocated += uint64(size)
		return unsafe.Add(unsafe.Pointer(unsafe.SliceData(data)), dataStart)
	}
}

func (r *Region) allocLarge(size, align uintptr) unsafe.Pointer {
	_ = align // host allocations are at least pointer aligned, which covers BufAlign? no:
	// Large objects come from the Go heap; slice backing arrays carry the
	// allocator's natural alignment, which satisfies any align up to what
	// the runtime provides. Sizes this big are page-like and the runtime
	// aligns them generously.
	buf, err := r.tracker.host.Alloc(uint64(size) + 8)
	if err != nil {
		throwOOM()
	}
	binary.LittleEndian.PutUint64(buf[size:], largeObjectCookie^uint64(size))
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	r.large[addr] = buf
	r.nonLSAOccupancy = r.nonLSAOccupancy.add(Occupancy{totalSpace: uint64(size) + 8})
	r.usageDelta(int64(size) + 8)
	pool := r.tracker.pool
	pool.stats.NumAllocations++
	pool.stats.MemoryAllocated += uint64(size)
	return unsafe.Pointer(unsafe.SliceData(buf))
}

func (r *Region) freeLarge(addr uintptr) {
	buf, ok := r.large[addr]
	if !ok {
		panic(fmt.Sprintf("lsa: freeing unknown pointer %#x", addr))
	}
	size := uintptr(len(buf)) - 8
	if got := binary.LittleEndian.Uint64(buf[size:]); got != largeObjectCookie^uint64(size) {
		panic(fmt.Sprintf("lsa: corrupted allocation cookie at %#x", addr))
	}
	delete(r.large, addr)
	r.tracker.host.Free(uint64(len(buf)))
	r.nonLSAOccupancy = r.nonLSAOccupancy.sub(Occupancy{totalSpace: uint64(size) + 8})
	r.usageDelta(-int64(size) - 8)
	r.tracker.pool.stats.MemoryFreed += uint64(size)
}

// Free releases an object. The object's size is recovered from its migrator.
func (r *Region) Free(ptr unsafe.Pointer) {
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	r.freeImpl(ptr, 0, false)
}

// FreeSized releases an object whose size the caller already knows, skipping
// the migrator size call.
func (r *Region) FreeSized(ptr unsafe.Pointer, size uintptr) {
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	r.freeImpl(ptr, size, true)
}

func (r *Region) freeImpl(ptr unsafe.Pointer, size uintptr, sized bool) {
	r.checkOpen()
	pool := r.tracker.pool
	addr := uintptr(ptr)
	seg := pool.containingSegment(addr)
	if seg == noSegment {
		r.freeLarge(addr)
		return
	}
	d := &pool.descs[seg]
	if d.region != r {
		panic(fmt.Sprintf("lsa: pointer %#x freed in wrong region", addr))
	}
	data := pool.segmentData(seg)
	off := addr - pool.segmentBase(seg)
	v, hdrLen := uleb64.DecodeBackwards(data, int(off))
	if v&1 == 0 {
		panic(fmt.Sprintf("lsa: double free at %#x", addr))
	}
	if !sized {
		size = migratorByID(MigratorID(v / 2)).Size(ptr)
	}
	if r.san != nil {
		r.san.onFree(addr, size)
	}
	blockStart := off - uintptr(hdrLen)
	total := uintptr(hdrLen) + size
	uleb64.Encode(data[blockStart:], uint64(total)*2)
	d.freeSpace += uint32(total)
	pool.stats.MemoryFreed += uint64(size)

	if seg == r.active {
		return
	}
	r.closedOccupancy.freeSpace += uint64(total)
	if d.freeSpace == SegmentSize {
		r.releaseClosedSegment(seg)
	} else {
		r.hist.adjust(pool.descs, seg)
	}
}

// releaseClosedSegment returns a fully free closed segment to the pool.
func (r *Region) releaseClosedSegment(seg int32) {
	pool := r.tracker.pool
	r.hist.remove(pool.descs, seg)
	r.closedOccupancy = r.closedOccupancy.sub(Occupancy{
		freeSpace:  SegmentSize,
		totalSpace: SegmentSize,
	})
	pool.freeSegment(seg)
	r.segmentCount--
	r.usageDelta(-SegmentSize)
}

// forEachLive decodes the object stream of a closed regular segment and
// calls fn for every live object.
func (r *Region) forEachLive(seg int32, fn func(id MigratorID, obj unsafe.Pointer, size uintptr)) {
	pool := r.tracker.pool
	data := pool.segmentData(seg)
	base := unsafe.Pointer(unsafe.SliceData(data))
	off := uintptr(0)
	for off < SegmentSize {
		v, n := uleb64.DecodeForwards(data[off:])
		if v&1 == 0 {
			off += uintptr(v / 2)
			continue
		}
		id := MigratorID(v / 2)
		obj := unsafe.Add(base, off+uintptr(n))
		size := migratorByID(id).Size(obj)
		fn(id, obj, size)
		off += uintptr(n) + size
	}
}

// compactSegmentLocked migrates every live object (or buffer) out of seg and
// hands the segment back to the pool. seg must already be unlinked from the
// histogram and must not be an active segment.
func (r *Region) compactSegmentLocked(seg int32) {
	pool := r.tracker.pool
	d := &pool.descs[seg]
	used := uint64(SegmentSize) - uint64(d.freeSpace)
	r.closedOccupancy = r.closedOccupancy.sub(Occupancy{
		freeSpace:  uint64(d.freeSpace),
		totalSpace: SegmentSize,
	})
	r.tracker.compactionDepth++
	defer func() { r.tracker.compactionDepth-- }()

	if d.kind == segmentBufs {
		r.compactBufSegment(seg)
	} else {
		r.forEachLive(seg, func(id MigratorID, obj unsafe.Pointer, size uintptr) {
			m := migratorByID(id)
			dst := r.allocSmall(id, size, m.Align())
			if r.san != nil {
				r.san.onMigrate(uintptr(obj), uintptr(dst), size)
			}
			m.Migrate(obj, dst, size)
		})
	}

	pool.freeSegment(seg)
	r.segmentCount--
	r.usageDelta(-SegmentSize)
	r.invalidateCounter++
	pool.stats.SegmentsCompacted++
	pool.stats.MemoryCompacted += used
}

// compactSparsestSegmentLocked compacts the sparsest closed segment, if any.
func (r *Region) compactSparsestSegmentLocked() {
	seg := r.hist.popSparsest(r.tracker.pool.descs)
	if seg == noSegment {
		return
	}
	r.compactSegmentLocked(seg)
}

// compactSingleSegment compacts one specific closed segment, as driven by
// the pool's low-address reclaim walk. It reports false when the segment
// cannot be compacted right now, or when the region is too full for
// compaction to pay off.
func (r *Region) compactSingleSegment(seg int32) bool {
	if r.closed || !r.isCompactible() {
		return false
	}
	if seg == r.active || seg == r.bufActive {
		return false
	}
	d := &r.tracker.pool.descs[seg]
	if d.bucket < 0 {
		return false
	}
	r.hist.remove(r.tracker.pool.descs, seg)
	r.compactSegmentLocked(seg)
	return true
}

// Compact moves the live data of the sparsest closed segment into the
// active segment, freeing the source segment. It does nothing unless the
// region is compactible.
func (r *Region) Compact() {
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	r.checkOpen()
	if !r.isCompactible() {
		return
	}
	seg := r.hist.popSparsest(r.tracker.pool.descs)
	if seg == noSegment {
		return
	}
	r.compactSegmentLocked(seg)
}

// FullCompaction compacts every closed segment of the region, leaving its
// live data packed into the minimum number of segments.
func (r *Region) FullCompaction() {
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	r.checkOpen()
	r.closeActive()
	r.closeBufActive()
	pool := r.tracker.pool
	var victims []int32
	for {
		seg := r.hist.popSparsest(pool.descs)
		if seg == noSegment {
			break
		}
		victims = append(victims, seg)
	}
	for _, seg := range victims {
		r.compactSegmentLocked(seg)
	}
}

// isCompactible reports whether compacting this region can free segments:
// reclamation is enabled, enough free space has accumulated in closed
// segments, and at least one of them is sparse enough to be worth moving.
func (r *Region) isCompactible() bool {
	return r.reclaiming &&
		r.closedOccupancy.FreeSpace() >= minFreeSegmentsForCompaction*SegmentSize &&
		r.hist.containsAboveMin()
}

// Occupancy returns the region's total footprint, including active
// segments and host-allocated objects.
func (r *Region) Occupancy() Occupancy {
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	return r.occupancyLocked()
}

func (r *Region) occupancyLocked() Occupancy {
	return r.lsaOccupancyLocked().add(r.nonLSAOccupancy)
}

func (r *Region) lsaOccupancyLocked() Occupancy {
	o := r.closedOccupancy
	o = o.add(r.activeOccupancy(r.active, r.activeOffset))
	o = o.add(r.activeOccupancy(r.bufActive, r.bufActiveOffset))
	return o
}

func (r *Region) activeOccupancy(seg int32, offset uintptr) Occupancy {
	if seg == noSegment {
		return Occupancy{}
	}
	free := uint64(SegmentSize-offset) + uint64(r.tracker.pool.descs[seg].freeSpace)
	return Occupancy{freeSpace: free, totalSpace: SegmentSize}
}

// CompactibleOccupancy returns the occupancy of closed segments, the part
// of the region compaction can shrink.
func (r *Region) CompactibleOccupancy() Occupancy {
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	return r.closedOccupancy
}

// EvictableOccupancy returns the occupancy eviction could free, which is
// the region's segment-backed memory when an eviction function is set.
func (r *Region) EvictableOccupancy() Occupancy {
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	return r.evictableOccupancyLocked()
}

func (r *Region) evictableOccupancyLocked() Occupancy {
	if r.evictFn == nil || r.evictableGrounded {
		return Occupancy{}
	}
	return r.lsaOccupancyLocked()
}

// GroundEvictableOccupancy makes the region report zero evictable occupancy
// without removing its eviction function, excluding it from pressure-driven
// eviction estimates.
func (r *Region) GroundEvictableOccupancy() {
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	r.evictableGrounded = true
}

// Empty reports whether the region holds no live data.
func (r *Region) Empty() bool {
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	return r.occupancyLocked().UsedSpace() == 0
}

// ReclaimCounter returns a counter that increments whenever object
// references into the region may have been invalidated by compaction,
// eviction, or an allocating section retrying after ErrOutOfMemory.
func (r *Region) ReclaimCounter() uint64 {
	return r.invalidateCounter
}

// SetReclaimingEnabled controls whether the tracker may compact or evict
// this region. Disabling it pins all objects in place.
func (r *Region) SetReclaimingEnabled(enabled bool) {
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	r.reclaiming = enabled
}

// ReclaimingEnabled reports whether compaction and eviction may touch the
// region.
func (r *Region) ReclaimingEnabled() bool {
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	return r.reclaiming
}

// MakeEvictable registers fn as the region's eviction function.
func (r *Region) MakeEvictable(fn EvictFn) {
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	r.evictFn = fn
	r.evictableGrounded = false
}

// MakeNotEvictable removes the eviction function.
func (r *Region) MakeNotEvictable() {
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	r.evictFn = nil
}

// Evictable reports whether an eviction function is registered.
func (r *Region) Evictable() bool {
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	return r.evictFn != nil
}

// EvictSome invokes the eviction function once. The tracker calls this
// under memory pressure; owners may call it directly to shed load.
func (r *Region) EvictSome() EvictResult {
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	return r.evictSomeLocked()
}

func (r *Region) evictSomeLocked() EvictResult {
	if r.evictFn == nil {
		return EvictedNothing
	}
	before := r.occupancyLocked().UsedSpace()
	res := r.evictFn()
	if res == EvictedSomething {
		r.invalidateCounter++
		after := r.occupancyLocked().UsedSpace()
		if before > after {
			r.tracker.pool.stats.MemoryEvicted += before - after
		}
	}
	return res
}

// Merge moves all of other's segments and objects into r. References into
// other remain valid; other is left closed and empty. Both regions must
// belong to the same tracker and group.
func (r *Region) Merge(other *Region) {
	if other.tracker != r.tracker {
		panic("lsa: merging regions of different trackers")
	}
	if other.group != r.group {
		panic("lsa: merging regions of different groups")
	}
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	r.checkOpen()
	other.checkOpen()
	if other == r {
		return
	}
	pool := r.tracker.pool

	for i := range pool.descs {
		if pool.descs[i].region == other {
			pool.descs[i].region = r
		}
	}
	other.hist.drainInto(pool.descs, &r.hist)

	r.adoptActive(&r.active, &r.activeOffset, &other.active, &other.activeOffset, other)
	r.adoptActive(&r.bufActive, &r.bufActiveOffset, &other.bufActive, &other.bufActiveOffset, other)

	r.closedOccupancy = r.closedOccupancy.add(other.closedOccupancy)
	r.nonLSAOccupancy = r.nonLSAOccupancy.add(other.nonLSAOccupancy)
	for addr, buf := range other.large {
		r.large[addr] = buf
	}
	if other.invalidateCounter > r.invalidateCounter {
		r.invalidateCounter = other.invalidateCounter
	}
	r.segmentCount += other.segmentCount
	if r.san != nil && other.san != nil {
		r.san.merge(other.san)
	}
	// The merged memory stays in the same group, so group totals are
	// unchanged; only the membership list shrinks.
	if other.group != nil {
		other.group.delRegion(other)
	}

	other.closedOccupancy = Occupancy{}
	other.nonLSAOccupancy = Occupancy{}
	other.large = make(map[uintptr][]byte)
	other.segmentCount = 0
	other.hist = newDescHist()
	other.closed = true
	r.tracker.removeRegion(other)
}

// adoptActive keeps whichever of the two active segments has more room and
// closes the other into r's histogram.
func (r *Region) adoptActive(mySeg *int32, myOff *uintptr, theirSeg *int32, theirOff *uintptr, other *Region) {
	if *theirSeg == noSegment {
		return
	}
	if *mySeg == noSegment || SegmentSize-*theirOff > SegmentSize-*myOff {
		// Close ours, adopt theirs.
		if *mySeg != noSegment {
			if r.tracker.pool.descs[*mySeg].kind == segmentBufs {
				r.closeBufActive()
			} else {
				r.closeActive()
			}
		}
		*mySeg = *theirSeg
		*myOff = *theirOff
	} else {
		// Keep ours, close theirs into our histogram (descriptors were
		// already reparented).
		seg, off := *theirSeg, *theirOff
		d := &r.tracker.pool.descs[seg]
		tail := SegmentSize - off
		if tail > 0 {
			if d.kind != segmentBufs {
				data := r.tracker.pool.segmentData(seg)
				uleb64.Encode(data[off:], uint64(tail)*2)
			}
			d.freeSpace += uint32(tail)
		}
		r.hist.push(r.tracker.pool.descs, seg)
		r.closedOccupancy = r.closedOccupancy.add(Occupancy{
			freeSpace:  uint64(d.freeSpace),
			totalSpace: SegmentSize,
		})
	}
	*theirSeg = noSegment
	*theirOff = 0
}

// Close releases the region. All objects must have been freed or evicted.
func (r *Region) Close() {
	r.tracker.lock.lock()
	defer r.tracker.lock.unlock()
	if r.closed {
		return
	}
	if r.san != nil {
		r.san.reportLeaks(r.id, r.tracker.cfg.Logger)
	}
	if used := r.occupancyLocked().UsedSpace(); used != 0 {
		panic(fmt.Sprintf("lsa: closing region %d with %d bytes live", r.id, used))
	}
	pool := r.tracker.pool
	if r.active != noSegment {
		pool.freeSegment(r.active)
		r.active = noSegment
		r.segmentCount--
		r.usageDelta(-SegmentSize)
	}
	if r.bufActive != noSegment {
		pool.freeSegment(r.bufActive)
		r.bufActive = noSegment
		r.segmentCount--
		r.usageDelta(-SegmentSize)
	}
	for {
		seg := r.hist.popSparsest(pool.descs)
		if seg == noSegment {
			break
		}
		pool.freeSegment(seg)
		r.segmentCount--
		r.usageDelta(-SegmentSize)
	}
	r.closedOccupancy = Occupancy{}
	r.closed = true
	if r.group != nil {
		r.group.delRegion(r)
	}
	r.tracker.removeRegion(r)
}
