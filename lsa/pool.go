package lsa

import (
	"fmt"

	"github.com/joshuapare/logalloc/internal/hostmem"
	"github.com/joshuapare/logalloc/internal/segmap"
)

// After this many segments of one reclaim walk fail to compact,
// the walk gives up rather than churn the same stuck segments.
const failedReclaimsAllowance = 10

const (
	// defaultEmergencyReserveGoal keeps one segment free at all times so an
	// allocation never has to compact with zero headroom.
	defaultEmergencyReserveGoal = 1

	// defaultEmergencyReserveMax is the initial free-segment level
	// refillEmergencyReserve fills to; allocating sections replace it with
	// their own segment reserve.
	defaultEmergencyReserveMax = 30
)

// Statistics is a point-in-time snapshot of allocator activity.
type Statistics struct {
	SegmentsAllocated uint64
	SegmentsReleased  uint64
	SegmentsCompacted uint64
	NumAllocations    uint64
	MemoryAllocated   uint64
	MemoryFreed       uint64
	MemoryCompacted   uint64
	MemoryEvicted     uint64
}

// segmentPool hands out segments from one segment-aligned arena. Fresh
// segments are mapped from the top of the arena down and released to the
// host from the bottom up, so long-lived segments migrate toward high
// addresses and the low end of the arena can be given back.
type segmentPool struct {
	arena *segmap.Arena
	host  *hostmem.Host
	base  uintptr

	nsegments int
	descs     []segmentDescriptor
	owned     *bitset // segments charged against the host budget
	free      *bitset // owned segments not held by any region
	freeCount int

	emergencyReserveMax         int
	currentEmergencyReserveGoal int
	nonLSAReserve               uint64

	// allocationFailed latches when an allocation exhausts both the pool
	// and the reclaim path. Nothing in the package reads it.
	allocationFailed bool

	// reclaimer runs the tracker's compact-and-evict cycle. It reports
	// whether another allocation attempt is worthwhile.
	reclaimer func(reserveSegments int) bool

	stats Statistics
}

func newSegmentPool(arenaSize uint64, host *hostmem.Host) (*segmentPool, error) {
	arenaSize = uint64(alignUp(uintptr(arenaSize), SegmentSize))
	arena, err := segmap.New(uintptr(arenaSize), SegmentSize)
	if err != nil {
		return nil, fmt.Errorf("lsa: mapping %d byte arena: %w", arenaSize, err)
	}
	n := int(arenaSize >> segmentSizeShift)
	p := &segmentPool{
		arena:                       arena,
		host:                        host,
		base:                        arena.Base(),
		nsegments:                   n,
		descs:                       make([]segmentDescriptor, n),
		owned:                       newBitset(n),
		free:                        newBitset(n),
		emergencyReserveMax:         defaultEmergencyReserveMax,
		currentEmergencyReserveGoal: defaultEmergencyReserveGoal,
	}
	for i := range p.descs {
		p.descs[i].reset()
	}
	return p, nil
}

func (p *segmentPool) close() error {
	return p.arena.Close()
}

func (p *segmentPool) segmentData(idx int32) []byte {
	return p.arena.Slice(uintptr(idx)<<segmentSizeShift, SegmentSize)
}

func (p *segmentPool) segmentBase(idx int32) uintptr {
	return p.base + uintptr(idx)<<segmentSizeShift
}

// containingSegment masks addr down to its segment, or noSegment when addr
// is outside the arena.
func (p *segmentPool) containingSegment(addr uintptr) int32 {
	if addr < p.base {
		return noSegment
	}
	idx := (addr - p.base) >> segmentSizeShift
	if idx >= uintptr(p.nsegments) {
		return noSegment
	}
	return int32(idx)
}

// highestUnowned returns the highest-addressed segment not currently backed,
// or -1 when the whole arena is owned.
func (p *segmentPool) highestUnowned() int {
	for i := p.nsegments - 1; i >= 0; i-- {
		if !p.owned.test(i) {
			return i
		}
	}
	return -1
}

func (p *segmentPool) canAllocateMoreMemory() bool {
	return p.host.FreeMemory() >= SegmentSize+p.nonLSAReserve
}

// mapFreshSegment backs one more arena segment with host memory.
func (p *segmentPool) mapFreshSegment() int32 {
	idx := p.highestUnowned()
	if idx < 0 || !p.canAllocateMoreMemory() {
		return noSegment
	}
	if !p.host.TryReserve(SegmentSize) {
		return noSegment
	}
	p.owned.set(idx)
	return int32(idx)
}

// allocateSegment returns a segment for region use, keeping at least reserve
// segments in the free list. It tries the free list, then fresh host memory,
// then drives the reclaimer; noSegment means even reclaim could not help.
func (p *segmentPool) allocateSegment(reserve int) int32 {
	for {
		if p.freeCount > reserve {
			idx := int32(p.free.highest())
			p.free.clear(int(idx))
			p.freeCount--
			p.descs[idx].reset()
			p.stats.SegmentsAllocated++
			return idx
		}
		if idx := p.mapFreshSegment(); idx != noSegment {
			p.descs[idx].reset()
			p.stats.SegmentsAllocated++
			return idx
		}
		if p.reclaimer == nil || !p.reclaimer(reserve) {
			p.allocationFailed = true
			return noSegment
		}
	}
}

// freeSegment puts a region-owned segment back on the free list.
func (p *segmentPool) freeSegment(idx int32) {
	p.descs[idx].reset()
	p.free.set(int(idx))
	p.freeCount++
}

// releaseSegmentToHost drops a free segment's physical pages and credits
// the host budget. Its address range stays reserved for later reuse.
func (p *segmentPool) releaseSegmentToHost(idx int32) {
	if err := p.arena.DropRange(uintptr(idx)<<segmentSizeShift, SegmentSize); err != nil {
		panic(fmt.Sprintf("lsa: releasing segment %d: %v", idx, err))
	}
	p.free.clear(int(idx))
	p.freeCount--
	p.owned.clear(int(idx))
	p.host.Release(SegmentSize)
	p.stats.SegmentsReleased++
}

// reclaimSegments walks owned segments from the lowest address, releasing
// free ones and compacting occupied ones so they can be released, until
// target segments went back to the host. The walk never dips the free list
// below the current emergency reserve goal. preempt, when non-nil, aborts
// the walk after the segment in hand.
func (p *segmentPool) reclaimSegments(target int, preempt func() bool) int {
	reclaimed := 0
	failed := 0
	i := p.owned.lowest()
	for i >= 0 && reclaimed < target && p.freeCount > p.currentEmergencyReserveGoal {
		next := p.owned.nextSet(i + 1)
		if !p.free.test(i) {
			d := &p.descs[i]
			if d.region == nil || !d.region.compactSingleSegment(int32(i)) {
				failed++
				if failed >= failedReclaimsAllowance {
					break
				}
				i = next
				continue
			}
		}
		p.releaseSegmentToHost(int32(i))
		reclaimed++
		if preempt != nil && preempt() {
			break
		}
		i = next
	}
	return reclaimed
}

// releaseAllFree hands every free segment back to the host.
func (p *segmentPool) releaseAllFree() int {
	released := 0
	for {
		i := p.free.lowest()
		if i < 0 {
			break
		}
		p.releaseSegmentToHost(int32(i))
		released++
	}
	return released
}

// refillEmergencyReserve maps fresh segments until the free list covers the
// emergency reserve. It reports false when host memory ran out first.
func (p *segmentPool) refillEmergencyReserve() bool {
	for p.freeCount < p.emergencyReserveMax {
		idx := p.mapFreshSegment()
		if idx == noSegment {
			return false
		}
		p.free.set(int(idx))
		p.freeCount++
	}
	return true
}

// prime pre-maps the high end of the arena so that segments the allocator
// will use later already hold the high addresses, then keeps minFreeMemory
// of the host budget uncommitted for standard allocations.
func (p *segmentPool) prime(minFreeMemory uint64) {
	for p.host.FreeMemory() >= minFreeMemory+SegmentSize {
		idx := p.mapFreshSegment()
		if idx == noSegment {
			break
		}
		p.free.set(int(idx))
		p.freeCount++
	}
}

func (p *segmentPool) segmentsInUse() int {
	return p.owned.count() - p.freeCount
}

// totalFreeMemory is what the pool could give back without moving data:
// free segments plus unreserved host budget.
func (p *segmentPool) totalFreeMemory() uint64 {
	return uint64(p.freeCount)*SegmentSize + p.host.FreeMemory()
}
