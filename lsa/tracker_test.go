package lsa

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// fillRegion allocates count objects of the migrator's size and returns
// their pointers in allocation order.
func fillRegion(t *testing.T, r *Region, id MigratorID, size uintptr, count int) []unsafe.Pointer {
	t.Helper()
	ptrs := make([]unsafe.Pointer, count)
	for i := range ptrs {
		p, err := r.Alloc(id, size, 1)
		require.NoError(t, err)
		ptrs[i] = p
	}
	return ptrs
}

func TestReclaimReleasesFreeSegments(t *testing.T) {
	tr := newTestTracker(t, Config{ArenaSize: 8 << 20})
	defer tr.Close()
	r := tr.NewRegion()
	m := &blobMigrator{size: 1000, align: 1}
	id := RegisterMigrator(m)
	defer UnregisterMigrator(id)

	ptrs := fillRegion(t, r, id, 1000, 780)
	for _, p := range ptrs {
		r.Free(p)
	}

	freeBefore := tr.host.FreeMemory()
	released := tr.Reclaim(2 * SegmentSize)
	require.Equal(t, uint64(2*SegmentSize), released)
	require.Equal(t, freeBefore+released, tr.host.FreeMemory())
	r.Close()
}

func TestReclaimMoreReleasesMore(t *testing.T) {
	run := func(request uint64) uint64 {
		tr := newTestTracker(t, Config{ArenaSize: 8 << 20})
		defer tr.Close()
		r := tr.NewRegion()
		m := &blobMigrator{size: 1000, align: 1}
		id := RegisterMigrator(m)
		defer UnregisterMigrator(id)
		ptrs := fillRegion(t, r, id, 1000, 780)
		for _, p := range ptrs {
			r.Free(p)
		}
		defer r.Close()
		return tr.Reclaim(request)
	}
	small := run(SegmentSize)
	large := run(3 * SegmentSize)
	require.GreaterOrEqual(t, large, small)
	require.Equal(t, uint64(SegmentSize), small)
}

func TestReclaimPrefersEvictionWhenFull(t *testing.T) {
	tr := newTestTracker(t, Config{ArenaSize: 8 << 20})
	r := tr.NewRegion()
	m := &blobMigrator{size: 1000, align: 1}
	id := RegisterMigrator(m)
	defer UnregisterMigrator(id)

	queue := fillRegion(t, r, id, 1000, 650)
	r.MakeEvictable(func() EvictResult {
		if len(queue) == 0 {
			return EvictedNothing
		}
		r.Free(queue[0])
		queue = queue[1:]
		return EvictedSomething
	})

	released := tr.Reclaim(2 * SegmentSize)
	require.Equal(t, uint64(2*SegmentSize), released)

	stats := tr.Statistics()
	require.Greater(t, stats.MemoryEvicted, uint64(0))
	require.Equal(t, uint64(0), stats.MemoryCompacted)
	require.Equal(t, uint64(0), stats.SegmentsCompacted)

	for _, p := range queue {
		r.Free(p)
	}
	r.Close()
	require.NoError(t, tr.Close())
}

func TestReclaimPreemptible(t *testing.T) {
	tr := newTestTracker(t, Config{ArenaSize: 8 << 20})
	defer tr.Close()
	r := tr.NewRegion()
	m := &blobMigrator{size: 1000, align: 1}
	id := RegisterMigrator(m)
	defer UnregisterMigrator(id)

	ptrs := fillRegion(t, r, id, 1000, 780)
	for _, p := range ptrs {
		r.Free(p)
	}

	calls := 0
	preempt := func() bool {
		calls++
		return calls >= 2
	}
	released := tr.ReclaimWithPreemption(4*SegmentSize, preempt)
	require.Greater(t, released, uint64(0))
	require.Less(t, released, uint64(4*SegmentSize))
	r.Close()
}

func TestReclaimFromEvictionCallbackReturnsZero(t *testing.T) {
	tr := newTestTracker(t, Config{ArenaSize: 8 << 20})
	r := tr.NewRegion()
	m := &blobMigrator{size: 1000, align: 1}
	id := RegisterMigrator(m)
	defer UnregisterMigrator(id)

	queue := fillRegion(t, r, id, 1000, 260)
	nested := uint64(1)
	seen := false
	r.MakeEvictable(func() EvictResult {
		if !seen {
			seen = true
			nested = tr.Reclaim(SegmentSize)
		}
		if len(queue) == 0 {
			return EvictedNothing
		}
		r.Free(queue[0])
		queue = queue[1:]
		return EvictedSomething
	})

	tr.Reclaim(SegmentSize)
	require.True(t, seen)
	require.Equal(t, uint64(0), nested)

	for _, p := range queue {
		r.Free(p)
	}
	r.Close()
	require.NoError(t, tr.Close())
}

func TestReclaimAllFreeSegments(t *testing.T) {
	tr := newTestTracker(t, Config{ArenaSize: 8 << 20})
	defer tr.Close()
	r := tr.NewRegion()
	m := &blobMigrator{size: 1000, align: 1}
	id := RegisterMigrator(m)
	defer UnregisterMigrator(id)

	ptrs := fillRegion(t, r, id, 1000, 780)
	for _, p := range ptrs {
		r.Free(p)
	}
	released := tr.ReclaimAllFreeSegments()
	require.GreaterOrEqual(t, released, uint64(5*SegmentSize))
	require.Equal(t, uint64(0), tr.ReclaimAllFreeSegments())
	r.Close()
}

func TestPrimeSegmentPool(t *testing.T) {
	tr := newTestTracker(t, Config{ArenaSize: 8 << 20, HostMemory: 16 << 20})
	defer tr.Close()

	freeBefore := tr.host.FreeMemory()
	countBefore := tr.pool.freeCount
	min := uint64(12 << 20)
	tr.PrimeSegmentPool(min)

	freeAfter := tr.host.FreeMemory()
	require.GreaterOrEqual(t, freeAfter, min)
	require.Less(t, freeAfter, min+SegmentSize)
	mapped := int((freeBefore - freeAfter) / SegmentSize)
	require.Equal(t, countBefore+mapped, tr.pool.freeCount)

	// Primed segments hold the high end of the arena; an allocation pops
	// from the primed free list without touching the host budget.
	r := tr.NewRegion()
	m := &blobMigrator{size: 1000, align: 1}
	id := RegisterMigrator(m)
	defer UnregisterMigrator(id)
	p, err := r.Alloc(id, 1000, 1)
	require.NoError(t, err)
	require.Equal(t, freeAfter, tr.host.FreeMemory())
	r.Free(p)
	r.Close()
}

func TestCompactOnIdle(t *testing.T) {
	tr := newTestTracker(t, Config{ArenaSize: 16 << 20, DefragmentOnIdle: true})
	defer tr.Close()
	r := tr.NewRegion()
	m := newTrackingMigrator(1000, 1)
	id := RegisterMigrator(m)
	defer UnregisterMigrator(id)

	ptrs := make([]unsafe.Pointer, 400)
	for i := range ptrs {
		p, err := r.Alloc(id, 1000, 1)
		require.NoError(t, err)
		m.add(p, byte(i))
		ptrs[i] = p
	}
	for i := 0; i < len(ptrs); i += 2 {
		m.remove(ptrs[i])
		r.Free(ptrs[i])
	}

	steps := 0
	worked := tr.CompactOnIdle(func() bool {
		steps++
		return steps > 2
	})
	require.True(t, worked)
	require.Greater(t, tr.Statistics().SegmentsCompacted, uint64(0))

	for _, p := range append([]unsafe.Pointer(nil), m.objs...) {
		r.Free(p)
	}
	r.Close()
}

func TestTrackerFullCompaction(t *testing.T) {
	tr := newTestTracker(t, Config{ArenaSize: 16 << 20})
	defer tr.Close()
	a := tr.NewRegion()
	b := tr.NewRegion()
	m := newTrackingMigrator(500, 1)
	id := RegisterMigrator(m)
	defer UnregisterMigrator(id)

	for i := 0; i < 600; i++ {
		p, err := a.Alloc(id, 500, 1)
		require.NoError(t, err)
		m.add(p, 1)
		p, err = b.Alloc(id, 500, 1)
		require.NoError(t, err)
		m.add(p, 2)
	}
	// Make both regions sparse.
	for _, p := range append([]unsafe.Pointer(nil), m.objs...) {
		if uintptr(p)&1 == 0 && len(m.objs) > 600 {
			reg := a
			if tr.pool.descs[tr.pool.containingSegment(uintptr(p))].region == b {
				reg = b
			}
			m.remove(p)
			reg.Free(p)
		}
	}

	tr.FullCompaction()
	for i, p := range m.objs {
		checkBytes(t, p, 500, m.tags[i])
	}

	for _, p := range append([]unsafe.Pointer(nil), m.objs...) {
		reg := a
		if tr.pool.descs[tr.pool.containingSegment(uintptr(p))].region == b {
			reg = b
		}
		reg.Free(p)
	}
	a.Close()
	b.Close()
}

func TestStatisticsCounters(t *testing.T) {
	tr := newTestTracker(t, Config{ArenaSize: 8 << 20})
	defer tr.Close()
	r := tr.NewRegion()
	m := &blobMigrator{size: 200, align: 1}
	id := RegisterMigrator(m)
	defer UnregisterMigrator(id)

	ptrs := fillRegion(t, r, id, 200, 10)
	for _, p := range ptrs[:5] {
		r.Free(p)
	}
	stats := tr.Statistics()
	require.Equal(t, uint64(10), stats.NumAllocations)
	require.Equal(t, uint64(10*200), stats.MemoryAllocated)
	require.Equal(t, uint64(5*200), stats.MemoryFreed)
	require.Greater(t, stats.SegmentsAllocated, uint64(0))

	for _, p := range ptrs[5:] {
		r.Free(p)
	}
	r.Close()
}

func TestTrackerCloseChecksRegions(t *testing.T) {
	tr := newTestTracker(t, Config{ArenaSize: 8 << 20})
	r := tr.NewRegion()
	require.Panics(t, func() { tr.Close() })
	r.Close()
	require.NoError(t, tr.Close())
	require.ErrorIs(t, tr.Close(), ErrTrackerClosed)
}

func TestOccupancyViews(t *testing.T) {
	tr := newTestTracker(t, Config{ArenaSize: 8 << 20})
	defer tr.Close()
	r := tr.NewRegion()
	m := &blobMigrator{size: 1000, align: 1}
	id := RegisterMigrator(m)
	defer UnregisterMigrator(id)

	ptrs := fillRegion(t, r, id, 1000, 200)
	occ := tr.RegionOccupancy()
	require.Equal(t, uint64(200*1001), occ.UsedSpace())
	total := tr.Occupancy()
	require.Equal(t, occ.UsedSpace(), total.UsedSpace())
	require.Equal(t, tr.usedSegmentMemory(), total.TotalSpace())
	require.Greater(t, tr.FreeMemory(), uint64(0))

	for _, p := range ptrs {
		r.Free(p)
	}
	r.Close()
}

func TestReclamationStep(t *testing.T) {
	tr := newTestTracker(t, Config{ArenaSize: 8 << 20})
	defer tr.Close()
	require.Equal(t, uint64(1), tr.ReclamationStep())
	tr.SetReclamationStep(4)
	require.Equal(t, uint64(4), tr.ReclamationStep())
	tr.SetReclamationStep(0)
	require.Equal(t, uint64(1), tr.ReclamationStep())
	require.False(t, tr.ShouldAbortOnBadAlloc())
}

func TestConfigureAppliesRuntimeOptions(t *testing.T) {
	tr := newTestTracker(t, Config{ArenaSize: 8 << 20})
	defer tr.Close()

	tr.Configure(Config{ReclamationStep: 4, AbortOnBadAlloc: true, DefragmentOnIdle: true})
	require.Equal(t, uint64(4), tr.ReclamationStep())
	require.True(t, tr.ShouldAbortOnBadAlloc())
	require.True(t, tr.cfg.DefragmentOnIdle)
	require.True(t, tr.host.AbortOnFailure)

	// Zero step means the default granularity, and background reclaim is
	// switched off when the new config leaves it false.
	tr.Configure(Config{BackgroundReclaim: true})
	require.Equal(t, uint64(1), tr.ReclamationStep())
	require.False(t, tr.ShouldAbortOnBadAlloc())
	tr.Configure(Config{})
	require.Nil(t, tr.bg)
}

func TestBackgroundReclaimToggle(t *testing.T) {
	tr := newTestTracker(t, Config{ArenaSize: 8 << 20, BackgroundReclaim: true})
	tr.SetBackgroundReclaimEnabled(false)
	tr.SetBackgroundReclaimEnabled(false)
	tr.SetBackgroundReclaimEnabled(true)
	tr.SetBackgroundReclaimEnabled(false)
	require.NoError(t, tr.Close())
}
