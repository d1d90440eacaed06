package lsa

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joshuapare/logalloc/internal/hostmem"
)

const (
	// DefaultArenaSize is the address space reserved for segments.
	DefaultArenaSize = 1 << 30

	// DefaultStdAllowance is added to the host budget on top of the arena
	// for standard (non-segment) allocations.
	DefaultStdAllowance = 64 << 20

	// The background reclaimer works to keep at least this much host
	// memory free.
	backgroundReclaimThreshold = 60 << 20

	// How often the background reclaimer re-evaluates pressure.
	backgroundReclaimInterval = 50 * time.Millisecond

	// Cap on segments reclaimed per background tick, so one tick never
	// monopolizes the tracker lock.
	backgroundReclaimMaxBatch = 256
)

// Config carries tracker construction options.
type Config struct {
	// ArenaSize is the segment address space to reserve. Rounded up to a
	// segment multiple. Defaults to DefaultArenaSize.
	ArenaSize uint64

	// HostMemory is the total host budget covering both segment-backed
	// and standard allocations. Defaults to ArenaSize+DefaultStdAllowance.
	HostMemory uint64

	// ReclamationStep rounds every reclaim request up to a multiple of
	// this many segments. Defaults to 1.
	ReclamationStep uint64

	// DefragmentOnIdle lets CompactOnIdle also compact regions that are not
	// compactible but have closed segments and reclaiming enabled.
	DefragmentOnIdle bool

	// AbortOnBadAlloc escalates allocation failure outside critical
	// sections to a panic.
	AbortOnBadAlloc bool

	// Sanitize enables the per-region allocation shadow map.
	Sanitize bool

	// SanitizerReportBacktrace records allocation backtraces for
	// sanitizer reports. Slow; only with Sanitize.
	SanitizerReportBacktrace bool

	// BackgroundReclaim starts a goroutine that reclaims ahead of demand
	// whenever free host memory drops below an internal threshold.
	BackgroundReclaim bool

	// Logger receives debug output for reclaim decisions. Defaults to a
	// nop logger.
	Logger *zap.Logger
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		ArenaSize:       DefaultArenaSize,
		ReclamationStep: 1,
	}
}

func (c *Config) fillDefaults() {
	if c.ArenaSize == 0 {
		c.ArenaSize = DefaultArenaSize
	}
	if c.HostMemory == 0 {
		c.HostMemory = c.ArenaSize + DefaultStdAllowance
	}
	if c.ReclamationStep == 0 {
		c.ReclamationStep = 1
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Tracker owns the segment arena and every region carved from it. It hooks
// into the host allocator's low-memory path and decides, under pressure,
// which regions to compact and which to evict from.
type Tracker struct {
	cfg  Config
	host *hostmem.Host
	pool *segmentPool
	lock reentrantLock

	regions  []*Region
	regionID uint64

	reclaimDepth    int
	compactionDepth int

	bgMu sync.Mutex
	bg   *backgroundReclaimer

	closed bool
}

// NewTracker maps the segment arena and returns a ready tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	cfg.fillDefaults()
	host := hostmem.New(cfg.HostMemory)
	host.AbortOnFailure = cfg.AbortOnBadAlloc
	pool, err := newSegmentPool(cfg.ArenaSize, host)
	if err != nil {
		return nil, err
	}
	t := &Tracker{cfg: cfg, host: host, pool: pool}
	pool.reclaimer = t.reclaimForAllocation
	host.SetReclaimHook(t.lowMemoryHook)
	if cfg.BackgroundReclaim {
		t.setBackgroundReclaim(true)
	}
	return t, nil
}

// Close stops background work and unmaps the arena. All regions must have
// been closed first.
func (t *Tracker) Close() error {
	t.setBackgroundReclaim(false)
	t.lock.lock()
	defer t.lock.unlock()
	if t.closed {
		return ErrTrackerClosed
	}
	if len(t.regions) != 0 {
		panic("lsa: closing tracker with live regions")
	}
	t.closed = true
	return t.pool.close()
}

func (t *Tracker) nextRegionID() uint64 {
	t.regionID++
	return t.regionID
}

// NewRegion creates a region belonging to no group.
func (t *Tracker) NewRegion() *Region {
	return t.NewRegionInGroup(nil)
}

// NewRegionInGroup creates a region whose memory usage counts toward g.
func (t *Tracker) NewRegionInGroup(g *RegionGroup) *Region {
	t.lock.lock()
	defer t.lock.unlock()
	if t.closed {
		panic(ErrTrackerClosed)
	}
	r := newRegion(t, g)
	t.regions = append(t.regions, r)
	return r
}

func (t *Tracker) removeRegion(r *Region) {
	for i, reg := range t.regions {
		if reg == r {
			t.regions = append(t.regions[:i], t.regions[i+1:]...)
			return
		}
	}
}

// usedSegmentMemory is the memory held in region-owned segments.
func (t *Tracker) usedSegmentMemory() uint64 {
	return uint64(t.pool.segmentsInUse()) * SegmentSize
}

func (t *Tracker) usedFraction() float64 {
	owned := t.pool.owned.count()
	if owned == 0 {
		return 0
	}
	return float64(t.pool.segmentsInUse()) / float64(owned)
}

// Reclaim releases at least bytes of host memory if possible, by releasing
// free segments, compacting sparse ones and evicting from evictable
// regions. It returns the number of bytes actually released. Requests are
// rounded up to the configured reclamation step.
func (t *Tracker) Reclaim(bytes uint64) uint64 {
	return t.ReclaimWithPreemption(bytes, nil)
}

// ReclaimWithPreemption is Reclaim with a preemption check: whenever preempt
// returns true the cycle stops at the next safe point and returns what was
// released so far. Called from inside an eviction callback it returns 0.
func (t *Tracker) ReclaimWithPreemption(bytes uint64, preempt func() bool) uint64 {
	t.lock.lock()
	defer t.lock.unlock()
	if t.reclaimDepth > 0 {
		return 0
	}
	stepBytes := t.cfg.ReclamationStep * SegmentSize
	request := (bytes + stepBytes - 1) / stepBytes * stepBytes
	start := time.Now()
	statsBefore := t.pool.stats
	released := t.reclaimLocked(request, preempt)
	t.cfg.Logger.Debug("reclaim cycle",
		zap.Uint64("requested_bytes", bytes),
		zap.Uint64("released_bytes", released),
		zap.Uint64("segments_compacted", t.pool.stats.SegmentsCompacted-statsBefore.SegmentsCompacted),
		zap.Uint64("memory_evicted", t.pool.stats.MemoryEvicted-statsBefore.MemoryEvicted),
		zap.Duration("took", time.Since(start)))
	return released
}

// reclaimLocked releases up to memoryToRelease bytes to the host: first by
// handing back segments the pool can already free, then by compacting and
// evicting until enough free segments exist, then handing those back too.
func (t *Tracker) reclaimLocked(memoryToRelease uint64, preempt func() bool) uint64 {
	segs := int((memoryToRelease + SegmentSize - 1) / SegmentSize)
	released := uint64(t.pool.reclaimSegments(segs, preempt)) * SegmentSize
	if released >= memoryToRelease {
		return memoryToRelease
	}
	if preempt != nil && preempt() {
		return released
	}
	compacted := t.compactAndEvictLocked(t.pool.currentEmergencyReserveGoal,
		memoryToRelease-released, preempt)
	if compacted == 0 {
		return released
	}
	// Compaction and eviction leave segments on the free list; turn them
	// into host memory.
	released += uint64(t.pool.reclaimSegments(int(compacted/SegmentSize), preempt)) * SegmentSize
	return released
}

// reclaimForAllocation is the pool's slow path: a segment allocation found
// nothing free, so compact or evict until one can be produced. Reports
// whether retrying the allocation makes sense.
func (t *Tracker) reclaimForAllocation(reserveSegments int) bool {
	return t.compactAndEvictLocked(reserveSegments,
		t.cfg.ReclamationStep*SegmentSize, nil) != 0
}

// compactAndEvictLocked frees memoryToRelease bytes of used segment memory
// onto the free list, plus whatever it takes to bring the free list up to
// reserveSegments. Regions are worked compactible-first, sparsest-first;
// a nearly full region is evicted from instead, since compacting it moves
// too much data per byte recovered. Returns the used segment memory freed.
func (t *Tracker) compactAndEvictLocked(reserveSegments int, memoryToRelease uint64, preempt func() bool) uint64 {
	if t.reclaimDepth > 0 || t.compactionDepth > 0 {
		return 0
	}
	t.reclaimDepth++
	prevGoal := t.pool.currentEmergencyReserveGoal
	t.pool.currentEmergencyReserveGoal = 0
	defer func() {
		t.pool.currentEmergencyReserveGoal = prevGoal
		t.reclaimDepth--
	}()

	memInUse := t.usedSegmentMemory()
	if free := t.pool.freeCount; free < reserveSegments {
		memoryToRelease += uint64(reserveSegments-free) * SegmentSize
	}
	if memoryToRelease > memInUse {
		memoryToRelease = memInUse
	}
	target := memInUse - memoryToRelease

	h := make(regionHeap, len(t.regions))
	copy(h, t.regions)
	heap.Init(&h)
	for t.usedSegmentMemory() > target && h.Len() > 0 {
		r := h[0]
		if !r.isCompactible() {
			break
		}
		occ := r.lsaOccupancyLocked()
		if r.evictFn != nil &&
			float64(occ.UsedSpace()) >= maxUsedFractionForCompaction*float64(occ.TotalSpace()) {
			t.reclaimFromEvictable(r, target, preempt)
		} else {
			r.compactSparsestSegmentLocked()
		}
		heap.Fix(&h, 0)
		if preempt != nil && preempt() {
			break
		}
	}

	if t.usedSegmentMemory() > target {
		// Nothing left to compact; fall back to eviction, walking regions
		// in registration order. TODO: evict fairly across regions.
		for _, r := range t.regions {
			if t.usedSegmentMemory() <= target {
				break
			}
			if preempt != nil && preempt() {
				break
			}
			if r.evictFn != nil && r.reclaiming {
				t.reclaimFromEvictable(r, target, preempt)
			}
		}
	}

	if now := t.usedSegmentMemory(); memInUse > now {
		return memInUse - now
	}
	return 0
}

// reclaimFromEvictable drives one region toward targetMemInUse of tracker-
// wide used segment memory. It evicts until the region's live data shrank
// by the deficit plus one segment of slack and the region is compactible,
// or until eviction frees nothing while the region is compactible, then
// compacts one segment, and repeats.
func (t *Tracker) reclaimFromEvictable(r *Region, targetMemInUse uint64, preempt func() bool) {
	for t.usedSegmentMemory() > targetMemInUse {
		deficit := t.usedSegmentMemory() - targetMemInUse
		used := r.lsaOccupancyLocked().UsedSpace()
		usedTarget := used - minUint64(used, deficit+SegmentSize)
		for used > usedTarget || !r.isCompactible() {
			if r.evictSomeLocked() == EvictedNothing {
				if r.isCompactible() {
					break
				}
				return
			}
			if t.usedSegmentMemory() <= targetMemInUse {
				return
			}
			if preempt != nil && preempt() {
				return
			}
			used = r.lsaOccupancyLocked().UsedSpace()
		}
		r.compactSparsestSegmentLocked()
		if preempt != nil && preempt() {
			return
		}
	}
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// lowMemoryHook runs when the host allocator cannot satisfy a standard
// allocation. Free segments are handed back first; if that is not enough
// and no reclaim is already running, compaction and eviction make more.
func (t *Tracker) lowMemoryHook(request uint64) hostmem.HookResult {
	t.lock.lock()
	defer t.lock.unlock()
	released := t.releaseFreeBeyondReserve(request)
	if uint64(released)*SegmentSize < request && t.reclaimDepth == 0 {
		t.compactAndEvictLocked(t.pool.currentEmergencyReserveGoal,
			request-uint64(released)*SegmentSize, nil)
		released += t.releaseFreeBeyondReserve(request - uint64(released)*SegmentSize)
	}
	if released > 0 {
		return hostmem.ReclaimedSomething
	}
	return hostmem.ReclaimedNothing
}

// releaseFreeBeyondReserve gives free segments back to the host while
// keeping the emergency reserve intact.
func (t *Tracker) releaseFreeBeyondReserve(request uint64) int {
	released := 0
	for t.pool.freeCount > t.pool.currentEmergencyReserveGoal &&
		uint64(released)*SegmentSize < request {
		i := t.pool.free.lowest()
		if i < 0 {
			break
		}
		t.pool.releaseSegmentToHost(int32(i))
		released++
	}
	return released
}

// CompactOnIdle compacts sparse segments while quit keeps returning false.
// It reports whether any work was done. Without DefragmentOnIdle only
// compactible regions are touched.
func (t *Tracker) CompactOnIdle(quit func() bool) bool {
	t.lock.lock()
	defer t.lock.unlock()
	worked := false
	for !quit() {
		var best *Region
		for _, r := range t.regions {
			if !r.isCompactible() && !(t.cfg.DefragmentOnIdle && r.reclaiming && r.hist.count > 0) {
				continue
			}
			if best == nil || r.closedOccupancy.UsedFraction() < best.closedOccupancy.UsedFraction() {
				best = r
			}
		}
		if best == nil {
			break
		}
		seg := best.hist.popSparsest(t.pool.descs)
		if seg == noSegment {
			break
		}
		best.compactSegmentLocked(seg)
		worked = true
	}
	return worked
}

// FullCompaction compacts every region.
func (t *Tracker) FullCompaction() {
	t.lock.lock()
	defer t.lock.unlock()
	for _, r := range append([]*Region(nil), t.regions...) {
		r.FullCompaction()
	}
}

// PrimeSegmentPool pre-maps the high end of the arena into the free list,
// leaving minFreeMemory of the host budget untouched for standard
// allocations. Segments mapped early hold the highest addresses, so the
// low end of the address space stays available to the rest of the process.
func (t *Tracker) PrimeSegmentPool(minFreeMemory uint64) {
	t.lock.lock()
	defer t.lock.unlock()
	t.pool.prime(minFreeMemory)
}

// ReclaimAllFreeSegments hands every free segment back to the host and
// returns the number of bytes released.
func (t *Tracker) ReclaimAllFreeSegments() uint64 {
	t.lock.lock()
	defer t.lock.unlock()
	return uint64(t.pool.releaseAllFree()) * SegmentSize
}

// RegionOccupancy returns the combined occupancy of all regions' segment
// memory.
func (t *Tracker) RegionOccupancy() Occupancy {
	t.lock.lock()
	defer t.lock.unlock()
	var o Occupancy
	for _, r := range t.regions {
		o = o.add(r.lsaOccupancyLocked())
	}
	return o
}

// Occupancy returns how much of the segment memory taken from the host is
// actually used by live data.
func (t *Tracker) Occupancy() Occupancy {
	t.lock.lock()
	defer t.lock.unlock()
	total := t.usedSegmentMemory()
	var used uint64
	for _, r := range t.regions {
		used += r.lsaOccupancyLocked().UsedSpace()
	}
	return Occupancy{freeSpace: total - used, totalSpace: total}
}

// NonLSAUsedSpace returns host memory in use outside of segments.
func (t *Tracker) NonLSAUsedSpace() uint64 {
	t.lock.lock()
	defer t.lock.unlock()
	owned := uint64(t.pool.owned.count()) * SegmentSize
	return t.host.Stats().UsedMemory - owned
}

// FreeMemory returns memory available without moving data: free segments
// plus unreserved host budget.
func (t *Tracker) FreeMemory() uint64 {
	t.lock.lock()
	defer t.lock.unlock()
	return t.pool.totalFreeMemory()
}

// Statistics returns a snapshot of allocator counters.
func (t *Tracker) Statistics() Statistics {
	t.lock.lock()
	defer t.lock.unlock()
	return t.pool.stats
}

// Configure applies the runtime-adjustable options of c: ReclamationStep,
// DefragmentOnIdle, AbortOnBadAlloc, SanitizerReportBacktrace and
// BackgroundReclaim. Arena geometry, host budget, Sanitize and Logger are
// fixed at construction and ignored here.
func (t *Tracker) Configure(c Config) {
	t.lock.lock()
	if c.ReclamationStep == 0 {
		c.ReclamationStep = 1
	}
	t.cfg.ReclamationStep = c.ReclamationStep
	t.cfg.DefragmentOnIdle = c.DefragmentOnIdle
	t.cfg.AbortOnBadAlloc = c.AbortOnBadAlloc
	t.cfg.SanitizerReportBacktrace = c.SanitizerReportBacktrace
	t.host.AbortOnFailure = c.AbortOnBadAlloc
	t.lock.unlock()
	t.setBackgroundReclaim(c.BackgroundReclaim)
}

// ReclamationStep returns the reclaim rounding granularity in segments.
func (t *Tracker) ReclamationStep() uint64 { return t.cfg.ReclamationStep }

// SetReclamationStep changes the reclaim rounding granularity.
func (t *Tracker) SetReclamationStep(step uint64) {
	t.lock.lock()
	defer t.lock.unlock()
	if step == 0 {
		step = 1
	}
	t.cfg.ReclamationStep = step
}

// ShouldAbortOnBadAlloc reports whether allocation failure escalates to a
// panic.
func (t *Tracker) ShouldAbortOnBadAlloc() bool { return t.cfg.AbortOnBadAlloc }

// SetBackgroundReclaimEnabled starts or stops the background reclaimer.
func (t *Tracker) SetBackgroundReclaimEnabled(enabled bool) {
	t.setBackgroundReclaim(enabled)
}

func (t *Tracker) setBackgroundReclaim(enabled bool) {
	t.bgMu.Lock()
	defer t.bgMu.Unlock()
	if enabled == (t.bg != nil) {
		return
	}
	if enabled {
		t.bg = startBackgroundReclaimer(t)
	} else {
		t.bg.stop()
		t.bg = nil
	}
}

// regionHeap orders regions compactible-first, then sparsest-first, so
// compaction always recovers the most memory per byte moved. Once the top
// is not compactible, no region is.
type regionHeap []*Region

func (h regionHeap) Len() int { return len(h) }
func (h regionHeap) Less(i, j int) bool {
	ci, cj := h[i].isCompactible(), h[j].isCompactible()
	if ci != cj {
		return ci
	}
	return h[i].closedOccupancy.UsedFraction() < h[j].closedOccupancy.UsedFraction()
}
func (h regionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *regionHeap) Push(x any)   { *h = append(*h, x.(*Region)) }
func (h *regionHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	*h = old[:n-1]
	return r
}

// backgroundReclaimer keeps free host memory above a threshold without
// waiting for an allocation to stall. The deeper the deficit, the more
// segments it reclaims per tick.
type backgroundReclaimer struct {
	t    *Tracker
	quit chan struct{}
	done chan struct{}
}

func startBackgroundReclaimer(t *Tracker) *backgroundReclaimer {
	b := &backgroundReclaimer{t: t, quit: make(chan struct{}), done: make(chan struct{})}
	go b.run()
	return b
}

func (b *backgroundReclaimer) stop() {
	close(b.quit)
	<-b.done
}

func (b *backgroundReclaimer) run() {
	defer close(b.done)
	ticker := time.NewTicker(backgroundReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.quit:
			return
		case <-ticker.C:
		}
		free := b.t.host.FreeMemory()
		if free >= backgroundReclaimThreshold {
			continue
		}
		deficit := uint64(backgroundReclaimThreshold) - free
		shares := 1 + 1000*deficit/backgroundReclaimThreshold
		batch := int(shares)
		if batch > backgroundReclaimMaxBatch {
			batch = backgroundReclaimMaxBatch
		}
		b.t.cfg.Logger.Debug("background reclaim",
			zap.Uint64("free", free),
			zap.Uint64("deficit", deficit),
			zap.Int("batch_segments", batch))
		b.t.Reclaim(uint64(batch) * SegmentSize)
	}
}
