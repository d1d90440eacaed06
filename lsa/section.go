package lsa

import (
	"errors"
	"fmt"

	"github.com/joshuapare/logalloc/internal/hostmem"
)

const (
	minSectionLSAReserve = 1    // segments
	minSectionStdReserve = 1024 // bytes

	// Reserves decay after this much allocation activity flows through
	// the section, so a one-off spike does not pin memory forever.
	sectionDecaySegments = 100000
	sectionDecayStdBytes = 10 << 30
)

// AllocatingSection runs a batch of allocations against a region with enough
// memory set aside up front that the whole batch either runs to completion
// or fails before side effects, instead of failing halfway.
type AllocatingSection struct {
	lsaReserve uint64 // segments
	stdReserve uint64 // bytes

	segmentsUntilDecay int64
	stdBytesUntilDecay int64
}

// NewAllocatingSection returns a section with minimal reserves. Reserves
// grow by doubling whenever a run fails for lack of memory and decay back
// with use.
func NewAllocatingSection() *AllocatingSection {
	return &AllocatingSection{
		lsaReserve:         minSectionLSAReserve,
		stdReserve:         minSectionStdReserve,
		segmentsUntilDecay: sectionDecaySegments,
		stdBytesUntilDecay: sectionDecayStdBytes,
	}
}

// reserve sets aside the section's current reserves: the emergency segment
// reserve is refilled and enough host memory is freed to cover the standard
// reserve, driving reclaim as needed. When the reserves cannot be met and
// the tracker is configured with AbortOnBadAlloc, reserve panics instead of
// returning ErrOutOfMemory.
func (s *AllocatingSection) reserve(t *Tracker) (err error) {
	t.lock.lock()
	defer t.lock.unlock()
	defer func() {
		if err != nil && t.ShouldAbortOnBadAlloc() {
			panic(fmt.Sprintf("lsa: allocating section could not reserve %d segments and %d bytes: %v",
				s.lsaReserve, s.stdReserve, err))
		}
	}()
	pool := t.pool
	pool.emergencyReserveMax = int(s.lsaReserve)
	if !pool.refillEmergencyReserve() {
		t.compactAndEvictLocked(int(s.lsaReserve), uint64(s.lsaReserve)*SegmentSize, nil)
		if !pool.refillEmergencyReserve() {
			return ErrOutOfMemory
		}
	}
	for t.host.FreeMemory() < s.stdReserve {
		if t.lowMemoryHook(s.stdReserve-t.host.FreeMemory()) == hostmem.ReclaimedNothing {
			return ErrOutOfMemory
		}
	}
	pool.nonLSAReserve = s.stdReserve
	return nil
}

// Run executes fn against r with the section's reserves in place and the
// region's reclaiming disabled, so object references fn holds stay valid
// throughout. When fn fails with ErrOutOfMemory the region's reclaim
// counter is incremented, the reserves are doubled and fn is retried; fn
// must therefore be restartable. Other errors pass through unchanged.
func (s *AllocatingSection) Run(r *Region, fn func() error) error {
	t := r.tracker
	for {
		if err := s.reserve(t); err != nil {
			return err
		}
		statsBefore := t.Statistics()
		err := s.runOnce(t, r, fn)
		statsAfter := t.Statistics()
		if err == nil {
			s.decay(statsAfter.SegmentsAllocated-statsBefore.SegmentsAllocated,
				statsAfter.MemoryAllocated-statsBefore.MemoryAllocated)
			return nil
		}
		if !errors.Is(err, ErrOutOfMemory) {
			return err
		}
		t.lock.lock()
		r.invalidateCounter++
		t.lock.unlock()
		s.lsaReserve *= 2
		s.stdReserve *= 2
	}
}

func (s *AllocatingSection) runOnce(t *Tracker, r *Region, fn func() error) error {
	t.lock.lock()
	defer t.lock.unlock()
	pool := t.pool
	prevGoal := pool.currentEmergencyReserveGoal
	pool.currentEmergencyReserveGoal = pool.emergencyReserveMax
	prevReclaiming := r.reclaiming
	r.reclaiming = false
	defer func() {
		pool.currentEmergencyReserveGoal = prevGoal
		r.reclaiming = prevReclaiming
	}()
	return fn()
}

// decay halves oversized reserves once enough allocation traffic has flowed
// through successful runs of the section since the previous halving check
// fired.
func (s *AllocatingSection) decay(segments, stdBytes uint64) {
	s.segmentsUntilDecay -= int64(segments)
	if s.segmentsUntilDecay <= 0 {
		s.segmentsUntilDecay = sectionDecaySegments
		if s.lsaReserve/2 >= minSectionLSAReserve {
			s.lsaReserve /= 2
		}
	}
	s.stdBytesUntilDecay -= int64(stdBytes)
	if s.stdBytesUntilDecay <= 0 {
		s.stdBytesUntilDecay = sectionDecayStdBytes
		if s.stdReserve/2 >= minSectionStdReserve {
			s.stdReserve /= 2
		}
	}
}
