package lsa

import (
	"fmt"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// sanitizer shadows every live allocation of a region and panics on
// allocator misuse: double allocation of the same address, frees with the
// wrong size, migration onto occupied memory. It exists for tests and
// debugging; enable it with Config.Sanitize.
type sanitizer struct {
	live      map[uintptr]uintptr
	backtrace bool
	stacks    map[uintptr][]uintptr
}

func newSanitizer(backtrace bool) *sanitizer {
	s := &sanitizer{live: make(map[uintptr]uintptr), backtrace: backtrace}
	if backtrace {
		s.stacks = make(map[uintptr][]uintptr)
	}
	return s
}

func (s *sanitizer) capture(addr uintptr) {
	if !s.backtrace {
		return
	}
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	s.stacks[addr] = pcs[:n]
}

func (s *sanitizer) stackFor(addr uintptr) string {
	pcs, ok := s.stacks[addr]
	if !ok {
		return "(no backtrace recorded)"
	}
	var sb strings.Builder
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		fmt.Fprintf(&sb, "  %s\n    %s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return sb.String()
}

func (s *sanitizer) onAlloc(addr, size uintptr) {
	if old, ok := s.live[addr]; ok {
		panic(fmt.Sprintf("lsa: sanitizer: allocating %#x (%d bytes) over live allocation of %d bytes\nallocated at:\n%s",
			addr, size, old, s.stackFor(addr)))
	}
	s.live[addr] = size
	s.capture(addr)
}

func (s *sanitizer) onFree(addr, size uintptr) {
	old, ok := s.live[addr]
	if !ok {
		panic(fmt.Sprintf("lsa: sanitizer: freeing unallocated address %#x", addr))
	}
	if old != size {
		panic(fmt.Sprintf("lsa: sanitizer: freeing %#x with size %d, allocated with %d\nallocated at:\n%s",
			addr, size, old, s.stackFor(addr)))
	}
	delete(s.live, addr)
	if s.backtrace {
		delete(s.stacks, addr)
	}
}

func (s *sanitizer) onMigrate(src, dst, size uintptr) {
	old, ok := s.live[src]
	if !ok {
		panic(fmt.Sprintf("lsa: sanitizer: migrating unallocated address %#x", src))
	}
	if old != size {
		panic(fmt.Sprintf("lsa: sanitizer: migrating %#x with size %d, allocated with %d", src, size, old))
	}
	if _, ok := s.live[dst]; ok {
		panic(fmt.Sprintf("lsa: sanitizer: migrating %#x onto live allocation %#x", src, dst))
	}
	delete(s.live, src)
	s.live[dst] = size
	if s.backtrace {
		s.stacks[dst] = s.stacks[src]
		delete(s.stacks, src)
	}
}

func (s *sanitizer) merge(other *sanitizer) {
	for addr, size := range other.live {
		if _, ok := s.live[addr]; ok {
			panic(fmt.Sprintf("lsa: sanitizer: merge collision at %#x", addr))
		}
		s.live[addr] = size
	}
	if s.backtrace && other.backtrace {
		for addr, pcs := range other.stacks {
			s.stacks[addr] = pcs
		}
	}
	other.live = make(map[uintptr]uintptr)
}

func (s *sanitizer) reportLeaks(regionID uint64, log *zap.Logger) {
	for addr, size := range s.live {
		log.Warn("leaked allocation at region close",
			zap.Uint64("region", regionID),
			zap.Uintptr("addr", addr),
			zap.Uintptr("size", size),
			zap.String("allocated_at", s.stackFor(addr)))
	}
}
