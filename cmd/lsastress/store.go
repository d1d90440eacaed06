package main

import (
	"unsafe"

	"github.com/joshuapare/logalloc/lsa"
)

// objectStore tracks every live object by an integer handle. Compaction can
// move objects at any point, so the store doubles as their migrator and
// rewrites its handle table whenever the allocator relocates one.
type objectStore struct {
	size    uintptr
	region  *lsa.Region
	id      lsa.MigratorID
	handles map[int]unsafe.Pointer
	byAddr  map[uintptr]int
	next    int
	moved   uint64
}

func newObjectStore(r *lsa.Region, size uintptr) *objectStore {
	s := &objectStore{
		size:    size,
		region:  r,
		handles: make(map[int]unsafe.Pointer),
		byAddr:  make(map[uintptr]int),
	}
	s.id = lsa.RegisterMigrator(s)
	return s
}

func (s *objectStore) Align() uintptr              { return 8 }
func (s *objectStore) Size(unsafe.Pointer) uintptr { return s.size }

func (s *objectStore) Migrate(src, dst unsafe.Pointer, size uintptr) {
	copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
	h := s.byAddr[uintptr(src)]
	delete(s.byAddr, uintptr(src))
	s.byAddr[uintptr(dst)] = h
	s.handles[h] = dst
	s.moved++
}

// alloc allocates one object, stamps it with its handle and returns the
// handle.
func (s *objectStore) alloc() (int, error) {
	p, err := s.region.Alloc(s.id, s.size, 8)
	if err != nil {
		return 0, err
	}
	h := s.next
	s.next++
	s.handles[h] = p
	s.byAddr[uintptr(p)] = h
	stamp(p, s.size, h)
	return h, nil
}

// free releases the object behind h.
func (s *objectStore) free(h int) {
	p := s.handles[h]
	delete(s.handles, h)
	delete(s.byAddr, uintptr(p))
	s.region.Free(p)
}

// verify checks the stamp of every live object and returns the number of
// corrupted ones.
func (s *objectStore) verify() int {
	bad := 0
	for h, p := range s.handles {
		if !check(p, s.size, h) {
			bad++
		}
	}
	return bad
}

func (s *objectStore) close() {
	lsa.UnregisterMigrator(s.id)
}

// stamp fills an object with a pattern derived from its handle.
func stamp(p unsafe.Pointer, size uintptr, h int) {
	b := unsafe.Slice((*byte)(p), size)
	for i := range b {
		b[i] = byte(h + i)
	}
}

func check(p unsafe.Pointer, size uintptr, h int) bool {
	b := unsafe.Slice((*byte)(p), size)
	for i := range b {
		if b[i] != byte(h+i) {
			return false
		}
	}
	return true
}
