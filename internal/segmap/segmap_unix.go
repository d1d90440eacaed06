//go:build unix

package segmap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// New maps size bytes of anonymous memory aligned to align, which must be a
// power of two. The mapping is over-sized by align bytes and the unaligned
// head and tail are unmapped, so the kernel never backs them.
func New(size, align uintptr) (*Arena, error) {
	if align == 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("segmap: alignment %d is not a power of two", align)
	}
	raw, err := unix.Mmap(-1, 0, int(size+align), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("segmap: mmap %d bytes: %w", size+align, err)
	}

	base := addrOf(raw)
	aligned := (base + align - 1) &^ (align - 1)
	head := aligned - base
	tail := (base + uintptr(len(raw))) - (aligned + size)

	if head > 0 {
		if err := unix.Munmap(raw[:head:head]); err != nil {
			_ = unix.Munmap(raw)
			return nil, fmt.Errorf("segmap: trim head: %w", err)
		}
	}
	window := raw[head : head+size : head+size]
	if tail > 0 {
		if err := unix.Munmap(raw[head+size:]); err != nil {
			_ = unix.Munmap(window)
			return nil, fmt.Errorf("segmap: trim tail: %w", err)
		}
	}

	a := &Arena{data: window, align: align}
	a.release = func() error {
		return unix.Munmap(window)
	}
	return a, nil
}

// DropRange returns the physical pages of [off, off+n) to the kernel while
// keeping the address range mapped. Re-touching the range later yields zero
// pages. off and n must be page-multiples; segment-sized ranges always are.
func (a *Arena) DropRange(off, n uintptr) error {
	if err := unix.Madvise(a.data[off:off+n:off+n], unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("segmap: madvise: %w", err)
	}
	return nil
}
