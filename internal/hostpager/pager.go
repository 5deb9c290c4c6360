// Package hostpager abstracts the small set of host primitives the VMM
// needs: create a shareable, RWX-capable section of BLOCK_SIZE bytes, map or
// unmap a view of it at a fixed host address, and change the protection of a
// mapped range. On a Windows host these would be VirtualAlloc,
// NtCreateSection, NtMapViewOfSection, NtUnmapViewOfSection and
// VirtualProtect; here they are built on golang.org/x/sys/unix, with a Linux
// memfd standing in for a Windows section object (a shareable, refcounted
// kernel object that can be mapped into more than one place, which is the
// substrate fork's copy-on-write duplication relies on).
package hostpager

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Prot is the host-facing protection combination, already translated from
// guest Linux prot bits by the caller (see vmm.ProtLinuxToHost).
type Prot int

const (
	NoAccess Prot = iota
	ReadOnly
	ReadWrite
	Exec
	ExecRead
	ExecReadWrite
)

func (p Prot) unixProt() int {
	switch p {
	case NoAccess:
		return unix.PROT_NONE
	case ReadOnly:
		return unix.PROT_READ
	case ReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	case Exec:
		return unix.PROT_EXEC
	case ExecRead:
		return unix.PROT_EXEC | unix.PROT_READ
	case ExecReadWrite:
		return unix.PROT_EXEC | unix.PROT_READ | unix.PROT_WRITE
	default:
		return unix.PROT_NONE
	}
}

// Section is a handle to a shareable host memory object of exactly
// BLOCK_SIZE bytes. The zero value is not valid; obtain one from
// Pager.CreateSection.
type Section struct {
	fd      int
	size    int
	handles int // number of live views/dups; mirrors an NT object's HandleCount
}

// HandleCount reports how many live owners this section has. The fault
// handler (internal/vmm) duplicates a section only when this is > 1.
func (s *Section) HandleCount() int { return s.handles }

// Pager is the capability the VMM uses for every host-memory primitive.
// A single implementation (linuxPager) is provided; the interface exists so
// the VMM's mapping logic never imports golang.org/x/sys directly and stays
// portable to a different host.
type Pager interface {
	// CreateSection allocates a fresh shareable section of `size` bytes
	// (always BLOCK_SIZE in practice) with one initial handle.
	CreateSection(size int) (*Section, error)
	// Dup adds an owner to a section (used when the same section is mapped
	// into a second logical process by Fork) and returns the new handle
	// count.
	Dup(s *Section) int
	// Close releases one handle. When the count reaches zero the
	// underlying host object is destroyed.
	Close(s *Section) error
	// MapView maps `size` bytes of `s` at offset 0 to the fixed host
	// address `addr` with protection `prot`.
	MapView(s *Section, addr uintptr, size int, prot Prot) error
	// UnmapView removes the mapping at `addr` (without destroying the
	// section itself).
	UnmapView(addr uintptr, size int) error
	// Protect changes the protection of an already-mapped range.
	Protect(addr uintptr, size int, prot Prot) error
	// CopyMemory copies `size` bytes from one already-mapped host address
	// to another (used by the fault handler's section-duplication path).
	CopyMemory(dst, src uintptr, size int)
	// ReserveAddressSpace carves out `size` bytes of unused host address
	// space (PROT_NONE, not backed by any section) and returns its base.
	// The VMM uses this once at Init to reserve a contiguous 2^31-byte
	// window to host the entire guest address space, then MapView's
	// individual blocks into it with MAP_FIXED.
	ReserveAddressSpace(size int) (uintptr, error)
}

// linuxPager implements Pager with memfd-backed MAP_SHARED sections.
type linuxPager struct{}

// New returns the Linux Pager implementation.
func New() Pager { return linuxPager{} }

func (linuxPager) CreateSection(size int) (*Section, error) {
	fd, err := unix.MemfdCreate("dbt32-block", 0)
	if err != nil {
		return nil, fmt.Errorf("hostpager: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hostpager: ftruncate: %w", err)
	}
	return &Section{fd: fd, size: size, handles: 1}, nil
}

func (linuxPager) Dup(s *Section) int {
	s.handles++
	return s.handles
}

func (linuxPager) Close(s *Section) error {
	s.handles--
	if s.handles > 0 {
		return nil
	}
	return unix.Close(s.fd)
}

func (linuxPager) MapView(s *Section, addr uintptr, size int, prot Prot) error {
	got, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(size),
		uintptr(prot.unixProt()), uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(s.fd), 0)
	if errno != 0 {
		return fmt.Errorf("hostpager: mmap: %w", errno)
	}
	if got != addr {
		return fmt.Errorf("hostpager: mmap returned %#x, wanted fixed %#x", got, addr)
	}
	return nil
}

func (linuxPager) UnmapView(addr uintptr, size int) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(size), 0); errno != 0 {
		return fmt.Errorf("hostpager: munmap: %w", errno)
	}
	return nil
}

func (linuxPager) Protect(addr uintptr, size int, prot Prot) error {
	if _, _, errno := unix.Syscall(unix.SYS_MPROTECT, addr, uintptr(size),
		uintptr(prot.unixProt())); errno != 0 {
		return fmt.Errorf("hostpager: mprotect: %w", errno)
	}
	return nil
}

func (linuxPager) CopyMemory(dst, src uintptr, size int) {
	dstSlice := unsafe.Slice((*byte)(unsafe.Pointer(dst)), size)
	srcSlice := unsafe.Slice((*byte)(unsafe.Pointer(src)), size)
	copy(dstSlice, srcSlice)
}

func (linuxPager) ReserveAddressSpace(size int) (uintptr, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, fmt.Errorf("hostpager: reserve: %w", err)
	}
	return uintptr(unsafe.Pointer(&data[0])), nil
}
