// Package vmm implements the paged virtual memory manager half of the
// core: a 4 KiB-page memory manager layered over a host that only
// allocates at 64 KiB block granularity, with copy-on-write fork
// semantics, per-page protection, anonymous and file-backed mappings, and
// a page-fault handler performing section duplication.
//
// Host memory primitives are reached through internal/hostpager rather
// than a direct golang.org/x/sys/unix dependency, so the mapping logic is
// portable to a different host substrate.
package vmm

import (
	"fmt"

	"github.com/xyproto/dbt32/internal/hostpager"
)

// Core holds all VMM state for one guest address space. It carries no
// package-level singleton state: every entry point takes an explicit
// *Core.
type Core struct {
	pager hostpager.Pager
	vfs   VFS

	// guestBase is the host address backing guest address 0; every guest
	// address is translated to a host address as guestBase+addr before any
	// host primitive touches it.
	guestBase uintptr

	pagePROT    []Prot               // page_prot[PAGE_COUNT]
	blockSec    []*hostpager.Section // block_section_handle[BLOCK_COUNT]
	blockPages  []uint16             // block_page_count[BLOCK_COUNT]
	pool        *entryPool           // map_list + map_free_list
	brk         GuestAddr
	brkMapped   uint32 // page count already backed by brk's heap mmap

	// writeSuppressed marks pages whose host protection has had
	// PROT_WRITE forced off by Fork's copy-on-write sweep even though
	// page_prot (the guest-visible permission) still grants it. It is
	// lifted lazily by HandlePageFault once this side's section becomes
	// (or already is) exclusively owned.
	writeSuppressed []bool
	initialized     bool
}

// New allocates a Core. Call Init before using it.
func New(pager hostpager.Pager, vfs VFS) *Core {
	return &Core{pager: pager, vfs: vfs}
}

// Init reserves the guest address window and resets all VMM state to
// empty. It is also what mm_reset calls after an execve-style drop of all
// user regions.
func (c *Core) Init() error {
	if !c.initialized {
		base, err := c.pager.ReserveAddressSpace(AddrSpaceSize)
		if err != nil {
			return fmt.Errorf("vmm: reserve guest address space: %w", err)
		}
		c.guestBase = base
		c.initialized = true
	}
	c.pagePROT = make([]Prot, PageCount)
	c.blockSec = make([]*hostpager.Section, BlockCount)
	c.blockPages = make([]uint16, BlockCount)
	c.writeSuppressed = make([]bool, PageCount)
	c.pool = newEntryPool()
	c.brk = 0
	c.brkMapped = 0
	loadConfig()
	return nil
}

// Reset drops every user mapping and returns the VMM to its just-Init'd
// state, closing every live section (mm_reset).
func (c *Core) Reset() error {
	for b := range c.blockSec {
		if c.blockSec[b] != nil {
			if err := c.destroyBlock(uint32(b)); err != nil {
				return err
			}
		}
	}
	c.pagePROT = make([]Prot, PageCount)
	c.writeSuppressed = make([]bool, PageCount)
	c.pool = newEntryPool()
	c.brk = 0
	c.brkMapped = 0
	return nil
}

// Shutdown releases every live section and the reserved guest address
// window (mm_shutdown).
func (c *Core) Shutdown() error {
	if err := c.Reset(); err != nil {
		return err
	}
	if c.initialized {
		if err := c.pager.UnmapView(c.guestBase, AddrSpaceSize); err != nil {
			return err
		}
		c.initialized = false
	}
	return nil
}

func (c *Core) hostAddr(a GuestAddr) uintptr { return c.guestBase + uintptr(a) }

// destroyBlock unmaps and closes the section backing block b and clears its
// bookkeeping, regardless of its current page count.
func (c *Core) destroyBlock(b uint32) error {
	sec := c.blockSec[b]
	if sec == nil {
		return nil
	}
	if err := c.pager.UnmapView(c.hostAddr(BlockBaseAddr(b)), BlockSize); err != nil {
		return err
	}
	if err := c.pager.Close(sec); err != nil {
		return err
	}
	c.blockSec[b] = nil
	c.blockPages[b] = 0
	return nil
}

// ProtLinuxToHost maps guest protection bits onto the host-facing
// combinations.
func ProtLinuxToHost(p Prot) hostpager.Prot {
	switch {
	case p&ProtExec != 0 && p&ProtWrite != 0:
		return hostpager.ExecReadWrite
	case p&ProtExec != 0 && p&ProtRead != 0:
		return hostpager.ExecRead
	case p&ProtExec != 0:
		return hostpager.Exec
	case p&ProtWrite != 0:
		return hostpager.ReadWrite
	case p&ProtRead != 0:
		return hostpager.ReadOnly
	default:
		return hostpager.NoAccess
	}
}

// applyHostProtect re-applies the host protection derived from
// page_prot[p] for every page in [startPage, endPage], in maximal
// same-protection runs so a contiguous range with uniform protection costs
// one host call.
func (c *Core) applyHostProtect(startPage, endPage uint32) error {
	page := startPage
	for page <= endPage {
		runHost := c.effectiveHostProt(page)
		runStart := page
		for page <= endPage && c.effectiveHostProt(page) == runHost {
			page++
		}
		length := int(page-runStart) * PageSize
		if err := c.pager.Protect(c.hostAddr(PageAddr(runStart)), length, runHost); err != nil {
			return err
		}
	}
	return nil
}

// effectiveHostProt computes the protection actually asked of the host
// for page p: page_prot translated to the host form, with PROT_WRITE forced off while
// writeSuppressed[p] holds (the COW sweep from Fork, lifted lazily by
// HandlePageFault).
func (c *Core) effectiveHostProt(p uint32) hostpager.Prot {
	prot := c.pagePROT[p]
	if c.writeSuppressed[p] {
		prot &^= ProtWrite
	}
	return ProtLinuxToHost(prot)
}
