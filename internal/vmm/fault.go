package vmm

import (
	"fmt"
	"os"

	"github.com/xyproto/dbt32/internal/hostpager"
)

// HandlePageFault resolves a copy-on-write fault: a guest write faulted
// because its section is shared with another Core (a pending COW from
// Fork). Two outcomes are possible. If this Core turns out to be the
// section's sole remaining owner (the other side already dropped its
// reference, e.g. via munmap or exit), writeSuppressed simply lifts and the
// host protection is brought back in line with page_prot. Otherwise the
// block is duplicated: a fresh section is created, the old block's bytes
// are copied into it byte-for-byte, and the new section replaces the old
// one in this Core only, leaving the other side's view of the original
// section untouched.
//
// Callers (the dbt syscall/fault trampoline) invoke this only for a write
// fault on a page whose page_prot already grants PROT_WRITE; a write to a
// page that is genuinely read-only is a guest SIGSEGV, not a COW fault, and
// is not this function's concern.
func (c *Core) HandlePageFault(addr GuestAddr) error {
	p := PageOf(addr)
	if p >= PageCount {
		return errnoError(EFAULT)
	}
	if c.pagePROT[p]&ProtWrite == 0 {
		return errnoError(EFAULT)
	}
	b := BlockOf(p)
	sec := c.blockSec[b]
	if sec == nil {
		return errnoError(EFAULT)
	}

	if Verbose {
		fmt.Fprintf(os.Stderr, "mm: write fault addr=%#x block=%d owners=%d\n",
			uint32(addr), b, sec.HandleCount())
	}
	if sec.HandleCount() <= 1 {
		return c.liftWriteSuppression(b)
	}
	return c.duplicateBlock(b, sec)
}

// liftWriteSuppression clears writeSuppressed for every page of block b and
// reapplies host protection, the case where this side already holds the
// only remaining reference to its section.
func (c *Core) liftWriteSuppression(b uint32) error {
	lo, hi := b*PagesPerBlock, b*PagesPerBlock+PagesPerBlock-1
	for p := lo; p <= hi; p++ {
		c.writeSuppressed[p] = false
	}
	return c.applyHostProtect(lo, hi)
}

// duplicateBlock gives block b a private copy of its section: a new section
// is created, the old one's bytes are copied into it through a scratch
// mapping obtained from ReserveAddressSpace (this Core's own block window
// cannot be reused as the copy source and destination simultaneously, since
// the destination must be MAP_FIXED at the block's canonical address while
// the source is still mapped there), and the new section replaces the old
// one in blockSec. The old section's handle is closed last, dropping this
// Core's reference to the shared original but leaving the other Core (and
// its own MapView of the same section) untouched.
func (c *Core) duplicateBlock(b uint32, old *hostpager.Section) error {
	scratchBase, err := c.pager.ReserveAddressSpace(BlockSize)
	if err != nil {
		return errnoError(ENOMEM)
	}
	if err := c.pager.MapView(old, scratchBase, BlockSize, hostpager.ReadOnly); err != nil {
		c.pager.UnmapView(scratchBase, BlockSize)
		return errnoError(ENOMEM)
	}

	newSec, err := c.pager.CreateSection(BlockSize)
	if err != nil {
		c.pager.UnmapView(scratchBase, BlockSize)
		return errnoError(ENOMEM)
	}

	blockAddr := c.hostAddr(BlockBaseAddr(b))
	if err := c.pager.UnmapView(blockAddr, BlockSize); err != nil {
		c.pager.UnmapView(scratchBase, BlockSize)
		c.pager.Close(newSec)
		return errnoError(ENOMEM)
	}
	if err := c.pager.MapView(newSec, blockAddr, BlockSize, hostpager.ExecReadWrite); err != nil {
		c.pager.UnmapView(scratchBase, BlockSize)
		c.pager.Close(newSec)
		return errnoError(ENOMEM)
	}
	c.pager.CopyMemory(blockAddr, scratchBase, BlockSize)
	c.pager.UnmapView(scratchBase, BlockSize)

	if err := c.pager.Close(old); err != nil {
		return errnoError(ENOMEM)
	}
	c.blockSec[b] = newSec

	lo, hi := b*PagesPerBlock, b*PagesPerBlock+PagesPerBlock-1
	for p := lo; p <= hi; p++ {
		c.writeSuppressed[p] = false
	}
	return c.applyHostProtect(lo, hi)
}
