package vmm

import (
	"fmt"
	"os"
)

// Mmap establishes a new guest mapping. fd is the guest file descriptor
// for a file-backed mapping, or -1 for an anonymous one; offsetPages is in
// page units, matching sys_mmap2's semantics.
func (c *Core) Mmap(addr GuestAddr, length uint32, prot Prot, flags uint32, fd int32, offsetPages uint32) (GuestAddr, error) {
	if Verbose {
		fmt.Fprintf(os.Stderr, "mm: mmap addr=%#x len=%#x prot=%d flags=%#x fd=%d off=%d\n",
			uint32(addr), length, prot, flags, fd, offsetPages)
	}
	if length == 0 {
		return 0, errnoError(EINVAL)
	}
	if flags&MapShared != 0 {
		return 0, errnoError(EINVAL) // MAP_SHARED is out of scope
	}
	anon := flags&MapAnonymous != 0
	if anon && fd >= 0 {
		return 0, errnoError(EINVAL)
	}
	if !anon && fd < 0 {
		return 0, errnoError(EBADF)
	}

	var file FileReader
	if !anon {
		f, ok := c.vfs.Get(fd)
		if !ok {
			return 0, errnoError(EBADF)
		}
		file = f
	}

	npages := pagesFor(length)
	var startPage uint32
	if flags&MapFixed != 0 {
		if !pageAligned(uint32(addr)) {
			return 0, errnoError(EINVAL)
		}
		startPage = PageOf(addr)
		if err := c.checkRange(startPage, npages); err != nil {
			return 0, err
		}
		if err := c.unmapRange(startPage, startPage+npages-1); err != nil {
			return 0, err
		}
	} else {
		lo, hi := uint32(AllocLow)/PageSize, uint32(AllocHigh)/PageSize
		if flags&mapHeap != 0 {
			lo, hi = uint32(HeapBase)/PageSize, uint32(AllocLow)/PageSize
		}
		p, ok := c.findFreeRun(lo, hi, npages)
		if !ok {
			return 0, errnoError(ENOMEM)
		}
		startPage = p
	}
	endPage := startPage + npages - 1

	createdBlocks, err := c.ensureBlocksMapped(BlockOf(startPage), BlockOf(endPage))
	if err != nil {
		c.rollbackBlocks(createdBlocks)
		return 0, errnoError(ENOMEM)
	}

	forcedWrite := file != nil && prot&ProtWrite == 0
	effective := prot
	if forcedWrite {
		effective |= ProtWrite
	}
	for p := startPage; p <= endPage; p++ {
		c.pagePROT[p] = effective
		c.blockPages[BlockOf(p)]++
	}
	if err := c.applyHostProtect(startPage, endPage); err != nil {
		c.rollbackBlocks(createdBlocks)
		return 0, errnoError(ENOMEM)
	}

	if file != nil {
		buf := c.guestSlice(startPage, endPage)
		if _, err := file.Pread(buf, int64(offsetPages)*PageSize); err != nil {
			c.rollbackBlocks(createdBlocks)
			return 0, errnoError(ENOMEM)
		}
	}

	if forcedWrite {
		for p := startPage; p <= endPage; p++ {
			c.pagePROT[p] = prot
		}
		if err := c.applyHostProtect(startPage, endPage); err != nil {
			c.rollbackBlocks(createdBlocks)
			return 0, errnoError(ENOMEM)
		}
	}

	idx, ok := c.pool.alloc()
	if !ok {
		c.rollbackBlocks(createdBlocks)
		return 0, errnoError(ENOMEM)
	}
	e := &c.pool.entries[idx]
	e.start, e.end = startPage, endPage
	e.fd = fd
	e.file = file
	e.offsetPages = offsetPages
	c.pool.insertSorted(idx)

	return PageAddr(startPage), nil
}

// checkRange rejects ranges that leave [0, 2^31).
func (c *Core) checkRange(startPage, npages uint32) error {
	if npages == 0 || startPage+npages > PageCount || startPage+npages < startPage {
		return errnoError(EINVAL)
	}
	return nil
}

// guestSlice returns a byte slice over host memory backing
// [startPage, endPage] inclusive.
func (c *Core) guestSlice(startPage, endPage uint32) []byte {
	length := int(endPage-startPage+1) * PageSize
	return unsafeSlice(c.hostAddr(PageAddr(startPage)), length)
}

// findFreeRun scans [lo, hi) for the first run of `want` consecutive
// unmapped pages (first-fit placement).
func (c *Core) findFreeRun(lo, hi, want uint32) (uint32, bool) {
	run := uint32(0)
	runStart := lo
	for p := lo; p < hi; p++ {
		if c.pagePROT[p] == 0 {
			if run == 0 {
				runStart = p
			}
			run++
			if run == want {
				return runStart, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// ensureBlocksMapped guarantees every block in [loBlock, hiBlock] has a live
// section mapped R/W/X at its canonical address, creating sections for any
// block that lacks one, and returns the list of blocks it created (for
// rollback on a later failure in the same Mmap call).
func (c *Core) ensureBlocksMapped(loBlock, hiBlock uint32) ([]uint32, error) {
	var created []uint32
	for b := loBlock; b <= hiBlock; b++ {
		if c.blockSec[b] != nil {
			continue
		}
		sec, err := c.pager.CreateSection(BlockSize)
		if err != nil {
			return created, err
		}
		if err := c.pager.MapView(sec, c.hostAddr(BlockBaseAddr(b)), BlockSize, ProtLinuxToHost(ProtRead|ProtWrite|ProtExec)); err != nil {
			c.pager.Close(sec)
			return created, err
		}
		c.blockSec[b] = sec
		created = append(created, b)
	}
	return created, nil
}

// rollbackBlocks undoes ensureBlocksMapped for the blocks it just
// created, so a host-API failure mid-mmap leaves no stray sections behind.
func (c *Core) rollbackBlocks(blocks []uint32) {
	for _, b := range blocks {
		_ = c.destroyBlock(b)
	}
}

// unmapRange clears any existing mappings overlapping [startPage, endPage]
// before an incoming MAP_FIXED mmap claims the range, sharing the
// split/trim/free logic with Munmap.
func (c *Core) unmapRange(startPage, endPage uint32) error {
	return c.munmapPages(startPage, endPage)
}

// Munmap removes every mapping overlapping [addr, addr+length).
func (c *Core) Munmap(addr GuestAddr, length uint32) error {
	if length == 0 || !pageAligned(uint32(addr)) {
		return errnoError(EINVAL)
	}
	if Verbose {
		fmt.Fprintf(os.Stderr, "mm: munmap addr=%#x len=%#x\n", uint32(addr), length)
	}
	npages := pagesFor(length)
	startPage := PageOf(addr)
	if err := c.checkRange(startPage, npages); err != nil {
		return err
	}
	return c.munmapPages(startPage, startPage+npages-1)
}

func (c *Core) munmapPages(startPage, endPage uint32) error {
	// Collect overlapping entries first: mutating the pool while iterating
	// its linked list is unsafe.
	type hit struct {
		idx int32
		e   mapEntry
	}
	var hits []hit
	c.pool.each(func(idx int32, e *mapEntry) {
		if e.start <= endPage && e.end >= startPage {
			hits = append(hits, hit{idx, *e})
		}
	})

	for _, h := range hits {
		idx, orig := h.idx, h.e
		oLo, oHi := max(orig.start, startPage), min(orig.end, endPage)

		switch {
		case oLo == orig.start && oHi == orig.end:
			// Entirely covered: the entry dies.
			c.pool.remove(idx)
			if orig.file != nil {
				c.vfs.Release(orig.file)
			}
			c.pool.free(idx)

		case oLo == orig.start:
			// Trim from the left; start grows, order is preserved.
			delta := oHi - orig.start + 1
			e := &c.pool.entries[idx]
			e.start = oHi + 1
			e.offsetPages += delta

		case oHi == orig.end:
			// Trim from the right; end shrinks.
			e := &c.pool.entries[idx]
			e.end = oLo - 1

		default:
			// A hole in the middle: split into two entries.
			rightIdx, ok := c.pool.alloc()
			if !ok {
				return errnoError(ENOMEM)
			}
			left := &c.pool.entries[idx]
			right := &c.pool.entries[rightIdx]
			right.start, right.end = oHi+1, orig.end
			right.fd = orig.fd
			right.offsetPages = orig.offsetPages + (oHi + 1 - orig.start)
			if orig.file != nil {
				// The split-off piece is an independent lease on the same
				// file, released independently when it later dies.
				f, _ := c.vfs.Get(orig.fd)
				right.file = f
			}
			left.end = oLo - 1
			right.next = left.next
			left.next = rightIdx
		}

		c.freeUnmappedBlocks(oLo, oHi)
	}

	for p := startPage; p <= endPage; p++ {
		c.pagePROT[p] = 0
		c.writeSuppressed[p] = false
	}
	return nil
}

// freeUnmappedBlocks decrements block_page_count for every page in
// [lo, hi] and destroys any block whose count reaches zero.
func (c *Core) freeUnmappedBlocks(lo, hi uint32) {
	for p := lo; p <= hi; p++ {
		b := BlockOf(p)
		if c.blockPages[b] > 0 {
			c.blockPages[b]--
		}
		if c.blockPages[b] == 0 && c.blockSec[b] != nil {
			_ = c.destroyBlock(b)
		}
	}
}

// Mprotect changes the guest protection of [addr, addr+length).
func (c *Core) Mprotect(addr GuestAddr, length uint32, prot Prot) error {
	if length == 0 || !pageAligned(uint32(addr)) {
		return errnoError(EINVAL)
	}
	npages := pagesFor(length)
	startPage := PageOf(addr)
	if err := c.checkRange(startPage, npages); err != nil {
		return err
	}
	endPage := startPage + npages - 1

	if !c.fullyMapped(startPage, endPage) {
		return errnoError(ENOMEM)
	}
	for p := startPage; p <= endPage; p++ {
		c.pagePROT[p] = prot
	}
	if err := c.applyHostProtect(startPage, endPage); err != nil {
		return errnoError(ENOMEM)
	}
	return nil
}

// fullyMapped reports whether every page in [startPage, endPage] is
// covered by map_list.
func (c *Core) fullyMapped(startPage, endPage uint32) bool {
	for p := startPage; p <= endPage; {
		_, e := c.pool.find(p)
		if e == nil {
			return false
		}
		p = e.end + 1
	}
	return true
}

// Brk grows the program break. Shrink is not supported.
// The heap is grown a whole page at a time
// (brkMapped tracks how many pages are already backed) even though addr
// itself need not land on a page boundary, so a later call that only grows
// the break within the same trailing page never re-issues a MAP_FIXED mmap
// against a non-page-aligned address.
func (c *Core) Brk(addr GuestAddr) (GuestAddr, error) {
	if addr <= c.brk {
		return c.brk, nil // no-op: query, or an unsupported shrink request
	}
	targetPage := PageOf(addr-1) + 1
	if targetPage > c.brkMapped {
		growPages := targetPage - c.brkMapped
		_, err := c.Mmap(PageAddr(c.brkMapped), growPages*PageSize, ProtRead|ProtWrite|ProtExec,
			MapFixed|MapAnonymous|MapPrivate|mapHeap, -1, 0)
		if err != nil {
			return c.brk, err
		}
		c.brkMapped = targetPage
	}
	c.brk = addr
	return c.brk, nil
}

func max(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func min(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
