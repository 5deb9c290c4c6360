package vmm

// Fork clones this address space: a new Core is created with its own guest
// address window, and every section backing a live block in c is shared
// into the child at the identical block-relative address via
// hostpager.Pager.Dup, rather than copied; the actual byte copy is
// deferred until one side or the other takes a write fault
// (HandlePageFault). Both sides have writeSuppressed forced on for every
// currently-mapped page regardless of what page_prot already allows: a
// page whose prior bits lacked PROT_WRITE keeps it clear, and one that had
// it set has it cleared here and restored lazily by the fault handler.
//
// The child's vfs is whatever the caller passes: a real fork(2) would want
// the child to inherit the parent's file-descriptor table, but that table
// lives entirely outside this package's scope.
func (c *Core) Fork(childVFS VFS) (*Core, error) {
	child := New(c.pager, childVFS)
	if err := child.Init(); err != nil {
		return nil, err
	}

	child.brk = c.brk
	child.brkMapped = c.brkMapped
	copy(child.pagePROT, c.pagePROT)
	copy(child.blockPages, c.blockPages)

	for b := range c.blockSec {
		sec := c.blockSec[b]
		if sec == nil {
			continue
		}
		c.pager.Dup(sec)
		blockAddr := child.hostAddr(BlockBaseAddr(uint32(b)))
		if err := child.pager.MapView(sec, blockAddr, BlockSize, c.effectiveHostProt(uint32(b)*PagesPerBlock)); err != nil {
			c.pager.Close(sec)
			return nil, err
		}
		child.blockSec[b] = sec
	}

	c.pool.each(func(_ int32, e *mapEntry) {
		idx, ok := child.pool.alloc()
		if !ok {
			return // map-entry pool exhaustion on the child is surfaced by a later fullyMapped check
		}
		ce := &child.pool.entries[idx]
		ce.start, ce.end = e.start, e.end
		ce.fd = e.fd
		ce.offsetPages = e.offsetPages
		if e.file != nil {
			if f, ok := c.vfs.Get(e.fd); ok {
				ce.file = f
			}
		}
		child.pool.insertSorted(idx)
	})

	for p := range c.pagePROT {
		if c.pagePROT[p] == 0 {
			continue
		}
		c.writeSuppressed[p] = true
		child.writeSuppressed[p] = true
	}
	for b := range c.blockSec {
		if c.blockSec[b] == nil {
			continue
		}
		lo, hi := uint32(b)*PagesPerBlock, uint32(b)*PagesPerBlock+PagesPerBlock-1
		if err := c.applyHostProtect(lo, hi); err != nil {
			return nil, err
		}
		if err := child.applyHostProtect(lo, hi); err != nil {
			return nil, err
		}
	}

	return child, nil
}
