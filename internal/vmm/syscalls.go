package vmm

// This file is the guest-facing surface of the VMM: the handful of Linux
// memory syscalls the translator dispatches directly into mm_* entry
// points, each returning a non-negative guest value on success or a
// negated errno on failure, never panicking.

// SysMmap2 implements sys_mmap2: offset is already in PAGE_SIZE units.
func (c *Core) SysMmap2(addr GuestAddr, length uint32, prot Prot, flags uint32, fd int32, offsetPages uint32) int64 {
	got, err := c.Mmap(addr, length, prot, flags, fd, offsetPages)
	return errnoResult(err, int64(got))
}

// SysMmap implements the legacy sys_mmap/sys_oldmmap ABI, whose offset
// argument is in bytes and must itself be page-aligned.
func (c *Core) SysMmap(addr GuestAddr, length uint32, prot Prot, flags uint32, fd int32, offsetBytes uint32) int64 {
	if !pageAligned(offsetBytes) {
		return -int64(EINVAL)
	}
	got, err := c.Mmap(addr, length, prot, flags, fd, offsetBytes/PageSize)
	return errnoResult(err, int64(got))
}

// SysOldMmap implements sys_oldmmap, the oldest mmap entry point; its six
// arguments arrive through a guest-memory struct that the syscall
// dispatcher has already unpacked by the time this is called, so the
// semantics here are identical to SysMmap.
func (c *Core) SysOldMmap(addr GuestAddr, length uint32, prot Prot, flags uint32, fd int32, offsetBytes uint32) int64 {
	return c.SysMmap(addr, length, prot, flags, fd, offsetBytes)
}

// SysMunmap implements sys_munmap.
func (c *Core) SysMunmap(addr GuestAddr, length uint32) int64 {
	return errnoResult(c.Munmap(addr, length), 0)
}

// SysMprotect implements sys_mprotect.
func (c *Core) SysMprotect(addr GuestAddr, length uint32, prot Prot) int64 {
	return errnoResult(c.Mprotect(addr, length, prot), 0)
}

// SysBrk implements sys_brk. Linux's brk(2) never fails from the caller's
// point of view: it returns the new (or, on failure to grow, the
// unchanged) break either way, so this wrapper never reports a negative
// errno, matching real brk semantics rather than the EINVAL/ENOMEM shape of
// the other sys_* entries.
func (c *Core) SysBrk(addr GuestAddr) int64 {
	got, _ := c.Brk(addr)
	return int64(got)
}

// SysMsync, SysMlock and SysMunlock are accepted and answered successfully
// without doing anything: this core has no writeback-to-file path for
// MAP_SHARED (out of scope) and no host page-locking concept worth
// emulating, but guests that call them expect 0, not ENOSYS.
func (c *Core) SysMsync(GuestAddr, uint32, uint32) int64 { return 0 }
func (c *Core) SysMlock(GuestAddr, uint32) int64         { return 0 }
func (c *Core) SysMunlock(GuestAddr, uint32) int64       { return 0 }
