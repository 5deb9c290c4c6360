package vmm

// Guest-memory access helpers for the embedder: CopyIn and CopyOut move
// bytes in and out of guest memory, and the translator reads instruction
// bytes out one at a time through ReadByte. Every access is validated
// against page_prot first; touching an unmapped guest page is the guest's
// EFAULT, never a host crash.

// CopyIn copies data into guest memory at addr. Every touched page must be
// mapped. The guest-level PROT_WRITE bit is not checked, but the copy goes
// through the host mapping, so it only succeeds on pages whose current host
// protection allows writing; a page without it (read-only or exec-only to
// the guest, or write-suppressed after Fork) faults on the host.
func (c *Core) CopyIn(addr GuestAddr, data []byte) error {
	if err := c.checkAccess(addr, uint32(len(data))); err != nil {
		return err
	}
	copy(unsafeSlice(c.hostAddr(addr), len(data)), data)
	return nil
}

// CopyOut copies guest memory at addr into buf.
func (c *Core) CopyOut(addr GuestAddr, buf []byte) error {
	if err := c.checkAccess(addr, uint32(len(buf))); err != nil {
		return err
	}
	copy(buf, unsafeSlice(c.hostAddr(addr), len(buf)))
	return nil
}

// ReadByte reads one guest byte, the access shape the decoder consumes.
func (c *Core) ReadByte(addr GuestAddr) (byte, error) {
	if err := c.checkAccess(addr, 1); err != nil {
		return 0, err
	}
	return unsafeSlice(c.hostAddr(addr), 1)[0], nil
}

// checkAccess verifies every page of [addr, addr+length) is mapped.
func (c *Core) checkAccess(addr GuestAddr, length uint32) error {
	if length == 0 {
		return nil
	}
	end := uint64(addr) + uint64(length) - 1
	if end >= AddrSpaceSize {
		return errnoError(EFAULT)
	}
	for p := PageOf(addr); p <= PageOf(GuestAddr(end)); p++ {
		if c.pagePROT[p] == 0 {
			return errnoError(EFAULT)
		}
	}
	return nil
}
