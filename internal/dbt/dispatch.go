package dbt

// getDirectTrampoline resolves a direct branch: if targetPC is translated,
// its cache_start is returned directly (hot path, no stub at all).
// Otherwise a 16-byte stub is bump-allocated from the cache's tail and
// filled with `push imm32 patchAddr; push imm32 targetPC; jmp
// dbt_find_direct_internal`. ok is false only when the cache has no room
// left for a stub; the caller (translate.go) is responsible for flushing
// and retrying, the same cache-exhaustion contract alloc() has.
func (core *Core) getDirectTrampoline(targetPC GuestAddr, patchAddr CacheAddr) (CacheAddr, bool) {
	if desc := core.blocks.find(targetPC); desc != nil {
		return desc.cacheStart, true
	}
	stub, ok := core.cache.allocTrampoline()
	if !ok {
		return 0, false
	}
	core.writeTrampoline(stub, patchAddr, targetPC)
	return stub, true
}

// writeTrampoline fills a previously bump-allocated 16-byte stub without
// disturbing the bump cursors: it temporarily repoints out at the stub's
// address and end just past the stub, reuses the ordinary emission helpers,
// then restores both. Real position-independent code cache management would
// allocate a second cursor for this; a save/restore of the single pair is
// equivalent here because stub space and block space never overlap: they
// grow from opposite ends of the buffer.
func (core *Core) writeTrampoline(stub, patchAddr CacheAddr, targetPC GuestAddr) {
	c := core.cache
	savedOut, savedEnd := c.out, c.end
	c.out, c.end = int32(stub), int32(stub)+TrampolineSize
	c.pushImm32(uint32(patchAddr))
	c.pushImm32(uint32(targetPC))
	c.jmpRel32(core.stubs.FindDirect)
	c.write(0x90) // pad 15 -> TrampolineSize (16)
	c.out, c.end = savedOut, savedEnd
}

// FindNext implements dbt_find_next: hash-lookup pc, translating
// and inserting it into the block pool on a miss. It is the function the
// (out-of-scope) dbt_find_indirect_internal stub calls after popping a
// guest target off the stack.
func (core *Core) FindNext(pc GuestAddr) (addr CacheAddr, err error) {
	defer func() {
		if r := recover(); r != nil {
			if tf, ok := r.(*TranslationFault); ok {
				err = tf
				return
			}
			panic(r)
		}
	}()
	if desc := core.blocks.find(pc); desc != nil {
		return desc.cacheStart, nil
	}
	return core.translateBlock(pc), nil
}

// FindDirect implements dbt_find_direct: resolves pc exactly
// like FindNext, then patches the 4-byte relative displacement at
// patchAddr (the jcc/jmp inside the caller that originally targeted a
// trampoline stub) to jump straight at the freshly (or already)
// translated block. Hot direct branches chain; only the first traversal
// through a given branch site pays the indirection.
func (core *Core) FindDirect(pc GuestAddr, patchAddr CacheAddr) (CacheAddr, error) {
	target, err := core.FindNext(pc)
	if err != nil {
		return 0, err
	}
	rel := int32(target) - (int32(patchAddr) + 4)
	core.cache.patch32LE(int32(patchAddr), uint32(rel))
	return target, nil
}
