package dbt

// Generic host-code emission helpers shared by translate.go's per-category
// rewrites. Every instruction is built from its opcode and ModR/M/SIB
// fields directly; no assembler, no external encoder.

const fsPrefix = 0x64

func (c *Cache) pushImm32(v uint32) {
	c.write(0x68)
	c.write32LE(v)
}

func (c *Cache) pushReg(r Reg) { c.write(0x50 + byte(r)) }
func (c *Cache) popReg(r Reg)  { c.write(0x58 + byte(r)) }

func (c *Cache) pushfd() { c.write(0x9C) }
func (c *Cache) popfd()  { c.write(0x9D) }

// movRegReg emits `mov dst, src` (opcode 0x89, ModR/M mod=3).
func (c *Cache) movRegReg(dst, src Reg) {
	c.write(0x89)
	c.write(modrm(3, byte(src), byte(dst)))
}

// movRegFromFS emits `mov dst, fs:[disp32]`; a disp32-only (mod=0, rm=5)
// memory operand with the FS segment-override prefix, the addressing mode
// every per-thread TLS slot access in this package uses.
func (c *Cache) movRegFromFS(dst Reg, disp32 uint32) {
	c.write(fsPrefix)
	c.write(0x8B)
	c.write(modrm(0, byte(dst), 5))
	c.write32LE(disp32)
}

// movFSFromReg emits `mov fs:[disp32], src`.
func (c *Cache) movFSFromReg(disp32 uint32, src Reg) {
	c.write(fsPrefix)
	c.write(0x89)
	c.write(modrm(0, byte(src), 5))
	c.write32LE(disp32)
}

// movRegFromRegIndirectFS emits `mov dst, fs:[base]` (register-indirect,
// no displacement); used for the "read fs:[EAX]" step of MOV_TO_SEG.
func (c *Cache) movRegFromRegIndirectFS(dst, base Reg) {
	c.write(fsPrefix)
	c.write(0x8B)
	c.write(modrm(0, byte(dst), byte(base)))
}

// addESPImm8 emits `add esp, imm8` (group-1 opcode 0x83, extension /0),
// the argument-cleanup step after a cdecl call.
func (c *Cache) addESPImm8(imm8 uint8) {
	c.write(0x83)
	c.write(modrm(3, 0, byte(ESP)))
	c.write(imm8)
}

// shrRegImm8 emits `shr dst, imm8` (group-2 opcode 0xC1, extension /5).
func (c *Cache) shrRegImm8(dst Reg, imm8 uint8) {
	c.write(0xC1)
	c.write(modrm(3, 5, byte(dst)))
	c.write(imm8)
}

// callPlaceholder emits a near relative CALL to a fixed cache-relative
// target. The actual callee (tls_slot_to_offset, syscall_handler, ...) lives in the
// out-of-scope assembly runtime, so `target` is whatever placeholder
// address the embedder configured for it (see Core.stubs).
func (c *Cache) callPlaceholder(target CacheAddr) {
	c.write(0xE8)
	rel := int32(target) - (int32(c.out) + 4)
	c.write32LE(uint32(rel))
}

// jmpRel32 emits an unconditional near jump and returns the CacheAddr of
// its 4-byte displacement field, so the caller can either fill it in
// immediately (a fixed stub target) or hand that position to the
// dispatcher as a trampoline's patch_addr.
func (c *Cache) jmpRel32(target CacheAddr) CacheAddr {
	c.write(0xE9)
	patchAt := CacheAddr(c.out)
	rel := int32(target) - (int32(c.out) + 4)
	c.write32LE(uint32(rel))
	return patchAt
}

// jccRel32 emits a two-byte-opcode conditional near jump (0F 8x) and
// returns its displacement field's CacheAddr.
func (c *Cache) jccRel32(cond JumpCondition, target CacheAddr) CacheAddr {
	c.write(0x0F)
	c.write(cond.opcode())
	patchAt := CacheAddr(c.out)
	rel := int32(target) - (int32(c.out) + 4)
	c.write32LE(uint32(rel))
	return patchAt
}

// jmpRel8 emits a short unconditional jump with a literal 8-bit
// displacement (used only by the JCC_REL8 rewrite's fixed "jmp $+5").
func (c *Cache) jmpRel8(rel8 int8) {
	c.write(0xEB)
	c.write(byte(rel8))
}
