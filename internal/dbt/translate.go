package dbt

import (
	"fmt"
	"os"
)

// cacheFull is the sentinel unwound when the cache cannot fit another
// trampoline stub or translated block. translateBlock recovers it, flushes,
// and retries; cache exhaustion is an expected event, not an error.
type cacheFull struct{}

// segGS is the segment-register encoding of GS in a MOV Sw,Ew / MOV Ew,Sw
// reg field; the only selector the translator emulates.
const segGS = 5

// translateBlock translates the guest basic block starting at pc and
// returns its cache address. The retry-after-flush is guaranteed to
// succeed: after a flush the cache is empty, and a single block plus its
// trampolines always fits an empty cache.
func (core *Core) translateBlock(pc GuestAddr) CacheAddr {
	for attempt := 0; ; attempt++ {
		addr, ok := core.tryTranslateBlock(pc)
		if ok {
			return addr
		}
		if attempt > 0 {
			fatalf(pc, 0, false, "block does not fit an empty cache")
		}
		core.flush()
	}
}

// tryTranslateBlock makes one attempt at translating the block at pc.
// ok is false when the descriptor pool or cache space ran out mid-way;
// everything emitted so far is garbage the caller's flush discards.
func (core *Core) tryTranslateBlock(pc GuestAddr) (addr CacheAddr, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, full := r.(cacheFull); full {
				addr, ok = 0, false
				return
			}
			panic(r)
		}
	}()

	// Allocation fails when the descriptor pool is exhausted or the
	// remaining cache capacity is below BlockMaxSize.
	if core.cache.remaining() < BlockMaxSize {
		return 0, false
	}
	core.cache.alignOut(16)
	start := CacheAddr(core.cache.out)
	desc, allocated := core.blocks.alloc(pc, start)
	if !allocated {
		return 0, false
	}

	if Verbose {
		fmt.Fprintf(os.Stderr, "dbt: translate %s ->%s\n", pc, start)
	}

	cur := pc
	for {
		d := decodeAt(core.mem, cur)
		if Verbose {
			fmt.Fprintf(os.Stderr, "dbt:   %s %s:", cur, d.desc.mnemonic)
		}
		terminated := core.translateOne(d)
		if Verbose {
			fmt.Fprintln(os.Stderr)
		}
		if terminated {
			break
		}
		cur += GuestAddr(d.length)
	}
	return desc.cacheStart, true
}

// translateOne emits host code for one decoded instruction and reports
// whether it terminated the block.
func (core *Core) translateOne(d *decoded) bool {
	c := core.cache
	nextPC := d.pc + GuestAddr(d.length)

	switch d.desc.category {
	case catNormal:
		core.emitNormal(d)
		return false

	case catCallDirect:
		// push imm32(return-PC); jmp trampoline(target).
		c.pushImm32(uint32(nextPC))
		core.emitJmpToTrampoline(nextPC + GuestAddr(int32(d.imm)))
		return true

	case catCallIndirect:
		// The push of the return PC moves ESP before the target operand is
		// read, so an ESP-relative operand must see through it.
		c.pushImm32(uint32(nextPC))
		rm := d.rm
		if !rm.isReg && rm.hasSIB && !rm.sibNoBase && rm.sibBase == byte(ESP) {
			rm.disp += 4
		}
		c.write(0xFF)
		c.emitModRM(6, rm) // push r/m32: the guest target
		c.jmpRel32(core.stubs.FindIndirect)
		return true

	case catRet:
		// Top of stack already holds the return PC the indirect dispatcher
		// consumes.
		c.jmpRel32(core.stubs.FindIndirect)
		return true

	case catRetn:
		// Copy the return address to where it must sit once the n argument
		// bytes are unwound, then adjust ESP to that spot.
		n := int32(uint16(d.imm))
		rm := rmOperand{hasSIB: true, index: 4, sibBase: byte(ESP), disp: n - 4}
		c.write(0x8F)
		c.emitModRM(0, rm) // pop [esp + n - 4]
		c.write(0x8D)
		c.emitModRM(byte(ESP), rm) // lea esp, [esp + n - 4]
		c.jmpRel32(core.stubs.FindIndirect)
		return true

	case catJmpDirect:
		target := nextPC + GuestAddr(signedImm(d))
		core.emitJmpToTrampoline(target)
		return true

	case catJmpIndirect:
		c.write(0xFF)
		c.emitModRM(6, d.rm) // push r/m32
		c.jmpRel32(core.stubs.FindIndirect)
		return true

	case catJcc:
		taken := nextPC + GuestAddr(signedImm(d))
		core.emitJccToTrampoline(d.desc.cond, taken)
		core.emitJmpToTrampoline(nextPC)
		return true

	case catJccRel8:
		// LOOP/LOOPE/LOOPNE/JCXZ exist only in rel8 form, so the original
		// opcode is kept and pointed two bytes ahead, at a rel32 jump into
		// the taken trampoline; a short jump in between skips it on the
		// fall-through path: op $+2; jmp $+5; jmp taken; jmp fallthrough.
		taken := nextPC + GuestAddr(int32(int8(d.imm)))
		c.write(d.opcode)
		c.write(0x02)
		c.jmpRel8(0x05)
		core.emitJmpToTrampoline(taken)
		core.emitJmpToTrampoline(nextPC)
		return true

	case catInt:
		if d.imm != 0x80 {
			fatalf(d.pc, d.opcode, d.escape0f, "unsupported interrupt %#02x", d.imm)
		}
		c.callPlaceholder(core.stubs.SyscallHandler)
		return false

	case catMovFromSeg:
		core.emitMovFromSeg(d)
		return false

	case catMovToSeg:
		core.emitMovToSeg(d)
		return false

	default:
		fatalf(d.pc, d.opcode, d.escape0f, "category %d has no translation rule", d.desc.category)
		return true
	}
}

// emitNormal re-emits the instruction as decoded: prefixes, opcode, a
// ModR/M regenerated from the decoded r/rm fields, and the original
// immediate bytes verbatim.
func (core *Core) emitNormal(d *decoded) {
	c := core.cache
	if d.repPrefix {
		c.write(d.repByte)
	}
	if d.opsizePrefix {
		c.write(0x66)
	}
	if d.escape0f {
		c.write(0x0F)
	}
	c.write(d.opcode)
	if d.hasModRM {
		c.emitModRM(d.reg, d.rm)
	}
	for i := 0; i < d.immBytes; i++ {
		c.write(byte(d.imm >> (8 * i)))
	}
}

// emitJmpToTrampoline lays down `jmp rel32` aimed at the direct trampoline
// (or, when the target is already translated, straight at its block) and
// registers the displacement's own position as the chaining patch
// address.
func (core *Core) emitJmpToTrampoline(target GuestAddr) {
	patch := core.cache.jmpRel32(0) // displacement patched by resolveBranch
	core.resolveBranch(target, patch)
}

// emitJccToTrampoline is emitJmpToTrampoline for a conditional branch
// (two-byte 0F 8x opcode).
func (core *Core) emitJccToTrampoline(cond JumpCondition, target GuestAddr) {
	patch := core.cache.jccRel32(cond, 0)
	core.resolveBranch(target, patch)
}

// resolveBranch fills the displacement at patch with whatever
// getDirectTrampoline answers for target, unwinding cacheFull when the stub
// allocation fails.
func (core *Core) resolveBranch(target GuestAddr, patch CacheAddr) {
	tramp, ok := core.getDirectTrampoline(target, patch)
	if !ok {
		panic(cacheFull{})
	}
	core.cache.patch32LE(int32(patch), uint32(int32(tramp)-(int32(patch)+4)))
}

// pickScratchFor picks the spill register for the segment-move rewrites:
// any GPR not touched by the instruction's operands or implicit uses.
func pickScratchFor(d *decoded) Reg {
	avoid := d.rm.regSetOf() | d.desc.uses
	t, ok := PickScratch(avoid)
	if !ok {
		fatalf(d.pc, d.opcode, d.escape0f, "no scratch register available")
	}
	return t
}

// emitMovFromSeg rewrites `mov r/m, gs`: the emulated
// selector lives in the fs:[gs] slot, so a scratch register carries it to
// wherever the guest wanted it, spilled around via fs:[scratch].
func (core *Core) emitMovFromSeg(d *decoded) {
	if d.reg != segGS {
		fatalf(d.pc, d.opcode, d.escape0f, "mov from segment %d (only gs is emulated)", d.reg)
	}
	c := core.cache
	t := pickScratchFor(d)

	c.movFSFromReg(core.tls.Scratch, t)
	c.movRegFromFS(t, core.tls.GS)
	c.write(0x89)
	c.emitModRM(byte(t), d.rm)
	c.movRegFromFS(t, core.tls.Scratch)
}

// emitMovToSeg rewrites `mov gs, r/m`: store the new
// selector into fs:[gs], derive its slot index (selector >> 3), resolve the
// slot's fs-relative offset through tls_slot_to_offset under a mini
// prologue that preserves EAX/ECX/EDX, read the slot's thread-base address
// through fs, and cache it in fs:[gs_addr] for later gs-relative rewrites.
// Flags survive the whole sequence via pushfd/popfd.
func (core *Core) emitMovToSeg(d *decoded) {
	if d.reg != segGS {
		fatalf(d.pc, d.opcode, d.escape0f, "mov to segment %d (only gs is emulated)", d.reg)
	}
	c := core.cache
	t := pickScratchFor(d)

	c.movFSFromReg(core.tls.Scratch, t)
	c.write(0x8B)
	c.emitModRM(byte(t), d.rm) // t = new selector
	c.pushfd()
	c.movFSFromReg(core.tls.GS, t)
	c.shrRegImm8(t, 3) // slot index

	c.pushReg(EAX)
	c.pushReg(ECX)
	c.pushReg(EDX)
	c.pushReg(t) // cdecl argument: slot
	c.callPlaceholder(core.stubs.TLSSlotToOffset)
	c.addESPImm8(4)
	c.movRegFromRegIndirectFS(EAX, EAX) // eax = fs:[offset] = thread base for slot
	c.movFSFromReg(core.tls.GSAddr, EAX)
	c.popReg(EDX)
	c.popReg(ECX)
	c.popReg(EAX)

	c.popfd()
	c.movRegFromFS(t, core.tls.Scratch)
}

// signedImm sign-extends the branch displacement immediate to 32 bits.
func signedImm(d *decoded) int32 {
	switch d.immBytes {
	case 1:
		return int32(int8(d.imm))
	case 2:
		return int32(int16(d.imm))
	default:
		return int32(d.imm)
	}
}
