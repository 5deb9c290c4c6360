package dbt

// GuestMemory is the read-only view of guest memory the decoder needs: one
// byte at a time, starting at an instruction boundary. Kept as a narrow
// interface (rather than importing internal/vmm directly) so this package
// stays decoupled from the memory manager; cmd/dbt32run is the only place
// that ties a *vmm.Core's memory to a dbt.GuestMemory.
type GuestMemory interface {
	ReadByte(addr GuestAddr) byte
}

// rmOperand is the decoded ModR/M "rm" operand: either a bare register or a
// memory reference, optionally through a SIB byte.
type rmOperand struct {
	isReg      bool
	base       uint8 // register encoding (register form) or SIB/disp32-only base
	hasSIB     bool
	scale      uint8
	index      uint8 // 4 means "no index" (disabled)
	sibBase    uint8
	sibNoBase  bool // SIB base==5 with mod==0: disp32, no base register
	disp       int32
	disp32Only bool // mod==0 && rm==5: disp32 with no base register
}

// regSetOf builds a regSet covering whichever of rm.base/rm.index
// participate as registers, for the scratch picker's exclusion set. The
// ModR/M "r" field is not part of the operand and is not included.
func (rm rmOperand) regSetOf() regSet {
	var s regSet
	if rm.isReg {
		s |= 1 << uint(rm.base&7)
	} else if rm.hasSIB {
		if !rm.sibNoBase {
			s |= 1 << uint(rm.sibBase&7)
		}
		if rm.index != 4 {
			s |= 1 << uint(rm.index&7)
		}
	} else if !rm.disp32Only {
		s |= 1 << uint(rm.base&7)
	}
	return s
}

// decoded is the decoder's output record: prefixes, opcode, ModR/M
// fields, immediate, and the opcode's table descriptor.
type decoded struct {
	pc     GuestAddr
	length uint32

	opsizePrefix bool
	repPrefix    bool
	repByte      uint8 // 0xF2 or 0xF3 when repPrefix, else 0; re-emitted verbatim
	escape0f     bool
	opcode       uint8

	hasModRM bool
	reg      uint8 // the "r" field: register or opcode-extension selector
	rm       rmOperand

	immBytes int
	imm      uint32

	desc opDesc
}

// decodeAt decodes the instruction at pc. Unsupported prefixes and opcodes
// classified unknown/invalid/privileged/unsupported panic with a
// *TranslationFault; every other return is a fully
// populated decoded record ready for translate.go to act on.
func decodeAt(mem GuestMemory, pc GuestAddr) *decoded {
	cur := pc
	next := func() uint8 {
		b := mem.ReadByte(cur)
		cur++
		return b
	}

	d := &decoded{pc: pc}

	// Prefix loop: F2/F3/66 are recognized, everything else in the
	// fatal-unsupported set aborts translation outright.
prefixes:
	for {
		b := mem.ReadByte(cur)
		switch b {
		case 0xF2, 0xF3:
			d.repPrefix = true
			d.repByte = b
			cur++
		case 0x66:
			d.opsizePrefix = true
			cur++
		case 0xF0, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65, 0x67:
			fatalf(pc, b, false, "unsupported prefix")
		default:
			break prefixes
		}
	}

	op := next()
	if op == 0x0F {
		d.escape0f = true
		op = next()
	}
	d.opcode = op

	var desc opDesc
	if d.escape0f {
		desc = twoByteTable[op]
	} else {
		desc = oneByteTable[op]
	}
	if desc.category == catExtension {
		// The ModR/M reg field selects among an opcode-extension group
		// (e.g. FF /2 = CALL_INDIRECT, FF /4 = JMP_INDIRECT); peek it
		// without consuming, same as real ModR/M parsing below.
		modrmByte := mem.ReadByte(cur)
		ext := (modrmByte >> 3) & 7
		if int(ext) >= len(desc.extTable) {
			fatalf(pc, op, d.escape0f, "opcode extension %d out of range", ext)
		}
		desc = desc.extTable[ext]
	}
	switch desc.category {
	case catUnknown, catInvalid, catPrivileged, catUnsupported:
		fatalf(pc, op, d.escape0f, "%s opcode", desc.category)
	}
	d.desc = desc
	d.hasModRM = desc.hasModRM

	if d.hasModRM {
		modrmByte := next()
		mod := modrmByte >> 6
		regField := (modrmByte >> 3) & 7
		rmField := modrmByte & 7
		d.reg = regField

		switch {
		case mod == 3:
			d.rm = rmOperand{isReg: true, base: rmField}
		case rmField == 4:
			sibByte := next()
			scale := sibByte >> 6
			index := (sibByte >> 3) & 7
			base := sibByte & 7
			rm := rmOperand{hasSIB: true, scale: scale, index: index, sibBase: base}
			if index == 4 {
				rm.index = 4
			}
			if base == 5 && mod == 0 {
				rm.sibNoBase = true
				rm.disp = int32(readDisp32(next))
			} else if mod == 1 {
				rm.disp = int32(int8(next()))
			} else if mod == 2 {
				rm.disp = int32(readDisp32(next))
			}
			d.rm = rm
		case rmField == 5 && mod == 0:
			d.rm = rmOperand{disp32Only: true, base: 5, disp: int32(readDisp32(next))}
		default:
			rm := rmOperand{base: rmField}
			if mod == 1 {
				rm.disp = int32(int8(next()))
			} else if mod == 2 {
				rm.disp = int32(readDisp32(next))
			}
			d.rm = rm
		}
	}

	immBytes := desc.immBytes
	if immBytes == immOperandSize {
		if d.opsizePrefix {
			immBytes = 2
		} else {
			immBytes = 4
		}
	}
	d.immBytes = immBytes
	for i := 0; i < immBytes; i++ {
		d.imm |= uint32(next()) << (8 * i)
	}

	d.length = uint32(cur - pc)
	return d
}

// readDisp32 reads a little-endian 32-bit displacement by calling next four
// times in order (LSB first).
func readDisp32(next func() uint8) uint32 {
	v0, v1, v2, v3 := next(), next(), next(), next()
	return uint32(v0) | uint32(v1)<<8 | uint32(v2)<<16 | uint32(v3)<<24
}
