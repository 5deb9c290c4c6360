package dbt

// instrCategory tags each opcode with the instruction family governing its
// translation rule in translate.go, so the translator dispatches on one
// small enum instead of raw opcode values.
type instrCategory uint8

const (
	catNormal instrCategory = iota
	catCallDirect
	catCallIndirect
	catRet
	catRetn
	catJmpDirect
	catJmpIndirect
	catJcc
	catJccRel8
	catInt
	catMovFromSeg
	catMovToSeg
	catExtension // dispatch through opDesc.extTable[reg field]
	catUnknown
	catInvalid
	catPrivileged
	catUnsupported
)

func (c instrCategory) String() string {
	switch c {
	case catUnknown:
		return "unknown"
	case catInvalid:
		return "invalid"
	case catPrivileged:
		return "privileged"
	case catUnsupported:
		return "unsupported"
	default:
		return "fatal"
	}
}

// immOperandSize is the operand-size-dependent sentinel: the actual
// immediate width depends on the 0x66 prefix and is resolved at decode time.
const immOperandSize = -1

// opDesc is the per-opcode (or per-extension-group) metadata the decoder
// and translator consult: whether ModR/M follows, how many immediate
// bytes, which category governs translation, and (for JCC) which
// condition code. JCC_REL8 rows leave cond unset: their rewrite keeps the
// original opcode byte instead.
type opDesc struct {
	category instrCategory
	hasModRM bool
	immBytes int
	extTable []opDesc // populated only when category == catExtension
	cond     JumpCondition
	mnemonic string
	// uses holds the registers the instruction reads or writes implicitly
	// (beyond its ModR/M operands); the scratch picker must avoid them.
	uses regSet
}

var oneByteTable [256]opDesc
var twoByteTable [256]opDesc

func init() {
	for i := range oneByteTable {
		oneByteTable[i] = opDesc{category: catUnknown, mnemonic: "??"}
	}
	for i := range twoByteTable {
		twoByteTable[i] = opDesc{category: catUnknown, mnemonic: "0F ??"}
	}

	// Arithmetic group opcodes (ADD/OR/ADC/SBB/AND/SUB/XOR/CMP), each
	// occupying a contiguous block of 8: /r Eb,Gb; /r Ev,Gv; /r Gb,Eb;
	// /r Gv,Ev; AL,Ib; eAX,Iz. The two segment push/pop slots each group
	// reserves (+6, +7) are left catUnknown: segment registers are out of
	// this core's scope beyond the GS-only MOV_FROM_SEG/MOV_TO_SEG special
	// case.
	names := [8]string{"add", "or", "adc", "sbb", "and", "sub", "xor", "cmp"}
	for g := 0; g < 8; g++ {
		base := uint8(g * 8)
		n := names[g]
		oneByteTable[base+0] = opDesc{category: catNormal, hasModRM: true, mnemonic: n}
		oneByteTable[base+1] = opDesc{category: catNormal, hasModRM: true, mnemonic: n}
		oneByteTable[base+2] = opDesc{category: catNormal, hasModRM: true, mnemonic: n}
		oneByteTable[base+3] = opDesc{category: catNormal, hasModRM: true, mnemonic: n}
		oneByteTable[base+4] = opDesc{category: catNormal, immBytes: 1, mnemonic: n}
		oneByteTable[base+5] = opDesc{category: catNormal, immBytes: immOperandSize, mnemonic: n}
	}

	// INC/DEC r32 (0x40-0x4F) and PUSH/POP r32 (0x50-0x5F): single-byte,
	// register encoded in the opcode's low 3 bits, no ModR/M.
	for r := uint8(0); r < 8; r++ {
		oneByteTable[0x40+r] = opDesc{category: catNormal, mnemonic: "inc"}
		oneByteTable[0x48+r] = opDesc{category: catNormal, mnemonic: "dec"}
		oneByteTable[0x50+r] = opDesc{category: catNormal, mnemonic: "push"}
		oneByteTable[0x58+r] = opDesc{category: catNormal, mnemonic: "pop"}
	}

	oneByteTable[0x68] = opDesc{category: catNormal, immBytes: immOperandSize, mnemonic: "push"} // push imm32/16
	oneByteTable[0x6A] = opDesc{category: catNormal, immBytes: 1, mnemonic: "push"}               // push imm8

	// Jcc rel8 (0x70-0x7F): all sixteen condition codes.
	for i, cond := range jccConditionOrder {
		oneByteTable[0x70+uint8(i)] = opDesc{category: catJcc, immBytes: 1, cond: cond, mnemonic: "j" + cond.String()}
	}

	oneByteTable[0x69] = opDesc{category: catNormal, hasModRM: true, immBytes: immOperandSize, mnemonic: "imul"}
	oneByteTable[0x6B] = opDesc{category: catNormal, hasModRM: true, immBytes: 1, mnemonic: "imul"}

	oneByteTable[0x84] = opDesc{category: catNormal, hasModRM: true, mnemonic: "test"} // test Eb,Gb
	oneByteTable[0x85] = opDesc{category: catNormal, hasModRM: true, mnemonic: "test"} // test Ev,Gv
	oneByteTable[0x86] = opDesc{category: catNormal, hasModRM: true, mnemonic: "xchg"}
	oneByteTable[0x87] = opDesc{category: catNormal, hasModRM: true, mnemonic: "xchg"}

	// MOV Eb,Gb / Ev,Gv / Gb,Eb / Gv,Ev (0x88-0x8B).
	oneByteTable[0x88] = opDesc{category: catNormal, hasModRM: true, mnemonic: "mov"}
	oneByteTable[0x89] = opDesc{category: catNormal, hasModRM: true, mnemonic: "mov"}
	oneByteTable[0x8A] = opDesc{category: catNormal, hasModRM: true, mnemonic: "mov"}
	oneByteTable[0x8B] = opDesc{category: catNormal, hasModRM: true, mnemonic: "mov"}
	// MOV Ew,Sw / MOV Sw,Ew (0x8C/0x8E): only the GS case (reg field 5) is
	// supported; translate.go rejects any other segment selector.
	oneByteTable[0x8C] = opDesc{category: catMovFromSeg, hasModRM: true, mnemonic: "mov"}
	oneByteTable[0x8E] = opDesc{category: catMovToSeg, hasModRM: true, mnemonic: "mov"}
	oneByteTable[0x8D] = opDesc{category: catNormal, hasModRM: true, mnemonic: "lea"}
	oneByteTable[0x8F] = opDesc{category: catNormal, hasModRM: true, mnemonic: "pop"} // POP r/m32 (group 1A /0)

	// 0x90 doubles as NOP and XCHG eAX,eAX; either way it passes through.
	// 0x91-0x97 exchange eAX with the register in the low opcode bits.
	oneByteTable[0x90] = opDesc{category: catNormal, mnemonic: "nop"}
	for r := uint8(1); r < 8; r++ {
		oneByteTable[0x90+r] = opDesc{category: catNormal, mnemonic: "xchg", uses: newRegSet(EAX)}
	}
	oneByteTable[0x98] = opDesc{category: catNormal, mnemonic: "cwde", uses: newRegSet(EAX)}
	oneByteTable[0x99] = opDesc{category: catNormal, mnemonic: "cdq", uses: newRegSet(EAX, EDX)}
	oneByteTable[0x9C] = opDesc{category: catNormal, mnemonic: "pushf"}
	oneByteTable[0x9D] = opDesc{category: catNormal, mnemonic: "popf"}
	oneByteTable[0x9E] = opDesc{category: catNormal, mnemonic: "sahf", uses: newRegSet(EAX)}
	oneByteTable[0x9F] = opDesc{category: catNormal, mnemonic: "lahf", uses: newRegSet(EAX)}

	// MOV AL/eAX, moffs and back (0xA0-0xA3): always a 32-bit absolute
	// address operand, no ModR/M.
	for op := uint8(0xA0); op <= 0xA3; op++ {
		oneByteTable[op] = opDesc{category: catNormal, immBytes: 4, mnemonic: "mov", uses: newRegSet(EAX)}
	}

	// String instructions (MOVS/CMPS/STOS/LODS/SCAS): implicit ESI/EDI
	// operands, optionally under a REP/REPNE prefix, passed through
	// untouched.
	oneByteTable[0xA4] = opDesc{category: catNormal, mnemonic: "movsb", uses: newRegSet(ESI, EDI)}
	oneByteTable[0xA5] = opDesc{category: catNormal, mnemonic: "movsd", uses: newRegSet(ESI, EDI)}
	oneByteTable[0xA6] = opDesc{category: catNormal, mnemonic: "cmpsb", uses: newRegSet(ESI, EDI)}
	oneByteTable[0xA7] = opDesc{category: catNormal, mnemonic: "cmpsd", uses: newRegSet(ESI, EDI)}
	oneByteTable[0xA8] = opDesc{category: catNormal, immBytes: 1, mnemonic: "test", uses: newRegSet(EAX)}
	oneByteTable[0xA9] = opDesc{category: catNormal, immBytes: immOperandSize, mnemonic: "test", uses: newRegSet(EAX)}
	oneByteTable[0xAA] = opDesc{category: catNormal, mnemonic: "stosb", uses: newRegSet(EAX, EDI)}
	oneByteTable[0xAB] = opDesc{category: catNormal, mnemonic: "stosd", uses: newRegSet(EAX, EDI)}
	oneByteTable[0xAC] = opDesc{category: catNormal, mnemonic: "lodsb", uses: newRegSet(EAX, ESI)}
	oneByteTable[0xAD] = opDesc{category: catNormal, mnemonic: "lodsd", uses: newRegSet(EAX, ESI)}
	oneByteTable[0xAE] = opDesc{category: catNormal, mnemonic: "scasb", uses: newRegSet(EAX, EDI)}
	oneByteTable[0xAF] = opDesc{category: catNormal, mnemonic: "scasd", uses: newRegSet(EAX, EDI)}

	// MOV r8, imm8 (0xB0-0xB7).
	for r := uint8(0); r < 8; r++ {
		oneByteTable[0xB0+r] = opDesc{category: catNormal, immBytes: 1, mnemonic: "mov"}
	}

	// MOV eAX/eCX/../eDI, Iz (0xB8-0xBF): register in opcode low bits.
	for r := uint8(0); r < 8; r++ {
		oneByteTable[0xB8+r] = opDesc{category: catNormal, immBytes: immOperandSize, mnemonic: "mov"}
	}

	// Shift/rotate group (0xC0/0xC1 with Ib, 0xD0-0xD3 with implicit 1 or
	// CL count) all dispatch through a ModR/M opcode-extension selector.
	oneByteTable[0xC0] = opDesc{category: catNormal, hasModRM: true, immBytes: 1, mnemonic: "shift"}
	oneByteTable[0xC1] = opDesc{category: catNormal, hasModRM: true, immBytes: 1, mnemonic: "shift"}
	oneByteTable[0xD0] = opDesc{category: catNormal, hasModRM: true, mnemonic: "shift"}
	oneByteTable[0xD1] = opDesc{category: catNormal, hasModRM: true, mnemonic: "shift"}
	oneByteTable[0xD2] = opDesc{category: catNormal, hasModRM: true, mnemonic: "shift"}
	oneByteTable[0xD3] = opDesc{category: catNormal, hasModRM: true, mnemonic: "shift"}

	oneByteTable[0xC2] = opDesc{category: catRetn, immBytes: 2, mnemonic: "ret"}
	oneByteTable[0xC3] = opDesc{category: catRet, mnemonic: "ret"}
	oneByteTable[0xC6] = opDesc{category: catNormal, hasModRM: true, immBytes: 1, mnemonic: "mov"}          // MOV Eb,Ib
	oneByteTable[0xC7] = opDesc{category: catNormal, hasModRM: true, immBytes: immOperandSize, mnemonic: "mov"} // MOV Ev,Iz
	oneByteTable[0xC8] = opDesc{category: catNormal, immBytes: 3, mnemonic: "enter"} // imm16 frame size + imm8 nesting
	oneByteTable[0xC9] = opDesc{category: catNormal, mnemonic: "leave", uses: newRegSet(EBP)}

	oneByteTable[0xCC] = opDesc{category: catUnsupported, mnemonic: "int3"}
	oneByteTable[0xCD] = opDesc{category: catInt, immBytes: 1, mnemonic: "int"}
	oneByteTable[0xCE] = opDesc{category: catUnsupported, mnemonic: "into"}
	oneByteTable[0xCF] = opDesc{category: catPrivileged, mnemonic: "iret"}

	// LOOP/LOOPE/LOOPNE/JCXZ (0xE0-0xE3): conditional branches that exist
	// only in short form, with their own rewrite rule.
	oneByteTable[0xE0] = opDesc{category: catJccRel8, immBytes: 1, mnemonic: "loopne"}
	oneByteTable[0xE1] = opDesc{category: catJccRel8, immBytes: 1, mnemonic: "loope"}
	oneByteTable[0xE2] = opDesc{category: catJccRel8, immBytes: 1, mnemonic: "loop"}
	oneByteTable[0xE3] = opDesc{category: catJccRel8, immBytes: 1, mnemonic: "jcxz"}

	// Port I/O (0xE4-0xE7, 0xEC-0xEF) traps to ring 0 on any modern OS; a
	// user-mode guest executing these is beyond what this core translates.
	for _, op := range []uint8{0xE4, 0xE5, 0xE6, 0xE7, 0xEC, 0xED, 0xEE, 0xEF} {
		oneByteTable[op] = opDesc{category: catPrivileged, mnemonic: "in/out"}
	}

	oneByteTable[0xE8] = opDesc{category: catCallDirect, immBytes: 4, mnemonic: "call"}
	oneByteTable[0xE9] = opDesc{category: catJmpDirect, immBytes: 4, mnemonic: "jmp"}
	oneByteTable[0xEA] = opDesc{category: catUnsupported, mnemonic: "jmpf"}
	oneByteTable[0xEB] = opDesc{category: catJmpDirect, immBytes: 1, mnemonic: "jmp"}

	oneByteTable[0xF4] = opDesc{category: catPrivileged, mnemonic: "hlt"}
	oneByteTable[0xF5] = opDesc{category: catNormal, mnemonic: "cmc"}

	// Group 3 (0xF6/0xF7): TEST takes an immediate, the rest do not, so the
	// group must dispatch per extension before the decoder can know the
	// instruction's length.
	group3 := func(imm int) []opDesc {
		return []opDesc{
			{category: catNormal, hasModRM: true, immBytes: imm, mnemonic: "test"},
			{category: catInvalid, hasModRM: true, mnemonic: "(ud)"},
			{category: catNormal, hasModRM: true, mnemonic: "not"},
			{category: catNormal, hasModRM: true, mnemonic: "neg"},
			{category: catNormal, hasModRM: true, mnemonic: "mul", uses: newRegSet(EAX, EDX)},
			{category: catNormal, hasModRM: true, mnemonic: "imul", uses: newRegSet(EAX, EDX)},
			{category: catNormal, hasModRM: true, mnemonic: "div", uses: newRegSet(EAX, EDX)},
			{category: catNormal, hasModRM: true, mnemonic: "idiv", uses: newRegSet(EAX, EDX)},
		}
	}
	oneByteTable[0xF6] = opDesc{category: catExtension, hasModRM: true, extTable: group3(1)}
	oneByteTable[0xF7] = opDesc{category: catExtension, hasModRM: true, extTable: group3(immOperandSize)}

	oneByteTable[0xF8] = opDesc{category: catNormal, mnemonic: "clc"}
	oneByteTable[0xF9] = opDesc{category: catNormal, mnemonic: "stc"}
	oneByteTable[0xFA] = opDesc{category: catPrivileged, mnemonic: "cli"}
	oneByteTable[0xFB] = opDesc{category: catPrivileged, mnemonic: "sti"}
	oneByteTable[0xFC] = opDesc{category: catNormal, mnemonic: "cld"}
	oneByteTable[0xFD] = opDesc{category: catNormal, mnemonic: "std"}

	// Arithmetic/logic immediate group (0x80-0x83): opcode-extension via
	// the ModR/M reg field selects ADD/OR/ADC/SBB/AND/SUB/XOR/CMP.
	oneByteTable[0x80] = opDesc{category: catNormal, hasModRM: true, immBytes: 1, mnemonic: "alu8"}
	oneByteTable[0x81] = opDesc{category: catNormal, hasModRM: true, immBytes: immOperandSize, mnemonic: "alu32"}
	oneByteTable[0x83] = opDesc{category: catNormal, hasModRM: true, immBytes: 1, mnemonic: "alu32s8"}

	// 0xFE/0xFF: INC/DEC/CALL/JMP/PUSH opcode-extension group; the one
	// place the CALL_INDIRECT and JMP_INDIRECT categories live.
	oneByteTable[0xFE] = opDesc{category: catExtension, hasModRM: true, extTable: []opDesc{
		{category: catNormal, hasModRM: true, mnemonic: "inc"},
		{category: catNormal, hasModRM: true, mnemonic: "dec"},
	}}
	oneByteTable[0xFF] = opDesc{category: catExtension, hasModRM: true, extTable: []opDesc{
		{category: catNormal, hasModRM: true, mnemonic: "inc"},
		{category: catNormal, hasModRM: true, mnemonic: "dec"},
		{category: catCallIndirect, hasModRM: true, mnemonic: "call"},
		{category: catUnsupported, hasModRM: true, mnemonic: "callf"},
		{category: catJmpIndirect, hasModRM: true, mnemonic: "jmp"},
		{category: catUnsupported, hasModRM: true, mnemonic: "jmpf"},
		{category: catNormal, hasModRM: true, mnemonic: "push"},
		{category: catInvalid, hasModRM: true, mnemonic: "(ud)"},
	}}

	// Two-byte table. Jcc rel32 (0F 80-0F 8F) is the only family the
	// translator rewrites; the rest of the rows are NORMAL instructions that
	// pass through with a regenerated ModR/M, or explicit privileged marks
	// for the system instructions a user-mode guest has no business running.
	twoByteTable[0x00] = opDesc{category: catPrivileged, hasModRM: true, mnemonic: "lldt"}
	twoByteTable[0x01] = opDesc{category: catPrivileged, hasModRM: true, mnemonic: "lgdt"}
	twoByteTable[0x05] = opDesc{category: catUnsupported, mnemonic: "syscall"}
	twoByteTable[0x0B] = opDesc{category: catInvalid, mnemonic: "ud2"}
	for op := uint8(0x20); op <= 0x23; op++ {
		twoByteTable[op] = opDesc{category: catPrivileged, hasModRM: true, mnemonic: "mov cr/dr"}
	}
	twoByteTable[0x31] = opDesc{category: catNormal, mnemonic: "rdtsc", uses: newRegSet(EAX, EDX)}
	twoByteTable[0xA2] = opDesc{category: catNormal, mnemonic: "cpuid", uses: newRegSet(EAX, EBX, ECX, EDX)}

	for i, cond := range jccConditionOrder {
		twoByteTable[0x40+uint8(i)] = opDesc{category: catNormal, hasModRM: true, mnemonic: "cmov" + cond.String()}
		twoByteTable[0x80+uint8(i)] = opDesc{category: catJcc, immBytes: 4, cond: cond, mnemonic: "j" + cond.String()}
		twoByteTable[0x90+uint8(i)] = opDesc{category: catNormal, hasModRM: true, mnemonic: "set" + cond.String()}
	}

	twoByteTable[0xA3] = opDesc{category: catNormal, hasModRM: true, mnemonic: "bt"}
	twoByteTable[0xA4] = opDesc{category: catNormal, hasModRM: true, immBytes: 1, mnemonic: "shld"}
	twoByteTable[0xA5] = opDesc{category: catNormal, hasModRM: true, mnemonic: "shld", uses: newRegSet(ECX)}
	twoByteTable[0xAB] = opDesc{category: catNormal, hasModRM: true, mnemonic: "bts"}
	twoByteTable[0xAC] = opDesc{category: catNormal, hasModRM: true, immBytes: 1, mnemonic: "shrd"}
	twoByteTable[0xAD] = opDesc{category: catNormal, hasModRM: true, mnemonic: "shrd", uses: newRegSet(ECX)}
	twoByteTable[0xAF] = opDesc{category: catNormal, hasModRM: true, mnemonic: "imul"}
	twoByteTable[0xB0] = opDesc{category: catNormal, hasModRM: true, mnemonic: "cmpxchg", uses: newRegSet(EAX)}
	twoByteTable[0xB1] = opDesc{category: catNormal, hasModRM: true, mnemonic: "cmpxchg", uses: newRegSet(EAX)}
	twoByteTable[0xB3] = opDesc{category: catNormal, hasModRM: true, mnemonic: "btr"}
	twoByteTable[0xB6] = opDesc{category: catNormal, hasModRM: true, mnemonic: "movzx"}
	twoByteTable[0xB7] = opDesc{category: catNormal, hasModRM: true, mnemonic: "movzx"}
	twoByteTable[0xBA] = opDesc{category: catNormal, hasModRM: true, immBytes: 1, mnemonic: "bt-group"}
	twoByteTable[0xBB] = opDesc{category: catNormal, hasModRM: true, mnemonic: "btc"}
	twoByteTable[0xBC] = opDesc{category: catNormal, hasModRM: true, mnemonic: "bsf"}
	twoByteTable[0xBD] = opDesc{category: catNormal, hasModRM: true, mnemonic: "bsr"}
	twoByteTable[0xBE] = opDesc{category: catNormal, hasModRM: true, mnemonic: "movsx"}
	twoByteTable[0xBF] = opDesc{category: catNormal, hasModRM: true, mnemonic: "movsx"}
	twoByteTable[0xC0] = opDesc{category: catNormal, hasModRM: true, mnemonic: "xadd"}
	twoByteTable[0xC1] = opDesc{category: catNormal, hasModRM: true, mnemonic: "xadd"}
	for r := uint8(0); r < 8; r++ {
		twoByteTable[0xC8+r] = opDesc{category: catNormal, mnemonic: "bswap"}
	}
}
