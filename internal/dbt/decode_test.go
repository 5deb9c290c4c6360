package dbt

import "testing"

// flatMem serves instruction bytes from a slice based at a fixed guest
// address, the minimal GuestMemory tests need.
type flatMem struct {
	base GuestAddr
	data []byte
}

func (m *flatMem) ReadByte(a GuestAddr) byte { return m.data[a-m.base] }

func decodeBytes(code ...byte) *decoded {
	return decodeAt(&flatMem{base: 0x400000, data: code}, 0x400000)
}

func TestDecodeRegisterForm(t *testing.T) {
	d := decodeBytes(0x01, 0xD8) // add eax, ebx
	if d.length != 2 || !d.hasModRM {
		t.Fatalf("length=%d hasModRM=%v, want 2/true", d.length, d.hasModRM)
	}
	if !d.rm.isReg || d.rm.base != 0 || d.reg != 3 {
		t.Fatalf("rm=%+v reg=%d, want register eax with reg field ebx", d.rm, d.reg)
	}
}

func TestDecodeDisp8(t *testing.T) {
	d := decodeBytes(0x8B, 0x43, 0x08) // mov eax, [ebx+8]
	if d.rm.isReg || d.rm.base != 3 || d.rm.disp != 8 {
		t.Fatalf("rm=%+v, want [ebx+8]", d.rm)
	}
	if d.length != 3 {
		t.Fatalf("length=%d, want 3", d.length)
	}
}

func TestDecodeDisp32(t *testing.T) {
	d := decodeBytes(0x8B, 0x83, 0x00, 0x01, 0x00, 0x00) // mov eax, [ebx+0x100]
	if d.rm.disp != 0x100 || d.length != 6 {
		t.Fatalf("disp=%#x length=%d, want 0x100/6", d.rm.disp, d.length)
	}
}

func TestDecodeSIBScaledIndex(t *testing.T) {
	d := decodeBytes(0x8B, 0x44, 0x8B, 0x04) // mov eax, [ebx+ecx*4+4]
	rm := d.rm
	if !rm.hasSIB || rm.sibBase != 3 || rm.index != 1 || rm.scale != 2 || rm.disp != 4 {
		t.Fatalf("rm=%+v, want SIB ebx+ecx*4+4", rm)
	}
}

func TestDecodeSIBNoBase(t *testing.T) {
	d := decodeBytes(0x8B, 0x04, 0x8D, 0x78, 0x56, 0x34, 0x12) // mov eax, [ecx*4+0x12345678]
	rm := d.rm
	if !rm.hasSIB || !rm.sibNoBase || rm.disp != 0x12345678 {
		t.Fatalf("rm=%+v, want base-less SIB with disp32", rm)
	}
}

func TestDecodeDisp32Only(t *testing.T) {
	d := decodeBytes(0xA1, 0x44, 0x33, 0x22, 0x11) // mov eax, moffs32
	if d.imm != 0x11223344 || d.length != 5 {
		t.Fatalf("imm=%#x length=%d, want 0x11223344/5", d.imm, d.length)
	}
	d = decodeBytes(0x8B, 0x05, 0x44, 0x33, 0x22, 0x11) // mov eax, [0x11223344]
	if !d.rm.disp32Only || d.rm.disp != 0x11223344 {
		t.Fatalf("rm=%+v, want disp32-only", d.rm)
	}
}

func TestDecodeOperandSizePrefixNarrowsImmediate(t *testing.T) {
	d := decodeBytes(0x66, 0x05, 0x34, 0x12) // add ax, 0x1234
	if !d.opsizePrefix || d.immBytes != 2 || d.imm != 0x1234 {
		t.Fatalf("opsize=%v immBytes=%d imm=%#x, want true/2/0x1234", d.opsizePrefix, d.immBytes, d.imm)
	}
	d = decodeBytes(0x05, 0x78, 0x56, 0x34, 0x12) // add eax, 0x12345678
	if d.immBytes != 4 || d.imm != 0x12345678 {
		t.Fatalf("immBytes=%d imm=%#x, want 4/0x12345678", d.immBytes, d.imm)
	}
}

func TestDecodeExtensionGroupDispatch(t *testing.T) {
	d := decodeBytes(0xFF, 0xD0) // call eax
	if d.desc.category != catCallIndirect {
		t.Fatalf("FF /2 category=%v, want CALL_INDIRECT", d.desc.category)
	}
	d = decodeBytes(0xFF, 0xE0) // jmp eax
	if d.desc.category != catJmpIndirect {
		t.Fatalf("FF /4 category=%v, want JMP_INDIRECT", d.desc.category)
	}
	d = decodeBytes(0xF7, 0xD8) // neg eax
	if d.desc.category != catNormal || d.immBytes != 0 {
		t.Fatalf("F7 /3 category=%v immBytes=%d, want NORMAL/0", d.desc.category, d.immBytes)
	}
	d = decodeBytes(0xF7, 0xC0, 0x01, 0x00, 0x00, 0x00) // test eax, 1
	if d.immBytes != 4 {
		t.Fatalf("F7 /0 immBytes=%d, want 4", d.immBytes)
	}
}

func TestDecodeTwoByteEscape(t *testing.T) {
	d := decodeBytes(0x0F, 0x84, 0x10, 0x00, 0x00, 0x00) // jz rel32
	if !d.escape0f || d.desc.category != catJcc || d.desc.cond != CondE {
		t.Fatalf("escape=%v category=%v cond=%v, want 0F-escaped jz", d.escape0f, d.desc.category, d.desc.cond)
	}
	d = decodeBytes(0x0F, 0xB6, 0xC3) // movzx eax, bl
	if d.desc.category != catNormal || !d.hasModRM {
		t.Fatalf("0F B6 category=%v, want NORMAL with ModR/M", d.desc.category)
	}
}

func expectFault(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected a translation fault")
		}
		if _, ok := r.(*TranslationFault); !ok {
			panic(r)
		}
	}()
	f()
}

func TestDecodeFatalPrefixes(t *testing.T) {
	for _, prefix := range []byte{0xF0, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65, 0x67} {
		prefix := prefix
		expectFault(t, func() { decodeBytes(prefix, 0x90) })
	}
}

func TestDecodeFatalOpcodes(t *testing.T) {
	cases := [][]byte{
		{0xF4},             // hlt: privileged
		{0xFA},             // cli: privileged
		{0x0F, 0x0B},       // ud2: invalid
		{0xCC},             // int3: unsupported
		{0xFF, 0xD8},       // callf: unsupported
		{0xD6},             // unassigned: unknown
	}
	for _, code := range cases {
		code := code
		expectFault(t, func() { decodeBytes(code...) })
	}
}

func TestRepPrefixRecorded(t *testing.T) {
	d := decodeBytes(0xF3, 0xA4) // rep movsb
	if !d.repPrefix || d.repByte != 0xF3 {
		t.Fatalf("repPrefix=%v repByte=%#x, want true/0xF3", d.repPrefix, d.repByte)
	}
}
