package dbt

import (
	"bytes"
	"testing"
)

const testBase = GuestAddr(0x400000)

var testStubs = RuntimeStubs{
	FindDirect:      -0x100,
	FindIndirect:    -0x200,
	SyscallHandler:  -0x300,
	TLSSlotToOffset: -0x400,
}

var testTLS = TLSOffsets{Scratch: 0x100, GS: 0x104, GSAddr: 0x108}

func newTestCore(t *testing.T, code []byte) *Core {
	t.Helper()
	core := New(&flatMem{base: testBase, data: code}, testStubs, testTLS)
	core.Init()
	return core
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// branchTarget resolves the rel32 displacement stored at dispPos to the
// cache address it lands on.
func branchTarget(core *Core, dispPos CacheAddr) CacheAddr {
	return dispPos + 4 + CacheAddr(int32(le32(core.CacheBytes(dispPos, 4))))
}

func mustTranslate(t *testing.T, core *Core, pc GuestAddr) CacheAddr {
	t.Helper()
	addr, err := core.FindNext(pc)
	if err != nil {
		t.Fatalf("FindNext(%s): %v", pc, err)
	}
	return addr
}

func TestNormalInstructionsPassThrough(t *testing.T) {
	cases := []struct {
		name string
		code []byte
	}{
		{"add reg,reg", []byte{0x01, 0xD8}},
		{"mov esp-relative", []byte{0x8B, 0x44, 0x24, 0x08}},
		{"mov ebp base disp0", []byte{0x8B, 0x45, 0x00}},
		{"lea scaled index", []byte{0x8D, 0x04, 0x8B}},
		{"opsize immediate", []byte{0x66, 0x05, 0x34, 0x12}},
		{"rep movsb", []byte{0xF3, 0xA4}},
		{"movzx", []byte{0x0F, 0xB6, 0xC3}},
		{"push imm8", []byte{0x6A, 0x7F}},
		{"neg group3", []byte{0xF7, 0xD8}},
		{"mov disp32-only", []byte{0x8B, 0x05, 0x44, 0x33, 0x22, 0x11}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			core := newTestCore(t, append(append([]byte{}, tc.code...), 0xC3))
			entry := mustTranslate(t, core, testBase)
			got := core.CacheBytes(entry, len(tc.code))
			if !bytes.Equal(got, tc.code) {
				t.Fatalf("re-emitted % x, want the original % x", got, tc.code)
			}
			// The terminating ret becomes a jump into the indirect dispatcher.
			tail := core.CacheBytes(entry+CacheAddr(len(tc.code)), 1)
			if tail[0] != 0xE9 {
				t.Fatalf("block tail opcode %#02x, want E9 (jmp indirect stub)", tail[0])
			}
			if got := branchTarget(core, entry+CacheAddr(len(tc.code))+1); got != testStubs.FindIndirect {
				t.Fatalf("ret jump lands at %s, want the indirect stub %s", got, testStubs.FindIndirect)
			}
		})
	}
}

func TestConditionalBranchEmitsBothTrampolines(t *testing.T) {
	// jz +2; nop; nop; ret. The taken edge skips both nops and lands on
	// the ret; the fall-through edge continues right after the jz.
	core := newTestCore(t, []byte{0x74, 0x02, 0x90, 0x90, 0xC3})
	entry := mustTranslate(t, core, testBase)

	blk := core.CacheBytes(entry, 11)
	if blk[0] != 0x0F || blk[1] != 0x84 {
		t.Fatalf("block starts % x, want the rel32 jz encoding 0F 84", blk[:2])
	}
	if blk[6] != 0xE9 {
		t.Fatalf("fall-through opcode %#02x, want E9", blk[6])
	}

	takenStub := branchTarget(core, entry+2)
	ftStub := branchTarget(core, entry+7)

	checkStub := func(stub CacheAddr, patch CacheAddr, target GuestAddr) {
		t.Helper()
		sb := core.CacheBytes(stub, 10)
		if sb[0] != 0x68 || sb[5] != 0x68 {
			t.Fatalf("stub % x lacks the push imm32 pair", sb)
		}
		if got := CacheAddr(le32(sb[1:5])); got != patch {
			t.Fatalf("stub patch addr %s, want %s", got, patch)
		}
		if got := GuestAddr(le32(sb[6:10])); got != target {
			t.Fatalf("stub target %s, want %s", got, target)
		}
	}
	checkStub(takenStub, entry+2, testBase+4)
	checkStub(ftStub, entry+7, testBase+2)
}

func TestSyscallTranslation(t *testing.T) {
	// int 0x80; ret. The syscall becomes a call into the handler and the
	// block keeps going until the ret terminates it.
	core := newTestCore(t, []byte{0xCD, 0x80, 0xC3})
	entry := mustTranslate(t, core, testBase)

	blk := core.CacheBytes(entry, 10)
	if blk[0] != 0xE8 {
		t.Fatalf("int 0x80 emitted %#02x, want E8 (call syscall_handler)", blk[0])
	}
	if got := branchTarget(core, entry+1); got != testStubs.SyscallHandler {
		t.Fatalf("syscall call lands at %s, want %s", got, testStubs.SyscallHandler)
	}
	if blk[5] != 0xE9 {
		t.Fatalf("ret emitted %#02x, want E9", blk[5])
	}
	if got := branchTarget(core, entry+6); got != testStubs.FindIndirect {
		t.Fatalf("ret jump lands at %s, want %s", got, testStubs.FindIndirect)
	}
}

func TestNonSyscallInterruptIsFatal(t *testing.T) {
	core := newTestCore(t, []byte{0xCD, 0x21})
	if _, err := core.FindNext(testBase); err == nil {
		t.Fatalf("int 0x21 must be a translation fault")
	}
}

func TestCallDirect(t *testing.T) {
	// call +0x10: push the return PC, jump through a trampoline.
	core := newTestCore(t, []byte{0xE8, 0x10, 0x00, 0x00, 0x00})
	entry := mustTranslate(t, core, testBase)

	blk := core.CacheBytes(entry, 10)
	want := []byte{0x68, 0x05, 0x00, 0x40, 0x00, 0xE9}
	if !bytes.Equal(blk[:6], want) {
		t.Fatalf("call prologue % x, want % x", blk[:6], want)
	}
	stub := branchTarget(core, entry+6)
	sb := core.CacheBytes(stub, 10)
	if got := GuestAddr(le32(sb[6:10])); got != testBase+5+0x10 {
		t.Fatalf("trampoline target %s, want %s", got, testBase+5+0x10)
	}
}

func TestCallIndirectCompensatesESP(t *testing.T) {
	// call [esp+8]: the pushed return PC moves ESP by 4, so the emitted
	// operand must read [esp+12] to see the same slot.
	core := newTestCore(t, []byte{0xFF, 0x54, 0x24, 0x08})
	entry := mustTranslate(t, core, testBase)

	blk := core.CacheBytes(entry, 14)
	want := []byte{
		0x68, 0x04, 0x00, 0x40, 0x00, // push 0x400004 (return PC)
		0xFF, 0x74, 0x24, 0x0C, // push [esp+12]
		0xE9, // jmp indirect stub
	}
	if !bytes.Equal(blk[:10], want) {
		t.Fatalf("emitted % x, want % x", blk[:10], want)
	}
	if got := branchTarget(core, entry+10); got != testStubs.FindIndirect {
		t.Fatalf("jump lands at %s, want %s", got, testStubs.FindIndirect)
	}
}

func TestCallIndirectRegisterOperand(t *testing.T) {
	core := newTestCore(t, []byte{0xFF, 0xD0}) // call eax
	entry := mustTranslate(t, core, testBase)
	blk := core.CacheBytes(entry, 7)
	want := []byte{
		0x68, 0x02, 0x00, 0x40, 0x00, // push 0x400002
		0xFF, 0xF0, // push eax
	}
	if !bytes.Equal(blk, want) {
		t.Fatalf("emitted % x, want % x", blk, want)
	}
}

func TestRetn(t *testing.T) {
	// ret 8: copy the return address over the outgoing argument bytes, then
	// point ESP at it.
	core := newTestCore(t, []byte{0xC2, 0x08, 0x00})
	entry := mustTranslate(t, core, testBase)

	blk := core.CacheBytes(entry, 13)
	want := []byte{
		0x8F, 0x44, 0x24, 0x04, // pop [esp+4]
		0x8D, 0x64, 0x24, 0x04, // lea esp, [esp+4]
		0xE9, // jmp indirect stub
	}
	if !bytes.Equal(blk[:9], want) {
		t.Fatalf("emitted % x, want % x", blk[:9], want)
	}
}

func TestJmpIndirectMemoryOperand(t *testing.T) {
	core := newTestCore(t, []byte{0xFF, 0x25, 0x44, 0x33, 0x22, 0x11}) // jmp [0x11223344]
	entry := mustTranslate(t, core, testBase)
	blk := core.CacheBytes(entry, 7)
	want := []byte{0xFF, 0x35, 0x44, 0x33, 0x22, 0x11, 0xE9} // push [0x11223344]; jmp
	if !bytes.Equal(blk, want) {
		t.Fatalf("emitted % x, want % x", blk, want)
	}
}

func TestLoopKeepsShortForm(t *testing.T) {
	// loop -2 targets the block's own start, which is already in the pool,
	// so the taken edge chains straight back to the block without a stub.
	core := newTestCore(t, []byte{0xE2, 0xFE})
	entry := mustTranslate(t, core, testBase)

	blk := core.CacheBytes(entry, 14)
	want := []byte{0xE2, 0x02, 0xEB, 0x05, 0xE9}
	if !bytes.Equal(blk[:5], want) {
		t.Fatalf("emitted % x, want % x", blk[:5], want)
	}
	if got := branchTarget(core, entry+5); got != entry {
		t.Fatalf("taken edge lands at %s, want the block itself %s", got, entry)
	}
	if blk[9] != 0xE9 {
		t.Fatalf("fall-through opcode %#02x, want E9", blk[9])
	}
	ftStub := branchTarget(core, entry+10)
	sb := core.CacheBytes(ftStub, 10)
	if got := GuestAddr(le32(sb[6:10])); got != testBase+2 {
		t.Fatalf("fall-through stub target %s, want %s", got, testBase+2)
	}
}

func TestMovFromGS(t *testing.T) {
	// mov eax, gs; the emulated selector is fetched from fs:[gs] through a
	// scratch register (ecx here: eax is the destination) spilled via
	// fs:[scratch].
	core := newTestCore(t, []byte{0x8C, 0xE8, 0xC3})
	entry := mustTranslate(t, core, testBase)

	want := []byte{
		0x64, 0x89, 0x0D, 0x00, 0x01, 0x00, 0x00, // mov fs:[scratch], ecx
		0x64, 0x8B, 0x0D, 0x04, 0x01, 0x00, 0x00, // mov ecx, fs:[gs]
		0x89, 0xC8, // mov eax, ecx
		0x64, 0x8B, 0x0D, 0x00, 0x01, 0x00, 0x00, // mov ecx, fs:[scratch]
	}
	got := core.CacheBytes(entry, len(want))
	if !bytes.Equal(got, want) {
		t.Fatalf("emitted:\n% x\nwant:\n% x", got, want)
	}
}

func TestMovToGS(t *testing.T) {
	// mov gs, eax; store the selector, resolve its TLS slot's base address
	// through tls_slot_to_offset and cache it in fs:[gs_addr], preserving
	// flags and EAX/ECX/EDX around the call.
	core := newTestCore(t, []byte{0x8E, 0xE8, 0xC3})
	entry := mustTranslate(t, core, testBase)

	var want []byte
	app := func(bs ...byte) { want = append(want, bs...) }
	app(0x64, 0x89, 0x0D, 0x00, 0x01, 0x00, 0x00) // mov fs:[scratch], ecx
	app(0x8B, 0xC8)                               // mov ecx, eax (new selector)
	app(0x9C)                                     // pushfd
	app(0x64, 0x89, 0x0D, 0x04, 0x01, 0x00, 0x00) // mov fs:[gs], ecx
	app(0xC1, 0xE9, 0x03)                         // shr ecx, 3 (slot index)
	app(0x50, 0x51, 0x52)                         // push eax/ecx/edx
	app(0x51)                                     // push ecx (slot argument)
	callDisp := len(want) + 1
	app(0xE8, 0x00, 0x00, 0x00, 0x00) // call tls_slot_to_offset
	app(0x83, 0xC4, 0x04)             // add esp, 4
	app(0x64, 0x8B, 0x00)             // mov eax, fs:[eax]
	app(0x64, 0x89, 0x05, 0x08, 0x01, 0x00, 0x00) // mov fs:[gs_addr], eax
	app(0x5A, 0x59, 0x58)                         // pop edx/ecx/eax
	app(0x9D)                                     // popfd
	app(0x64, 0x8B, 0x0D, 0x00, 0x01, 0x00, 0x00) // mov ecx, fs:[scratch]

	rel := uint32(int32(testStubs.TLSSlotToOffset) - (int32(entry) + int32(callDisp) + 4))
	want[callDisp] = byte(rel)
	want[callDisp+1] = byte(rel >> 8)
	want[callDisp+2] = byte(rel >> 16)
	want[callDisp+3] = byte(rel >> 24)

	got := core.CacheBytes(entry, len(want))
	if !bytes.Equal(got, want) {
		t.Fatalf("emitted:\n% x\nwant:\n% x", got, want)
	}
}

func TestMovNonGSSegmentIsFatal(t *testing.T) {
	core := newTestCore(t, []byte{0x8E, 0xD8}) // mov ds, eax
	if _, err := core.FindNext(testBase); err == nil {
		t.Fatalf("mov to a segment other than gs must be a translation fault")
	}
}
