package vmm

import (
	"bytes"
	"math/rand"
	"testing"
)

// checkInvariants asserts the structural invariants over the whole VMM
// state: section handles and page counts agree, page_prot agrees with the
// mapping list, and the mapping list is sorted and disjoint.
func checkInvariants(t *testing.T, c *Core) {
	t.Helper()

	// A block holds a section exactly when it has mapped pages.
	for b := 0; b < BlockCount; b++ {
		if (c.blockSec[b] == nil) != (c.blockPages[b] == 0) {
			t.Fatalf("block %d: has section=%v but page count=%d",
				b, c.blockSec[b] != nil, c.blockPages[b])
		}
	}

	// The union of mapping ranges equals the set of protected pages.
	covered := make(map[uint32]bool)
	for _, m := range c.Mappings() {
		for p := m.StartPage; p <= m.EndPage; p++ {
			if c.pagePROT[p] == 0 {
				t.Fatalf("page %d inside a mapping but unprotected", p)
			}
			covered[p] = true
		}
	}
	for p := 0; p < PageCount; p++ {
		if c.pagePROT[p] != 0 && !covered[uint32(p)] {
			t.Fatalf("page %d protected but in no mapping", p)
		}
	}

	// map_list is strictly sorted by start page and pairwise disjoint.
	ms := c.Mappings()
	for i := 1; i < len(ms); i++ {
		if ms[i].StartPage <= ms[i-1].EndPage {
			t.Fatalf("map entries out of order or overlapping: %+v then %+v", ms[i-1], ms[i])
		}
	}
}

func TestRandomizedMapUnmapInvariants(t *testing.T) {
	c, _ := newTestCore(t)
	rng := rand.New(rand.NewSource(1))

	// Work inside a small arena so the test stays fast while still
	// exercising block sharing, splits and frees.
	const arenaPages = 256
	arenaBase := GuestAddr(AllocLow)

	for op := 0; op < 60; op++ {
		start := uint32(rng.Intn(arenaPages - 32))
		npages := uint32(1 + rng.Intn(32))
		addr := arenaBase + GuestAddr(start*PageSize)
		length := npages * PageSize

		switch rng.Intn(3) {
		case 0:
			prot := Prot(1 + rng.Intn(7))
			if _, err := c.Mmap(addr, length, prot, MapFixed|MapPrivate|MapAnonymous, -1, 0); err != nil {
				t.Fatalf("op %d: Mmap: %v", op, err)
			}
		case 1:
			if err := c.Munmap(addr, length); err != nil {
				t.Fatalf("op %d: Munmap: %v", op, err)
			}
		case 2:
			// Mprotect over a possibly-unmapped range; ENOMEM is a legal
			// answer, corruption is not.
			_ = c.Mprotect(addr, length, Prot(1+rng.Intn(7)))
		}
		checkInvariants(t, c)
	}
}

func TestMmapMunmapRestoresStateExactly(t *testing.T) {
	// mmap then munmap of exactly the same range must be a no-op on
	// page_prot, block_page_count and map_list.
	c, _ := newTestCore(t)
	base := GuestAddr(AllocLow)
	if _, err := c.Mmap(base, 3*PageSize, ProtRead|ProtWrite, MapFixed|MapPrivate|MapAnonymous, -1, 0); err != nil {
		t.Fatalf("setup Mmap: %v", err)
	}

	protBefore := append([]Prot(nil), c.pagePROT...)
	pagesBefore := append([]uint16(nil), c.blockPages...)
	mapsBefore := c.Mappings()

	addr, err := c.Mmap(0, 5*PageSize, ProtRead|ProtWrite, MapPrivate|MapAnonymous, -1, 0)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if err := c.Munmap(addr, 5*PageSize); err != nil {
		t.Fatalf("Munmap: %v", err)
	}

	for p := range protBefore {
		if c.pagePROT[p] != protBefore[p] {
			t.Fatalf("page_prot[%d] = %d, want %d", p, c.pagePROT[p], protBefore[p])
		}
	}
	for b := range pagesBefore {
		if c.blockPages[b] != pagesBefore[b] {
			t.Fatalf("block_page_count[%d] = %d, want %d", b, c.blockPages[b], pagesBefore[b])
		}
	}
	mapsAfter := c.Mappings()
	if len(mapsAfter) != len(mapsBefore) {
		t.Fatalf("map_list has %d entries, want %d", len(mapsAfter), len(mapsBefore))
	}
	for i := range mapsBefore {
		if mapsAfter[i] != mapsBefore[i] {
			t.Fatalf("map_list[%d] = %+v, want %+v", i, mapsAfter[i], mapsBefore[i])
		}
	}
}

func TestBrkMonotonicUnderMixedTraffic(t *testing.T) {
	// sys_brk never goes backwards, whatever else the guest maps.
	c, _ := newTestCore(t)
	rng := rand.New(rand.NewSource(2))

	prev := c.SysBrk(0)
	for i := 0; i < 40; i++ {
		switch rng.Intn(3) {
		case 0:
			got := c.SysBrk(GuestAddr(HeapBase + uint32(rng.Intn(1<<20))))
			if got < prev {
				t.Fatalf("brk went backwards: %#x then %#x", prev, got)
			}
			prev = got
		case 1:
			if addr, err := c.Mmap(0, PageSize, ProtRead|ProtWrite, MapPrivate|MapAnonymous, -1, 0); err == nil {
				defer c.Munmap(addr, PageSize)
			}
		case 2:
			if got := c.SysBrk(0); got != prev {
				t.Fatalf("brk query returned %#x, want %#x", got, prev)
			}
		}
	}
}

func TestFileBackedMappingRoundTrip(t *testing.T) {
	// Reading through a file-backed mapping is byte-identical to reading
	// the file directly.
	c, vfs := newTestCore(t)
	data := make([]byte, 3*PageSize)
	rng := rand.New(rand.NewSource(3))
	rng.Read(data)
	vfs.files[4] = &fakeFile{data: data}

	addr, err := c.Mmap(0, 2*PageSize, ProtRead, MapPrivate, 4, 1)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	got := make([]byte, 2*PageSize)
	if err := c.CopyOut(addr, got); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	if !bytes.Equal(got, data[PageSize:3*PageSize]) {
		t.Fatalf("mapped bytes differ from the file content at page offset 1")
	}
}

func TestFileBackedReadOnlyMappingClearsForcedWrite(t *testing.T) {
	// The load path forces PROT_WRITE while copying the file in; the
	// guest-visible protection must not keep it afterwards.
	c, vfs := newTestCore(t)
	vfs.files[5] = &fakeFile{data: make([]byte, PageSize)}

	addr, err := c.Mmap(0, PageSize, ProtRead, MapPrivate, 5, 0)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if got := c.pagePROT[PageOf(addr)]; got != ProtRead {
		t.Fatalf("page_prot = %d after read-only file mmap, want %d", got, ProtRead)
	}
}

func TestMmapRejections(t *testing.T) {
	c, _ := newTestCore(t)
	cases := []struct {
		name string
		ret  int64
		want int64
	}{
		{"zero length", c.SysMmap2(0, 0, ProtRead, MapPrivate|MapAnonymous, -1, 0), -EINVAL},
		{"shared", c.SysMmap2(0, PageSize, ProtRead, MapShared, 3, 0), -EINVAL},
		{"anonymous with fd", c.SysMmap2(0, PageSize, ProtRead, MapPrivate|MapAnonymous, 3, 0), -EINVAL},
		{"file without fd", c.SysMmap2(0, PageSize, ProtRead, MapPrivate, -1, 0), -EBADF},
		{"fixed unaligned", c.SysMmap2(GuestAddr(AllocLow + 1), PageSize, ProtRead, MapFixed|MapPrivate|MapAnonymous, -1, 0), -EINVAL},
		{"legacy unaligned offset", c.SysMmap(0, PageSize, ProtRead, MapPrivate, 3, 12), -EINVAL},
	}
	for _, tc := range cases {
		if tc.ret != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, tc.ret, tc.want)
		}
	}
}

func TestMsyncFamilyAreNoops(t *testing.T) {
	c, _ := newTestCore(t)
	if got := c.SysMsync(0, PageSize, 0); got != 0 {
		t.Fatalf("SysMsync = %d, want 0", got)
	}
	if got := c.SysMlock(0, PageSize); got != 0 {
		t.Fatalf("SysMlock = %d, want 0", got)
	}
	if got := c.SysMunlock(0, PageSize); got != 0 {
		t.Fatalf("SysMunlock = %d, want 0", got)
	}
}
