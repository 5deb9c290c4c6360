// dbt32run loads a flat 32-bit x86 guest image into a managed guest address
// space and translates it from its entry point, printing where execution
// would enter the code cache. It exists to wire the two halves of the core
// together the way the real loader (out of scope) would: mm_init, a
// file-backed mmap of the image, a stack mapping, dbt_init, dbt_run.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/xyproto/dbt32/internal/dbt"
	"github.com/xyproto/dbt32/internal/hostpager"
	"github.com/xyproto/dbt32/internal/vmm"
)

const versionString = "dbt32run 0.1.0"

const (
	defaultLoadAddr  = 0x0400_0000
	defaultStackTop  = 0x6000_0000
	defaultStackSize = 0x0010_0000
)

// fileHandle adapts an os.File to the FileReader capability file-backed
// mappings consume.
type fileHandle struct {
	f    *os.File
	refs int
}

func (h *fileHandle) Pread(buf []byte, offset int64) (int, error) {
	n, err := h.f.ReadAt(buf, offset)
	if err == io.EOF {
		// The mapping's last page extends past the file tail; the section
		// underneath is already zero-filled, so a short read is complete.
		return n, nil
	}
	return n, err
}

// cliVFS is the minimal fd table this harness needs: the guest image on a
// fixed descriptor. The real vfs layer is out of scope.
type cliVFS struct {
	files map[int32]*fileHandle
}

func (v *cliVFS) Get(fd int32) (vmm.FileReader, bool) {
	h, ok := v.files[fd]
	if ok {
		h.refs++
	}
	return h, ok
}

func (v *cliVFS) Release(f vmm.FileReader) {
	if h, ok := f.(*fileHandle); ok {
		h.refs--
		if h.refs <= 0 {
			h.f.Close()
		}
	}
}

// guestMem feeds the decoder from VMM-managed guest memory. A fetch from an
// unmapped page yields int3, which the translator classifies as fatal; the
// same end state a real guest jumping into unmapped memory deserves.
type guestMem struct {
	mm *vmm.Core
}

func (g guestMem) ReadByte(a dbt.GuestAddr) byte {
	b, err := g.mm.ReadByte(vmm.GuestAddr(a))
	if err != nil {
		return 0xCC
	}
	return b
}

func main() {
	var (
		entryFlag   = flag.Uint("entry", defaultLoadAddr, "guest entry point")
		loadFlag    = flag.Uint("load", defaultLoadAddr, "image load address (page-aligned)")
		spFlag      = flag.Uint("sp", defaultStackTop, "initial guest stack pointer")
		verboseFlag = flag.Bool("verbose", false, "trace translation to stderr")
		versionFlag = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *versionFlag {
		fmt.Println(versionString)
		return
	}
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: dbt32run [flags] <image>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if *verboseFlag {
		os.Setenv("DBT32_VERBOSE", "1")
	}

	if err := run(flag.Arg(0), uint32(*loadFlag), uint32(*entryFlag), uint32(*spFlag)); err != nil {
		fmt.Fprintf(os.Stderr, "dbt32run: %v\n", err)
		os.Exit(1)
	}
}

func run(imagePath string, loadAddr, entry, sp uint32) error {
	f, err := os.Open(imagePath)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if st.Size() == 0 {
		f.Close()
		return fmt.Errorf("%s: empty image", imagePath)
	}

	const imageFD = 3
	vfs := &cliVFS{files: map[int32]*fileHandle{imageFD: {f: f, refs: 1}}}

	mm := vmm.New(hostpager.New(), vfs)
	if err := mm.Init(); err != nil {
		return err
	}
	defer mm.Shutdown()

	// Map the image file-backed and executable at its load address, exactly
	// as the loader maps a text segment.
	if ret := mm.SysMmap2(vmm.GuestAddr(loadAddr), uint32(st.Size()),
		vmm.ProtRead|vmm.ProtWrite|vmm.ProtExec,
		vmm.MapFixed|vmm.MapPrivate, imageFD, 0); ret < 0 {
		return fmt.Errorf("map image: errno %d", -ret)
	}

	// A private anonymous stack below the translator's own region.
	stackBase := sp - defaultStackSize
	if ret := mm.SysMmap2(vmm.GuestAddr(stackBase), defaultStackSize,
		vmm.ProtRead|vmm.ProtWrite,
		vmm.MapFixed|vmm.MapPrivate|vmm.MapAnonymous, -1, 0); ret < 0 {
		return fmt.Errorf("map stack: errno %d", -ret)
	}

	// The runtime stub and TLS slot addresses below belong to the assembly
	// runtime this harness does not carry; fixed sentinels keep the emitted
	// rel32s well-defined so the translation itself can be exercised and
	// inspected.
	stubs := dbt.RuntimeStubs{
		FindDirect:      -0x1000,
		FindIndirect:    -0x2000,
		SyscallHandler:  -0x3000,
		TLSSlotToOffset: -0x4000,
	}
	tls := dbt.TLSOffsets{Scratch: 0x00, GS: 0x04, GSAddr: 0x08}

	core := dbt.New(guestMem{mm: mm}, stubs, tls)
	core.Init()
	defer core.Shutdown()

	cacheAddr, err := core.Run(dbt.GuestAddr(entry), dbt.GuestAddr(sp))
	if err != nil {
		return err
	}
	out, end := core.CacheCursors()
	fmt.Printf("entry %#08x -> %s (cache out=%#x end=%#x)\n", entry, cacheAddr, out, end)
	return nil
}
