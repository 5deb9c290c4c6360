package dbt

import (
	"fmt"
	"os"
)

// RuntimeStubs holds the cache-relative addresses of the four runtime entry
// points translated code jumps or calls into: the two dispatcher stubs
// (dbt_find_direct_internal / dbt_find_indirect_internal), the system-call
// entry, and tls_slot_to_offset. All four live in the out-of-scope assembly
// runtime; this package only needs somewhere concrete to aim its
// rel32 displacements.
type RuntimeStubs struct {
	FindDirect      CacheAddr
	FindIndirect    CacheAddr
	SyscallHandler  CacheAddr
	TLSSlotToOffset CacheAddr
}

// TLSOffsets holds the three fixed per-thread fs-relative slot offsets the
// translator's spill code uses (tls_scratch_offset, tls_gs_offset,
// tls_gs_addr_offset), assigned once at init by the out-of-scope tls_alloc.
type TLSOffsets struct {
	Scratch uint32
	GS      uint32
	GSAddr  uint32
}

// Core holds all DBT state for one guest: the descriptor pool and hash
// index, the code cache with its two bump cursors, and the runtime stub and
// TLS-slot addresses translation bakes into emitted code. Like vmm.Core it
// is an ordinary struct passed explicitly to every entry point; no
// fixed-address singletons.
type Core struct {
	mem   GuestMemory
	stubs RuntimeStubs
	tls   TLSOffsets

	blocks *blockPool
	cache  *Cache

	// flushes counts full cache flushes, so callers (and tests) can
	// tell whether two FindNext results for the same pc are comparable.
	flushes int
}

// New builds a Core over the given guest memory. Call Init before use.
func New(mem GuestMemory, stubs RuntimeStubs, tls TLSOffsets) *Core {
	return &Core{mem: mem, stubs: stubs, tls: tls}
}

// Init implements dbt_init: allocate the descriptor pool and code cache
// at their configured capacities. Single-threaded init, like the rest of
// this package.
func (core *Core) Init() {
	cfg := loadConfig()
	core.blocks = newBlockPool(cfg.blockCap)
	core.cache = newCache(cfg.cacheSize)
	core.flushes = 0
}

// Reset implements dbt_reset: drop every translated block and stub, as
// execve does. Equivalent to the cache-full flush; after it, no code
// translated before the reset may run again.
func (core *Core) Reset() {
	core.flush()
}

// Shutdown implements dbt_shutdown.
func (core *Core) Shutdown() {
	core.blocks = nil
	core.cache = nil
}

// flush empties every hash bucket and resets both cache cursors.
// Trampoline stubs in the tail become garbage atomically with every chaining
// jump that references them, which is what makes a whole-cache flush safe.
func (core *Core) flush() {
	core.blocks.reset()
	core.cache.reset()
	core.flushes++
	if Verbose {
		fmt.Fprintf(os.Stderr, "dbt: cache flush #%d\n", core.flushes)
	}
}

// Flushes reports how many full cache flushes have occurred since Init.
func (core *Core) Flushes() int { return core.flushes }

// Run implements dbt_run: resolve the translated block for the guest
// entry PC, which is where the out-of-scope assembly entry installs the
// guest SP and jumps. A *TranslationFault is an implementation limit, not
// a guest error: it is reported on stderr and returned so the embedder
// aborts.
func (core *Core) Run(pc, sp GuestAddr) (CacheAddr, error) {
	if Verbose {
		fmt.Fprintf(os.Stderr, "dbt: run pc=%s sp=%s\n", pc, sp)
	}
	addr, err := core.FindNext(pc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dbt: run pc=%s sp=%s: %v\n", pc, sp, err)
		return 0, err
	}
	return addr, nil
}

// CacheBytes exposes a read-only window into emitted cache bytes, for the
// embedder's tracing and for tests asserting on exact emitted encodings.
func (core *Core) CacheBytes(start CacheAddr, n int) []byte {
	out := make([]byte, n)
	copy(out, core.cache.buf[start:int(start)+n])
	return out
}

// CacheCursors reports the current out/end bump cursors.
func (core *Core) CacheCursors() (out, end int32) {
	return core.cache.out, core.cache.end
}
