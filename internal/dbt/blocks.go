package dbt

// blockDesc is a translated-block descriptor.
type blockDesc struct {
	guestPC    GuestAddr
	cacheStart CacheAddr
}

// blockEntry chains live descriptors into block_hash's buckets using the
// same intrusive-freelist-over-a-fixed-array-pool shape as
// internal/vmm/maplist.go's entryPool, simplified further here since the
// translator is never reentrant; no lock is needed for either pool.
type blockEntry struct {
	inUse bool
	desc  blockDesc
	next  int32 // -1 terminates either chain
}

// blockPool is the translated-block pool and hash index: find(pc) walks
// block_hash[hash(pc)]; alloc() draws from a fixed-capacity freelist and
// reports exhaustion so the caller (translate.go) can trigger a flush.
type blockPool struct {
	entries  []blockEntry
	buckets  []int32 // head index per bucket, -1 if empty
	freeHead int32
	count    int
}

func newBlockPool(capacity int) *blockPool {
	p := &blockPool{
		entries: make([]blockEntry, capacity),
		buckets: make([]int32, Buckets),
	}
	p.reset()
	return p
}

func (p *blockPool) reset() {
	for i := range p.entries {
		if i == len(p.entries)-1 {
			p.entries[i] = blockEntry{next: -1}
		} else {
			p.entries[i] = blockEntry{next: int32(i + 1)}
		}
	}
	for i := range p.buckets {
		p.buckets[i] = -1
	}
	p.freeHead = 0
	p.count = 0
}

// hash is (pc + (pc<<3) + (pc<<9)) mod Buckets.
func hash(pc GuestAddr) uint32 {
	p := uint32(pc)
	return (p + (p << 3) + (p << 9)) % Buckets
}

// find returns the descriptor for pc, or nil if no translated block exists
// yet.
func (p *blockPool) find(pc GuestAddr) *blockDesc {
	for cur := p.buckets[hash(pc)]; cur != -1; cur = p.entries[cur].next {
		if p.entries[cur].desc.guestPC == pc {
			return &p.entries[cur].desc
		}
	}
	return nil
}

// alloc reserves a descriptor slot for guestPC and links it into its
// bucket. ok is false when the descriptor pool itself is exhausted; the
// remaining-cache-capacity half of the allocation-failure condition is the
// caller's responsibility (it has the Cache, this type does not).
func (p *blockPool) alloc(guestPC GuestAddr, cacheStart CacheAddr) (*blockDesc, bool) {
	if p.freeHead == -1 {
		return nil, false
	}
	idx := p.freeHead
	p.freeHead = p.entries[idx].next
	p.entries[idx] = blockEntry{inUse: true, desc: blockDesc{guestPC: guestPC, cacheStart: cacheStart}}
	b := hash(guestPC)
	p.entries[idx].next = p.buckets[b]
	p.buckets[b] = idx
	p.count++
	return &p.entries[idx].desc, true
}
