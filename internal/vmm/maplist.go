package vmm

// mapEntry is one record in the fixed-capacity entry pool backing
// map_list. start/end are page indices, inclusive on both ends.
// next chains live entries in ascending start order; the same field is
// reused to chain free entries when the record is not in use (a classic
// slab-style intrusive freelist, avoiding a second allocation per entry).
type mapEntry struct {
	inUse       bool
	start, end  uint32
	fd          int32 // guest fd this mapping was opened against, -1 if anonymous
	file        FileReader
	offsetPages uint32
	next        int32 // -1 terminates either chain
}

// entryPool is the fixed-capacity (MapEntryPoolCap) pool map_list and
// map_free_list are drawn from.
type entryPool struct {
	entries  []mapEntry
	freeHead int32
	listHead int32 // head of the sorted, live chain (map_list)
}

func newEntryPool() *entryPool {
	p := &entryPool{
		entries:  make([]mapEntry, MapEntryPoolCap),
		freeHead: 0,
		listHead: -1,
	}
	for i := range p.entries {
		if i == len(p.entries)-1 {
			p.entries[i].next = -1
		} else {
			p.entries[i].next = int32(i + 1)
		}
	}
	return p
}

func (p *entryPool) alloc() (int32, bool) {
	if p.freeHead == -1 {
		return -1, false
	}
	idx := p.freeHead
	p.freeHead = p.entries[idx].next
	p.entries[idx] = mapEntry{inUse: true, fd: -1, next: -1}
	return idx, true
}

func (p *entryPool) free(idx int32) {
	p.entries[idx] = mapEntry{next: p.freeHead}
	p.freeHead = idx
}

// insertSorted links entry idx into the live chain, keeping it ordered by
// start page (map_list stays strictly sorted and disjoint; callers are
// responsible for the disjointness half of that invariant).
func (p *entryPool) insertSorted(idx int32) {
	e := &p.entries[idx]
	if p.listHead == -1 || e.start < p.entries[p.listHead].start {
		e.next = p.listHead
		p.listHead = idx
		return
	}
	cur := p.listHead
	for p.entries[cur].next != -1 && p.entries[p.entries[cur].next].start < e.start {
		cur = p.entries[cur].next
	}
	e.next = p.entries[cur].next
	p.entries[cur].next = idx
}

// remove unlinks idx from the live chain without freeing it (the caller may
// want to mutate and reinsert it, as munmap's split/trim path does).
func (p *entryPool) remove(idx int32) {
	if p.listHead == idx {
		p.listHead = p.entries[idx].next
		return
	}
	cur := p.listHead
	for cur != -1 && p.entries[cur].next != idx {
		cur = p.entries[cur].next
	}
	if cur != -1 {
		p.entries[cur].next = p.entries[idx].next
	}
}

// each calls f for every live entry in ascending start-page order.
func (p *entryPool) each(f func(idx int32, e *mapEntry)) {
	for cur := p.listHead; cur != -1; cur = p.entries[cur].next {
		f(cur, &p.entries[cur])
	}
}

// find returns the live entry covering page, if any.
func (p *entryPool) find(page uint32) (int32, *mapEntry) {
	for cur := p.listHead; cur != -1; cur = p.entries[cur].next {
		e := &p.entries[cur]
		if page >= e.start && page <= e.end {
			return cur, e
		}
	}
	return -1, nil
}

// MapEntry is the read-only view of a live mapping exposed to callers
// (tests, introspection) outside this package.
type MapEntry struct {
	StartPage, EndPage uint32
	OffsetPages        uint32
	FileBacked         bool
}

// Mappings returns a snapshot of map_list in ascending start-page order.
func (c *Core) Mappings() []MapEntry {
	var out []MapEntry
	c.pool.each(func(_ int32, e *mapEntry) {
		out = append(out, MapEntry{
			StartPage:   e.start,
			EndPage:     e.end,
			OffsetPages: e.offsetPages,
			FileBacked:  e.file != nil,
		})
	})
	return out
}
