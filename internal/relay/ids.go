package relay

import "sort"

// idPool hands out dense non-negative ids: the smallest released id first,
// else a monotonically increasing counter starting at the floor.
type idPool struct {
	next int
	free []int
}

func newIDPool(floor int) *idPool {
	return &idPool{next: floor}
}

// assign returns the smallest available id.
func (p *idPool) assign() int {
	if len(p.free) > 0 {
		id := p.free[0]
		p.free = p.free[1:]
		return id
	}
	id := p.next
	p.next++
	return id
}

// unassign returns an id to the pool, keeping the free list sorted.
func (p *idPool) unassign(id int) {
	i := sort.SearchInts(p.free, id)
	if i < len(p.free) && p.free[i] == id {
		return
	}
	p.free = append(p.free, 0)
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = id
}

// reserve marks a specific id as taken: the counter advances past it, any
// skipped ids are backfilled into the free list, and the id itself is
// removed from the free list if present. Used when reconstructing persisted
// realms at startup.
func (p *idPool) reserve(id int) {
	for p.next <= id {
		if p.next != id {
			p.unassign(p.next)
		}
		p.next++
	}
	i := sort.SearchInts(p.free, id)
	if i < len(p.free) && p.free[i] == id {
		p.free = append(p.free[:i], p.free[i+1:]...)
	}
}
