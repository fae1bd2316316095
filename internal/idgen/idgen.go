// Package idgen allocates the 32-bit ids the peer's tables are keyed
// by: question ids, export ids, embargo ids. All of them share the same
// allocation discipline described by the core: probe forward from a
// monotonic counter, wrapping around at the top of the range, skipping
// whatever slot is already occupied.
package idgen

// Gen is a monotonic-with-wraparound id generator. The zero value is
// ready to use and starts handing out ids from 0.
type Gen struct {
	next uint32
}

// Seed pins the next id Gen will attempt, for deterministic tests.
func (g *Gen) Seed(next uint32) {
	g.next = next
}

// Next returns an id for which occupied reports false, advancing the
// counter past it. occupied is consulted for every candidate so the
// caller's table stays the source of truth for what's free.
func (g *Gen) Next(occupied func(id uint32) bool) uint32 {
	id := g.next
	for occupied(id) {
		id++
	}
	g.next = id + 1
	return id
}
