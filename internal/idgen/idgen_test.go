package idgen

import "testing"

func TestGenHandsOutSequentialIdsByDefault(t *testing.T) {
	var g Gen
	occupied := func(uint32) bool { return false }
	for want := uint32(0); want < 5; want++ {
		if got := g.Next(occupied); got != want {
			t.Fatalf("Next() = %d, want %d", got, want)
		}
	}
}

func TestGenSkipsOccupiedIds(t *testing.T) {
	var g Gen
	taken := map[uint32]bool{1: true, 2: true}
	occupied := func(id uint32) bool { return taken[id] }

	if got := g.Next(occupied); got != 0 {
		t.Fatalf("Next() = %d, want 0", got)
	}
	if got := g.Next(occupied); got != 3 {
		t.Fatalf("Next() = %d, want 3 (1 and 2 are occupied)", got)
	}
}

func TestGenSeedPinsStartingPoint(t *testing.T) {
	var g Gen
	g.Seed(100)
	occupied := func(uint32) bool { return false }
	if got := g.Next(occupied); got != 100 {
		t.Fatalf("Next() = %d, want 100", got)
	}
	if got := g.Next(occupied); got != 101 {
		t.Fatalf("Next() = %d, want 101", got)
	}
}
