package ids

import "testing"

func TestGenerateUnique(t *testing.T) {
	seen := make(map[int64]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := Generate()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %d at iteration %d", id, i)
		}
		seen[id] = struct{}{}
	}
}

func TestGenerateMonotonic(t *testing.T) {
	prev := Generate()
	for i := 0; i < 1000; i++ {
		id := Generate()
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}
