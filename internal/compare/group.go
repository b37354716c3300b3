package compare

import "sort"

// Group merges pairs into connected groups of line IDs. Each group is
// ascending and groups are ordered by their smallest member.
func Group(pairs []Pair) [][]uint32 {
	parent := make(map[uint32]uint32, 2*len(pairs))

	var find func(x uint32) uint32
	find = func(x uint32) uint32 {
		p, ok := parent[x]
		if !ok {
			parent[x] = x
			return x
		}
		if p == x {
			return x
		}
		r := find(p)
		parent[x] = r
		return r
	}
	union := func(a, b uint32) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		// Smaller ID becomes the root.
		if rb < ra {
			ra, rb = rb, ra
		}
		parent[rb] = ra
	}

	for _, p := range pairs {
		union(p.A, p.B)
	}

	byRoot := make(map[uint32][]uint32)
	for id := range parent {
		r := find(id)
		byRoot[r] = append(byRoot[r], id)
	}
	out := make([][]uint32, 0, len(byRoot))
	for _, g := range byRoot {
		sort.Slice(g, func(i, j int) bool { return g[i] < g[j] })
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
