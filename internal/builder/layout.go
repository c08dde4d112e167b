package builder

import "sort"

// Node footprint and spacing for the auto-layout grid.
const (
	nodeWidth  = 240.0
	nodeHeight = 120.0
	hGap       = 80.0
	vGap       = 100.0
)

// Layout assigns top-to-bottom positions by rank: a node's rank is the
// longest edge path from a root (normally the trigger). Nodes sharing a
// rank spread horizontally, centered on x=0. Positions are pure
// presentation and never influence execution.
func Layout(g *Graph) {
	if len(g.Nodes) == 0 {
		return
	}

	adj := make(map[string][]string, len(g.Nodes))
	inDegree := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		if _, ok := inDegree[e.Source]; !ok {
			continue
		}
		if _, ok := inDegree[e.Target]; !ok {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
		inDegree[e.Target]++
	}

	// Longest-path ranks via Kahn order. Disconnected or cyclic
	// remainders fall back to rank 0 and still get a slot.
	rank := make(map[string]int, len(g.Nodes))
	queue := make([]string, 0, len(g.Nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if rank[id]+1 > rank[next] {
				rank[next] = rank[id] + 1
			}
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	// Group by rank, keeping node declaration order within a rank.
	byRank := make(map[int][]int)
	maxRank := 0
	for i, n := range g.Nodes {
		r := rank[n.ID]
		byRank[r] = append(byRank[r], i)
		if r > maxRank {
			maxRank = r
		}
	}

	for r := 0; r <= maxRank; r++ {
		row := byRank[r]
		rowWidth := float64(len(row))*nodeWidth + float64(len(row)-1)*hGap
		x := -rowWidth / 2
		for _, idx := range row {
			g.Nodes[idx].Position = Position{
				X: x,
				Y: float64(r) * (nodeHeight + vGap),
			}
			x += nodeWidth + hGap
		}
	}
}
