// Package tree arranges process records into a parent/child forest and
// flattens it into display rows.
package tree

import (
	"sort"

	"github.com/srodi/proctop/pkg/types"
)

// Less orders two siblings. It should be a total order; ties left by it are
// broken by ascending PID.
type Less func(a, b *types.ProcessRecord) bool

// Row is one visible line of the tree.
type Row struct {
	Record      *types.ProcessRecord
	Depth       int
	HasChildren bool
	// Last is true for the last child of its parent (or the last root).
	Last bool
	// Rails[i] is true when the ancestor at depth i still has siblings
	// below this row, so a vertical connector must be drawn in that column.
	Rails []bool
}

type node struct {
	rec      *types.ProcessRecord
	parent   int
	children []int
}

// Forest is the arena built from one set of records. Nodes refer to each
// other by index only, so no pointer cycle can form even when the parent
// links in the input do.
type Forest struct {
	nodes []node
	roots []int
	index map[types.PID]int
	// Broken lists the PIDs that were promoted to roots to break a cycle.
	Broken []types.PID
}

// Build links records by PPID. A record whose parent is not in the set, or
// is itself, becomes a root. Parent chains that loop are cut at the first
// repeated ancestor, which becomes a root.
func Build(records []*types.ProcessRecord, less Less) *Forest {
	f := &Forest{
		nodes: make([]node, len(records)),
		index: make(map[types.PID]int, len(records)),
	}
	for i, rec := range records {
		f.nodes[i] = node{rec: rec, parent: -1}
		f.index[rec.PID] = i
	}
	for i := range f.nodes {
		rec := f.nodes[i].rec
		if p, ok := f.index[rec.PPID]; ok && rec.PPID != rec.PID {
			f.nodes[i].parent = p
		}
	}

	f.breakCycles()

	for i := range f.nodes {
		if p := f.nodes[i].parent; p >= 0 {
			f.nodes[p].children = append(f.nodes[p].children, i)
		} else {
			f.roots = append(f.roots, i)
		}
	}
	cmp := f.comparator(less)
	sort.SliceStable(f.roots, func(a, b int) bool { return cmp(f.roots[a], f.roots[b]) })
	for i := range f.nodes {
		kids := f.nodes[i].children
		sort.SliceStable(kids, func(a, b int) bool { return cmp(kids[a], kids[b]) })
	}
	return f
}

func (f *Forest) comparator(less Less) func(a, b int) bool {
	return func(a, b int) bool {
		ra, rb := f.nodes[a].rec, f.nodes[b].rec
		if less != nil {
			if less(ra, rb) {
				return true
			}
			if less(rb, ra) {
				return false
			}
		}
		return ra.PID < rb.PID
	}
}

// breakCycles promotes one node of every parent loop to a root. A node is
// in a loop, or hangs below one, exactly when following parents from it
// never reaches a root.
func (f *Forest) breakCycles() {
	// 0 = unknown, 1 = on the current walk, 2 = reaches a root
	state := make([]uint8, len(f.nodes))
	order := make([]int, len(f.nodes))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return f.nodes[order[a]].rec.PID < f.nodes[order[b]].rec.PID })

	var walk []int
	for _, start := range order {
		walk = walk[:0]
		cur := start
		for cur >= 0 && state[cur] == 0 {
			state[cur] = 1
			walk = append(walk, cur)
			cur = f.nodes[cur].parent
		}
		if cur >= 0 && state[cur] == 1 {
			// cur is the first ancestor seen twice on this walk
			f.nodes[cur].parent = -1
			f.Broken = append(f.Broken, f.nodes[cur].rec.PID)
		}
		for _, n := range walk {
			state[n] = 2
		}
	}
}

// Len is the number of records in the forest.
func (f *Forest) Len() int { return len(f.nodes) }

// Children returns the PIDs of the direct children of pid in sibling order.
func (f *Forest) Children(pid types.PID) []types.PID {
	i, ok := f.index[pid]
	if !ok {
		return nil
	}
	out := make([]types.PID, 0, len(f.nodes[i].children))
	for _, c := range f.nodes[i].children {
		out = append(out, f.nodes[c].rec.PID)
	}
	return out
}

// Descendants returns every PID below pid, breadth first. pid itself is not
// included.
func (f *Forest) Descendants(pid types.PID) []types.PID {
	i, ok := f.index[pid]
	if !ok {
		return nil
	}
	var out []types.PID
	queue := append([]int(nil), f.nodes[i].children...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, f.nodes[n].rec.PID)
		queue = append(queue, f.nodes[n].children...)
	}
	return out
}

// Flatten walks the forest depth first and returns the visible rows. Children
// of a PID in collapsed are not emitted. Depth, Expanded and Children are
// written back to every record, including hidden ones.
func (f *Forest) Flatten(collapsed map[types.PID]bool) []Row {
	type frame struct {
		idx   int
		depth int
		last  bool
		rails []bool
		shown bool
	}
	rows := make([]Row, 0, len(f.nodes))
	stack := make([]frame, 0, len(f.nodes))
	push := func(list []int, depth int, rails []bool, shown bool) {
		for k := len(list) - 1; k >= 0; k-- {
			stack = append(stack, frame{idx: list[k], depth: depth, last: k == len(list)-1, rails: rails, shown: shown})
		}
	}
	push(f.roots, 0, nil, true)

	for len(stack) > 0 {
		fr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &f.nodes[fr.idx]
		rec := n.rec
		rec.Depth = fr.depth
		rec.Expanded = !collapsed[rec.PID]
		rec.Children = nil
		for _, c := range n.children {
			rec.Children = append(rec.Children, f.nodes[c].rec.PID)
		}
		if fr.shown {
			rows = append(rows, Row{
				Record:      rec,
				Depth:       fr.depth,
				HasChildren: len(n.children) > 0,
				Last:        fr.last,
				Rails:       fr.rails,
			})
		}
		if len(n.children) == 0 {
			continue
		}
		rails := make([]bool, len(fr.rails), len(fr.rails)+1)
		copy(rails, fr.rails)
		rails = append(rails, !fr.last)
		push(n.children, fr.depth+1, rails, fr.shown && rec.Expanded)
	}
	return rows
}
