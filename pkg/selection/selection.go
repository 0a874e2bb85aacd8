// Package selection keeps the cursor, follow target and tag set attached to
// processes while the visible rows change underneath them.
package selection

import (
	"sort"

	"github.com/srodi/proctop/pkg/types"
)

// Reconciler tracks selection by PID rather than by row index.
type Reconciler struct {
	rows  []types.PID
	pos   map[types.PID]int
	index int // -1 when nothing is selected
	pid   types.PID

	follow    bool
	followPID types.PID

	tags map[types.PID]struct{}
}

// New returns a reconciler with an empty view.
func New() *Reconciler {
	return &Reconciler{
		index: -1,
		pos:   make(map[types.PID]int),
		tags:  make(map[types.PID]struct{}),
	}
}

// Reconcile installs the new visible rows. live reports whether a PID still
// exists at all, visible or not; tags of dead PIDs are dropped and a follow
// target that died is released.
//
// When the selected PID is no longer visible the selection moves to the
// nearest row of the previous view that survived, looking one row below and
// then one row above, widening until a survivor is found. If none of the old
// rows survived the old index is clamped to the new row count.
func (r *Reconciler) Reconcile(rows []types.PID, live func(types.PID) bool) {
	for pid := range r.tags {
		if !live(pid) {
			delete(r.tags, pid)
		}
	}
	if r.follow && !live(r.followPID) {
		r.follow = false
	}

	prevRows, prevIndex := r.rows, r.index
	r.rows = append([]types.PID(nil), rows...)
	r.pos = make(map[types.PID]int, len(rows))
	for i, pid := range r.rows {
		r.pos[pid] = i
	}

	if len(r.rows) == 0 {
		r.index = -1
		return
	}
	if r.follow {
		if i, ok := r.pos[r.followPID]; ok {
			r.set(i)
			return
		}
	}
	if prevIndex < 0 {
		r.set(0)
		return
	}
	if i, ok := r.pos[r.pid]; ok {
		r.set(i)
		return
	}
	if i, ok := r.nearestSurvivor(prevRows, prevIndex); ok {
		r.set(i)
		return
	}
	if prevIndex >= len(r.rows) {
		prevIndex = len(r.rows) - 1
	}
	r.set(prevIndex)
}

func (r *Reconciler) nearestSurvivor(prev []types.PID, at int) (int, bool) {
	for d := 1; d < len(prev); d++ {
		if below := at + d; below < len(prev) {
			if i, ok := r.pos[prev[below]]; ok {
				return i, true
			}
		}
		if above := at - d; above >= 0 && above < len(prev) {
			if i, ok := r.pos[prev[above]]; ok {
				return i, true
			}
		}
		if at+d >= len(prev) && at-d < 0 {
			break
		}
	}
	return 0, false
}

func (r *Reconciler) set(i int) {
	r.index = i
	r.pid = r.rows[i]
}

// Selected returns the selected PID and its row index.
func (r *Reconciler) Selected() (types.PID, int, bool) {
	if r.index < 0 {
		return 0, -1, false
	}
	return r.pid, r.index, true
}

// Rows returns the number of visible rows.
func (r *Reconciler) Rows() int { return len(r.rows) }

// Select moves the cursor to pid if it is visible.
func (r *Reconciler) Select(pid types.PID) bool {
	i, ok := r.pos[pid]
	if !ok {
		return false
	}
	r.set(i)
	return true
}

// SelectIndex moves the cursor to row i, clamped to the view.
func (r *Reconciler) SelectIndex(i int) {
	if len(r.rows) == 0 {
		return
	}
	if i < 0 {
		i = 0
	}
	if i >= len(r.rows) {
		i = len(r.rows) - 1
	}
	r.set(i)
}

// Move shifts the cursor by delta rows. Manual movement ends follow mode.
func (r *Reconciler) Move(delta int) {
	if len(r.rows) == 0 {
		return
	}
	r.follow = false
	r.SelectIndex(r.index + delta)
}

// Page moves by pages of size rows; negative pages go up.
func (r *Reconciler) Page(pages, size int) {
	if size < 1 {
		size = 1
	}
	r.Move(pages * size)
}

// First selects the top row.
func (r *Reconciler) First() {
	r.follow = false
	r.SelectIndex(0)
}

// Last selects the bottom row.
func (r *Reconciler) Last() {
	r.follow = false
	r.SelectIndex(len(r.rows) - 1)
}

// ToggleFollow starts following the selected process, or stops following.
func (r *Reconciler) ToggleFollow() bool {
	if r.follow || r.index < 0 {
		r.follow = false
		return false
	}
	r.follow = true
	r.followPID = r.pid
	return true
}

// Following returns the followed PID, if any.
func (r *Reconciler) Following() (types.PID, bool) {
	return r.followPID, r.follow
}

// ToggleTag flips the tag of pid and reports the new state.
func (r *Reconciler) ToggleTag(pid types.PID) bool {
	if _, ok := r.tags[pid]; ok {
		delete(r.tags, pid)
		return false
	}
	r.tags[pid] = struct{}{}
	return true
}

// Tag adds every pid to the tag set.
func (r *Reconciler) Tag(pids ...types.PID) {
	for _, pid := range pids {
		r.tags[pid] = struct{}{}
	}
}

// Untag removes every pid from the tag set.
func (r *Reconciler) Untag(pids ...types.PID) {
	for _, pid := range pids {
		delete(r.tags, pid)
	}
}

// ClearTags empties the tag set.
func (r *Reconciler) ClearTags() {
	for pid := range r.tags {
		delete(r.tags, pid)
	}
}

// Tagged reports whether pid is tagged.
func (r *Reconciler) Tagged(pid types.PID) bool {
	_, ok := r.tags[pid]
	return ok
}

// Tags returns the tag set in ascending PID order.
func (r *Reconciler) Tags() []types.PID {
	out := make([]types.PID, 0, len(r.tags))
	for pid := range r.tags {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
