package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/srodi/proctop/pkg/dispatch"
	"github.com/srodi/proctop/pkg/tree"
	"github.com/srodi/proctop/pkg/types"
	"github.com/srodi/proctop/pkg/view"
)

// Command is a user request applied between ticks.
type Command interface {
	command()
}

type (
	// SortBy makes Field the sort key. Picking the active field again
	// inverts the direction; a new field starts descending.
	SortBy struct{ Field view.Field }
	// InvertSort flips the sort direction.
	InvertSort struct{}
	// CycleSort moves the sort key Step columns along the visible columns.
	CycleSort struct{ Step int }

	// SetFilter replaces the text filter; empty clears it.
	SetFilter struct{ Text string }
	// SetUserFilter keeps only processes of UID; nil clears it.
	SetUserFilter struct{ UID *uint32 }
	// ToggleKernelThreads shows or hides kernel threads.
	ToggleKernelThreads struct{}

	// SetSearch sets the search term and jumps to the first match from the top.
	SetSearch struct{ Term string }
	// SearchNext jumps to the next (or previous) match of the search term.
	SearchNext struct{ Backward bool }

	// ToggleTree switches between the sorted list and the tree.
	ToggleTree struct{}
	// Expand shows the children of PID, or of the selection when PID is 0.
	Expand struct{ PID types.PID }
	// Collapse hides the children of PID, or of the selection when PID is 0.
	Collapse struct{ PID types.PID }
	// ToggleExpand flips the expansion of the selected node.
	ToggleExpand struct{}
	// ExpandAll expands every node.
	ExpandAll struct{}

	// Move shifts the selection by Delta rows.
	Move struct{ Delta int }
	// Page shifts the selection by Pages screens.
	Page struct{ Pages int }
	// Home selects the first row.
	Home struct{}
	// End selects the last row.
	End struct{}
	// SelectPID selects PID when it is visible.
	SelectPID struct{ PID types.PID }
	// JumpPID selects the first visible row whose PID starts with Digits.
	JumpPID struct{ Digits string }
	// Resize tells the engine how many rows fit on a page.
	Resize struct{ Rows int }
	// ToggleFollow follows the selected process across refreshes.
	ToggleFollow struct{}

	// ToggleTag tags or untags the selected process.
	ToggleTag struct{}
	// TagWithChildren tags the selected process and its current descendants.
	TagWithChildren struct{}
	// UntagAll clears the tag set.
	UntagAll struct{}

	// Renice changes the nice value of the targets.
	Renice struct{ Priority dispatch.Priority }
	// SetAffinity pins the targets to Mask.
	SetAffinity struct{ Mask types.CPUMask }
	// SetIOPriority moves the targets to the idle I/O class or back.
	SetIOPriority struct{ Background bool }
	// Kill sends Signal to the targets.
	Kill struct{ Signal types.SignalKind }
	// ListModules lists the images mapped by the selected process.
	ListModules struct{}
	// ShowDetails reads the executable, working directory and environment
	// of the selected process.
	ShowDetails struct{}
	// ListConnections lists the sockets of the selected process.
	ListConnections struct{}

	// Pause toggles sampling. Commands keep working while paused.
	Pause struct{}
	// Refresh samples on the next loop turn and resumes if paused.
	Refresh struct{}
	// SetInterval changes the refresh interval.
	SetInterval struct{ Interval time.Duration }
	// ToggleNormalizeCPU switches CPU% between per core and whole machine.
	ToggleNormalizeCPU struct{}
	// SetColumns replaces the visible column list.
	SetColumns struct{ Fields []view.Field }
	// ToggleFullPath switches the command column between the full command
	// line and the program name with its arguments.
	ToggleFullPath struct{}
)

func (SortBy) command()              {}
func (InvertSort) command()          {}
func (CycleSort) command()           {}
func (SetFilter) command()           {}
func (SetUserFilter) command()       {}
func (ToggleKernelThreads) command() {}
func (SetSearch) command()           {}
func (SearchNext) command()          {}
func (ToggleTree) command()          {}
func (Expand) command()              {}
func (Collapse) command()            {}
func (ToggleExpand) command()        {}
func (ExpandAll) command()           {}
func (Move) command()                {}
func (Page) command()                {}
func (Home) command()                {}
func (End) command()                 {}
func (SelectPID) command()           {}
func (JumpPID) command()             {}
func (Resize) command()              {}
func (ToggleFollow) command()        {}
func (ToggleTag) command()           {}
func (TagWithChildren) command()     {}
func (UntagAll) command()            {}
func (Renice) command()              {}
func (SetAffinity) command()         {}
func (SetIOPriority) command()       {}
func (Kill) command()                {}
func (ListModules) command()         {}
func (ShowDetails) command()         {}
func (ListConnections) command()     {}
func (Pause) command()               {}
func (Refresh) command()             {}
func (SetInterval) command()         {}
func (ToggleNormalizeCPU) command()  {}
func (SetColumns) command()          {}
func (ToggleFullPath) command()      {}

// Result reports what a command did.
type Result struct {
	// Outcomes has one entry per mutation target, in ascending PID order.
	Outcomes    []dispatch.Outcome
	Modules     []types.Module
	Details     *types.Details
	Connections []types.Connection
	// Err is the failure of the command, or of the mutation targets joined.
	Err error
	// SettingsChanged is true when a persisted setting changed.
	SettingsChanged bool
}

// ErrNoSelection is returned by commands that need a selected process.
var ErrNoSelection = errors.New("no process selected")

// Apply runs cmd against the current state. Mutations are forwarded to the
// tagged set when it is not empty, otherwise to the selected process.
func (e *Engine) Apply(ctx context.Context, cmd Command) Result {
	res := e.apply(ctx, cmd)
	if res.SettingsChanged && e.sink != nil {
		if err := e.sink(e.Settings()); err != nil {
			e.log.Warn("saving settings: ", err)
			res.Err = errors.Join(res.Err, fmt.Errorf("saving settings: %w", err))
		}
	}
	e.last = &res
	return res
}

func (e *Engine) apply(ctx context.Context, cmd Command) Result {
	switch c := cmd.(type) {
	case SortBy:
		if c.Field == e.state.Sort.Field {
			e.state.Sort.Descending = !e.state.Sort.Descending
		} else {
			e.state.Sort = view.SortKey{Field: c.Field, Descending: true}
		}
		e.rebuild()
		return Result{SettingsChanged: true}
	case InvertSort:
		e.state.Sort.Descending = !e.state.Sort.Descending
		e.rebuild()
		return Result{SettingsChanged: true}
	case CycleSort:
		e.state.Sort = view.SortKey{Field: e.cycleField(c.Step), Descending: true}
		e.rebuild()
		return Result{SettingsChanged: true}

	case SetFilter:
		e.state.Filter.Text = c.Text
		e.rebuild()
	case SetUserFilter:
		e.state.Filter.UID = c.UID
		e.rebuild()
	case ToggleKernelThreads:
		e.state.Filter.HideKernel = !e.state.Filter.HideKernel
		e.rebuild()
		return Result{SettingsChanged: true}

	case SetSearch:
		e.state.Search = c.Term
		e.search(-1, false)
	case SearchNext:
		_, idx, _ := e.sel.Selected()
		e.search(idx, c.Backward)

	case ToggleTree:
		e.state.Tree = !e.state.Tree
		e.rebuild()
		return Result{SettingsChanged: true}
	case Expand:
		if pid, ok := e.pidOrSelected(c.PID); ok {
			delete(e.state.Collapsed, pid)
			e.rebuild()
		}
	case Collapse:
		if pid, ok := e.pidOrSelected(c.PID); ok {
			e.state.Collapsed[pid] = true
			e.rebuild()
		}
	case ToggleExpand:
		if pid, ok := e.pidOrSelected(0); ok {
			if e.state.Collapsed[pid] {
				delete(e.state.Collapsed, pid)
			} else {
				e.state.Collapsed[pid] = true
			}
			e.rebuild()
		}
	case ExpandAll:
		e.state.Collapsed = make(map[types.PID]bool)
		e.rebuild()

	case Move:
		e.sel.Move(c.Delta)
	case Page:
		e.sel.Page(c.Pages, e.pageSize)
	case Home:
		e.sel.First()
	case End:
		e.sel.Last()
	case SelectPID:
		if !e.sel.Select(c.PID) {
			return Result{Err: fmt.Errorf("pid %d is not visible", c.PID)}
		}
	case JumpPID:
		if c.Digits == "" {
			return Result{}
		}
		for i, rec := range e.visibleRecords() {
			if strings.HasPrefix(strconv.FormatUint(uint64(rec.PID), 10), c.Digits) {
				e.sel.SelectIndex(i)
				return Result{}
			}
		}
		return Result{Err: fmt.Errorf("no visible pid starts with %s", c.Digits)}
	case Resize:
		if c.Rows > 0 {
			e.pageSize = c.Rows
		}
	case ToggleFollow:
		if _, _, ok := e.sel.Selected(); !ok {
			return Result{Err: ErrNoSelection}
		}
		e.sel.ToggleFollow()

	case ToggleTag:
		pid, _, ok := e.sel.Selected()
		if !ok {
			return Result{Err: ErrNoSelection}
		}
		e.sel.ToggleTag(pid)
		e.markTags()
	case TagWithChildren:
		pid, _, ok := e.sel.Selected()
		if !ok {
			return Result{Err: ErrNoSelection}
		}
		// the subtree as it exists now; later arrivals are not tagged
		forest := tree.Build(e.live(), nil)
		e.sel.Tag(pid)
		e.sel.Tag(forest.Descendants(pid)...)
		e.markTags()
	case UntagAll:
		e.sel.ClearTags()
		e.markTags()

	case Renice:
		return e.mutate(ctx, func(ctx context.Context, pid types.PID) error {
			return e.dispatch.SetPriority(ctx, pid, c.Priority)
		})
	case SetAffinity:
		return e.mutate(ctx, func(ctx context.Context, pid types.PID) error {
			return e.dispatch.SetAffinity(ctx, pid, c.Mask)
		})
	case SetIOPriority:
		return e.mutate(ctx, func(ctx context.Context, pid types.PID) error {
			return e.dispatch.SetIOPriority(ctx, pid, c.Background)
		})
	case Kill:
		return e.mutate(ctx, func(ctx context.Context, pid types.PID) error {
			return e.dispatch.Kill(ctx, pid, c.Signal)
		})
	case ListModules:
		pid, _, ok := e.sel.Selected()
		if !ok {
			return Result{Err: ErrNoSelection}
		}
		mods, err := e.dispatch.Modules(ctx, pid)
		return Result{Modules: mods, Err: err}
	case ShowDetails:
		pid, _, ok := e.sel.Selected()
		if !ok {
			return Result{Err: ErrNoSelection}
		}
		det, err := e.dispatch.Details(ctx, pid)
		if err != nil {
			return Result{Err: err}
		}
		return Result{Details: &det}
	case ListConnections:
		pid, _, ok := e.sel.Selected()
		if !ok {
			return Result{Err: ErrNoSelection}
		}
		conns, err := e.dispatch.Connections(ctx, pid)
		return Result{Connections: conns, Err: err}

	case Pause:
		e.paused = !e.paused
		if !e.paused {
			e.resumed = true
		}
	case Refresh:
		e.refresh = true
	case SetInterval:
		if c.Interval <= 0 {
			return Result{Err: fmt.Errorf("invalid interval %s", c.Interval)}
		}
		e.state.Interval = c.Interval
		e.resumed = true
		return Result{SettingsChanged: true}
	case ToggleNormalizeCPU:
		e.state.NormalizeCPU = !e.state.NormalizeCPU
		e.rates.SetOptions(ratesOptions(e.state))
		return Result{SettingsChanged: true}
	case SetColumns:
		if len(c.Fields) == 0 {
			return Result{Err: errors.New("at least one column must stay visible")}
		}
		e.state.Columns = append([]view.Field(nil), c.Fields...)
		return Result{SettingsChanged: true}
	case ToggleFullPath:
		e.state.ShowFullPath = !e.state.ShowFullPath
		return Result{SettingsChanged: true}

	default:
		return Result{Err: fmt.Errorf("unknown command %T", cmd)}
	}
	return Result{}
}

// mutate runs fn for the tagged set, or for the selection when nothing is
// tagged.
func (e *Engine) mutate(ctx context.Context, fn func(context.Context, types.PID) error) Result {
	targets := e.sel.Tags()
	if len(targets) == 0 {
		pid, _, ok := e.sel.Selected()
		if !ok {
			return Result{Err: ErrNoSelection}
		}
		targets = []types.PID{pid}
	}
	outcomes := e.dispatch.ApplyTagged(ctx, targets, fn)
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return Result{Outcomes: outcomes, Err: errors.Join(errs...)}
}

func (e *Engine) pidOrSelected(pid types.PID) (types.PID, bool) {
	if pid != 0 {
		return pid, true
	}
	pid, _, ok := e.sel.Selected()
	return pid, ok
}

func (e *Engine) markTags() {
	for pid, rec := range e.snap.Records {
		rec.Tagged = e.sel.Tagged(pid)
	}
}

// search moves the selection to a match of the current term. The visible
// rows are never changed.
func (e *Engine) search(from int, backward bool) {
	if e.state.Search == "" {
		e.state.SearchNotFound = false
		return
	}
	idx, ok := view.Search(e.visibleRecords(), e.state.Search, from, backward)
	e.state.SearchNotFound = !ok
	if ok {
		e.sel.SelectIndex(idx)
	}
}

func (e *Engine) cycleField(step int) view.Field {
	fields := e.state.Columns
	if len(fields) == 0 {
		fields = view.AllFields()
	}
	cur := 0
	for i, f := range fields {
		if f == e.state.Sort.Field {
			cur = i
			break
		}
	}
	n := len(fields)
	return fields[((cur+step)%n+n)%n]
}
