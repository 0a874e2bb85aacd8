// Package engine owns the snapshot and view state of the monitor and turns
// each sampled frame into a presentation-ready view.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"

	"github.com/srodi/proctop/pkg/collector"
	"github.com/srodi/proctop/pkg/dispatch"
	"github.com/srodi/proctop/pkg/rates"
	"github.com/srodi/proctop/pkg/sampler"
	"github.com/srodi/proctop/pkg/selection"
	"github.com/srodi/proctop/pkg/tree"
	"github.com/srodi/proctop/pkg/types"
	"github.com/srodi/proctop/pkg/view"
)

const (
	// removeAfter is the number of consecutive absent ticks after which a
	// record is dropped from the snapshot.
	removeAfter = 2

	defaultInterval      = 1500 * time.Millisecond
	defaultSampleTimeout = 2 * time.Second
	defaultPageSize      = 20
)

// ReconciliationWarning is a non-fatal inconsistency found while merging a
// frame into the snapshot.
type ReconciliationWarning struct {
	PID    types.PID
	Reason string
}

func (w ReconciliationWarning) Error() string {
	return fmt.Sprintf("pid %d: %s", w.PID, w.Reason)
}

// Snapshot is the merged state of one tick.
type Snapshot struct {
	Seq     uint64
	Records map[types.PID]*types.ProcessRecord
	Cores   []rates.CoreUsage
	CPU     rates.CoreUsage
	Totals  types.SystemTotals
	Load    rates.LoadAvg
	Taken   time.Time
}

// ViewState is the user controlled part of the view.
type ViewState struct {
	Sort           view.SortKey
	Filter         view.FilterConfig
	Search         string
	SearchNotFound bool
	Tree           bool
	Collapsed      map[types.PID]bool
	Columns        []view.Field
	Interval       time.Duration
	NormalizeCPU   bool
	ShowFullPath   bool
	ColorScheme    string
}

func (s ViewState) clone() ViewState {
	out := s
	if s.Filter.UID != nil {
		uid := *s.Filter.UID
		out.Filter.UID = &uid
	}
	out.Collapsed = make(map[types.PID]bool, len(s.Collapsed))
	for pid, v := range s.Collapsed {
		out.Collapsed[pid] = v
	}
	out.Columns = append([]view.Field(nil), s.Columns...)
	return out
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now, for deterministic rates in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger replaces the default engine logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithSampleTimeout bounds each sample with a deadline.
func WithSampleTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithInterval sets the refresh interval of Run.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.state.Interval = d
		}
	}
}

// WithSort sets the initial sort column and direction.
func WithSort(key view.SortKey) Option {
	return func(e *Engine) { e.state.Sort = key }
}

// WithTree starts in tree mode.
func WithTree(on bool) Option {
	return func(e *Engine) { e.state.Tree = on }
}

// WithHideKernel hides kernel threads from the start.
func WithHideKernel(on bool) Option {
	return func(e *Engine) { e.state.Filter.HideKernel = on }
}

// WithNormalizeCPU divides process CPU% by the core count.
func WithNormalizeCPU(on bool) Option {
	return func(e *Engine) { e.state.NormalizeCPU = on }
}

// WithColumns sets the visible column list.
func WithColumns(fields []view.Field) Option {
	return func(e *Engine) {
		if len(fields) > 0 {
			e.state.Columns = append([]view.Field(nil), fields...)
		}
	}
}

// WithFullPath shows the full command line instead of the program name
// and its arguments.
func WithFullPath(on bool) Option {
	return func(e *Engine) { e.state.ShowFullPath = on }
}

// WithColorScheme records the color scheme name for presentation.
func WithColorScheme(name string) Option {
	return func(e *Engine) { e.state.ColorScheme = name }
}

// WithSettingsSink registers fn to receive the settings map whenever a
// command changes a persisted setting.
func WithSettingsSink(fn func(map[string]string) error) Option {
	return func(e *Engine) { e.sink = fn }
}

// Engine is the single owner of Snapshot and ViewState. It is not safe for
// concurrent use; Run serializes sampling and commands on one goroutine.
type Engine struct {
	sampler  *sampler.Sampler
	rates    *rates.Computer
	sel      *selection.Reconciler
	dispatch *dispatch.Dispatcher
	log      *logger.Logger
	now      func() time.Time
	timeout  time.Duration
	sink     func(map[string]string) error

	snap     Snapshot
	state    ViewState
	rows     []tree.Row
	pageSize int

	paused   bool
	refresh  bool
	resumed  bool
	lastErr  error
	failures int    // consecutive failed samples
	failMsg  string // message of the last failure warned about
	warnings []ReconciliationWarning
	last     *Result
}

// New takes the first sample from src. Failing to do so is the only fatal
// condition of the engine.
func New(ctx context.Context, src collector.DataSource, opts ...Option) (*Engine, error) {
	e := &Engine{
		now:     time.Now,
		timeout: defaultSampleTimeout,
		log:     logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "engine")),
		snap:    Snapshot{Records: make(map[types.PID]*types.ProcessRecord)},
		state: ViewState{
			Sort:         view.SortKey{Field: view.FieldCPU, Descending: true},
			Collapsed:    make(map[types.PID]bool),
			Columns:      view.AllFields(),
			Interval:     defaultInterval,
			ShowFullPath: true,
		},
		pageSize: defaultPageSize,
		sel:      selection.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sampler = sampler.New(src, e.now)
	e.rates = rates.New(ratesOptions(e.state))
	e.dispatch = dispatch.New(src, e.lookup,
		dispatch.WithLogger(e.log),
		dispatch.WithCoreCount(func() int { return len(e.snap.Cores) }),
		dispatch.WithOnMutated(e.sampler.Forget))

	if err := e.Tick(ctx); err != nil {
		return nil, fmt.Errorf("initial sample: %w", err)
	}
	e.log.Infoln("engine started with", len(e.snap.Records), "processes on", len(e.snap.Cores), "cores")
	return e, nil
}

func (e *Engine) lookup(pid types.PID) (*types.ProcessRecord, bool) {
	rec, ok := e.snap.Records[pid]
	return rec, ok
}

// Tick samples once and merges the frame into the snapshot. On failure the
// previous snapshot is kept and the error is returned and remembered for
// the next view.
func (e *Engine) Tick(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	frame, dups, err := e.sampler.Sample(sctx)
	cancel()
	if err != nil {
		e.lastErr = err
		e.noteFailure(err)
		return err
	}
	if e.failures > 0 {
		e.log.Infoln("sampling recovered after", e.failures, "failed samples")
		e.failures, e.failMsg = 0, ""
	}
	e.lastErr = nil
	e.merge(frame, dups)
	e.rebuild()
	return nil
}

// noteFailure counts a failed sample and reports whether it was logged as a
// warning. Only the first failure of a streak, or one with a different
// message, warns; repeats go to debug so they do not flood the terminal.
func (e *Engine) noteFailure(err error) bool {
	e.failures++
	msg := err.Error()
	if e.failures > 1 && msg == e.failMsg {
		e.log.Debugln("sampling still failing:", err)
		return false
	}
	e.failMsg = msg
	e.log.Warn("sampling failed: ", err)
	return true
}

func (e *Engine) merge(frame types.Frame, dups []types.PID) {
	res, _ := e.rates.Compute(frame)
	e.snap.Seq++
	e.warnings = e.warnings[:0]
	for _, pid := range dups {
		e.warn(pid, "duplicate identifier in sample, first entry kept")
	}

	hz := frame.ClockTicks
	if hz == 0 {
		hz = types.DefaultClockTicks
	}
	seen := make(map[types.PID]struct{}, len(frame.Processes))
	for _, raw := range frame.Processes {
		seen[raw.PID] = struct{}{}
		rec, ok := e.snap.Records[raw.PID]
		if ok && !rec.StartTime.Equal(raw.StartTime) {
			e.warn(raw.PID, "identifier reused by a new process")
			e.forget(raw.PID)
			ok = false
		}
		if !ok {
			rec = &types.ProcessRecord{PID: raw.PID, FirstSeen: e.snap.Seq, Expanded: true}
			e.snap.Records[raw.PID] = rec
		}
		fill(rec, raw, res.Procs[raw.PID], hz)
	}

	for pid, rec := range e.snap.Records {
		if _, ok := seen[pid]; ok {
			continue
		}
		rec.Missing++
		rec.CPUPct, rec.ReadRate, rec.WriteRate = 0, 0, 0
		if rec.Missing >= removeAfter {
			delete(e.snap.Records, pid)
			e.forget(pid)
			continue
		}
		e.warn(pid, "missing from sample")
	}

	e.snap.Cores = res.Cores
	e.snap.CPU = res.Total
	e.snap.Load = res.Load
	e.snap.Totals = frame.Totals
	e.snap.Taken = frame.Taken
}

func fill(rec *types.ProcessRecord, raw types.RawSample, pr rates.ProcRates, hz uint64) {
	rec.PPID = raw.PPID
	rec.Name = raw.Name
	rec.Command = raw.Command
	rec.User = raw.Owner.Name
	rec.UID = raw.Owner.UID
	rec.Priority = raw.Priority
	rec.Nice = raw.Nice
	rec.Virtual = raw.Virtual
	rec.Resident = raw.Resident
	rec.Shared = raw.Shared
	rec.Status = raw.Status
	rec.Threads = raw.Threads
	rec.StartTime = raw.StartTime
	rec.Kernel = raw.Kernel
	rec.CPUTime = ticksToDuration(raw.UserTicks+raw.KernelTicks, hz)
	rec.CPUPct = pr.CPUPct
	rec.MemPct = pr.MemPct
	rec.ReadRate = pr.ReadRate
	rec.WriteRate = pr.WriteRate
	rec.Load = pr.Load
	rec.Missing = 0
	rec.Dirty = false
}

// ticksToDuration converts clock ticks without overflowing on long-lived
// busy processes.
func ticksToDuration(ticks, hz uint64) time.Duration {
	secs, rem := ticks/hz, ticks%hz
	return time.Duration(secs)*time.Second + time.Duration(rem)*time.Second/time.Duration(hz)
}

// forget drops per-process view state of a PID that left for good.
func (e *Engine) forget(pid types.PID) {
	delete(e.state.Collapsed, pid)
	e.sel.Untag(pid)
}

func (e *Engine) warn(pid types.PID, reason string) {
	w := ReconciliationWarning{PID: pid, Reason: reason}
	e.warnings = append(e.warnings, w)
	e.log.Debugln("reconcile:", w.Error())
}

// live returns the records present in the last frame.
func (e *Engine) live() []*types.ProcessRecord {
	out := make([]*types.ProcessRecord, 0, len(e.snap.Records))
	for _, rec := range e.snap.Records {
		if rec.Missing == 0 {
			out = append(out, rec)
		}
	}
	return out
}

// rebuild recomputes the visible rows from the snapshot and view state and
// reconciles the selection against them.
func (e *Engine) rebuild() {
	filtered := view.Filter(e.live(), e.state.Filter)
	if e.state.Tree {
		e.rows = tree.Build(filtered, e.state.Sort.Less()).Flatten(e.state.Collapsed)
	} else {
		ordered := view.Order(filtered, e.state.Sort)
		e.rows = make([]tree.Row, len(ordered))
		for i, rec := range ordered {
			rec.Depth = 0
			rec.Expanded = !e.state.Collapsed[rec.PID]
			e.rows[i] = tree.Row{Record: rec}
		}
	}

	pids := make([]types.PID, len(e.rows))
	for i, row := range e.rows {
		pids[i] = row.Record.PID
	}
	e.sel.Reconcile(pids, func(pid types.PID) bool {
		_, ok := e.snap.Records[pid]
		return ok
	})
	for pid, rec := range e.snap.Records {
		rec.Tagged = e.sel.Tagged(pid)
	}
}

// visibleRecords returns the rows in display order.
func (e *Engine) visibleRecords() []*types.ProcessRecord {
	out := make([]*types.ProcessRecord, len(e.rows))
	for i, row := range e.rows {
		out[i] = row.Record
	}
	return out
}
