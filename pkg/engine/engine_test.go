package engine

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/srodi/proctop/pkg/collector"
	"github.com/srodi/proctop/pkg/collector/fake"
	"github.com/srodi/proctop/pkg/dispatch"
	"github.com/srodi/proctop/pkg/types"
	"github.com/srodi/proctop/pkg/view"
)

type clock struct{ at time.Time }

func newClock() *clock { return &clock{at: time.Unix(1_700_000_000, 0)} }

func (c *clock) now() time.Time { return c.at }

func (c *clock) step(d time.Duration) { c.at = c.at.Add(d) }

func byPID() Option { return WithSort(view.SortKey{Field: view.FieldPID}) }

func proc(pid, ppid types.PID) types.RawSample {
	return types.RawSample{PID: pid, PPID: ppid, Name: "p", Command: "/bin/p", Owner: types.UserIdentity{UID: 1000, Name: "alice"}}
}

func newEngine(t *testing.T, src *fake.Source, opts ...Option) (*Engine, *clock) {
	t.Helper()
	c := newClock()
	e, err := New(context.Background(), src, append([]Option{WithClock(c.now)}, opts...)...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return e, c
}

func rowPIDs(v View) []types.PID {
	out := make([]types.PID, 0, len(v.Rows))
	for _, r := range v.Rows {
		out = append(out, r.Record.PID)
	}
	return out
}

func tick(t *testing.T, e *Engine, c *clock) View {
	t.Helper()
	c.step(time.Second)
	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected tick error: %v", err)
	}
	return e.CurrentView()
}

func TestNewFailsWithoutFirstSample(t *testing.T) {
	src := fake.New(1)
	src.EnumerateErr = &collector.Error{Kind: collector.KindAccessDenied, Op: "enumerating processes"}
	_, err := New(context.Background(), src)
	if !errors.Is(err, collector.ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestCPUPercentAcrossTicks(t *testing.T) {
	src := fake.New(2)
	p := proc(1, 0)
	p.UserTicks = 100
	src.Put(p)
	e, c := newEngine(t, src)

	if got := e.CurrentView().Rows[0].Record.CPUPct; got != 0 {
		t.Fatalf("first tick has no rate, got %.2f", got)
	}
	p.UserTicks = 150
	src.Put(p)
	v := tick(t, e, c)
	if got := v.Rows[0].Record.CPUPct; math.Abs(got-50) > 1e-9 {
		t.Fatalf("expected 50%%, got %.3f", got)
	}
	if got := v.Rows[0].Record.CPUTime; got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s of cpu time, got %s", got)
	}

	// a frame taken at the same instant reuses the previous rates
	p.UserTicks = 900
	src.Put(p)
	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := e.CurrentView().Rows[0].Record.CPUPct; math.Abs(got-50) > 1e-9 {
		t.Fatalf("dt = 0 must keep rates, got %.3f", got)
	}
}

func TestGraceRemoval(t *testing.T) {
	src := fake.New(1)
	src.Put(proc(1, 0), proc(2, 1))
	e, c := newEngine(t, src, byPID())

	src.Remove(2)
	v := tick(t, e, c)
	if rec, ok := e.snap.Records[2]; !ok || rec.Missing != 1 {
		t.Fatalf("one absence keeps the record: %+v", rec)
	}
	if !reflect.DeepEqual(rowPIDs(v), []types.PID{1}) {
		t.Fatalf("missing records are not visible, got %v", rowPIDs(v))
	}
	if len(v.Warnings) != 1 || v.Warnings[0].PID != 2 {
		t.Fatalf("expected a missing warning, got %v", v.Warnings)
	}

	// it came back: same record, grace reset
	src.Put(proc(2, 1))
	tick(t, e, c)
	if rec := e.snap.Records[2]; rec.Missing != 0 || rec.FirstSeen != 1 {
		t.Fatalf("returning process should keep its record: %+v", rec)
	}

	src.Remove(2)
	tick(t, e, c)
	tick(t, e, c)
	if _, ok := e.snap.Records[2]; ok {
		t.Fatalf("two absences remove the record")
	}
}

func TestSamplingFailureKeepsSnapshot(t *testing.T) {
	src := fake.New(1)
	src.Put(proc(1, 0), proc(2, 0))
	e, c := newEngine(t, src)
	before := e.CurrentView()

	src.EnumerateErr = errors.New("enumeration hiccup")
	src.Remove(2)
	c.step(time.Second)
	if err := e.Tick(context.Background()); err == nil {
		t.Fatalf("expected sampling error")
	}
	after := e.CurrentView()
	if after.Seq != before.Seq || len(after.Rows) != len(before.Rows) {
		t.Fatalf("failed sample changed the snapshot: %d/%d rows, seq %d/%d", len(after.Rows), len(before.Rows), after.Seq, before.Seq)
	}
	if collector.KindOf(after.Err) != collector.KindTransient {
		t.Fatalf("expected a transient error in the view, got %v", after.Err)
	}

	v := tick(t, e, c)
	if v.Err != nil || v.Seq != before.Seq+1 {
		t.Fatalf("next good sample should clear the error: %v seq %d", v.Err, v.Seq)
	}
}

type dupSource struct{ *fake.Source }

func (d dupSource) EnumerateProcesses(ctx context.Context) ([]types.RawSample, error) {
	out, err := d.Source.EnumerateProcesses(ctx)
	return append(out, proc(1, 0), proc(1, 0)), err
}

func TestIdentifiersAreUnique(t *testing.T) {
	src := fake.New(1)
	src.Put(proc(1, 0), proc(2, 1), proc(3, 1))
	e, err := New(context.Background(), dupSource{src}, WithClock(newClock().now))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v := e.CurrentView()
	seen := make(map[types.PID]bool)
	for _, r := range v.Rows {
		if seen[r.Record.PID] {
			t.Fatalf("pid %d appears twice", r.Record.PID)
		}
		seen[r.Record.PID] = true
	}
	if len(v.Rows) != 3 || len(v.Warnings) != 2 {
		t.Fatalf("expected 3 rows and 2 duplicate warnings, got %d %v", len(v.Rows), v.Warnings)
	}
}

func TestPIDReuseStartsFreshRecord(t *testing.T) {
	src := fake.New(1)
	p := proc(7, 0)
	src.Put(p)
	e, c := newEngine(t, src)
	e.Apply(context.Background(), ToggleTag{})

	p.StartTime = c.at.Add(time.Second)
	src.Put(p)
	v := tick(t, e, c)
	if len(v.Tags) != 0 {
		t.Fatalf("tags belong to the old process, got %v", v.Tags)
	}
	if e.snap.Records[7].FirstSeen != 2 {
		t.Fatalf("expected a new record, got %+v", e.snap.Records[7])
	}
	if len(v.Warnings) != 1 {
		t.Fatalf("expected a reuse warning, got %v", v.Warnings)
	}
}

func TestSelectionFallsBackToNeighbour(t *testing.T) {
	src := fake.New(1)
	src.Put(proc(100, 0), proc(200, 0), proc(4242, 0), proc(5000, 0))
	e, c := newEngine(t, src, byPID())

	if res := e.Apply(context.Background(), SelectPID{PID: 4242}); res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	src.Remove(4242)
	v := tick(t, e, c)
	if v.SelectedPID != 5000 || v.Selected != 2 {
		t.Fatalf("expected neighbour 5000 at 2, got %d at %d", v.SelectedPID, v.Selected)
	}
}

func TestFilterRemovesRowsSearchMovesCursor(t *testing.T) {
	src := fake.New(1)
	for i, cmd := range []string{"/usr/bin/bash", "/opt/chrome", "/usr/sbin/sshd", "/opt/chrome --type=gpu", "/usr/bin/vim"} {
		p := proc(types.PID(10+i), 0)
		p.Command = cmd
		src.Put(p)
	}
	e, _ := newEngine(t, src, byPID())
	ctx := context.Background()
	total := len(e.CurrentView().Rows)

	e.Apply(ctx, SetFilter{Text: "chrome"})
	v := e.CurrentView()
	if !reflect.DeepEqual(rowPIDs(v), []types.PID{11, 13}) {
		t.Fatalf("filter should keep only chrome rows, got %v", rowPIDs(v))
	}

	e.Apply(ctx, SetFilter{})
	e.Apply(ctx, SetSearch{Term: "chrome"})
	v = e.CurrentView()
	if len(v.Rows) != total {
		t.Fatalf("search must not remove rows: %d vs %d", len(v.Rows), total)
	}
	if v.SelectedPID != 11 || v.State.SearchNotFound {
		t.Fatalf("search should select the first match, got %d", v.SelectedPID)
	}
	e.Apply(ctx, SearchNext{})
	if v = e.CurrentView(); v.SelectedPID != 13 {
		t.Fatalf("expected next match 13, got %d", v.SelectedPID)
	}
	e.Apply(ctx, SearchNext{})
	if v = e.CurrentView(); v.SelectedPID != 11 {
		t.Fatalf("expected wrap to 11, got %d", v.SelectedPID)
	}
	e.Apply(ctx, SetSearch{Term: "firefox"})
	if v = e.CurrentView(); !v.State.SearchNotFound || v.SelectedPID != 11 {
		t.Fatalf("failed search keeps the cursor: %+v", v.State)
	}
}

func TestTagWithChildrenIsPointInTime(t *testing.T) {
	src := fake.New(1)
	src.Put(proc(1, 0), proc(2, 1), proc(3, 2), proc(4, 3), proc(5, 1))
	e, c := newEngine(t, src, WithTree(true), byPID())
	ctx := context.Background()

	e.Apply(ctx, SelectPID{PID: 2})
	e.Apply(ctx, TagWithChildren{})
	if got := e.CurrentView().Tags; !reflect.DeepEqual(got, []types.PID{2, 3, 4}) {
		t.Fatalf("expected the subtree [2 3 4], got %v", got)
	}

	src.Put(proc(6, 2))
	v := tick(t, e, c)
	if !reflect.DeepEqual(v.Tags, []types.PID{2, 3, 4}) {
		t.Fatalf("later children must not join the tag set, got %v", v.Tags)
	}
	for _, r := range v.Rows {
		if want := r.Record.PID >= 2 && r.Record.PID <= 4; r.Record.Tagged != want {
			t.Fatalf("pid %d tagged=%v", r.Record.PID, r.Record.Tagged)
		}
	}
}

func TestTreeRowsAndCollapse(t *testing.T) {
	src := fake.New(1)
	src.Put(proc(1, 0), proc(2, 1), proc(3, 2), proc(9, 0))
	e, _ := newEngine(t, src, WithTree(true), byPID())
	ctx := context.Background()

	v := e.CurrentView()
	if !reflect.DeepEqual(rowPIDs(v), []types.PID{1, 2, 3, 9}) || v.Rows[2].Depth != 2 {
		t.Fatalf("unexpected tree rows %v", rowPIDs(v))
	}
	e.Apply(ctx, Collapse{PID: 2})
	if v = e.CurrentView(); !reflect.DeepEqual(rowPIDs(v), []types.PID{1, 2, 9}) {
		t.Fatalf("collapsed children should be hidden, got %v", rowPIDs(v))
	}
	e.Apply(ctx, ExpandAll{})
	if v = e.CurrentView(); len(v.Rows) != 4 {
		t.Fatalf("expand all should show every row, got %v", rowPIDs(v))
	}
}

func TestStaleMutationLeavesStateAlone(t *testing.T) {
	src := fake.New(1)
	src.Put(proc(1, 0), proc(7, 0))
	e, _ := newEngine(t, src, byPID())
	ctx := context.Background()
	e.Apply(ctx, SelectPID{PID: 7})
	before := e.CurrentView()

	// the process exited after the last sample
	src.Remove(7)
	res := e.Apply(ctx, Kill{Signal: types.SignalTerm})
	if len(res.Outcomes) != 1 {
		t.Fatalf("expected one outcome, got %+v", res.Outcomes)
	}
	if kind, _ := dispatch.KindOf(res.Outcomes[0].Err); kind != dispatch.KindNotFound {
		t.Fatalf("expected not found, got %v", res.Outcomes[0].Err)
	}
	after := e.CurrentView()
	if !reflect.DeepEqual(rowPIDs(after), rowPIDs(before)) || after.SelectedPID != 7 || after.Seq != before.Seq {
		t.Fatalf("failed mutation changed the view")
	}
	if after.Rows[1].Record.Dirty {
		t.Fatalf("failed mutation marked the record dirty")
	}
}

func TestMutationOnTaggedSet(t *testing.T) {
	src := fake.New(1)
	src.Put(proc(1, 0), proc(2, 0), proc(3, 0))
	src.MutateErr[2] = &collector.Error{Kind: collector.KindAccessDenied}
	e, c := newEngine(t, src, byPID())
	ctx := context.Background()

	for _, pid := range []types.PID{3, 2} {
		e.Apply(ctx, SelectPID{PID: pid})
		e.Apply(ctx, ToggleTag{})
	}
	res := e.Apply(ctx, Renice{Priority: dispatch.Priority{Value: 1, Relative: true}})
	if len(res.Outcomes) != 2 || res.Outcomes[0].PID != 2 || res.Outcomes[1].PID != 3 {
		t.Fatalf("expected outcomes for 2 and 3, got %+v", res.Outcomes)
	}
	if res.Outcomes[0].Err == nil || res.Outcomes[1].Err != nil || res.Err == nil {
		t.Fatalf("unexpected per member errors: %+v", res)
	}
	if !e.snap.Records[3].Dirty {
		t.Fatalf("successful member should be dirty")
	}

	v := tick(t, e, c)
	if v.Rows[2].Record.Nice != 1 || v.Rows[2].Record.Dirty {
		t.Fatalf("next sample should pick the new nice and clear dirty: %+v", v.Rows[2].Record)
	}
}

func TestSortCommands(t *testing.T) {
	src := fake.New(1)
	src.Put(proc(1, 0), proc(2, 0), proc(3, 0))
	var saved []map[string]string
	e, _ := newEngine(t, src, WithSettingsSink(func(m map[string]string) error {
		saved = append(saved, m)
		return nil
	}))
	ctx := context.Background()

	res := e.Apply(ctx, SortBy{Field: view.FieldPID})
	if !res.SettingsChanged || len(saved) != 1 {
		t.Fatalf("sorting is a persisted setting")
	}
	if got := rowPIDs(e.CurrentView()); !reflect.DeepEqual(got, []types.PID{3, 2, 1}) {
		t.Fatalf("a new sort field starts descending, got %v", got)
	}
	e.Apply(ctx, SortBy{Field: view.FieldPID})
	if got := rowPIDs(e.CurrentView()); !reflect.DeepEqual(got, []types.PID{1, 2, 3}) {
		t.Fatalf("picking the field again inverts, got %v", got)
	}
	if saved[1][KeySortField] != "pid" || saved[1][KeySortAscending] != "true" {
		t.Fatalf("unexpected saved settings %v", saved[1])
	}

	e.Apply(ctx, CycleSort{Step: 1})
	if got := e.CurrentView().State.Sort.Field; got != view.FieldPPID {
		t.Fatalf("expected ppid after pid, got %s", got)
	}
	e.Apply(ctx, CycleSort{Step: -2})
	if got := e.CurrentView().State.Sort.Field; got != view.FieldCommand {
		t.Fatalf("cycling wraps, got %s", got)
	}

	if res := e.Apply(ctx, SetFilter{Text: "x"}); res.SettingsChanged {
		t.Fatalf("filters are not persisted")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	settings := map[string]string{
		KeySortField:     "mem",
		KeySortAscending: "true",
		KeyTreeView:      "true",
		KeyHideKernel:    "yes?",
		KeyInterval:      "50",
		KeyColumns:       "pid,user,command",
		KeyNormalizeCPU:  "true",
		KeyShowFullPath:  "false",
		KeyColorScheme:   "mono",
	}
	src := fake.New(1)
	src.Put(proc(1, 0))
	e, _ := newEngine(t, src, OptionsFromSettings(settings)...)

	got := e.Settings()
	want := map[string]string{
		KeySortField:     "mem",
		KeySortAscending: "true",
		KeyTreeView:      "true",
		KeyHideKernel:    "false",
		KeyInterval:      "200",
		KeyColumns:       "pid,user,command",
		KeyNormalizeCPU:  "true",
		KeyShowFullPath:  "false",
		KeyColorScheme:   "mono",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if e.Interval() != MinInterval {
		t.Fatalf("interval should be clamped, got %s", e.Interval())
	}
}

func TestRunPauseAndRefresh(t *testing.T) {
	src := fake.New(1)
	src.Put(proc(1, 0))
	e, _ := newEngine(t, src, WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cmds := make(chan Command)
	views := make(chan View, 16)
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, cmds, func(v View) { views <- v }) }()

	next := func() View {
		t.Helper()
		select {
		case v := <-views:
			return v
		case <-time.After(5 * time.Second):
			t.Fatalf("no view from the loop")
		}
		return View{}
	}

	if v := next(); v.Seq != 1 {
		t.Fatalf("expected the initial view, got seq %d", v.Seq)
	}
	cmds <- Pause{}
	if v := next(); !v.Paused || v.Seq != 1 {
		t.Fatalf("pause should not sample: %+v", v)
	}
	cmds <- Move{Delta: 1}
	if v := next(); v.Seq != 1 {
		t.Fatalf("commands work while paused without sampling")
	}
	cmds <- Refresh{}
	if v := next(); v.Paused || v.Seq != 2 {
		t.Fatalf("refresh should sample and resume: paused=%v seq=%d", v.Paused, v.Seq)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestHeaderAggregates(t *testing.T) {
	src := fake.New(2)
	a, b, z := proc(1, 0), proc(2, 0), proc(3, 0)
	a.Status, a.Threads = types.StatusRunning, 4
	b.Status, b.Threads = types.StatusSleeping, 2
	z.Status, z.Threads = types.StatusZombie, 1
	src.Put(a, b, z)
	src.Totals.Uptime = time.Hour
	e, c := newEngine(t, src)

	src.Advance(50, 50)
	v := tick(t, e, c)
	h := v.Header
	if h.Tasks != 3 || h.Running != 1 || h.Sleeping != 1 || h.Threads != 7 {
		t.Fatalf("unexpected task counts %+v", h)
	}
	if len(h.Cores) != 2 || math.Abs(h.CPU.TotalPct-50) > 1e-9 {
		t.Fatalf("unexpected cpu meters %+v", h)
	}
	if h.Uptime != time.Hour {
		t.Fatalf("unexpected uptime %s", h.Uptime)
	}
	ids := []int{h.Cores[0].ID, h.Cores[1].ID}
	if !sort.IntsAreSorted(ids) {
		t.Fatalf("cores should be ordered, got %v", ids)
	}
}

func TestCPUTimeOfLongLivedProcess(t *testing.T) {
	src := fake.New(1)
	p := proc(1, 0)
	p.UserTicks = 10_000_000_000
	src.Put(p)
	e, _ := newEngine(t, src)

	want := 100_000_000 * time.Second
	if got := e.CurrentView().Rows[0].Record.CPUTime; got != want {
		t.Fatalf("expected %s of cpu time, got %s", want, got)
	}
	if got := ticksToDuration(1234, 1000); got != 1234*time.Millisecond {
		t.Fatalf("expected 1.234s, got %s", got)
	}
}

func TestRepeatedSamplingFailuresWarnOnce(t *testing.T) {
	src := fake.New(1)
	src.Put(proc(1, 0))
	e, c := newEngine(t, src)

	fail := func(msg string) {
		t.Helper()
		src.EnumerateErr = errors.New(msg)
		c.step(time.Second)
		if err := e.Tick(context.Background()); err == nil {
			t.Fatalf("expected sampling error")
		}
	}
	fail("proc unavailable")
	fail("proc unavailable")
	fail("proc unavailable")
	if e.failures != 3 || e.failMsg != "proc unavailable" {
		t.Fatalf("expected a streak of 3, got %d %q", e.failures, e.failMsg)
	}
	if e.noteFailure(errors.New("proc unavailable")) {
		t.Fatalf("a repeated failure should not warn again")
	}
	if !e.noteFailure(errors.New("permission denied")) {
		t.Fatalf("a new failure message should warn")
	}

	tick(t, e, c)
	if e.failures != 0 || e.failMsg != "" {
		t.Fatalf("recovery should reset the streak, got %d %q", e.failures, e.failMsg)
	}
	if !e.noteFailure(errors.New("proc unavailable")) {
		t.Fatalf("the first failure after recovery should warn")
	}
}

func TestDetailsAndConnectionsOfSelection(t *testing.T) {
	src := fake.New(1)
	src.Put(proc(1, 0), proc(2, 0))
	src.Details[2] = types.Details{Exe: "/usr/sbin/sshd", Cwd: "/", Environ: []string{"LANG=C"}}
	src.Conns[2] = []types.Connection{{FD: 3, Proto: "tcp", Local: "0.0.0.0:22", State: "LISTEN"}}
	e, _ := newEngine(t, src, byPID())
	ctx := context.Background()
	e.Apply(ctx, SelectPID{PID: 2})

	res := e.Apply(ctx, ShowDetails{})
	if res.Err != nil || res.Details == nil || res.Details.Exe != "/usr/sbin/sshd" || res.Details.PID != 2 {
		t.Fatalf("unexpected details result %+v", res)
	}
	res = e.Apply(ctx, ListConnections{})
	if res.Err != nil || len(res.Connections) != 1 || res.Connections[0].Local != "0.0.0.0:22" {
		t.Fatalf("unexpected connections result %+v", res)
	}
	if e.snap.Records[2].Dirty {
		t.Fatalf("reads must not mark the record dirty")
	}

	src.Remove(2)
	res = e.Apply(ctx, ShowDetails{})
	if kind, _ := dispatch.KindOf(res.Err); kind != dispatch.KindNotFound || res.Details != nil {
		t.Fatalf("expected not found for an exited process, got %+v", res)
	}
}

func TestJumpPID(t *testing.T) {
	src := fake.New(1)
	src.Put(proc(1, 0), proc(12, 0), proc(120, 0), proc(31, 0))
	e, _ := newEngine(t, src, byPID())
	ctx := context.Background()

	for _, tc := range []struct {
		digits string
		want   types.PID
	}{{"3", 31}, {"12", 12}, {"120", 120}, {"1", 1}} {
		if res := e.Apply(ctx, JumpPID{Digits: tc.digits}); res.Err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.digits, res.Err)
		}
		if got := e.CurrentView().SelectedPID; got != tc.want {
			t.Fatalf("%q: expected pid %d, got %d", tc.digits, tc.want, got)
		}
	}
	if res := e.Apply(ctx, JumpPID{Digits: "9"}); res.Err == nil {
		t.Fatalf("expected an error for an unmatched prefix")
	}
	if got := e.CurrentView().SelectedPID; got != 1 {
		t.Fatalf("an unmatched prefix must keep the selection, got %d", got)
	}
}

func TestToggleFullPathIsPersisted(t *testing.T) {
	src := fake.New(1)
	src.Put(proc(1, 0))
	var saved map[string]string
	e, _ := newEngine(t, src, WithSettingsSink(func(s map[string]string) error {
		saved = s
		return nil
	}))

	if !e.CurrentView().State.ShowFullPath {
		t.Fatalf("the full command line is shown by default")
	}
	res := e.Apply(context.Background(), ToggleFullPath{})
	if !res.SettingsChanged || e.CurrentView().State.ShowFullPath {
		t.Fatalf("toggle should hide the full path: %+v", res)
	}
	if saved[KeyShowFullPath] != "false" {
		t.Fatalf("expected the setting to be saved, got %v", saved)
	}
}
