package view

import (
	"reflect"
	"testing"
	"time"

	"github.com/srodi/proctop/pkg/types"
)

func sampleRecords() []*types.ProcessRecord {
	return []*types.ProcessRecord{
		{PID: 40, Name: "chrome", Command: "/opt/chrome --type=renderer", User: "alice", UID: 1000, CPUPct: 12, Resident: 300 << 20},
		{PID: 7, Name: "bash", Command: "-bash", User: "alice", UID: 1000, CPUPct: 0, Resident: 4 << 20},
		{PID: 12, Name: "chrome", Command: "/opt/chrome", User: "alice", UID: 1000, CPUPct: 12, Resident: 500 << 20},
		{PID: 3, Name: "kworker/0:1", Command: "[kworker/0:1]", User: "root", UID: 0, Kernel: true},
		{PID: 99, Name: "sshd", Command: "sshd: bob", User: "bob", UID: 1001, CPUPct: 1.5},
	}
}

func pidsOf(rows []*types.ProcessRecord) []types.PID {
	out := make([]types.PID, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.PID)
	}
	return out
}

func TestOrderTieBreakIsIdempotent(t *testing.T) {
	records := sampleRecords()
	for _, f := range AllFields() {
		for _, desc := range []bool{false, true} {
			key := SortKey{Field: f, Descending: desc}
			first := Order(records, key)
			second := Order(first, key)
			if !reflect.DeepEqual(pidsOf(first), pidsOf(second)) {
				t.Fatalf("%s desc=%v not idempotent: %v vs %v", f, desc, pidsOf(first), pidsOf(second))
			}
		}
	}

	got := pidsOf(Order(records, SortKey{Field: FieldCPU, Descending: true}))
	if want := []types.PID{12, 40, 99, 3, 7}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected equal CPU%% to break by ascending pid %v, got %v", want, got)
	}
	if pidsOf(records)[0] != 40 {
		t.Fatalf("Order must not reorder its input")
	}
}

func TestOrderText(t *testing.T) {
	got := pidsOf(Order(sampleRecords(), SortKey{Field: FieldUser}))
	if want := []types.PID{7, 12, 40, 99, 3}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestFilterRemovesRows(t *testing.T) {
	records := sampleRecords()

	got := pidsOf(Filter(records, FilterConfig{Text: "CHROME"}))
	if want := []types.PID{40, 12}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	got = pidsOf(Filter(records, FilterConfig{Text: "bash| sshd "}))
	if want := []types.PID{7, 99}; !reflect.DeepEqual(got, want) {
		t.Fatalf("alternatives: expected %v, got %v", want, got)
	}

	got = pidsOf(Filter(records, FilterConfig{Text: "bob"}))
	if want := []types.PID{99}; !reflect.DeepEqual(got, want) {
		t.Fatalf("user match: expected %v, got %v", want, got)
	}

	uid := uint32(1000)
	got = pidsOf(Filter(records, FilterConfig{UID: &uid, Text: "bash"}))
	if want := []types.PID{7}; !reflect.DeepEqual(got, want) {
		t.Fatalf("uid and text combine: expected %v, got %v", want, got)
	}

	if n := len(Filter(records, FilterConfig{HideKernel: true})); n != 4 {
		t.Fatalf("expected kernel thread hidden, got %d rows", n)
	}
	if n := len(Filter(records, FilterConfig{Text: " | "})); n != len(records) {
		t.Fatalf("empty alternatives filter nothing, got %d rows", n)
	}
	if (FilterConfig{Text: " | "}).Active() || !(FilterConfig{HideKernel: true}).Active() {
		t.Fatalf("unexpected Active result")
	}
}

func TestKernelThreadByName(t *testing.T) {
	r := &types.ProcessRecord{Name: "rcu_sched", Command: "[rcu_sched]"}
	if !isKernelThread(r) {
		t.Fatalf("bracketed rcu thread should be a kernel thread")
	}
	r = &types.ProcessRecord{Name: "rcu-tool", Command: "/usr/bin/rcu-tool"}
	if isKernelThread(r) {
		t.Fatalf("user process with a command line is not a kernel thread")
	}
}

func TestSearchMovesCursorOnly(t *testing.T) {
	rows := sampleRecords()

	idx, ok := Search(rows, "chrome", -1, false)
	if !ok || idx != 0 {
		t.Fatalf("expected first match at 0, got %d %v", idx, ok)
	}
	idx, ok = Search(rows, "chrome", idx, false)
	if !ok || idx != 2 {
		t.Fatalf("expected next match at 2, got %d %v", idx, ok)
	}
	idx, ok = Search(rows, "chrome", idx, false)
	if !ok || idx != 0 {
		t.Fatalf("expected wrap to 0, got %d %v", idx, ok)
	}
	idx, ok = Search(rows, "chrome", 0, true)
	if !ok || idx != 2 {
		t.Fatalf("expected backward wrap to 2, got %d %v", idx, ok)
	}
	if idx, ok = Search(rows, "firefox", 1, false); ok || idx != -1 {
		t.Fatalf("expected no match, got %d %v", idx, ok)
	}
	if len(rows) != 5 {
		t.Fatalf("search changed rows")
	}
	if idx, ok = Search(rows, "sshd", 4, false); !ok || idx != 4 {
		t.Fatalf("the current row matches last, got %d %v", idx, ok)
	}
}

func TestParseFields(t *testing.T) {
	if f, ok := ParseField("CPU%"); !ok || f != FieldCPU {
		t.Fatalf("header lookup failed: %v %v", f, ok)
	}
	if f, ok := ParseField(" io_rate "); !ok || f != FieldIORate {
		t.Fatalf("key lookup failed: %v %v", f, ok)
	}
	if _, ok := ParseField("nope"); ok {
		t.Fatalf("unknown field accepted")
	}
	fields := ParseFields("pid,user,bogus,cpu,pid")
	if want := []Field{FieldPID, FieldUser, FieldCPU}; !reflect.DeepEqual(fields, want) {
		t.Fatalf("expected %v, got %v", want, fields)
	}
	if s := FormatFields(fields); s != "pid,user,cpu" {
		t.Fatalf("unexpected format %q", s)
	}
	if len(Columns()) != 17 {
		t.Fatalf("expected 17 columns")
	}
}

func TestColumnFormat(t *testing.T) {
	r := &types.ProcessRecord{
		PID: 42, Nice: -5, Resident: 2048 << 10, Virtual: 300 << 20, Status: types.StatusSleeping,
		CPUPct: 12.34, CPUTime: 83*time.Second + 450*time.Millisecond, ReadRate: 2048, WriteRate: 0.5,
	}
	cases := map[Field]string{
		FieldPID:      "42",
		FieldNice:     "-5",
		FieldResident: "2048K",
		FieldVirtual:  "300.0M",
		FieldState:    "S",
		FieldCPU:      "12.3",
		FieldTime:     "1:23.45",
		FieldIORead:   "2.0K/s",
		FieldIOWrite:  "0B/s",
	}
	for f, want := range cases {
		if got := ColumnOf(f).Format(r); got != want {
			t.Fatalf("%s: expected %q, got %q", f, want, got)
		}
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := FormatBytes(50 << 30); got != "50.0G" {
		t.Fatalf("unexpected bytes %q", got)
	}
	if got := FormatCPUTime(2*time.Hour + 3*time.Minute + 4*time.Second); got != "2h03:04" {
		t.Fatalf("unexpected time %q", got)
	}
	if got := FormatRate(3 << 20); got != "3.0M/s" {
		t.Fatalf("unexpected rate %q", got)
	}
	if got := FormatUptime(26*time.Hour + 5*time.Second); got != "1 day, 02:00:05" {
		t.Fatalf("unexpected uptime %q", got)
	}
	if got := FormatUptime(3 * 24 * time.Hour); got != "3 days, 00:00:00" {
		t.Fatalf("unexpected uptime %q", got)
	}
}

func TestShortCommand(t *testing.T) {
	cases := map[string]string{
		"/usr/sbin/sshd -D":         "sshd -D",
		"/usr/bin/python3":          "python3",
		"bash --login":              "bash --login",
		"[kworker/0:1-events]":      "[kworker/0:1-events]",
		"./run.sh --dir /srv/cache": "run.sh --dir /srv/cache",
		"":                          "",
	}
	for in, want := range cases {
		if got := ShortCommand(in); got != want {
			t.Fatalf("ShortCommand(%q) = %q, expected %q", in, got, want)
		}
	}
}
