package engine

import (
	"time"

	"github.com/srodi/proctop/pkg/rates"
	"github.com/srodi/proctop/pkg/types"
)

// Row is a visible line of the process table. Record is a copy, so a View
// stays valid after the engine moves on.
type Row struct {
	Record      types.ProcessRecord
	Depth       int
	HasChildren bool
	Last        bool
	Rails       []bool
}

// Header carries the system wide meters.
type Header struct {
	CPU      rates.CoreUsage
	Cores    []rates.CoreUsage
	Memory   types.SystemTotals
	Load     rates.LoadAvg
	Tasks    int
	Running  int
	Sleeping int
	Threads  int
	Uptime   time.Duration
	Taken    time.Time
}

// View is a read-only copy of everything presentation needs for one frame.
type View struct {
	Seq         uint64
	Rows        []Row
	Selected    int // -1 when there are no rows
	SelectedPID types.PID
	Following   bool
	Tags        []types.PID
	Header      Header
	State       ViewState
	Paused      bool
	Err         error // last sampling failure, nil once a sample succeeds
	Warnings    []ReconciliationWarning
	LastResult  *Result
}

// CurrentView builds a View of the latest snapshot.
func (e *Engine) CurrentView() View {
	v := View{
		Seq:      e.snap.Seq,
		Rows:     make([]Row, len(e.rows)),
		Selected: -1,
		Tags:     e.sel.Tags(),
		Header:   e.header(),
		State:    e.state.clone(),
		Paused:   e.paused,
		Err:      e.lastErr,
		Warnings: append([]ReconciliationWarning(nil), e.warnings...),
	}
	for i, row := range e.rows {
		rec := *row.Record
		rec.Children = append([]types.PID(nil), row.Record.Children...)
		v.Rows[i] = Row{
			Record:      rec,
			Depth:       row.Depth,
			HasChildren: row.HasChildren,
			Last:        row.Last,
			Rails:       append([]bool(nil), row.Rails...),
		}
	}
	if pid, idx, ok := e.sel.Selected(); ok {
		v.Selected, v.SelectedPID = idx, pid
	}
	_, v.Following = e.sel.Following()
	if e.last != nil {
		last := *e.last
		v.LastResult = &last
	}
	return v
}

func (e *Engine) header() Header {
	h := Header{
		CPU:    e.snap.CPU,
		Cores:  append([]rates.CoreUsage(nil), e.snap.Cores...),
		Memory: e.snap.Totals,
		Load:   e.snap.Load,
		Uptime: e.snap.Totals.Uptime,
		Taken:  e.snap.Taken,
	}
	for _, rec := range e.snap.Records {
		if rec.Missing > 0 {
			continue
		}
		h.Tasks++
		h.Threads += int(rec.Threads)
		switch rec.Status {
		case types.StatusRunning:
			h.Running++
		case types.StatusSleeping, types.StatusDiskSleep, types.StatusIdle:
			h.Sleeping++
		}
	}
	return h
}
