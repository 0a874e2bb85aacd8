// Package rates turns cumulative counters from consecutive frames into
// per-second rates and percentages.
package rates

import (
	"math"
	"time"

	"github.com/srodi/proctop/pkg/types"
)

// baselineTTL is how many consecutive frames a PID may be missing before its
// baseline is dropped. It matches the engine's removal grace.
const baselineTTL = 2

// Options tunes the computation.
type Options struct {
	// NormalizeByCores divides process CPU% by the core count, so 100%
	// means the whole machine instead of one core.
	NormalizeByCores bool
}

// ProcRates holds the derived metrics of one process.
type ProcRates struct {
	CPUPct    float64
	MemPct    float64
	ReadRate  float64
	WriteRate float64
	Load      float64
	// Fresh is true when no rate could be computed yet for this process.
	Fresh bool
}

// CoreUsage is one CPU bar.
type CoreUsage struct {
	ID        int
	UserPct   float64
	KernelPct float64
	TotalPct  float64
}

// Result is everything derived from one frame.
type Result struct {
	Procs   map[types.PID]ProcRates
	Cores   []CoreUsage
	Total   CoreUsage
	Load    LoadAvg
	Elapsed time.Duration
}

type baseline struct {
	sample types.RawSample
	at     time.Time
	missed int
}

// Computer keeps the previous counters between frames.
type Computer struct {
	opts      Options
	baselines map[types.PID]*baseline
	prevCores []types.CoreSample
	prevAt    time.Time
	last      Result
	load      loadTracker
	procLoad  map[types.PID]float64
}

// New returns a Computer with no history.
func New(opts Options) *Computer {
	return &Computer{
		opts:      opts,
		baselines: make(map[types.PID]*baseline),
		procLoad:  make(map[types.PID]float64),
	}
}

// SetOptions changes the options for subsequent frames.
func (c *Computer) SetOptions(opts Options) { c.opts = opts }

// Last returns the result of the last computed frame.
func (c *Computer) Last() Result { return c.last }

// Compute derives rates for f. When f is not newer than the previous frame
// the computer state is left untouched and the previous result is returned
// with ok=false.
func (c *Computer) Compute(f types.Frame) (res Result, ok bool) {
	var elapsed time.Duration
	if !c.prevAt.IsZero() {
		elapsed = f.Taken.Sub(c.prevAt)
		if elapsed <= 0 {
			return c.last, false
		}
	}

	hz := float64(f.ClockTicks)
	if hz == 0 {
		hz = types.DefaultClockTicks
	}
	ncores := len(f.Cores)
	if ncores == 0 {
		ncores = 1
	}

	res = Result{
		Procs:   make(map[types.PID]ProcRates, len(f.Processes)),
		Elapsed: elapsed,
	}
	res.Cores, res.Total = c.coreUsage(f.Cores)
	res.Load = c.load.observe(res.Total.TotalPct/100*float64(ncores), elapsed)

	seen := make(map[types.PID]struct{}, len(f.Processes))
	for _, p := range f.Processes {
		seen[p.PID] = struct{}{}
		pr := ProcRates{Fresh: true}
		if f.Totals.MemTotal > 0 {
			pr.MemPct = 100 * float64(p.Resident) / float64(f.Totals.MemTotal)
		}

		b, known := c.baselines[p.PID]
		if known && !b.sample.StartTime.Equal(p.StartTime) {
			// PID reused by a new process
			known = false
			delete(c.procLoad, p.PID)
		}
		if known {
			dt := f.Taken.Sub(b.at).Seconds()
			if dt > 0 {
				pr.Fresh = false
				pr.CPUPct = 100 * float64(counterDelta(b.sample.UserTicks+b.sample.KernelTicks, p.UserTicks+p.KernelTicks)) / (dt * hz)
				if c.opts.NormalizeByCores {
					pr.CPUPct /= float64(ncores)
				}
				if p.IOKnown && b.sample.IOKnown {
					pr.ReadRate = float64(counterDelta(b.sample.ReadBytes, p.ReadBytes)) / dt
					pr.WriteRate = float64(counterDelta(b.sample.WriteBytes, p.WriteBytes)) / dt
				}
				pr.Load = c.smoothProcLoad(p.PID, pr.CPUPct/100, f.Taken.Sub(b.at))
			}
		}
		res.Procs[p.PID] = pr
		c.baselines[p.PID] = &baseline{sample: p, at: f.Taken}
	}

	for pid, b := range c.baselines {
		if _, ok := seen[pid]; ok {
			continue
		}
		b.missed++
		if b.missed >= baselineTTL {
			delete(c.baselines, pid)
			delete(c.procLoad, pid)
		}
	}

	c.prevCores = append(c.prevCores[:0], f.Cores...)
	c.prevAt = f.Taken
	c.last = res
	return res, true
}

// counterDelta returns cur-prev, or 0 when the counter went backwards, which
// starts a fresh baseline instead of producing a negative rate.
func counterDelta(prev, cur uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func (c *Computer) smoothProcLoad(pid types.PID, value float64, dt time.Duration) float64 {
	prev, ok := c.procLoad[pid]
	if !ok {
		c.procLoad[pid] = value
		return value
	}
	next := prev + alpha(dt, time.Minute)*(value-prev)
	c.procLoad[pid] = next
	return next
}

// coreUsage compares each core with the previous frame. On the first frame,
// or after the core set changed, counters are taken as deltas since boot.
func (c *Computer) coreUsage(cores []types.CoreSample) ([]CoreUsage, CoreUsage) {
	usage := make([]CoreUsage, 0, len(cores))
	var sumUser, sumKernel, sumTotal uint64
	comparable := len(c.prevCores) == len(cores)
	for i, cur := range cores {
		var prev types.CoreSample
		if comparable && c.prevCores[i].ID == cur.ID && cur.Total() >= c.prevCores[i].Total() {
			prev = c.prevCores[i]
		}
		du := counterDelta(prev.User, cur.User)
		dk := counterDelta(prev.Kernel, cur.Kernel)
		di := counterDelta(prev.Idle, cur.Idle)
		total := du + dk + di
		sumUser += du
		sumKernel += dk
		sumTotal += total

		u := CoreUsage{ID: cur.ID}
		if total > 0 {
			u.UserPct = 100 * float64(du) / float64(total)
			u.KernelPct = 100 * float64(dk) / float64(total)
			u.TotalPct = u.UserPct + u.KernelPct
		} else if i < len(c.last.Cores) {
			u = c.last.Cores[i]
		}
		usage = append(usage, u)
	}

	all := c.last.Total
	if sumTotal > 0 {
		all.UserPct = 100 * float64(sumUser) / float64(sumTotal)
		all.KernelPct = 100 * float64(sumKernel) / float64(sumTotal)
		all.TotalPct = all.UserPct + all.KernelPct
	}
	all.ID = -1
	return usage, all
}

// alpha is the EMA weight for a sample dt apart with the given period.
func alpha(dt, period time.Duration) float64 {
	if dt <= 0 {
		return 0
	}
	return 1 - math.Exp(-dt.Seconds()/period.Seconds())
}
