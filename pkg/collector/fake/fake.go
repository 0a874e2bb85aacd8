// Package fake provides a scriptable in-memory DataSource for tests.
package fake

import (
	"context"
	"sort"

	"github.com/srodi/proctop/pkg/collector"
	"github.com/srodi/proctop/pkg/types"
)

// Call records one mutation request seen by the source.
type Call struct {
	Op         string
	PID        types.PID
	Nice       int
	Mask       types.CPUMask
	Background bool
	Signal     types.SignalKind
}

// Source serves whatever the test placed in it. It is not safe for
// concurrent use, matching the single-loop contract of DataSource.
type Source struct {
	Procs  map[types.PID]types.RawSample
	Cores  []types.CoreSample
	Totals types.SystemTotals
	Hz     uint64

	Owners  map[types.PID]types.UserIdentity
	Modules map[types.PID][]types.Module
	Details map[types.PID]types.Details
	Conns   map[types.PID][]types.Connection

	// EnumerateErr, when set, fails the next enumeration and is then cleared.
	EnumerateErr error
	// MutateErr maps a PID to the error every mutation on it returns.
	MutateErr map[types.PID]error
	// OwnerErr, when set, fails every owner lookup.
	OwnerErr error

	Calls        []Call
	OwnerLookups int
}

var _ collector.DataSource = (*Source)(nil)

// New returns an empty source with the given number of idle cores.
func New(cores int) *Source {
	s := &Source{
		Procs:     make(map[types.PID]types.RawSample),
		Owners:    make(map[types.PID]types.UserIdentity),
		Modules:   make(map[types.PID][]types.Module),
		Details:   make(map[types.PID]types.Details),
		Conns:     make(map[types.PID][]types.Connection),
		MutateErr: make(map[types.PID]error),
		Hz:        types.DefaultClockTicks,
		Totals:    types.SystemTotals{MemTotal: 1 << 30},
	}
	for i := 0; i < cores; i++ {
		s.Cores = append(s.Cores, types.CoreSample{ID: i})
	}
	return s
}

// Put adds or replaces a process.
func (s *Source) Put(samples ...types.RawSample) {
	for _, sample := range samples {
		s.Procs[sample.PID] = sample
	}
}

// Remove drops processes from the next enumeration.
func (s *Source) Remove(pids ...types.PID) {
	for _, pid := range pids {
		delete(s.Procs, pid)
	}
}

// Advance adds busy and idle ticks to every core.
func (s *Source) Advance(busy, idle uint64) {
	for i := range s.Cores {
		s.Cores[i].User += busy
		s.Cores[i].Idle += idle
	}
}

func (s *Source) EnumerateProcesses(ctx context.Context) ([]types.RawSample, error) {
	if err := s.EnumerateErr; err != nil {
		s.EnumerateErr = nil
		return nil, err
	}
	out := make([]types.RawSample, 0, len(s.Procs))
	for _, sample := range s.Procs {
		out = append(out, sample)
	}
	// enumeration order is not guaranteed by real sources; reverse PID order
	// keeps tests honest about the sampler sorting
	sort.Slice(out, func(i, j int) bool { return out[i].PID > out[j].PID })
	return out, nil
}

func (s *Source) CoreTimes(ctx context.Context) ([]types.CoreSample, error) {
	return append([]types.CoreSample(nil), s.Cores...), nil
}

func (s *Source) SystemMemory(ctx context.Context) (types.SystemTotals, error) {
	return s.Totals, nil
}

func (s *Source) ClockTicks() uint64 { return s.Hz }

func (s *Source) mutate(call Call) error {
	s.Calls = append(s.Calls, call)
	if err, ok := s.MutateErr[call.PID]; ok {
		return err
	}
	if _, ok := s.Procs[call.PID]; !ok {
		return &collector.Error{Kind: collector.KindNotFound, Op: call.Op, PID: call.PID}
	}
	return nil
}

func (s *Source) SetPriority(ctx context.Context, pid types.PID, nice int) error {
	if err := s.mutate(Call{Op: "set priority", PID: pid, Nice: nice}); err != nil {
		return err
	}
	p := s.Procs[pid]
	p.Nice = int32(nice)
	p.Priority = 20 + int32(nice)
	s.Procs[pid] = p
	return nil
}

func (s *Source) SetAffinity(ctx context.Context, pid types.PID, mask types.CPUMask) error {
	return s.mutate(Call{Op: "set affinity", PID: pid, Mask: mask})
}

func (s *Source) SetIOPriority(ctx context.Context, pid types.PID, background bool) error {
	return s.mutate(Call{Op: "set io priority", PID: pid, Background: background})
}

func (s *Source) Terminate(ctx context.Context, pid types.PID, sig types.SignalKind) error {
	return s.mutate(Call{Op: "terminate", PID: pid, Signal: sig})
}

func (s *Source) ListModules(ctx context.Context, pid types.PID) ([]types.Module, error) {
	if _, ok := s.Procs[pid]; !ok {
		return nil, &collector.Error{Kind: collector.KindNotFound, Op: "listing modules", PID: pid}
	}
	return s.Modules[pid], nil
}

func (s *Source) ProcessDetails(ctx context.Context, pid types.PID) (types.Details, error) {
	if _, ok := s.Procs[pid]; !ok {
		return types.Details{}, &collector.Error{Kind: collector.KindNotFound, Op: "reading details", PID: pid}
	}
	d := s.Details[pid]
	d.PID = pid
	return d, nil
}

func (s *Source) Connections(ctx context.Context, pid types.PID) ([]types.Connection, error) {
	if _, ok := s.Procs[pid]; !ok {
		return nil, &collector.Error{Kind: collector.KindNotFound, Op: "listing connections", PID: pid}
	}
	return s.Conns[pid], nil
}

func (s *Source) ResolveOwner(ctx context.Context, pid types.PID) (types.UserIdentity, error) {
	s.OwnerLookups++
	if s.OwnerErr != nil {
		return types.UserIdentity{}, s.OwnerErr
	}
	id, ok := s.Owners[pid]
	if !ok {
		return types.UserIdentity{}, &collector.Error{Kind: collector.KindNotFound, Op: "resolving owner", PID: pid}
	}
	return id, nil
}
