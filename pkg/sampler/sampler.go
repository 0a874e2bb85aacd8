// Package sampler pulls one normalized Frame per tick from a DataSource.
package sampler

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/srodi/proctop/pkg/collector"
	"github.com/srodi/proctop/pkg/types"
)

// Reader is the read half of collector.DataSource.
type Reader interface {
	EnumerateProcesses(ctx context.Context) ([]types.RawSample, error)
	CoreTimes(ctx context.Context) ([]types.CoreSample, error)
	SystemMemory(ctx context.Context) (types.SystemTotals, error)
	ClockTicks() uint64
	ResolveOwner(ctx context.Context, pid types.PID) (types.UserIdentity, error)
}

type ownerKey struct {
	pid   types.PID
	start int64
}

// Sampler owns the owner cache; everything else it returns is freshly read.
type Sampler struct {
	src    Reader
	now    func() time.Time
	owners map[ownerKey]types.UserIdentity
}

// New creates a Sampler reading from src. A nil clock means time.Now.
func New(src Reader, now func() time.Time) *Sampler {
	if now == nil {
		now = time.Now
	}
	return &Sampler{src: src, now: now, owners: make(map[ownerKey]types.UserIdentity)}
}

// Sample reads processes, cores and memory. Any failure of the three reads
// fails the whole sample so the caller never sees a torn frame. The returned
// PIDs are duplicates the source reported and that were dropped.
func (s *Sampler) Sample(ctx context.Context) (types.Frame, []types.PID, error) {
	procs, err := s.src.EnumerateProcesses(ctx)
	if err != nil {
		return types.Frame{}, nil, collector.Classify("enumerating processes", 0, err)
	}
	cores, err := s.src.CoreTimes(ctx)
	if err != nil {
		return types.Frame{}, nil, collector.Classify("reading core times", 0, err)
	}
	totals, err := s.src.SystemMemory(ctx)
	if err != nil {
		return types.Frame{}, nil, collector.Classify("reading system memory", 0, err)
	}

	procs, dups := dedupe(procs)
	s.fillOwners(ctx, procs)

	hz := s.src.ClockTicks()
	if hz == 0 {
		hz = types.DefaultClockTicks
	}
	sort.Slice(cores, func(i, j int) bool { return cores[i].ID < cores[j].ID })

	return types.Frame{
		Processes:  procs,
		Cores:      cores,
		Totals:     totals,
		ClockTicks: hz,
		Taken:      s.now(),
	}, dups, nil
}

// Forget drops the cached owner of pid so the next sample resolves it again.
func (s *Sampler) Forget(pid types.PID) {
	for key := range s.owners {
		if key.pid == pid {
			delete(s.owners, key)
		}
	}
}

// dedupe sorts by PID and keeps the first sample reported for each PID.
func dedupe(procs []types.RawSample) ([]types.RawSample, []types.PID) {
	sort.SliceStable(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	out := procs[:0]
	var dups []types.PID
	for i, p := range procs {
		if i > 0 && p.PID == procs[i-1].PID {
			dups = append(dups, p.PID)
			continue
		}
		out = append(out, p)
	}
	return out, dups
}

func (s *Sampler) fillOwners(ctx context.Context, procs []types.RawSample) {
	live := make(map[ownerKey]struct{}, len(procs))
	for i := range procs {
		p := &procs[i]
		key := ownerKey{pid: p.PID, start: p.StartTime.UnixNano()}
		live[key] = struct{}{}
		if p.Owner.Name != "" {
			s.owners[key] = p.Owner
			continue
		}
		if id, ok := s.owners[key]; ok {
			p.Owner = id
			continue
		}
		id, err := s.src.ResolveOwner(ctx, p.PID)
		if err != nil {
			// show the numeric uid for now and retry on the next sample
			p.Owner = types.UserIdentity{UID: p.Owner.UID, Name: strconv.FormatUint(uint64(p.Owner.UID), 10)}
			continue
		}
		s.owners[key] = id
		p.Owner = id
	}
	for key := range s.owners {
		if _, ok := live[key]; !ok {
			delete(s.owners, key)
		}
	}
}
