//go:build linux
// +build linux

package proc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/srodi/proctop/pkg/collector"
	"github.com/srodi/proctop/pkg/types"
)

func init() {
	collector.RegisterNotFound(process.ErrorProcessNotRunning)
}

// Source reads process state from /proc through gopsutil and applies
// mutations with raw syscalls.
type Source struct {
	clockTicks uint64
}

var _ collector.DataSource = (*Source)(nil)

// NewSource probes /proc once so an unusable host fails at startup.
func NewSource() (*Source, error) {
	if _, err := procReadFile("/proc/stat"); err != nil {
		return nil, collector.Classify("probing /proc", 0, err)
	}
	return &Source{clockTicks: types.DefaultClockTicks}, nil
}

// ClockTicks reports USER_HZ. gopsutil reports times in seconds derived
// from the same constant, so converting back is lossless.
func (s *Source) ClockTicks() uint64 { return s.clockTicks }

// Close is a no-op; the source holds no descriptors between calls.
func (s *Source) Close() error { return nil }

// EnumerateProcesses returns one RawSample per live process. Processes that
// vanish mid-enumeration are skipped.
func (s *Source) EnumerateProcesses(ctx context.Context) ([]types.RawSample, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, collector.Classify("enumerating processes", 0, err)
	}

	samples := make([]types.RawSample, 0, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, collector.Classify("enumerating processes", 0, err)
		}
		sample, err := s.sampleOne(ctx, p)
		if err != nil {
			// Process might have disappeared, skip it
			continue
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func (s *Source) sampleOne(ctx context.Context, p *process.Process) (types.RawSample, error) {
	pid := types.PID(p.Pid)
	sample := types.RawSample{PID: pid, Threads: 1}

	times, err := p.TimesWithContext(ctx)
	if err != nil {
		return sample, err
	}
	hz := float64(s.clockTicks)
	sample.UserTicks = uint64(times.User * hz)
	sample.KernelTicks = uint64(times.System * hz)

	if ppid, err := p.PpidWithContext(ctx); err == nil && ppid > 0 {
		sample.PPID = types.PID(ppid)
	}
	if name, err := p.NameWithContext(ctx); err == nil {
		sample.Name = name
	}
	cmdline, _ := p.CmdlineWithContext(ctx)
	sample.Command = commandOrName(cmdline, sample.Name)
	sample.Kernel = isKernelThread(pid, sample.PPID, cmdline)

	ex, _ := p.MemoryInfoExWithContext(ctx)
	var basic *process.MemoryInfoStat
	if ex == nil {
		basic, _ = p.MemoryInfoWithContext(ctx)
	}
	sample.Virtual, sample.Resident, sample.Shared = memorySizes(ex, basic)
	if n, err := p.NumThreadsWithContext(ctx); err == nil && n > 0 {
		sample.Threads = uint32(n)
	}
	if io, err := p.IOCountersWithContext(ctx); err == nil && io != nil {
		sample.ReadBytes = io.ReadBytes
		sample.WriteBytes = io.WriteBytes
		sample.IOKnown = true
	}
	if prio, nice, err := statPriority(pid); err == nil {
		sample.Priority, sample.Nice = prio, nice
	} else if raw, err := p.NiceWithContext(ctx); err == nil {
		// raw getpriority value, 20-nice
		sample.Nice = 20 - raw
		sample.Priority = 20 + sample.Nice
	}
	if states, err := p.StatusWithContext(ctx); err == nil {
		sample.Status = statusFromStrings(states)
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil {
		sample.StartTime = time.UnixMilli(created)
	}
	if uids, err := p.UidsWithContext(ctx); err == nil && len(uids) > 0 {
		sample.Owner.UID = uint32(uids[0])
	}
	return sample, nil
}

// memorySizes picks VIRT, RES and SHR from the extended counters, falling
// back to the basic ones, which carry no shared size.
func memorySizes(ex *process.MemoryInfoExStat, basic *process.MemoryInfoStat) (virt, res, shared uint64) {
	switch {
	case ex != nil:
		return ex.VMS, ex.RSS, ex.Shared
	case basic != nil:
		return basic.VMS, basic.RSS, 0
	}
	return 0, 0, 0
}

// CoreTimes returns cumulative per-core counters in clock ticks.
func (s *Source) CoreTimes(ctx context.Context) ([]types.CoreSample, error) {
	stats, err := cpu.TimesWithContext(ctx, true)
	if err != nil {
		return nil, collector.Classify("reading cpu times", 0, err)
	}
	hz := float64(s.clockTicks)
	cores := make([]types.CoreSample, 0, len(stats))
	for i, st := range stats {
		cores = append(cores, types.CoreSample{
			ID:     i,
			User:   uint64((st.User + st.Nice) * hz),
			Kernel: uint64((st.System + st.Irq + st.Softirq + st.Steal) * hz),
			Idle:   uint64((st.Idle + st.Iowait) * hz),
		})
	}
	return cores, nil
}

// SystemMemory returns memory, swap and uptime figures.
func (s *Source) SystemMemory(ctx context.Context) (types.SystemTotals, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return types.SystemTotals{}, collector.Classify("reading memory", 0, err)
	}
	totals := types.SystemTotals{
		MemTotal:     vm.Total,
		MemUsed:      vm.Used,
		MemAvailable: vm.Available,
		MemCached:    vm.Cached,
		MemBuffers:   vm.Buffers,
	}
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		totals.SwapTotal = sw.Total
		totals.SwapUsed = sw.Used
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		totals.Uptime = time.Duration(up) * time.Second
	}
	if boot, err := host.BootTimeWithContext(ctx); err == nil {
		totals.BootTime = time.Unix(int64(boot), 0)
	}
	return totals, nil
}

// ListModules returns the files mapped into the address space of pid.
func (s *Source) ListModules(ctx context.Context, pid types.PID) ([]types.Module, error) {
	data, err := procReadFile(filepath.Join("/proc", strconv.FormatUint(uint64(pid), 10), "maps"))
	if err != nil {
		return nil, collector.Classify("listing modules", pid, err)
	}
	return parseModules(data), nil
}

// ProcessDetails reads the executable, working directory, arguments and
// environment of pid. Fields the caller may not read are left empty.
func (s *Source) ProcessDetails(ctx context.Context, pid types.PID) (types.Details, error) {
	const op = "reading details"
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return types.Details{}, collector.Classify(op, pid, err)
	}
	d := types.Details{PID: pid}
	d.Exe, _ = p.ExeWithContext(ctx)
	d.Cwd, _ = p.CwdWithContext(ctx)
	d.Args, _ = p.CmdlineSliceWithContext(ctx)
	env, err := p.EnvironWithContext(ctx)
	if err != nil {
		cerr := collector.Classify(op, pid, err)
		switch collector.KindOf(cerr) {
		case collector.KindNotFound:
			return types.Details{}, cerr
		case collector.KindAccessDenied:
			d.EnvironDenied = true
		}
	}
	d.Environ = env
	return d, nil
}

// Connections lists the sockets held by pid.
func (s *Source) Connections(ctx context.Context, pid types.PID) ([]types.Connection, error) {
	stats, err := psnet.ConnectionsPidWithContext(ctx, "all", int32(pid))
	if err != nil {
		return nil, collector.Classify("listing connections", pid, err)
	}
	conns := make([]types.Connection, 0, len(stats))
	for _, st := range stats {
		conns = append(conns, types.Connection{
			FD:     st.Fd,
			Proto:  connProto(st.Family, st.Type),
			Local:  formatAddr(st.Laddr.IP, st.Laddr.Port),
			Remote: formatAddr(st.Raddr.IP, st.Raddr.Port),
			State:  st.Status,
		})
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].FD < conns[j].FD })
	return conns, nil
}

// ResolveOwner returns the uid and user name owning pid.
func (s *Source) ResolveOwner(ctx context.Context, pid types.PID) (types.UserIdentity, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return types.UserIdentity{}, collector.Classify("resolving owner", pid, err)
	}
	var id types.UserIdentity
	uids, err := p.UidsWithContext(ctx)
	if err != nil {
		return id, collector.Classify("resolving owner", pid, err)
	}
	if len(uids) == 0 {
		return id, collector.Classify("resolving owner", pid, errors.New("no uid reported"))
	}
	id.UID = uint32(uids[0])
	name, err := p.UsernameWithContext(ctx)
	if err != nil || name == "" {
		id.Name = fmt.Sprintf("%d", id.UID)
		return id, nil
	}
	id.Name = name
	return id, nil
}
