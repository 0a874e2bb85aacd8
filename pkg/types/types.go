package types

import (
	"math/bits"
	"time"
)

// DefaultClockTicks is the USER_HZ value assumed when a source does not report one.
const DefaultClockTicks = 100

// PID identifies a process for its lifetime. A PID can be reused by the OS,
// so StartTime is carried alongside it wherever identity matters.
type PID uint32

// UserIdentity describes the owner of a process.
type UserIdentity struct {
	UID  uint32
	Name string
}

// RawSample is one tick's unprocessed facts for a process.
type RawSample struct {
	PID         PID
	PPID        PID
	Name        string
	Command     string
	Owner       UserIdentity
	UserTicks   uint64
	KernelTicks uint64
	Resident    uint64
	Virtual     uint64
	Shared      uint64
	Threads     uint32
	ReadBytes   uint64
	WriteBytes  uint64
	IOKnown     bool // false when the IO counters could not be read (other users' processes)
	Priority    int32
	Nice        int32
	Status      Status
	StartTime   time.Time
	Kernel      bool
}

// CoreSample holds cumulative per logical CPU counters, in clock ticks.
type CoreSample struct {
	ID     int
	User   uint64
	Kernel uint64
	Idle   uint64
}

// Total is the sum of all counters of the core.
func (c CoreSample) Total() uint64 {
	return c.User + c.Kernel + c.Idle
}

// SystemTotals carries the host-wide memory and swap figures.
type SystemTotals struct {
	MemTotal     uint64
	MemUsed      uint64
	MemAvailable uint64
	MemCached    uint64
	MemBuffers   uint64
	SwapTotal    uint64
	SwapUsed     uint64
	Uptime       time.Duration
	BootTime     time.Time
}

// Frame is everything the sampler captured during one tick.
type Frame struct {
	Processes  []RawSample
	Cores      []CoreSample
	Totals     SystemTotals
	ClockTicks uint64
	Taken      time.Time
}

// Module is a mapped executable image or shared object of a process.
type Module struct {
	Path string
	Base uint64
	Size uint64
}

// Details is the on-demand information shown for one process: where it runs
// from and the environment it was started with.
type Details struct {
	PID     PID
	Exe     string
	Cwd     string
	Args    []string
	Environ []string
	// EnvironDenied is set when the environment exists but could not be read.
	EnvironDenied bool
}

// Connection is one socket held by a process.
type Connection struct {
	FD     uint32
	Proto  string // tcp, tcp6, udp, udp6, unix
	Local  string
	Remote string
	State  string
}

// CPUMask is a bit set of logical CPUs, bit N meaning CPU N.
type CPUMask uint64

// Has reports whether cpu is part of the mask.
func (m CPUMask) Has(cpu int) bool {
	if cpu < 0 || cpu >= 64 {
		return false
	}
	return m&(1<<uint(cpu)) != 0
}

// Count returns the number of CPUs in the mask.
func (m CPUMask) Count() int {
	return bits.OnesCount64(uint64(m))
}

// CPUs lists the CPU numbers in ascending order.
func (m CPUMask) CPUs() []int {
	cpus := make([]int, 0, m.Count())
	for cpu := 0; cpu < 64; cpu++ {
		if m.Has(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpus
}

// MaskOf builds a mask from CPU numbers, ignoring values outside 0..63.
func MaskOf(cpus ...int) CPUMask {
	var m CPUMask
	for _, cpu := range cpus {
		if cpu >= 0 && cpu < 64 {
			m |= 1 << uint(cpu)
		}
	}
	return m
}

// SignalKind is the termination request sent to a process.
type SignalKind int

const (
	SignalTerm SignalKind = iota
	SignalKill
	SignalHangup
	SignalInterrupt
	SignalQuit
)

// Signals lists the kill menu entries in display order.
var Signals = []SignalKind{SignalTerm, SignalKill, SignalHangup, SignalInterrupt, SignalQuit}

func (s SignalKind) String() string {
	switch s {
	case SignalTerm:
		return "SIGTERM"
	case SignalKill:
		return "SIGKILL"
	case SignalHangup:
		return "SIGHUP"
	case SignalInterrupt:
		return "SIGINT"
	case SignalQuit:
		return "SIGQUIT"
	default:
		return "SIG?"
	}
}
