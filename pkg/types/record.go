package types

import "time"

// Status is the scheduler state of a process.
type Status int

const (
	StatusUnknown Status = iota
	StatusRunning
	StatusSleeping
	StatusDiskSleep
	StatusStopped
	StatusZombie
	StatusIdle
)

// Symbol returns the one letter STATE column value.
func (s Status) Symbol() string {
	switch s {
	case StatusRunning:
		return "R"
	case StatusSleeping:
		return "S"
	case StatusDiskSleep:
		return "D"
	case StatusStopped:
		return "T"
	case StatusZombie:
		return "Z"
	case StatusIdle:
		return "I"
	default:
		return "?"
	}
}

func (s Status) String() string { return s.Symbol() }

// ProcessRecord is the engine's durable view of one process.
type ProcessRecord struct {
	PID       PID
	PPID      PID
	Name      string
	Command   string
	User      string
	UID       uint32
	Priority  int32
	Nice      int32
	Virtual   uint64
	Resident  uint64
	Shared    uint64
	Status    Status
	CPUPct    float64
	MemPct    float64
	CPUTime   time.Duration // TIME+
	Threads   uint32
	ReadRate  float64 // bytes/sec
	WriteRate float64 // bytes/sec
	Load      float64 // smoothed CPU fraction
	StartTime time.Time
	Kernel    bool

	Tagged   bool
	Depth    int
	Expanded bool
	Children []PID

	// FirstSeen is the tick sequence at which the record was created.
	FirstSeen uint64
	// Missing counts consecutive ticks the process was absent from the sample.
	Missing int
	// Dirty is set after a successful mutation until the next sample lands.
	Dirty bool
}

// IORate is the combined read and write rate.
func (r *ProcessRecord) IORate() float64 {
	return r.ReadRate + r.WriteRate
}
