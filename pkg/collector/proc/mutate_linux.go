//go:build linux
// +build linux

package proc

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/srodi/proctop/pkg/collector"
	"github.com/srodi/proctop/pkg/types"
)

const ioprioWhoProcess = 1

// SetPriority sets the nice value of pid.
func (s *Source) SetPriority(ctx context.Context, pid types.PID, nice int) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, int(pid), nice); err != nil {
		return collector.Classify("set priority", pid, err)
	}
	return nil
}

// SetAffinity pins pid to the CPUs in mask.
func (s *Source) SetAffinity(ctx context.Context, pid types.PID, mask types.CPUMask) error {
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range mask.CPUs() {
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(int(pid), &set); err != nil {
		return collector.Classify("set affinity", pid, err)
	}
	return nil
}

// SetIOPriority moves pid to the idle I/O class or back to best-effort.
func (s *Source) SetIOPriority(ctx context.Context, pid types.PID, background bool) error {
	_, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, ioprioWhoProcess, uintptr(pid), ioPrioValue(background))
	if errno != 0 {
		return collector.Classify("set io priority", pid, errno)
	}
	return nil
}

// Terminate delivers sig to pid.
func (s *Source) Terminate(ctx context.Context, pid types.PID, sig types.SignalKind) error {
	signal, err := unixSignal(sig)
	if err != nil {
		return collector.Classify("terminate", pid, err)
	}
	if err := unix.Kill(int(pid), signal); err != nil {
		return collector.Classify("terminate", pid, err)
	}
	return nil
}

func unixSignal(sig types.SignalKind) (unix.Signal, error) {
	switch sig {
	case types.SignalTerm:
		return unix.SIGTERM, nil
	case types.SignalKill:
		return unix.SIGKILL, nil
	case types.SignalHangup:
		return unix.SIGHUP, nil
	case types.SignalInterrupt:
		return unix.SIGINT, nil
	case types.SignalQuit:
		return unix.SIGQUIT, nil
	}
	return 0, &collector.Error{Kind: collector.KindUnsupported, Err: fmt.Errorf("signal %d", sig)}
}
