package proc

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/srodi/proctop/pkg/types"
)

// procReadFile allows tests to stub reads under /proc.
var procReadFile = os.ReadFile

// statPriority returns the PRI and NI columns from /proc/<pid>/stat.
func statPriority(pid types.PID) (prio, nice int32, err error) {
	data, err := procReadFile(filepath.Join("/proc", strconv.FormatUint(uint64(pid), 10), "stat"))
	if err != nil {
		return 0, 0, err
	}
	return parseStatPriority(string(data))
}

func parseStatPriority(data string) (prio, nice int32, err error) {
	// comm may contain spaces and parentheses, so split after the last ')'
	end := strings.LastIndexByte(data, ')')
	if end < 0 {
		return 0, 0, fmt.Errorf("invalid stat file format")
	}
	fields := strings.Fields(data[end+1:])
	// fields[0] is field 3 (state); priority is field 18, nice field 19
	if len(fields) < 17 {
		return 0, 0, fmt.Errorf("invalid stat file format")
	}
	p, err := strconv.ParseInt(fields[15], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing priority: %w", err)
	}
	n, err := strconv.ParseInt(fields[16], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing nice: %w", err)
	}
	return int32(p), int32(n), nil
}

// parseModules folds /proc/<pid>/maps into one entry per mapped file,
// spanning from the lowest start to the highest end address of that file.
func parseModules(data []byte) []types.Module {
	byPath := make(map[string]*types.Module)
	ends := make(map[string]uint64)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}
		path := strings.Join(fields[5:], " ")
		if !strings.HasPrefix(path, "/") {
			continue // [heap], [stack], anonymous mappings
		}
		addrRange := strings.Split(fields[0], "-")
		if len(addrRange) != 2 {
			continue
		}
		start, err := strconv.ParseUint(addrRange[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(addrRange[1], 16, 64)
		if err != nil || end < start {
			continue
		}
		mod, ok := byPath[path]
		if !ok {
			byPath[path] = &types.Module{Path: path, Base: start}
			ends[path] = end
			continue
		}
		if start < mod.Base {
			mod.Base = start
		}
		if end > ends[path] {
			ends[path] = end
		}
	}

	modules := make([]types.Module, 0, len(byPath))
	for path, mod := range byPath {
		mod.Size = ends[path] - mod.Base
		modules = append(modules, *mod)
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].Base < modules[j].Base })
	return modules
}

// statusFromStrings maps gopsutil status names to a Status.
func statusFromStrings(states []string) types.Status {
	if len(states) == 0 {
		return types.StatusUnknown
	}
	switch states[0] {
	case "running":
		return types.StatusRunning
	case "sleep":
		return types.StatusSleeping
	case "wait", "lock":
		return types.StatusDiskSleep
	case "stop":
		return types.StatusStopped
	case "zombie":
		return types.StatusZombie
	case "idle":
		return types.StatusIdle
	default:
		return types.StatusUnknown
	}
}

// kthreaddPID is the parent of every Linux kernel thread.
const kthreaddPID = 2

func isKernelThread(pid, ppid types.PID, cmdline string) bool {
	if pid == kthreaddPID || ppid == kthreaddPID {
		return true
	}
	return pid != 1 && ppid == 0 && cmdline == ""
}

// ioPrioValue encodes an ioprio_set argument: class in the top bits, level below.
func ioPrioValue(background bool) uintptr {
	const (
		classShift = 13
		classBE    = 2
		classIdle  = 3
		levelBE    = 4
	)
	if background {
		return classIdle << classShift
	}
	return classBE<<classShift | levelBE
}

// Linux socket constants, as reported in gopsutil connection stats.
const (
	afUnix     = 1
	afInet     = 2
	afInet6    = 10
	sockStream = 1
	sockDgram  = 2
)

// connProto names a socket by family and type: tcp, udp6, unix and so on.
func connProto(family, typ uint32) string {
	switch family {
	case afUnix:
		return "unix"
	case afInet, afInet6:
		proto := "raw"
		switch typ {
		case sockStream:
			proto = "tcp"
		case sockDgram:
			proto = "udp"
		}
		if family == afInet6 {
			proto += "6"
		}
		return proto
	}
	return "unknown"
}

// formatAddr renders host:port, or the bare path for unix sockets.
func formatAddr(ip string, port uint32) string {
	if port == 0 {
		return ip
	}
	return net.JoinHostPort(ip, strconv.FormatUint(uint64(port), 10))
}

func commandOrName(cmdline, name string) string {
	cmdline = strings.TrimSpace(cmdline)
	if cmdline == "" {
		if name == "" {
			return ""
		}
		return "[" + name + "]"
	}
	return cmdline
}
