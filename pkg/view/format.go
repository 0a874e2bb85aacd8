package view

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// FormatBytes renders a size the way the memory columns show it: plain
// kilobytes up to 99999K, then one decimal M, G or T.
func FormatBytes(n uint64) string {
	kb := float64(n) / 1024
	switch {
	case kb < 100000:
		return fmt.Sprintf("%.0fK", kb)
	case kb < 1024*1024*10:
		return fmt.Sprintf("%.1fM", kb/1024)
	case kb < 1024*1024*1024*10:
		return fmt.Sprintf("%.1fG", kb/(1024*1024))
	default:
		return fmt.Sprintf("%.1fT", kb/(1024*1024*1024))
	}
}

// FormatRate renders a bytes-per-second value.
func FormatRate(bps float64) string {
	switch {
	case bps >= 1<<30:
		return fmt.Sprintf("%.1fG/s", bps/(1<<30))
	case bps >= 1<<20:
		return fmt.Sprintf("%.1fM/s", bps/(1<<20))
	case bps >= 1<<10:
		return fmt.Sprintf("%.1fK/s", bps/(1<<10))
	case bps >= 1:
		return fmt.Sprintf("%.0fB/s", bps)
	default:
		return "0B/s"
	}
}

// FormatCPUTime renders TIME+: m:ss.cc below an hour, then HhMM:SS.
func FormatCPUTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hundredths := int64(d / (10 * time.Millisecond))
	secs := hundredths / 100
	if secs < 3600 {
		return fmt.Sprintf("%d:%02d.%02d", secs/60, secs%60, hundredths%100)
	}
	return fmt.Sprintf("%dh%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}

// FormatUptime renders the header uptime.
func FormatUptime(d time.Duration) string {
	secs := int64(d / time.Second)
	days := secs / 86400
	clock := fmt.Sprintf("%02d:%02d:%02d", (secs%86400)/3600, (secs%3600)/60, secs%60)
	switch days {
	case 0:
		return clock
	case 1:
		return "1 day, " + clock
	default:
		return fmt.Sprintf("%d days, %s", days, clock)
	}
}

// ShortCommand drops the directory of the program in a command line, so
// "/usr/sbin/sshd -D" becomes "sshd -D". Kernel thread names are kept.
func ShortCommand(cmd string) string {
	if cmd == "" || strings.HasPrefix(cmd, "[") {
		return cmd
	}
	prog, args, hasArgs := strings.Cut(cmd, " ")
	if !strings.Contains(prog, "/") {
		return cmd
	}
	prog = path.Base(prog)
	if hasArgs {
		return prog + " " + args
	}
	return prog
}
