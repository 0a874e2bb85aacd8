package ui

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/srodi/proctop/pkg/engine"
	"github.com/srodi/proctop/pkg/types"
)

// Overlay renders a full screen list in place of the process table. Lines
// that do not fit are summarized in a trailing "... N more" line.
func Overlay(title string, lines []string, v engine.View, opts Options) string {
	var buf bytes.Buffer
	head := fit(title+" (press any key to return)", opts.Width, false)
	if opts.Color {
		head = bold + mint + head + reset
	}
	buf.WriteString(head + "\n\n")
	limit := len(lines)
	if opts.Height > 0 {
		limit = max(opts.Height-4, 1)
	}
	for i, line := range lines {
		if i == limit && len(lines) > limit {
			fmt.Fprintf(&buf, "... %d more\n", len(lines)-limit)
			break
		}
		buf.WriteString(fit(line, opts.Width, false) + "\n")
	}
	buf.WriteString(fit(StatusLine(v), opts.Width, false))
	return buf.String()
}

// Modules lists mapped images as base address, size and path.
func Modules(mods []types.Module) []string {
	if len(mods) == 0 {
		return []string{"no mapped images"}
	}
	out := make([]string, len(mods))
	for i, m := range mods {
		out[i] = fmt.Sprintf("%016x %10d  %s", m.Base, m.Size, m.Path)
	}
	return out
}

// Details lists the executable, working directory, arguments and the
// environment sorted by variable name.
func Details(d types.Details) []string {
	out := []string{
		"Executable: " + orUnknown(d.Exe),
		"Directory:  " + orUnknown(d.Cwd),
		"Arguments:  " + strings.Join(d.Args, " "),
		"",
	}
	switch {
	case d.EnvironDenied:
		out = append(out, "Environment: access denied")
	case len(d.Environ) == 0:
		out = append(out, "Environment: empty")
	default:
		out = append(out, "Environment:")
		env := append([]string(nil), d.Environ...)
		sort.Strings(env)
		for _, kv := range env {
			out = append(out, "  "+kv)
		}
	}
	return out
}

// Connections lists sockets one per line: descriptor, protocol, local and
// remote address, state.
func Connections(conns []types.Connection) []string {
	if len(conns) == 0 {
		return []string{"no open sockets"}
	}
	out := []string{fmt.Sprintf("%5s %-6s %-30s %-30s %s", "FD", "PROTO", "LOCAL", "REMOTE", "STATE")}
	for _, c := range conns {
		out = append(out, fmt.Sprintf("%5d %-6s %-30s %-30s %s", c.FD, c.Proto, c.Local, orDash(c.Remote), c.State))
	}
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
