//go:build linux

package main

import (
	"errors"
	"fmt"
	"os/user"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/srodi/proctop/pkg/dispatch"
	"github.com/srodi/proctop/pkg/engine"
	"github.com/srodi/proctop/pkg/types"
	"github.com/srodi/proctop/pkg/view"
)

// Named keys produced by decodeKeys. Printable keys are returned as themselves.
const (
	keyUp        = "up"
	keyDown      = "down"
	keyPageUp    = "pgup"
	keyPageDown  = "pgdn"
	keyHome      = "home"
	keyEnd       = "end"
	keyEnter     = "enter"
	keyEscape    = "esc"
	keyBackspace = "backspace"
	keyCtrlC     = "ctrl-c"
	keyCtrlL     = "ctrl-l"
)

var escapeSequences = map[string]string{
	"[A": keyUp, "[B": keyDown, "OA": keyUp, "OB": keyDown,
	"[5~": keyPageUp, "[6~": keyPageDown,
	"[H": keyHome, "[1~": keyHome, "OH": keyHome,
	"[F": keyEnd, "[4~": keyEnd, "OF": keyEnd,
	"OP": "f1", "OQ": "f2", "OR": "f3", "OS": "f4",
	"[15~": "f5", "[17~": "f6", "[18~": "f7", "[19~": "f8", "[20~": "f9", "[21~": "f10",
	"[1;2R": "shift-f3",
}

// decodeKeys splits one terminal read into key names. An escape sequence
// that is not recognized is dropped.
func decodeKeys(buf []byte) []string {
	var keys []string
	s := string(buf)
	for len(s) > 0 {
		switch c := s[0]; {
		case c == 0x1b:
			if len(s) == 1 {
				return append(keys, keyEscape)
			}
			n := sequenceLen(s)
			if name, ok := escapeSequences[s[1:n]]; ok {
				keys = append(keys, name)
			}
			s = s[n:]
			continue
		case c == '\r' || c == '\n':
			keys = append(keys, keyEnter)
		case c == 0x7f || c == 0x08:
			keys = append(keys, keyBackspace)
		case c == 0x03:
			keys = append(keys, keyCtrlC)
		case c == 0x0c:
			keys = append(keys, keyCtrlL)
		case c < 0x20:
		default:
			r, size := utf8.DecodeRuneInString(s)
			if r != utf8.RuneError {
				keys = append(keys, string(r))
			}
			s = s[size:]
			continue
		}
		s = s[1:]
	}
	return keys
}

// sequenceLen is the byte length of the escape sequence at the start of s:
// ESC, an introducer, then parameters up to a final byte.
func sequenceLen(s string) int {
	if s[1] == 'O' {
		return min(3, len(s))
	}
	if s[1] != '[' {
		return 1
	}
	for i := 2; i < len(s); i++ {
		if s[i] >= 0x40 && s[i] <= 0x7e {
			return i + 1
		}
	}
	return len(s)
}

// bindings maps keys to the commands they issue directly.
var bindings = map[string]engine.Command{
	keyUp:       engine.Move{Delta: -1},
	keyDown:     engine.Move{Delta: 1},
	keyPageUp:   engine.Page{Pages: -1},
	keyPageDown: engine.Page{Pages: 1},
	keyHome:     engine.Home{},
	keyEnd:      engine.End{},
	keyCtrlL:    engine.Refresh{},

	"P":  engine.SortBy{Field: view.FieldCPU},
	"M":  engine.SortBy{Field: view.FieldMem},
	"T":  engine.SortBy{Field: view.FieldTime},
	"N":  engine.SortBy{Field: view.FieldPID},
	"I":  engine.InvertSort{},
	">":  engine.CycleSort{Step: 1},
	"<":  engine.CycleSort{Step: -1},
	"f6": engine.CycleSort{Step: 1},

	"t":  engine.ToggleTree{},
	"f5": engine.ToggleTree{},
	"+":  engine.Expand{},
	"-":  engine.Collapse{},
	"*":  engine.ExpandAll{},

	keyEnter: engine.ToggleExpand{},

	"K": engine.ToggleKernelThreads{},
	"F": engine.ToggleFollow{},
	" ": engine.ToggleTag{},
	"c": engine.TagWithChildren{},
	"U": engine.UntagAll{},

	"n":        engine.SearchNext{},
	"f3":       engine.SearchNext{},
	"shift-f3": engine.SearchNext{Backward: true},

	"]":  engine.Renice{Priority: dispatch.Priority{Value: -1, Relative: true}},
	"f7": engine.Renice{Priority: dispatch.Priority{Value: -1, Relative: true}},
	"[":  engine.Renice{Priority: dispatch.Priority{Value: 1, Relative: true}},
	"f8": engine.Renice{Priority: dispatch.Priority{Value: 1, Relative: true}},
	"b":  engine.SetIOPriority{Background: true},
	"B":  engine.SetIOPriority{Background: false},
	"l":  engine.ListModules{},
	"e":  engine.ShowDetails{},
	"o":  engine.ListConnections{},

	"Z": engine.Pause{},
	"%": engine.ToggleNormalizeCPU{},
	"p": engine.ToggleFullPath{},
}

// helpKeys is the key reference shown by ? and F1. Every key listed is bound
// or opens a prompt.
var helpKeys = []struct{ keys, what string }{
	{"up down pgup pgdn home end", "move the selection"},
	{"0-9", "jump to a pid"},
	{"P M T N", "sort by cpu, memory, time or pid"},
	{"I < > f6", "invert or cycle the sort column"},
	{"t f5", "tree view"},
	{"+ - * enter", "expand, collapse, expand all, toggle"},
	{"/ n f3 shift-f3", "search, next and previous match"},
	{"\\ f4", "filter by text"},
	{"u", "filter by user"},
	{"K", "hide kernel threads"},
	{"F", "follow the selected process"},
	{"space c U", "tag, tag with children, untag all"},
	{"k f9", "send a signal"},
	{"r ] f7 [ f8", "set nice, raise or lower priority"},
	{"a", "set cpu affinity"},
	{"b B", "background or normal i/o priority"},
	{"l", "list mapped modules"},
	{"e", "show executable, directory and environment"},
	{"o", "list open sockets"},
	{"p", "show full command path"},
	{"C", "choose columns"},
	{"d", "refresh delay"},
	{"%", "cpu% per core or per machine"},
	{"Z ctrl-l", "pause, refresh now"},
	{"? f1", "this help"},
	{"q f10 ctrl-c", "quit"},
}

func helpLines() []string {
	out := make([]string, len(helpKeys))
	for i, h := range helpKeys {
		out[i] = fmt.Sprintf("%-28s %s", h.keys, h.what)
	}
	return out
}

// prompt reads a line of text and turns it into a command. A prompt with
// live set sends a command on every edit instead and Enter only closes it.
type prompt struct {
	label string
	parse func(string) (engine.Command, error)
	live  func(string) engine.Command
}

var pidPrompt = prompt{label: "PID: ", live: func(s string) engine.Command { return engine.JumpPID{Digits: s} }}

func isDigit(key string) bool {
	return len(key) == 1 && key[0] >= '0' && key[0] <= '9'
}

var prompts = map[string]prompt{
	"/":  {label: "Search: ", parse: func(s string) (engine.Command, error) { return engine.SetSearch{Term: s}, nil }},
	"f4": {label: "Filter: ", parse: func(s string) (engine.Command, error) { return engine.SetFilter{Text: s}, nil }},
	"\\": {label: "Filter: ", parse: func(s string) (engine.Command, error) { return engine.SetFilter{Text: s}, nil }},
	"u":  {label: "User (empty for all): ", parse: parseUserFilter},
	"a":  {label: "CPUs (e.g. 0,2-3): ", parse: parseAffinity},
	"k":  {label: "Signal [TERM]: ", parse: parseKill},
	"f9": {label: "Signal [TERM]: ", parse: parseKill},
	"r":  {label: "Nice value: ", parse: parseNice},
	"d":  {label: "Delay (ms): ", parse: parseDelay},
	"C":  {label: "Columns: ", parse: parseColumns},
}

func parseUserFilter(s string) (engine.Command, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return engine.SetUserFilter{}, nil
	}
	if uid, err := strconv.ParseUint(s, 10, 32); err == nil {
		v := uint32(uid)
		return engine.SetUserFilter{UID: &v}, nil
	}
	u, err := user.Lookup(s)
	if err != nil {
		return nil, fmt.Errorf("unknown user %q", s)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("user %q has a non-numeric uid %q", s, u.Uid)
	}
	v := uint32(uid)
	return engine.SetUserFilter{UID: &v}, nil
}

func parseAffinity(s string) (engine.Command, error) {
	mask, err := parseCPUList(s)
	if err != nil {
		return nil, err
	}
	return engine.SetAffinity{Mask: mask}, nil
}

// parseCPUList accepts the taskset list syntax: "0,2-3".
func parseCPUList(s string) (types.CPUMask, error) {
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil || first < 0 || first > 63 {
			return 0, fmt.Errorf("invalid cpu %q", part)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(hi); err != nil || last < first || last > 63 {
				return 0, fmt.Errorf("invalid cpu range %q", part)
			}
		}
		for cpu := first; cpu <= last; cpu++ {
			cpus = append(cpus, cpu)
		}
	}
	if len(cpus) == 0 {
		return 0, errors.New("no cpus given")
	}
	return types.MaskOf(cpus...), nil
}

var signalNumbers = map[int]types.SignalKind{
	1: types.SignalHangup, 2: types.SignalInterrupt, 3: types.SignalQuit,
	9: types.SignalKill, 15: types.SignalTerm,
}

func parseKill(s string) (engine.Command, error) {
	sig, err := parseSignal(s)
	if err != nil {
		return nil, err
	}
	return engine.Kill{Signal: sig}, nil
}

// parseSignal accepts a number, a name, or a SIG-prefixed name. Empty means SIGTERM.
func parseSignal(s string) (types.SignalKind, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return types.SignalTerm, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if sig, ok := signalNumbers[n]; ok {
			return sig, nil
		}
		return 0, fmt.Errorf("unsupported signal %d", n)
	}
	name := "SIG" + strings.TrimPrefix(s, "SIG")
	for _, sig := range types.Signals {
		if sig.String() == name {
			return sig, nil
		}
	}
	return 0, fmt.Errorf("unsupported signal %q", s)
}

func parseNice(s string) (engine.Command, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid nice value %q", s)
	}
	return engine.Renice{Priority: dispatch.Priority{Value: n}}, nil
}

func parseDelay(s string) (engine.Command, error) {
	ms, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || ms <= 0 {
		return nil, fmt.Errorf("invalid delay %q", s)
	}
	return engine.SetInterval{Interval: engine.ClampInterval(time.Duration(ms) * time.Millisecond)}, nil
}

func parseColumns(s string) (engine.Command, error) {
	fields := view.ParseFields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("no known columns in %q", s)
	}
	return engine.SetColumns{Fields: fields}, nil
}
