package ui

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/srodi/proctop/pkg/engine"
	"github.com/srodi/proctop/pkg/types"
	"github.com/srodi/proctop/pkg/view"
)

const (
	meterWidth  = 30
	meterColumn = 46
	maxCoreRows = 8
)

// Options controls how a frame is laid out.
type Options struct {
	Width  int
	Height int
	Color  bool
}

// Frame renders one full screen: meters, the process table and a status line.
func Frame(v engine.View, opts Options) string {
	var buf bytes.Buffer
	meters := Meters(v.Header)
	for _, line := range meters {
		buf.WriteString(fit(line, opts.Width, false) + "\n")
	}
	buf.WriteString("\n")

	tableRows := TableHeight(opts.Height, len(meters))
	for i, line := range Table(v, tableRows) {
		selected := i > 0 && strings.HasPrefix(line, ">")
		buf.WriteString(paint(fit(line, opts.Width, selected), selected, i == 0, opts.Color) + "\n")
	}
	buf.WriteString(fit(StatusLine(v), opts.Width, false))
	return buf.String()
}

// TableHeight is the number of process rows that fit below meterLines meter
// lines, leaving room for the blank separator, the column header and the
// status line.
func TableHeight(screen, meterLines int) int {
	if screen <= 0 {
		return 0
	}
	n := screen - meterLines - 3
	if n < 1 {
		return 1
	}
	return n
}

func paint(line string, selected, header, color bool) string {
	if !color {
		return line
	}
	switch {
	case header:
		return bold + mint + line + reset
	case selected:
		return reverse + line + reset
	}
	return line
}

// fit truncates line to width runes. Selected lines are padded so the
// highlight spans the screen.
func fit(line string, width int, pad bool) string {
	if width <= 0 {
		return line
	}
	n := utf8.RuneCountInString(line)
	if n > width {
		runes := []rune(line)
		return string(runes[:width])
	}
	if pad {
		return line + strings.Repeat(" ", width-n)
	}
	return line
}

// Meters renders the system wide header: CPU bars, memory, swap, task
// counts, load average and uptime.
func Meters(h engine.Header) []string {
	var left []string
	left = append(left, meter("CPU", h.CPU.TotalPct, fmt.Sprintf("%5.1f%%", h.CPU.TotalPct)))
	cores := h.Cores
	if len(cores) > maxCoreRows {
		cores = cores[:maxCoreRows]
	}
	for _, c := range cores {
		left = append(left, meter(fmt.Sprint(c.ID), c.TotalPct, fmt.Sprintf("%5.1f%%", c.TotalPct)))
	}
	mem := h.Memory
	left = append(left, meter("Mem", percent(mem.MemUsed, mem.MemTotal),
		view.FormatBytes(mem.MemUsed)+"/"+view.FormatBytes(mem.MemTotal)))
	left = append(left, meter("Swp", percent(mem.SwapUsed, mem.SwapTotal),
		view.FormatBytes(mem.SwapUsed)+"/"+view.FormatBytes(mem.SwapTotal)))

	right := []string{
		fmt.Sprintf("Tasks: %d, %d thr; %d running", h.Tasks, h.Threads, h.Running),
		fmt.Sprintf("Load average: %.2f %.2f %.2f", h.Load.One, h.Load.Five, h.Load.Fifteen),
		"Uptime: " + view.FormatUptime(h.Uptime),
	}

	lines := make([]string, len(left))
	for i, l := range left {
		if i < len(right) {
			l += strings.Repeat(" ", max(1, meterColumn-utf8.RuneCountInString(l))) + right[i]
		}
		lines[i] = l
	}
	return lines
}

func meter(label string, pct float64, text string) string {
	filled := int(pct / 100 * meterWidth)
	filled = min(max(filled, 0), meterWidth)
	bar := strings.Repeat("|", filled) + strings.Repeat(" ", meterWidth-filled)
	if len(text) < len(bar) {
		bar = bar[:len(bar)-len(text)] + text
	}
	return fmt.Sprintf("%-4s[%s]", label, bar)
}

func percent(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}

// Table renders the column header followed by at most height rows, scrolled
// so the selection stays visible. The selected row starts with '>' and
// tagged rows carry a '*'.
func Table(v engine.View, height int) []string {
	fields := v.State.Columns
	if len(fields) == 0 {
		fields = view.AllFields()
	}
	cols := make([]view.Column, len(fields))
	for i, f := range fields {
		cols[i] = view.ColumnOf(f)
	}
	tagged := make(map[types.PID]bool, len(v.Tags))
	for _, pid := range v.Tags {
		tagged[pid] = true
	}

	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 1, ' ', 0)
	fmt.Fprint(tw, " \t")
	for i, c := range cols {
		header := c.Header
		if c.Field == v.State.Sort.Field {
			header += sortArrow(v.State.Sort.Descending)
		}
		fmt.Fprint(tw, cell(c, header, i == len(cols)-1))
	}
	fmt.Fprintln(tw)

	start, end := window(len(v.Rows), v.Selected, height)
	for i := start; i < end; i++ {
		row := v.Rows[i]
		rec := row.Record
		marker := " "
		if tagged[rec.PID] {
			marker = "*"
		}
		if i == v.Selected {
			marker = ">" + marker
		}
		fmt.Fprint(tw, marker+"\t")
		for j, c := range cols {
			text := c.Format(&rec)
			if c.Field == view.FieldCommand {
				if !v.State.ShowFullPath {
					text = view.ShortCommand(text)
				}
				if v.State.Tree {
					text = TreePrefix(row) + text
				}
			}
			fmt.Fprint(tw, cell(c, text, j == len(cols)-1))
		}
		fmt.Fprintln(tw)
	}
	tw.Flush()
	return strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
}

func cell(c view.Column, text string, last bool) string {
	if !c.Left && c.Width > 0 {
		text = fmt.Sprintf("%*s", c.Width, text)
	}
	if last {
		return text
	}
	return text + "\t"
}

func sortArrow(descending bool) string {
	if descending {
		return "▼"
	}
	return "▲"
}

// window returns the [start, end) slice of rows to show so that selected is
// inside it.
func window(total, selected, height int) (int, int) {
	if height <= 0 || height >= total {
		return 0, total
	}
	start := 0
	if selected >= height {
		start = selected - height + 1
	}
	return start, start + height
}

// TreePrefix draws the connector lines in front of a tree row's command.
func TreePrefix(row engine.Row) string {
	if row.Depth == 0 {
		if row.HasChildren && !row.Record.Expanded {
			return "+"
		}
		return ""
	}
	var b strings.Builder
	for i := 1; i < row.Depth && i < len(row.Rails); i++ {
		if row.Rails[i] {
			b.WriteString("│  ")
		} else {
			b.WriteString("   ")
		}
	}
	if row.Last {
		b.WriteString("└─")
	} else {
		b.WriteString("├─")
	}
	if row.HasChildren && !row.Record.Expanded {
		b.WriteString("+ ")
	} else {
		b.WriteString(" ")
	}
	return b.String()
}

// StatusLine summarizes the view state and the last command outcome.
func StatusLine(v engine.View) string {
	parts := []string{"Sort: " + view.ColumnOf(v.State.Sort.Field).Header + sortArrow(v.State.Sort.Descending)}
	if v.State.Tree {
		parts = append(parts, "tree")
	}
	if v.State.Filter.Text != "" {
		parts = append(parts, fmt.Sprintf("filter %q", v.State.Filter.Text))
	}
	if v.State.Filter.UID != nil {
		parts = append(parts, fmt.Sprintf("uid %d", *v.State.Filter.UID))
	}
	if v.State.Search != "" {
		if v.State.SearchNotFound {
			parts = append(parts, fmt.Sprintf("search %q: no match", v.State.Search))
		} else {
			parts = append(parts, fmt.Sprintf("search %q", v.State.Search))
		}
	}
	if v.Following {
		parts = append(parts, "following")
	}
	if len(v.Tags) > 0 {
		parts = append(parts, fmt.Sprintf("%d tagged", len(v.Tags)))
	}
	if v.Paused {
		parts = append(parts, "PAUSED")
	}
	if v.Err != nil {
		parts = append(parts, "sampling failed: "+v.Err.Error())
	}
	if v.LastResult != nil && v.LastResult.Err != nil {
		parts = append(parts, oneLine(v.LastResult.Err.Error()))
	}
	return strings.Join(parts, " | ")
}

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", "; ")
}
