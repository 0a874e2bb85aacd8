// Package view holds the column descriptors and the order, filter and search
// operations over process records.
package view

import (
	"strconv"
	"strings"

	"github.com/srodi/proctop/pkg/types"
)

// Field identifies one of the displayable columns.
type Field int

const (
	FieldPID Field = iota
	FieldPPID
	FieldUser
	FieldPriority
	FieldNice
	FieldVirtual
	FieldResident
	FieldShared
	FieldState
	FieldCPU
	FieldMem
	FieldTime
	FieldThreads
	FieldIORead
	FieldIOWrite
	FieldIORate
	FieldCommand
	fieldCount
)

// kind selects the formatter and comparator of a column.
type kind int

const (
	kindInteger kind = iota
	kindBytes
	kindPercent
	kindDuration
	kindRate
	kindText
)

// Column describes how one field is rendered and compared.
type Column struct {
	Field  Field
	Key    string // stable name used in settings
	Header string
	Width  int
	Left   bool // left aligned text column

	kind kind
	num  func(*types.ProcessRecord) float64
	text func(*types.ProcessRecord) string
}

var columns = [fieldCount]Column{
	{Field: FieldPID, Key: "pid", Header: "PID", Width: 7, kind: kindInteger,
		num: func(r *types.ProcessRecord) float64 { return float64(r.PID) }},
	{Field: FieldPPID, Key: "ppid", Header: "PPID", Width: 7, kind: kindInteger,
		num: func(r *types.ProcessRecord) float64 { return float64(r.PPID) }},
	{Field: FieldUser, Key: "user", Header: "USER", Width: 9, Left: true, kind: kindText,
		text: func(r *types.ProcessRecord) string { return r.User }},
	{Field: FieldPriority, Key: "priority", Header: "PRI", Width: 3, kind: kindInteger,
		num: func(r *types.ProcessRecord) float64 { return float64(r.Priority) }},
	{Field: FieldNice, Key: "nice", Header: "NI", Width: 3, kind: kindInteger,
		num: func(r *types.ProcessRecord) float64 { return float64(r.Nice) }},
	{Field: FieldVirtual, Key: "virt", Header: "VIRT", Width: 6, kind: kindBytes,
		num: func(r *types.ProcessRecord) float64 { return float64(r.Virtual) }},
	{Field: FieldResident, Key: "res", Header: "RES", Width: 6, kind: kindBytes,
		num: func(r *types.ProcessRecord) float64 { return float64(r.Resident) }},
	{Field: FieldShared, Key: "shr", Header: "SHR", Width: 6, kind: kindBytes,
		num: func(r *types.ProcessRecord) float64 { return float64(r.Shared) }},
	{Field: FieldState, Key: "state", Header: "S", Width: 1, kind: kindText,
		text: func(r *types.ProcessRecord) string { return r.Status.Symbol() }},
	{Field: FieldCPU, Key: "cpu", Header: "CPU%", Width: 5, kind: kindPercent,
		num: func(r *types.ProcessRecord) float64 { return r.CPUPct }},
	{Field: FieldMem, Key: "mem", Header: "MEM%", Width: 5, kind: kindPercent,
		num: func(r *types.ProcessRecord) float64 { return r.MemPct }},
	{Field: FieldTime, Key: "time", Header: "TIME+", Width: 9, kind: kindDuration,
		num: func(r *types.ProcessRecord) float64 { return float64(r.CPUTime) }},
	{Field: FieldThreads, Key: "threads", Header: "THR", Width: 4, kind: kindInteger,
		num: func(r *types.ProcessRecord) float64 { return float64(r.Threads) }},
	{Field: FieldIORead, Key: "io_read", Header: "IO_R", Width: 8, kind: kindRate,
		num: func(r *types.ProcessRecord) float64 { return r.ReadRate }},
	{Field: FieldIOWrite, Key: "io_write", Header: "IO_W", Width: 8, kind: kindRate,
		num: func(r *types.ProcessRecord) float64 { return r.WriteRate }},
	{Field: FieldIORate, Key: "io_rate", Header: "IO_RATE", Width: 8, kind: kindRate,
		num: func(r *types.ProcessRecord) float64 { return r.IORate() }},
	{Field: FieldCommand, Key: "command", Header: "COMMAND", Left: true, kind: kindText,
		text: func(r *types.ProcessRecord) string { return r.Command }},
}

// Columns returns every column in display order.
func Columns() []Column {
	out := make([]Column, len(columns))
	copy(out, columns[:])
	return out
}

// ColumnOf returns the descriptor of f. Unknown fields map to PID.
func ColumnOf(f Field) Column {
	if f < 0 || f >= fieldCount {
		return columns[FieldPID]
	}
	return columns[f]
}

// AllFields lists every field in display order.
func AllFields() []Field {
	out := make([]Field, fieldCount)
	for i := range out {
		out[i] = Field(i)
	}
	return out
}

func (f Field) String() string { return ColumnOf(f).Key }

// ParseField accepts a column key or header, case-insensitively.
func ParseField(s string) (Field, bool) {
	s = strings.TrimSpace(s)
	for _, c := range columns {
		if strings.EqualFold(s, c.Key) || strings.EqualFold(s, c.Header) {
			return c.Field, true
		}
	}
	return FieldPID, false
}

// ParseFields parses a comma separated column list, skipping unknown names.
func ParseFields(s string) []Field {
	var out []Field
	seen := make(map[Field]bool)
	for _, part := range strings.Split(s, ",") {
		if f, ok := ParseField(part); ok && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// FormatFields is the inverse of ParseFields.
func FormatFields(fields []Field) string {
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.String())
	}
	return strings.Join(keys, ",")
}

// Format renders the column value of r.
func (c Column) Format(r *types.ProcessRecord) string {
	switch c.kind {
	case kindText:
		return c.text(r)
	case kindBytes:
		return FormatBytes(uint64(c.num(r)))
	case kindPercent:
		return strconv.FormatFloat(c.num(r), 'f', 1, 64)
	case kindDuration:
		return FormatCPUTime(r.CPUTime)
	case kindRate:
		return FormatRate(c.num(r))
	default:
		return strconv.FormatInt(int64(c.num(r)), 10)
	}
}

// Compare returns -1, 0 or 1 comparing a and b on this column only.
func (c Column) Compare(a, b *types.ProcessRecord) int {
	if c.kind == kindText {
		la, lb := strings.ToLower(c.text(a)), strings.ToLower(c.text(b))
		if la == lb {
			return strings.Compare(c.text(a), c.text(b))
		}
		return strings.Compare(la, lb)
	}
	va, vb := c.num(a), c.num(b)
	switch {
	case va < vb:
		return -1
	case va > vb:
		return 1
	}
	return 0
}
