package view

import (
	"sort"
	"strings"

	"github.com/srodi/proctop/pkg/types"
)

// SortKey is the active sort column and direction.
type SortKey struct {
	Field      Field
	Descending bool
}

// Less returns the row ordering for k. Equal values always fall back to
// ascending PID, whatever the direction.
func (k SortKey) Less() func(a, b *types.ProcessRecord) bool {
	col := ColumnOf(k.Field)
	return func(a, b *types.ProcessRecord) bool {
		c := col.Compare(a, b)
		if k.Descending {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		return a.PID < b.PID
	}
}

// Order returns records sorted by k. The input slice is not modified.
func Order(records []*types.ProcessRecord, k SortKey) []*types.ProcessRecord {
	out := make([]*types.ProcessRecord, len(records))
	copy(out, records)
	less := k.Less()
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// FilterConfig controls which records stay in the working set.
type FilterConfig struct {
	// Text is matched case-insensitively against name, command and user.
	// Alternatives are separated by '|'.
	Text string
	// UID, when set, keeps only processes owned by that user id.
	UID *uint32
	// HideKernel drops kernel threads.
	HideKernel bool
}

// Active reports whether cfg removes anything at all.
func (cfg FilterConfig) Active() bool {
	return cfg.UID != nil || cfg.HideKernel || len(filterTerms(cfg.Text)) > 0
}

// Filter returns the records that pass cfg, keeping their order.
func Filter(records []*types.ProcessRecord, cfg FilterConfig) []*types.ProcessRecord {
	terms := filterTerms(cfg.Text)
	filtered := make([]*types.ProcessRecord, 0, len(records))
	for _, r := range records {
		if passesFilters(r, cfg, terms) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

func filterTerms(text string) []string {
	var terms []string
	for _, t := range strings.Split(strings.ToLower(text), "|") {
		if t = strings.TrimSpace(t); t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}

func passesFilters(r *types.ProcessRecord, cfg FilterConfig, terms []string) bool {
	if cfg.UID != nil && r.UID != *cfg.UID {
		return false
	}
	if cfg.HideKernel && isKernelThread(r) {
		return false
	}
	if len(terms) == 0 {
		return true
	}
	for _, t := range terms {
		if matches(r, t) {
			return true
		}
	}
	return false
}

// matches expects term to be lower case already.
func matches(r *types.ProcessRecord, term string) bool {
	return strings.Contains(strings.ToLower(r.Name), term) ||
		strings.Contains(strings.ToLower(r.Command), term) ||
		strings.Contains(strings.ToLower(r.User), term)
}

func isKernelThread(r *types.ProcessRecord) bool {
	if r.Kernel {
		return true
	}
	// without a command line the collector shows "[name]"
	if !strings.HasPrefix(r.Command, "[") {
		return false
	}
	name := strings.ToLower(r.Name)
	switch {
	case strings.HasPrefix(name, "kworker"), strings.HasPrefix(name, "ksoftirqd"), strings.HasPrefix(name, "kthreadd"),
		strings.HasPrefix(name, "migration"), strings.HasPrefix(name, "watchdog"), strings.HasPrefix(name, "rcu"),
		strings.HasPrefix(name, "irq/"):
		return true
	}
	return false
}

// Search returns the index of the next row after from whose name, command
// or user contains term, wrapping around the ends. A negative from starts
// at the top going forward and at the bottom going backward. The row at
// from itself is checked last. When nothing matches idx is -1 and ok is
// false. Search never changes rows.
func Search(rows []*types.ProcessRecord, term string, from int, backward bool) (idx int, ok bool) {
	term = strings.ToLower(strings.TrimSpace(term))
	n := len(rows)
	if term == "" || n == 0 {
		return -1, false
	}
	if from < 0 || from >= n {
		if backward {
			from = n
		} else {
			from = -1
		}
	}
	for off := 1; off <= n; off++ {
		i := from + off
		if backward {
			i = from - off
		}
		i = ((i % n) + n) % n
		if matches(rows[i], term) {
			return i, true
		}
	}
	return -1, false
}
