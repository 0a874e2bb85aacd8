package engine

import (
	"strconv"
	"time"

	"github.com/srodi/proctop/pkg/rates"
	"github.com/srodi/proctop/pkg/view"
)

// Persisted setting keys.
const (
	KeySortField     = "sort_field"
	KeySortAscending = "sort_ascending"
	KeyTreeView      = "tree_view"
	KeyHideKernel    = "hide_kernel_threads"
	KeyInterval      = "update_interval_ms"
	KeyColumns       = "visible_columns"
	KeyNormalizeCPU  = "cpu_normalize"
	KeyShowFullPath  = "show_program_path"
	KeyColorScheme   = "color_scheme"
)

// Refresh interval bounds accepted from settings.
const (
	MinInterval = 200 * time.Millisecond
	MaxInterval = 10 * time.Second
)

// OptionsFromSettings turns a persisted settings map into engine options.
// Unknown keys and unparsable values are ignored.
func OptionsFromSettings(settings map[string]string) []Option {
	var opts []Option
	key := view.SortKey{Field: view.FieldCPU, Descending: true}
	sortSet := false
	if v, ok := settings[KeySortField]; ok {
		if f, ok := view.ParseField(v); ok {
			key.Field = f
			sortSet = true
		}
	}
	if v, ok := parseBool(settings, KeySortAscending); ok {
		key.Descending = !v
		sortSet = true
	}
	if sortSet {
		opts = append(opts, WithSort(key))
	}
	if v, ok := parseBool(settings, KeyTreeView); ok {
		opts = append(opts, WithTree(v))
	}
	if v, ok := parseBool(settings, KeyHideKernel); ok {
		opts = append(opts, WithHideKernel(v))
	}
	if v, ok := parseBool(settings, KeyNormalizeCPU); ok {
		opts = append(opts, WithNormalizeCPU(v))
	}
	if v, ok := parseBool(settings, KeyShowFullPath); ok {
		opts = append(opts, WithFullPath(v))
	}
	if v, ok := settings[KeyInterval]; ok {
		if ms, err := strconv.Atoi(v); err == nil {
			opts = append(opts, WithInterval(ClampInterval(time.Duration(ms)*time.Millisecond)))
		}
	}
	if v, ok := settings[KeyColumns]; ok {
		if fields := view.ParseFields(v); len(fields) > 0 {
			opts = append(opts, WithColumns(fields))
		}
	}
	if v, ok := settings[KeyColorScheme]; ok {
		opts = append(opts, WithColorScheme(v))
	}
	return opts
}

func parseBool(settings map[string]string, key string) (bool, bool) {
	v, ok := settings[key]
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// ClampInterval bounds d to the accepted refresh range.
func ClampInterval(d time.Duration) time.Duration {
	if d < MinInterval {
		return MinInterval
	}
	if d > MaxInterval {
		return MaxInterval
	}
	return d
}

// Settings returns the persisted part of the current view state.
func (e *Engine) Settings() map[string]string {
	s := map[string]string{
		KeySortField:     e.state.Sort.Field.String(),
		KeySortAscending: strconv.FormatBool(!e.state.Sort.Descending),
		KeyTreeView:      strconv.FormatBool(e.state.Tree),
		KeyHideKernel:    strconv.FormatBool(e.state.Filter.HideKernel),
		KeyInterval:      strconv.FormatInt(e.state.Interval.Milliseconds(), 10),
		KeyColumns:       view.FormatFields(e.state.Columns),
		KeyNormalizeCPU:  strconv.FormatBool(e.state.NormalizeCPU),
		KeyShowFullPath:  strconv.FormatBool(e.state.ShowFullPath),
	}
	if e.state.ColorScheme != "" {
		s[KeyColorScheme] = e.state.ColorScheme
	}
	return s
}

func ratesOptions(s ViewState) rates.Options {
	return rates.Options{NormalizeByCores: s.NormalizeCPU}
}
