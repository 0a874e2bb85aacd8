// Package dispatch validates user mutation requests against the latest
// snapshot and forwards them to the OS.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"

	"github.com/srodi/proctop/pkg/collector"
	"github.com/srodi/proctop/pkg/types"
)

// Nice bounds accepted by the kernel.
const (
	MinNice = -20
	MaxNice = 19
)

// Mutator is the per-process half of collector.DataSource: mutations and
// the on-demand reads that share their target validation.
type Mutator interface {
	SetPriority(ctx context.Context, pid types.PID, nice int) error
	SetAffinity(ctx context.Context, pid types.PID, mask types.CPUMask) error
	SetIOPriority(ctx context.Context, pid types.PID, background bool) error
	Terminate(ctx context.Context, pid types.PID, sig types.SignalKind) error
	ListModules(ctx context.Context, pid types.PID) ([]types.Module, error)
	ProcessDetails(ctx context.Context, pid types.PID) (types.Details, error)
	Connections(ctx context.Context, pid types.PID) ([]types.Connection, error)
}

// Lookup finds a record in the latest snapshot.
type Lookup func(types.PID) (*types.ProcessRecord, bool)

// Kind is the reason an operation was rejected.
type Kind int

const (
	KindNotFound Kind = iota
	KindAccessDenied
	KindUnsupported
	// KindInvalid means the request was rejected before reaching the OS.
	KindInvalid
	// KindTransient is a failure that may succeed when retried.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAccessDenied:
		return "access denied"
	case KindUnsupported:
		return "unsupported"
	case KindInvalid:
		return "invalid request"
	default:
		return "temporary failure"
	}
}

// OperationError is a rejected mutation for one target.
type OperationError struct {
	PID  types.PID
	Op   string
	Kind Kind
	Err  error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s pid %d: %s", e.Op, e.PID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error { return e.Err }

// KindOf returns the rejection kind of err and whether err is an OperationError.
func KindOf(err error) (Kind, bool) {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Kind, true
	}
	return KindInvalid, false
}

// Priority is a nice change, either relative to the current value or absolute.
type Priority struct {
	Value    int
	Relative bool
}

// Outcome is the result of one member of a tagged-set operation.
type Outcome struct {
	PID types.PID
	Err error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger replaces the default logger.
func WithLogger(l *logger.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithCoreCount sets how many CPUs an affinity mask may address.
func WithCoreCount(n func() int) Option {
	return func(d *Dispatcher) { d.cores = n }
}

// WithOnMutated registers a hook called after each successful mutation.
func WithOnMutated(fn func(types.PID)) Option {
	return func(d *Dispatcher) { d.onMutated = fn }
}

// Dispatcher runs mutations synchronously on the caller's goroutine.
type Dispatcher struct {
	src       Mutator
	lookup    Lookup
	cores     func() int
	onMutated func(types.PID)
	log       *logger.Logger
}

// New creates a Dispatcher that checks targets with lookup.
func New(src Mutator, lookup Lookup, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		src:    src,
		lookup: lookup,
		cores:  func() int { return 64 },
		log:    logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "dispatch")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// target returns the live record for pid. Records kept only by the removal
// grace are treated as gone.
func (d *Dispatcher) target(op string, pid types.PID) (*types.ProcessRecord, error) {
	rec, ok := d.lookup(pid)
	if !ok || rec.Missing > 0 {
		return nil, &OperationError{PID: pid, Op: op, Kind: KindNotFound}
	}
	return rec, nil
}

func (d *Dispatcher) finish(op string, rec *types.ProcessRecord, err error) error {
	if err != nil {
		opErr := &OperationError{PID: rec.PID, Op: op, Kind: kindFromSource(err), Err: err}
		d.log.Warn("mutation failed: ", opErr)
		return opErr
	}
	rec.Dirty = true
	if d.onMutated != nil {
		d.onMutated(rec.PID)
	}
	return nil
}

func kindFromSource(err error) Kind {
	switch collector.KindOf(err) {
	case collector.KindNotFound:
		return KindNotFound
	case collector.KindAccessDenied:
		return KindAccessDenied
	case collector.KindUnsupported:
		return KindUnsupported
	}
	return KindTransient
}

// SetPriority renices pid. A relative change starts from the record's
// current nice value and is clamped to the valid range; an absolute value
// outside the range is rejected.
func (d *Dispatcher) SetPriority(ctx context.Context, pid types.PID, p Priority) error {
	const op = "set priority"
	rec, err := d.target(op, pid)
	if err != nil {
		return err
	}
	nice := p.Value
	if p.Relative {
		nice = clampNice(int(rec.Nice) + p.Value)
	} else if nice < MinNice || nice > MaxNice {
		return &OperationError{PID: pid, Op: op, Kind: KindInvalid,
			Err: fmt.Errorf("nice %d outside [%d, %d]", nice, MinNice, MaxNice)}
	}
	return d.finish(op, rec, d.src.SetPriority(ctx, pid, nice))
}

func clampNice(n int) int {
	if n < MinNice {
		return MinNice
	}
	if n > MaxNice {
		return MaxNice
	}
	return n
}

// SetAffinity pins pid to the CPUs in mask.
func (d *Dispatcher) SetAffinity(ctx context.Context, pid types.PID, mask types.CPUMask) error {
	const op = "set affinity"
	rec, err := d.target(op, pid)
	if err != nil {
		return err
	}
	if mask == 0 {
		return &OperationError{PID: pid, Op: op, Kind: KindInvalid, Err: errors.New("empty cpu mask")}
	}
	// an unknown core count leaves the range check to the kernel
	if n := d.cores(); n > 0 && n < 64 && mask>>uint(n) != 0 {
		return &OperationError{PID: pid, Op: op, Kind: KindInvalid,
			Err: fmt.Errorf("mask %#x addresses cpus beyond %d", uint64(mask), n-1)}
	}
	return d.finish(op, rec, d.src.SetAffinity(ctx, pid, mask))
}

// SetIOPriority moves pid to the idle I/O class or back to best effort.
func (d *Dispatcher) SetIOPriority(ctx context.Context, pid types.PID, background bool) error {
	const op = "set io priority"
	rec, err := d.target(op, pid)
	if err != nil {
		return err
	}
	return d.finish(op, rec, d.src.SetIOPriority(ctx, pid, background))
}

// Kill sends sig to pid.
func (d *Dispatcher) Kill(ctx context.Context, pid types.PID, sig types.SignalKind) error {
	const op = "kill"
	rec, err := d.target(op, pid)
	if err != nil {
		return err
	}
	return d.finish(op, rec, d.src.Terminate(ctx, pid, sig))
}

// Modules lists the images mapped by pid. It does not mark the record dirty.
func (d *Dispatcher) Modules(ctx context.Context, pid types.PID) ([]types.Module, error) {
	const op = "list modules"
	if _, err := d.target(op, pid); err != nil {
		return nil, err
	}
	mods, err := d.src.ListModules(ctx, pid)
	if err != nil {
		return nil, &OperationError{PID: pid, Op: op, Kind: kindFromSource(err), Err: err}
	}
	return mods, nil
}

// Details reads the executable, working directory and environment of pid.
func (d *Dispatcher) Details(ctx context.Context, pid types.PID) (types.Details, error) {
	const op = "read details"
	if _, err := d.target(op, pid); err != nil {
		return types.Details{}, err
	}
	det, err := d.src.ProcessDetails(ctx, pid)
	if err != nil {
		return types.Details{}, &OperationError{PID: pid, Op: op, Kind: kindFromSource(err), Err: err}
	}
	return det, nil
}

// Connections lists the sockets held by pid.
func (d *Dispatcher) Connections(ctx context.Context, pid types.PID) ([]types.Connection, error) {
	const op = "list connections"
	if _, err := d.target(op, pid); err != nil {
		return nil, err
	}
	conns, err := d.src.Connections(ctx, pid)
	if err != nil {
		return nil, &OperationError{PID: pid, Op: op, Kind: kindFromSource(err), Err: err}
	}
	return conns, nil
}

// ApplyTagged runs fn for every pid in ascending order and reports each
// result. A failure does not stop or undo the others.
func (d *Dispatcher) ApplyTagged(ctx context.Context, pids []types.PID, fn func(context.Context, types.PID) error) []Outcome {
	sorted := append([]types.PID(nil), pids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	outcomes := make([]Outcome, 0, len(sorted))
	failed := 0
	for _, pid := range sorted {
		err := fn(ctx, pid)
		if err != nil {
			failed++
		}
		outcomes = append(outcomes, Outcome{PID: pid, Err: err})
	}
	if failed > 0 {
		d.log.Warn(fmt.Sprintf("%d of %d tagged processes failed", failed, len(sorted)))
	}
	return outcomes
}
