// Package collector defines the boundary between the monitor and the OS.
package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/srodi/proctop/pkg/types"
)

// DataSource supplies raw OS facts and accepts mutation requests.
// Implementations are called from a single goroutine.
type DataSource interface {
	EnumerateProcesses(ctx context.Context) ([]types.RawSample, error)
	CoreTimes(ctx context.Context) ([]types.CoreSample, error)
	SystemMemory(ctx context.Context) (types.SystemTotals, error)
	ClockTicks() uint64

	SetPriority(ctx context.Context, pid types.PID, nice int) error
	SetAffinity(ctx context.Context, pid types.PID, mask types.CPUMask) error
	SetIOPriority(ctx context.Context, pid types.PID, background bool) error
	Terminate(ctx context.Context, pid types.PID, sig types.SignalKind) error

	ListModules(ctx context.Context, pid types.PID) ([]types.Module, error)
	ProcessDetails(ctx context.Context, pid types.PID) (types.Details, error)
	Connections(ctx context.Context, pid types.PID) ([]types.Connection, error)
	ResolveOwner(ctx context.Context, pid types.PID) (types.UserIdentity, error)
}

// Kind classifies a DataSource failure.
type Kind int

const (
	KindTransient Kind = iota
	KindNotFound
	KindAccessDenied
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAccessDenied:
		return "access denied"
	case KindUnsupported:
		return "unsupported"
	default:
		return "transient"
	}
}

// Sentinels for errors.Is comparisons against an *Error.
var (
	ErrTransient    = &Error{Kind: KindTransient}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrAccessDenied = &Error{Kind: KindAccessDenied}
	ErrUnsupported  = &Error{Kind: KindUnsupported}
)

// Error is a DataSource failure.
type Error struct {
	Kind Kind
	Op   string
	PID  types.PID
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		if e.PID != 0 {
			msg = fmt.Sprintf("%s pid %d: %s", e.Op, e.PID, msg)
		} else {
			msg = fmt.Sprintf("%s: %s", e.Op, msg)
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// KindOf extracts the kind of err, treating foreign errors as transient.
func KindOf(err error) Kind {
	var dsErr *Error
	if errors.As(err, &dsErr) {
		return dsErr.Kind
	}
	return KindTransient
}

// notRunning lets platform code register extra "process is gone" errors.
var notRunning []error

// RegisterNotFound marks err (compared with errors.Is) as a NotFound condition.
func RegisterNotFound(err error) {
	notRunning = append(notRunning, err)
}

// Classify wraps err into an *Error, mapping errno and os errors to kinds.
// A nil err stays nil and an *Error passes through unchanged.
func Classify(op string, pid types.PID, err error) error {
	if err == nil {
		return nil
	}
	var dsErr *Error
	if errors.As(err, &dsErr) {
		return err
	}
	return &Error{Kind: kindFor(err), Op: op, PID: pid, Err: err}
}

func kindFor(err error) Kind {
	for _, nr := range notRunning {
		if errors.Is(err, nr) {
			return KindNotFound
		}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ESRCH, syscall.ENOENT:
			return KindNotFound
		case syscall.EPERM, syscall.EACCES:
			return KindAccessDenied
		case syscall.ENOSYS, syscall.EOPNOTSUPP:
			return KindUnsupported
		}
		return KindTransient
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, os.ErrPermission):
		return KindAccessDenied
	case errors.Is(err, errors.ErrUnsupported):
		return KindUnsupported
	}
	return KindTransient
}
