//go:build !linux
// +build !linux

package proc

import (
	"context"
	"errors"

	"github.com/srodi/proctop/pkg/collector"
	"github.com/srodi/proctop/pkg/types"
)

var errUnsupported = &collector.Error{Kind: collector.KindUnsupported, Err: errors.New("process source requires linux")}

// Source is a placeholder on non-Linux platforms.
type Source struct{}

var _ collector.DataSource = (*Source)(nil)

// NewSource returns an error because only /proc is supported.
func NewSource() (*Source, error) {
	return nil, errUnsupported
}

// ClockTicks reports the default USER_HZ.
func (s *Source) ClockTicks() uint64 { return types.DefaultClockTicks }

// Close is a no-op stub.
func (s *Source) Close() error { return nil }

func (s *Source) EnumerateProcesses(ctx context.Context) ([]types.RawSample, error) {
	return nil, errUnsupported
}

func (s *Source) CoreTimes(ctx context.Context) ([]types.CoreSample, error) {
	return nil, errUnsupported
}

func (s *Source) SystemMemory(ctx context.Context) (types.SystemTotals, error) {
	return types.SystemTotals{}, errUnsupported
}

func (s *Source) SetPriority(ctx context.Context, pid types.PID, nice int) error {
	return errUnsupported
}

func (s *Source) SetAffinity(ctx context.Context, pid types.PID, mask types.CPUMask) error {
	return errUnsupported
}

func (s *Source) SetIOPriority(ctx context.Context, pid types.PID, background bool) error {
	return errUnsupported
}

func (s *Source) Terminate(ctx context.Context, pid types.PID, sig types.SignalKind) error {
	return errUnsupported
}

func (s *Source) ListModules(ctx context.Context, pid types.PID) ([]types.Module, error) {
	return nil, errUnsupported
}

func (s *Source) ProcessDetails(ctx context.Context, pid types.PID) (types.Details, error) {
	return types.Details{}, errUnsupported
}

func (s *Source) Connections(ctx context.Context, pid types.PID) ([]types.Connection, error) {
	return nil, errUnsupported
}

func (s *Source) ResolveOwner(ctx context.Context, pid types.PID) (types.UserIdentity, error) {
	return types.UserIdentity{}, errUnsupported
}
