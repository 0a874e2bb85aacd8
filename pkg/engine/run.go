package engine

import (
	"context"
	"time"
)

// Run drives the tick loop until ctx is done. Sampling happens every
// interval unless paused; commands from cmds are applied between samples
// on the same goroutine. onTick, when set, receives a fresh view after every
// sample and every command.
func (e *Engine) Run(ctx context.Context, cmds <-chan Command, onTick func(View)) error {
	timer := time.NewTimer(e.state.Interval)
	defer timer.Stop()

	notify := func() {
		if onTick != nil {
			onTick(e.CurrentView())
		}
	}
	notify()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-cmds:
			if !ok {
				cmds = nil
				continue
			}
			e.Apply(ctx, cmd)
			switch {
			case e.refresh:
				e.refresh = false
				e.resumed = false
				e.paused = false
				e.Tick(ctx)
				timer.Reset(e.state.Interval)
			case e.resumed:
				// restart from a full interval after resume or an interval change
				e.resumed = false
				timer.Reset(e.state.Interval)
			}
			notify()
		case <-timer.C:
			if !e.paused {
				e.Tick(ctx)
			}
			timer.Reset(e.state.Interval)
			notify()
		}
	}
}

// Paused reports whether sampling is suspended.
func (e *Engine) Paused() bool { return e.paused }

// Interval is the current refresh interval.
func (e *Engine) Interval() time.Duration { return e.state.Interval }
