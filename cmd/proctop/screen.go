//go:build linux

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/srodi/proctop/pkg/engine"
	"github.com/srodi/proctop/pkg/ui"
)

const (
	fallbackWidth  = 120
	fallbackHeight = 40
)

// screen serializes drawing between the engine loop and the input reader.
type screen struct {
	mu          sync.Mutex
	out         io.Writer
	fd          int
	raw         bool
	interactive bool

	last    *engine.View
	prompt  string
	overlay overlay
}

// overlay is a full screen list drawn instead of the process table.
type overlay int

const (
	overlayNone overlay = iota
	overlayModules
	overlayDetails
	overlayConnections
	overlayHelp
)

// overlayOf returns the overlay that shows the result of cmd.
func overlayOf(cmd engine.Command) overlay {
	switch cmd.(type) {
	case engine.ListModules:
		return overlayModules
	case engine.ShowDetails:
		return overlayDetails
	case engine.ListConnections:
		return overlayConnections
	}
	return overlayNone
}

func newScreen(out io.Writer, fd int) *screen {
	return &screen{out: out, fd: fd}
}

func (s *screen) size() (int, int) {
	w, h, err := term.GetSize(s.fd)
	if err != nil || w <= 0 || h <= 0 {
		return fallbackWidth, fallbackHeight
	}
	return w, h
}

// draw is the engine's per-frame callback.
func (s *screen) draw(v engine.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &v
	s.render()
}

func (s *screen) redraw() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.render()
}

func (s *screen) setPrompt(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompt = text
	s.render()
}

func (s *screen) setOverlay(o overlay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlay = o
	s.render()
}

func (s *screen) render() {
	if s.last == nil {
		return
	}
	width, height := s.size()
	v := *s.last

	opts := ui.Options{Width: width, Height: height, Color: s.interactive}
	frame, ok := overlayFrame(s.overlay, v, opts)
	if !ok {
		frame = ui.Frame(v, opts)
	}
	if s.prompt != "" {
		if i := strings.LastIndex(frame, "\n"); i >= 0 {
			frame = frame[:i+1] + s.prompt
		}
	}
	if s.raw {
		frame = strings.ReplaceAll(frame, "\n", "\r\n")
	}
	var buf bytes.Buffer
	buf.WriteString("\033[H\033[2J")
	buf.WriteString(frame)
	_, _ = s.out.Write(buf.Bytes())
}

// overlayFrame renders o, or reports false when there is nothing to show
// yet: the command has not been applied or it failed.
func overlayFrame(o overlay, v engine.View, opts ui.Options) (string, bool) {
	if o == overlayHelp {
		return ui.Overlay("proctop keys", helpLines(), v, opts), true
	}
	res := v.LastResult
	if o == overlayNone || res == nil || res.Err != nil {
		return "", false
	}
	switch o {
	case overlayModules:
		return ui.Overlay(fmt.Sprintf("Modules of pid %d", v.SelectedPID), ui.Modules(res.Modules), v, opts), true
	case overlayDetails:
		if res.Details == nil {
			return "", false
		}
		return ui.Overlay(fmt.Sprintf("Details of pid %d", res.Details.PID), ui.Details(*res.Details), v, opts), true
	case overlayConnections:
		return ui.Overlay(fmt.Sprintf("Sockets of pid %d", v.SelectedPID), ui.Connections(res.Connections), v, opts), true
	}
	return "", false
}

// readInput turns keystrokes into commands until ctx is done. Quit keys call stop.
func readInput(ctx context.Context, in io.Reader, scr *screen, cmds chan<- engine.Command, stop func()) {
	send := func(cmd engine.Command) bool {
		select {
		case cmds <- cmd:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		active *prompt
		line   []rune
	)
	buf := make([]byte, 256)
	for {
		n, err := in.Read(buf)
		if err != nil {
			return
		}
		for _, key := range decodeKeys(buf[:n]) {
			if key == keyCtrlC {
				stop()
				return
			}
			// the pid prompt closes on the first key that is not part of it
			if active != nil && active.live != nil && !isDigit(key) &&
				key != keyBackspace && key != keyEnter && key != keyEscape {
				active, line = nil, nil
				scr.setPrompt("")
			}
			if active != nil {
				switch key {
				case keyEscape:
					active, line = nil, nil
					scr.setPrompt("")
				case keyEnter:
					p := active
					active = nil
					if p.parse == nil {
						line = nil
						scr.setPrompt("")
						continue
					}
					cmd, err := p.parse(string(line))
					line = nil
					if err != nil {
						scr.setPrompt(err.Error())
						continue
					}
					scr.setPrompt("")
					if !send(cmd) {
						return
					}
				case keyBackspace:
					if len(line) > 0 {
						line = line[:len(line)-1]
					}
					scr.setPrompt(active.label + string(line))
					if active.live != nil && len(line) > 0 && !send(active.live(string(line))) {
						return
					}
				default:
					if len([]rune(key)) == 1 {
						line = append(line, []rune(key)...)
						scr.setPrompt(active.label + string(line))
						if active.live != nil && !send(active.live(string(line))) {
							return
						}
					}
				}
				continue
			}

			scr.mu.Lock()
			shown, message := scr.overlay, scr.prompt != ""
			scr.mu.Unlock()
			if shown != overlayNone {
				// any key returns from an overlay and does nothing else
				scr.setOverlay(overlayNone)
				scr.setPrompt("")
				continue
			}
			if message {
				scr.setPrompt("")
			}

			switch {
			case key == "q" || key == "f10":
				stop()
				return
			case key == "?" || key == "f1":
				scr.setOverlay(overlayHelp)
				continue
			case isDigit(key):
				p := pidPrompt
				active, line = &p, []rune(key)
				scr.setPrompt(p.label + key)
				if !send(p.live(key)) {
					return
				}
				continue
			}
			if p, ok := prompts[key]; ok {
				active = &p
				scr.setPrompt(p.label)
				continue
			}
			cmd, ok := bindings[key]
			if !ok {
				continue
			}
			if o := overlayOf(cmd); o != overlayNone {
				scr.setOverlay(o)
			}
			if !send(cmd) {
				return
			}
		}
	}
}
