//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srodi/proctop/pkg/collector/proc"
	"github.com/srodi/proctop/pkg/config"
	"github.com/srodi/proctop/pkg/engine"
	"github.com/srodi/proctop/pkg/ui"
	"github.com/srodi/proctop/pkg/view"
)

type runConfig struct {
	configPath string
	overrides  []engine.Option
}

func parseConfig() runConfig {
	defaultPath, err := config.DefaultPath()
	if err != nil {
		defaultPath = "proctop.yaml"
	}
	interval := flag.Duration("interval", 0, "refresh interval (e.g. 1s, 500ms); overrides the saved setting")
	configPath := flag.String("config", defaultPath, "settings file")
	treeView := flag.Bool("tree", false, "start in tree view")
	sortField := flag.String("sort", "", "sort column key (pid, cpu, mem, time, ...)")
	hideKernel := flag.Bool("hide-kernel", false, "hide kernel threads such as kworker, ksoftirqd, etc")
	flag.Parse()

	cfg := runConfig{configPath: *configPath}
	// only flags given on the command line override the saved settings
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "interval":
			if *interval > 0 {
				cfg.overrides = append(cfg.overrides, engine.WithInterval(engine.ClampInterval(*interval)))
			}
		case "tree":
			cfg.overrides = append(cfg.overrides, engine.WithTree(*treeView))
		case "sort":
			if field, ok := view.ParseField(*sortField); ok {
				cfg.overrides = append(cfg.overrides, engine.WithSort(view.SortKey{Field: field, Descending: true}))
			} else {
				fmt.Fprintf(os.Stderr, "unknown sort column %q\n", *sortField)
				os.Exit(2)
			}
		case "hide-kernel":
			cfg.overrides = append(cfg.overrides, engine.WithHideKernel(*hideKernel))
		}
	})
	return cfg
}

func main() {
	cfg := parseConfig()
	lg := logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "proctop"))

	settings, err := config.Load(cfg.configPath)
	if err != nil {
		lg.Warn("ignoring saved settings: ", err)
		settings = map[string]string{}
	}
	opts := engine.OptionsFromSettings(settings)
	opts = append(opts, cfg.overrides...)
	opts = append(opts,
		engine.WithLogger(lg),
		engine.WithSettingsSink(func(s map[string]string) error {
			return config.Save(cfg.configPath, s)
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := proc.NewSource()
	if err != nil {
		log.Fatalf("initializing process source: %v", err)
	}
	defer src.Close()

	eng, err := engine.New(ctx, src, opts...)
	if err != nil {
		log.Fatalf("starting engine: %v", err)
	}

	scr, cleanupTerminal := enableSingleView()
	defer cleanupTerminal()

	cmds := make(chan engine.Command, 16)
	if scr.interactive {
		go readInput(ctx, os.Stdin, scr, cmds, stop)
	}
	go watchResize(ctx, scr, cmds)

	if err := eng.Run(ctx, cmds, scr.draw); err != nil {
		lg.Warn("run failed: ", err)
	}
}

// watchResize keeps the engine's page size in step with the terminal.
func watchResize(ctx context.Context, scr *screen, cmds chan<- engine.Command) {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)

	for {
		_, height := scr.size()
		meterLines := 3 + min(runtime.NumCPU(), 8)
		select {
		case cmds <- engine.Resize{Rows: ui.TableHeight(height, meterLines)}:
		case <-ctx.Done():
			return
		}
		scr.redraw()
		select {
		case <-winch:
		case <-ctx.Done():
			return
		}
	}
}

func enableSingleView() (*screen, func()) {
	stdoutFD := int(os.Stdout.Fd())
	stdinFD := int(os.Stdin.Fd())
	scr := newScreen(os.Stdout, stdoutFD)
	if !term.IsTerminal(stdoutFD) {
		return scr, func() {}
	}

	fmt.Print("\033[?1049h") // switch to alternate buffer
	fmt.Print("\033[?25l")   // hide cursor

	var restore []func()
	if term.IsTerminal(stdinFD) {
		if state, err := term.MakeRaw(stdinFD); err != nil {
			log.Printf("unable to enter raw mode: %v", err)
		} else {
			scr.raw = true
			scr.interactive = true
			restore = append(restore, func() { _ = term.Restore(stdinFD, state) })
		}
	}

	return scr, func() {
		for i := len(restore) - 1; i >= 0; i-- {
			restore[i]()
		}
		fmt.Print("\033[?25h")   // show cursor
		fmt.Print("\033[?1049l") // restore main buffer
	}
}
