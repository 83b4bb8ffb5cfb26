package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sokinpui/llmd/cli"
	"github.com/sokinpui/llmd/internal/logging"
	"github.com/sokinpui/llmd/internal/tui"
	"github.com/sokinpui/llmd/internal/ui"
	"github.com/sokinpui/llmd/internal/watch"
	"github.com/sokinpui/llmd/llmd"
	"github.com/sokinpui/llmd/model"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := cli.ParseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger, err := logging.New(cfg.Verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app, err := llmd.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		return 1
	}

	if cfg.Watch {
		ui.Info("Watching %s (Ctrl+C to stop)", cfg.Input)
		err := watch.Watch(ctx, cfg.Input, watch.DefaultDebounce, logger, func(ctx context.Context) error {
			summary, err := runPlain(ctx, app, cfg)
			if err != nil {
				return err
			}
			report(summary)
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	var summary model.Summary
	if cfg.NoAnimation || cfg.DryRun {
		summary, err = runPlain(ctx, app, cfg)
		if err == nil {
			report(summary)
		}
	} else {
		summary, err = tui.Run(ctx, app)
	}
	if err != nil {
		var detailed *llmd.DetailedError
		if errors.As(err, &detailed) {
			logger.Error("internal panic", zap.ByteString("stack", detailed.Stack))
			fmt.Fprintf(os.Stderr, "\n--- Stack Trace ---\n%s\n", detailed.Stack)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(summary.Failed) > 0 {
		return 1
	}
	return 0
}

// runPlain executes app without the TUI, drawing a progress bar on stderr
// unless animations are disabled.
func runPlain(ctx context.Context, app *llmd.App, cfg *cli.Config) (model.Summary, error) {
	if !cfg.NoAnimation {
		var bar *ui.ProgressBar
		app.SetProgressCallback(func(current, total int) {
			if bar == nil {
				bar = ui.NewProgressBar(os.Stderr, total, "Writing")
				bar.Start()
			}
			bar.Set(current)
			if current == total {
				bar.Finish()
				bar = nil
			}
		})
	}
	return app.Execute(ctx)
}

func report(summary model.Summary) {
	fmt.Fprintln(os.Stdout, ui.RenderSummary(summary))
}
