package llmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"go.uber.org/zap"

	"github.com/sokinpui/llmd/cli"
	"github.com/sokinpui/llmd/internal/fs"
	"github.com/sokinpui/llmd/internal/materialize"
	"github.com/sokinpui/llmd/internal/nvim"
	"github.com/sokinpui/llmd/internal/source"
	"github.com/sokinpui/llmd/internal/state"
	"github.com/sokinpui/llmd/internal/ui"
	"github.com/sokinpui/llmd/model"
)

// ProgressUpdate is a callback function to report progress.
type ProgressUpdate func(current, total int)

// App orchestrates the entire application logic.
type App struct {
	cfg              *cli.Config
	logger           *zap.Logger
	pathResolver     *fs.PathResolver
	sourceProvider   *source.Provider
	projectRoot      string
	out              io.Writer
	progressCallback ProgressUpdate
}

// DetailedError enhances a standard error with a stack trace.
type DetailedError struct {
	Err   error
	Stack []byte
}

func (e *DetailedError) Error() string {
	return e.Err.Error()
}

func (e *DetailedError) Unwrap() error {
	return e.Err
}

// New creates a new App instance.
func New(cfg *cli.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pathResolver, err := fs.NewPathResolver(cfg.LookupDirs)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize path resolver: %w", err)
	}
	root, err := state.FindProjectRoot()
	if err != nil {
		return nil, fmt.Errorf("failed to find project root: %w", err)
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pathResolver:   pathResolver,
		sourceProvider: source.New(cfg.Input, logger),
		projectRoot:    root,
		out:            os.Stdout,
	}, nil
}

// SetProgressCallback sets a function to be called for progress updates.
func (a *App) SetProgressCallback(cb ProgressUpdate) {
	a.progressCallback = cb
}

// SetOutput sets where dry-run previews are printed.
func (a *App) SetOutput(w io.Writer) {
	a.out = w
}

// Execute executes the main application logic based on parsed flags.
func (a *App) Execute(ctx context.Context) (summary model.Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &DetailedError{
				Err:   fmt.Errorf("internal panic: %v", r),
				Stack: debug.Stack(),
			}
		}
	}()

	switch {
	case a.cfg.Undo:
		return a.undoLastOperation()
	case a.cfg.Redo:
		return a.redoLastOperation()
	default:
		return a.processContent(ctx)
	}
}

// processContent reads the reply and processes it.
func (a *App) processContent(ctx context.Context) (model.Summary, error) {
	content, origin, err := a.sourceProvider.GetContent()
	if err != nil {
		return model.Summary{}, err
	}
	if strings.TrimSpace(content) == "" {
		return model.Summary{Message: fmt.Sprintf("Source (%s) is empty. Nothing to process.", origin)}, nil
	}
	return a.Process(ctx, content)
}

// Process materializes content and applies, or previews, the edits.
func (a *App) Process(ctx context.Context, content string) (model.Summary, error) {
	config := Config{
		Extensions: a.cfg.Extensions,
		Logger:     a.logger,
	}
	if a.cfg.MergeCmd != "" {
		config.Merge = MergeCommand(ctx, a.cfg.MergeCmd)
	}
	res := materializeWith(ctx, content, a.pathResolver, config)
	if err := a.writeOutputs(res); err != nil {
		return model.Summary{}, err
	}

	summary := model.Summary{
		Annotations: res.Annotations,
		Text:        res.Summary,
		Failed:      res.Failed,
	}
	switch {
	case len(res.Edits) == 0:
		summary.Message = "No valid changes were generated. Nothing to do."
	case a.cfg.DryRun:
		a.preview(res)
		for _, e := range res.Edits {
			addEdit(&summary, e)
		}
		summary.Message = fmt.Sprintf("Dry run: %d edit(s) previewed, nothing written.", len(res.Edits))
	default:
		if err := a.applyEdits(res, &summary); err != nil {
			return model.Summary{}, err
		}
	}
	a.relativizeSummaryPaths(&summary)
	return summary, nil
}

func (a *App) preview(res *Result) {
	width := ui.TermWidth()
	for _, e := range res.Edits {
		before := ""
		if fe := res.FileEdits[e.Filename]; fe != nil && fe.Before != nil {
			before = *fe.Before
		}
		fmt.Fprintln(a.out, ui.RenderEditPreview(e.Label, before, e.Text, width))
	}
}

// applyEdits writes the edits to disk or Neovim and records the history.
func (a *App) applyEdits(res *Result, summary *model.Summary) error {
	paths := make([]string, len(res.Edits))
	for i, e := range res.Edits {
		paths[i] = e.Filename
	}
	if err := fs.CreateDirs(fs.MissingDirs(paths)); err != nil {
		return err
	}

	total := len(res.Edits)
	var progressCb func(int)
	if a.progressCallback != nil {
		a.progressCallback(0, total)
		progressCb = func(current int) {
			a.progressCallback(current, total)
		}
	}

	var updated, failed []string
	if a.cfg.Nvim {
		manager, err := nvim.New()
		if err != nil {
			return err
		}
		defer manager.Close()

		updated, failed = manager.ApplyEdits(res.Edits, progressCb)
		if a.cfg.Buffer {
			summary.Message = "Buffers updated, not saved. Undo is not available for this operation."
		} else if err := manager.SaveAllBuffers(); err != nil {
			return fmt.Errorf("failed to save buffers: %w", err)
		}
	} else {
		var errs map[string]error
		updated, failed, errs = fs.WriteEdits(res.Edits, progressCb)
		for path, err := range errs {
			a.logger.Warn("write failed", zap.String("path", path), zap.Error(err))
		}
	}

	written := make(map[string]bool, len(updated))
	for _, p := range updated {
		written[p] = true
	}
	for _, e := range res.Edits {
		if written[e.Filename] {
			addEdit(summary, e)
		}
	}
	summary.Failed = appendUnique(summary.Failed, failed...)

	if len(updated) > 0 && !a.cfg.Buffer {
		if err := a.record(res, updated); err != nil {
			return err
		}
	}
	return nil
}

// record stores the written files as one history entry.
func (a *App) record(res *Result, updated []string) error {
	manager, err := state.Open(a.projectRoot)
	if err != nil {
		return fmt.Errorf("failed to initialize state manager: %w", err)
	}
	defer manager.Close()

	ops := make([]state.Operation, 0, len(updated))
	for _, path := range updated {
		fe := res.FileEdits[path]
		if fe == nil || fe.After == nil {
			continue
		}
		op := state.Operation{Path: path, Action: state.ActionCreate, After: *fe.After}
		if fe.Before != nil {
			op.Action = state.ActionModify
			op.Before = *fe.Before
		}
		ops = append(ops, op)
	}
	id, err := manager.Write(ops)
	if err != nil {
		return fmt.Errorf("failed to record history: %w", err)
	}
	a.logger.Debug("recorded run", zap.String("id", id), zap.Int("files", len(ops)))
	return nil
}

// writeOutputs writes the annotations CSV and the trace file when requested.
func (a *App) writeOutputs(res *Result) error {
	if a.cfg.AnnotationsCSV != "" {
		f, err := os.Create(a.cfg.AnnotationsCSV)
		if err != nil {
			return fmt.Errorf("failed to create annotations file: %w", err)
		}
		err = materialize.WriteAnnotationsCSV(f, res.Annotations)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to write annotations: %w", err)
		}
	}

	if a.cfg.TraceFile != "" {
		data := []byte(res.Trace.String())
		if strings.EqualFold(filepath.Ext(a.cfg.TraceFile), ".html") {
			html, err := res.Trace.RenderHTML()
			if err != nil {
				return err
			}
			data = html
		}
		if err := os.WriteFile(a.cfg.TraceFile, data, 0o644); err != nil {
			return fmt.Errorf("failed to write trace: %w", err)
		}
	}
	return nil
}

// undoLastOperation handles the undo logic.
func (a *App) undoLastOperation() (model.Summary, error) {
	return a.history("Undid last operation.", (*state.Manager).Undo, state.ErrNothingToUndo)
}

// redoLastOperation handles the redo logic.
func (a *App) redoLastOperation() (model.Summary, error) {
	return a.history("Redid last undone operation.", (*state.Manager).Redo, state.ErrNothingToRedo)
}

func (a *App) history(message string, step func(*state.Manager) (*state.Result, error), empty error) (model.Summary, error) {
	manager, err := state.Open(a.projectRoot)
	if err != nil {
		return model.Summary{}, fmt.Errorf("failed to initialize state manager: %w", err)
	}
	defer manager.Close()

	res, err := step(manager)
	if errors.Is(err, empty) {
		msg := err.Error()
		return model.Summary{Message: strings.ToUpper(msg[:1]) + msg[1:] + "."}, nil
	}
	if err != nil {
		return model.Summary{}, err
	}

	summary := model.Summary{
		Modified: res.Done,
		Failed:   res.Failed,
		Message:  message,
	}
	a.relativizeSummaryPaths(&summary)
	return summary, nil
}

// relativizeSummaryPaths converts absolute file paths in a summary to be
// relative to the current working directory for cleaner display.
func (a *App) relativizeSummaryPaths(summary *model.Summary) {
	wd, err := os.Getwd()
	if err != nil {
		return
	}

	makeRelative := func(absPaths []string) []string {
		relPaths := make([]string, len(absPaths))
		for i, p := range absPaths {
			rel, err := filepath.Rel(wd, p)
			if err != nil || !filepath.IsAbs(p) {
				relPaths[i] = p
			} else {
				relPaths[i] = rel
			}
		}
		return relPaths
	}

	summary.Created = makeRelative(summary.Created)
	summary.Modified = makeRelative(summary.Modified)
	summary.Failed = makeRelative(summary.Failed)
}

// addEdit lists the target of e as created or modified.
func addEdit(summary *model.Summary, e model.Edit) {
	if e.Type == model.EditCreateFile {
		summary.Created = append(summary.Created, e.Filename)
	} else {
		summary.Modified = append(summary.Modified, e.Filename)
	}
}

func appendUnique(list []string, items ...string) []string {
	seen := make(map[string]bool, len(list))
	for _, s := range list {
		seen[s] = true
	}
	for _, s := range items {
		if !seen[s] {
			seen[s] = true
			list = append(list, s)
		}
	}
	return list
}
