// Package materialize turns the fenced blocks of a reply into file edits,
// annotations and a summary.
package materialize

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/sokinpui/llmd/internal/llmdiff"
	"github.com/sokinpui/llmd/internal/trace"
	"github.com/sokinpui/llmd/model"
)

// FileLookup reads the current content of a file. exists is false for a
// file that does not exist yet.
type FileLookup interface {
	ReadFile(ctx context.Context, path string) (content string, exists bool, err error)
}

// PathResolver maps a path written in a label to an absolute path.
type PathResolver interface {
	Resolve(path string) string
}

// MergeFunc combines the current content of a file with the content of a
// file block. before is "" for a file that does not exist yet.
type MergeFunc func(label, before, candidate string) (string, error)

// Option configures a Materializer.
type Option func(*Materializer)

// WithMerge sets the merge callback used for file blocks.
func WithMerge(fn MergeFunc) Option {
	return func(m *Materializer) { m.merge = fn }
}

// WithLogger mirrors the trace to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Materializer) { m.logger = logger }
}

// WithRoot makes edit labels relative to root.
func WithRoot(root string) Option {
	return func(m *Materializer) { m.root = root }
}

// Materializer applies blocks against a read-only view of the files.
// It holds no per-run state and may be shared by concurrent runs.
type Materializer struct {
	lookup   FileLookup
	resolver PathResolver
	merge    MergeFunc
	logger   *zap.Logger
	root     string
}

// New creates a Materializer.
func New(lookup FileLookup, resolver PathResolver, opts ...Option) *Materializer {
	m := &Materializer{
		lookup:   lookup,
		resolver: resolver,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Result is the outcome of one run.
type Result struct {
	Edits       []model.Edit
	Annotations []model.Annotation
	// Summary is the content of the last summary block.
	Summary string
	// FileEdits holds the working state of every referenced path.
	FileEdits map[string]*model.FileEdit
	// Paths lists the referenced paths in first-reference order.
	Paths []string
	// Failed lists paths with at least one block that could not be applied.
	Failed []string
	Trace  *trace.Trace
}

type run struct {
	ctx    context.Context
	res    *Result
	failed map[string]bool
}

// Materialize processes blocks in document order. A block that cannot be
// applied is recorded in the trace and leaves its file as it was; it never
// stops the run.
func (m *Materializer) Materialize(ctx context.Context, blocks []model.FenceBlock) *Result {
	r := &run{
		ctx: ctx,
		res: &Result{
			FileEdits: map[string]*model.FileEdit{},
			Trace:     trace.New(m.logger),
		},
		failed: map[string]bool{},
	}
	tr := r.res.Trace
	tr.Heading(2, fmt.Sprintf("materialize %d block(s)", len(blocks)))

	for i, b := range blocks {
		m.process(r, i, b)
	}

	r.res.Edits = m.reduce(r.res)
	tr.Item("%d edit(s), %d annotation(s)", len(r.res.Edits), len(r.res.Annotations))
	return r.res
}

func (m *Materializer) process(r *run, i int, b model.FenceBlock) {
	tr := r.res.Trace
	defer func() {
		if p := recover(); p != nil {
			tr.Error(fmt.Sprintf("block %d (%s) panicked", i, b.Label), fmt.Errorf("%v", p))
		}
	}()

	switch b.Kind {
	case model.KindFile:
		m.applyFile(r, b)
	case model.KindDiff:
		m.applyDiff(r, b)
	case model.KindAnnotation:
		anns := ParseAnnotations(b.Content)
		r.res.Annotations = append(r.res.Annotations, anns...)
		tr.Item("block %d: %d annotation(s)", i, len(anns))
	case model.KindSummary:
		r.res.Summary = b.Content
		tr.Item("block %d: summary", i)
	default:
		tr.Item("block %d: ignored %q", i, b.Label)
	}
}

// fileEdit returns the working state for path, reading it on first use.
func (m *Materializer) fileEdit(r *run, label, path string) (string, *model.FileEdit, bool) {
	if path == "" {
		r.res.Trace.Error(fmt.Sprintf("block %q has no file path", label), nil)
		return "", nil, false
	}
	abs := m.resolver.Resolve(path)
	if fe, ok := r.res.FileEdits[abs]; ok {
		return abs, fe, true
	}
	if r.failed[abs] {
		r.res.Trace.Error(fmt.Sprintf("skipping %s", abs), fmt.Errorf("file could not be read"))
		return abs, nil, false
	}

	content, exists, err := m.lookup.ReadFile(r.ctx, abs)
	if err != nil {
		r.res.Trace.Error(fmt.Sprintf("error reading %s", abs), err)
		r.fail(abs)
		return abs, nil, false
	}
	fe := &model.FileEdit{}
	if exists {
		fe.Before = &content
	}
	r.res.FileEdits[abs] = fe
	r.res.Paths = append(r.res.Paths, abs)
	return abs, fe, true
}

func (m *Materializer) applyFile(r *run, b model.FenceBlock) {
	tr := r.res.Trace
	fn, fe, ok := m.fileEdit(r, b.Label, b.Path)
	if !ok {
		return
	}

	after := b.Content
	if m.merge != nil {
		merged, err := m.merge(b.Label, fe.Current(), b.Content)
		if err != nil {
			tr.Error(fmt.Sprintf("error custom merging %s", fn), err)
		} else {
			after = merged
		}
	}
	fe.After = &after
	tr.Item("file %s: replaced content", fn)
}

func (m *Materializer) applyDiff(r *run, b model.FenceBlock) {
	tr := r.res.Trace
	if !llmdiff.IsUnified(b.Content) {
		m.patchFile(r, b.Label, b.Path, b.Content)
		return
	}

	files, ok := llmdiff.FromUnified(b.Content)
	if !ok {
		tr.Warn("diff %s: unparseable unified diff, reading as numbered diff", b.Path)
		m.patchFile(r, b.Label, b.Path, b.Content)
		return
	}
	if len(files) == 1 && b.Path != "" {
		tr.Item("diff %s: converted unified diff", b.Path)
		m.patchFile(r, b.Label, b.Path, files[0].Diff)
		return
	}
	tr.Item("diff %q: converted unified diff for %d file(s)", b.Label, len(files))
	for _, f := range files {
		path := f.Path
		if path == "" {
			path = b.Path
		}
		m.patchFile(r, b.Label, path, f.Diff)
	}
}

// patchFile applies one numbered diff to path: the numbered patch first,
// then the context-anchored diff.
func (m *Materializer) patchFile(r *run, label, path, content string) {
	tr := r.res.Trace
	fn, fe, ok := m.fileEdit(r, label, path)
	if !ok {
		return
	}

	chunks := llmdiff.Parse(content)
	if len(chunks) == 0 {
		tr.Item("diff %s: empty", fn)
		return
	}

	if fe.Before == nil && fe.After == nil && onlyAdded(chunks) {
		after := strings.Join(chunks[0].Lines, "\n") + "\n"
		fe.After = &after
		tr.Item("diff %s: new file from added lines", fn)
		return
	}

	source := fe.Current()
	patched, err := llmdiff.ApplyPatch(source, chunks)
	if err == nil {
		fe.After = &patched
		tr.Item("diff %s: applied numbered patch", fn)
		return
	}
	if llmdiff.AlreadyApplied(source, chunks) {
		tr.Item("diff %s: already applied, skipped", fn)
		return
	}
	tr.Error(fmt.Sprintf("error applying patch to %s", fn), err)

	res := llmdiff.ApplyDiff(source, chunks)
	switch {
	case res.Applied == 0 && len(res.Unresolved) > 0:
		tr.Error(fmt.Sprintf("error merging diff in %s", fn), fmt.Errorf("no chunk could be anchored (%d unresolved)", len(res.Unresolved)))
		r.fail(fn)
	case res.Partial():
		fe.After = &res.Text
		tr.Warn("diff %s: partially applied, %d chunk(s) unresolved", fn, len(res.Unresolved))
	default:
		fe.After = &res.Text
		tr.Item("diff %s: applied by context", fn)
	}
}

func onlyAdded(chunks []llmdiff.Chunk) bool {
	return len(chunks) == 1 && chunks[0].State == llmdiff.Added
}

func (r *run) fail(path string) {
	if r.failed[path] {
		return
	}
	r.failed[path] = true
	r.res.Failed = append(r.res.Failed, path)
}

// reduce turns the changed file states into edits, in first-reference order.
func (m *Materializer) reduce(res *Result) []model.Edit {
	var edits []model.Edit
	for _, fn := range res.Paths {
		fe := res.FileEdits[fn]
		if !fe.Changed() {
			continue
		}
		name := m.display(fn)
		if fe.Before == nil {
			edits = append(edits, model.Edit{
				Label:     "Create " + name,
				Filename:  fn,
				Type:      model.EditCreateFile,
				Text:      *fe.After,
				Overwrite: true,
			})
			continue
		}
		edits = append(edits, model.Edit{
			Label:    "Update " + name,
			Filename: fn,
			Type:     model.EditReplace,
			Text:     *fe.After,
			Range:    model.Range{{Line: 0, Col: 0}, EndPosition(*fe.Before)},
		})
	}
	return edits
}

func (m *Materializer) display(fn string) string {
	if m.root == "" {
		return fn
	}
	if rel, err := filepath.Rel(m.root, fn); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return fn
}

// EndPosition returns the position just past the last character of s.
func EndPosition(s string) model.Position {
	lines := strings.Split(s, "\n")
	return model.Position{Line: len(lines) - 1, Col: len(lines[len(lines)-1])}
}
