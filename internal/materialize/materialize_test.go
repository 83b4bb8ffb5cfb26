package materialize

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokinpui/llmd/internal/fence"
	"github.com/sokinpui/llmd/internal/fs"
	"github.com/sokinpui/llmd/model"
)

type memFiles struct {
	files map[string]string
	reads map[string]int
	fail  map[string]error
}

func newMemFiles(files map[string]string) *memFiles {
	return &memFiles{files: files, reads: map[string]int{}, fail: map[string]error{}}
}

func (m *memFiles) ReadFile(_ context.Context, p string) (string, bool, error) {
	m.reads[p]++
	if err := m.fail[p]; err != nil {
		return "", false, err
	}
	content, ok := m.files[p]
	return content, ok, nil
}

type rootResolver string

func (r rootResolver) Resolve(p string) string {
	if path.IsAbs(p) {
		return p
	}
	return path.Join(string(r), p)
}

func materializeText(t *testing.T, files *memFiles, text string, opts ...Option) *Result {
	t.Helper()
	m := New(files, rootResolver("/proj"), append([]Option{WithRoot("/proj")}, opts...)...)
	return m.Materialize(context.Background(), fence.Extract(text))
}

func TestCreateFile(t *testing.T) {
	files := newMemFiles(map[string]string{})
	res := materializeText(t, files, "FILE src/new.go:\n```go\npackage src\n```\n")

	require.Len(t, res.Edits, 1)
	e := res.Edits[0]
	assert.Equal(t, model.EditCreateFile, e.Type)
	assert.Equal(t, "/proj/src/new.go", e.Filename)
	assert.Equal(t, "Create src/new.go", e.Label)
	assert.Equal(t, "package src\n", e.Text)
	assert.True(t, e.Overwrite)
}

func TestNumberedDiff(t *testing.T) {
	files := newMemFiles(map[string]string{"/proj/a.txt": "a\nb\nc\n"})
	res := materializeText(t, files, "DIFF a.txt:\n```diff\n[2] - b\n[2] + B\n```\n")

	require.Len(t, res.Edits, 1)
	e := res.Edits[0]
	assert.Equal(t, model.EditReplace, e.Type)
	assert.Equal(t, "Update a.txt", e.Label)
	assert.Equal(t, "a\nB\nc\n", e.Text)
	assert.Equal(t, model.Range{{Line: 0, Col: 0}, {Line: 3, Col: 0}}, e.Range)
	assert.Empty(t, res.Trace.Errors())
}

func TestDiffFallsBackToContext(t *testing.T) {
	// Line numbers are off by one: the numbered patch must not be trusted.
	files := newMemFiles(map[string]string{"/proj/a.txt": "header\na\nb\nc\n"})
	res := materializeText(t, files, "DIFF a.txt:\n```diff\n[1] a\n[2] - b\n[2] + B\n[3] c\n```\n")

	require.Len(t, res.Edits, 1)
	assert.Equal(t, "header\na\nB\nc\n", res.Edits[0].Text)
	require.Len(t, res.Trace.Errors(), 1)
	assert.Contains(t, res.Trace.Errors()[0], "error applying patch to /proj/a.txt")
	assert.Empty(t, res.Failed)
}

func TestDiffFailureLeavesFileUnchanged(t *testing.T) {
	files := newMemFiles(map[string]string{"/proj/a.txt": "a\nb\nc\n"})
	res := materializeText(t, files, "DIFF a.txt:\n```diff\n+ x\nnot in file\n```\n")

	assert.Empty(t, res.Edits)
	assert.Equal(t, []string{"/proj/a.txt"}, res.Failed)
	require.Len(t, res.Trace.Errors(), 2)
	assert.Contains(t, res.Trace.Errors()[1], "error merging diff in /proj/a.txt")
}

func TestDiffFailureIsLocalToBlock(t *testing.T) {
	files := newMemFiles(map[string]string{
		"/proj/a.txt": "a\nb\nc\n",
		"/proj/b.txt": "x\ny\n",
	})
	text := "DIFF a.txt:\n```diff\n+ nope\nno such context\n```\n\n" +
		"DIFF b.txt:\n```diff\n[1] x\n- [2] y\n+ [2] Y\n```\n\n" +
		"DIFF a.txt:\n```diff\n[3] c\n+ d\n```\n"
	res := materializeText(t, files, text)

	require.Len(t, res.Edits, 2)
	assert.Equal(t, "/proj/a.txt", res.Edits[0].Filename)
	assert.Equal(t, "a\nb\nc\nd\n", res.Edits[0].Text)
	assert.Equal(t, "/proj/b.txt", res.Edits[1].Filename)
	assert.Equal(t, "x\nY\n", res.Edits[1].Text)
}

func TestSuccessiveDiffsSamePath(t *testing.T) {
	files := newMemFiles(map[string]string{"/proj/a.txt": "a\nb\nc\n"})
	text := "DIFF a.txt:\n```diff\n[1] a\n- [2] b\n+ B\n```\n\n" +
		"DIFF a.txt:\n```diff\nB\n+ inserted\nc\n```\n"
	res := materializeText(t, files, text)

	require.Len(t, res.Edits, 1)
	assert.Equal(t, "a\nB\ninserted\nc\n", res.Edits[0].Text)
	assert.Equal(t, 1, files.reads["/proj/a.txt"], "prior content is read once per path")
}

func TestAnnotations(t *testing.T) {
	files := newMemFiles(nil)
	text := "ANNOTATION:\n```\nwarning, app.js, 3, 4, missing semicolon\nnot an annotation\n::error file=b.js,line=7,endLine=7::bad, really\n```\n"
	res := materializeText(t, files, text)

	require.Len(t, res.Annotations, 2)
	assert.Equal(t, model.Annotation{
		Severity: model.SeverityWarning,
		Filename: "app.js",
		Range:    model.Range{{Line: 2, Col: 0}, {Line: 3, Col: model.EndOfLine}},
		Message:  "missing semicolon",
	}, res.Annotations[0])
	assert.Equal(t, model.SeverityError, res.Annotations[1].Severity)
	assert.Equal(t, "bad, really", res.Annotations[1].Message)
	assert.Equal(t, 7, res.Annotations[1].StartLine())
	assert.Empty(t, res.Edits)
}

func TestSummaryLastWins(t *testing.T) {
	res := materializeText(t, newMemFiles(nil), "SUMMARY:\n```\nfirst\n```\n\nSUMMARY:\n```\nsecond\n```\n")
	assert.Equal(t, "second\n", res.Summary)
}

func TestFileBlocksSamePath(t *testing.T) {
	text := "FILE a.txt:\n```\none\n```\n\nFILE a.txt:\n```\ntwo\n```\n"

	res := materializeText(t, newMemFiles(map[string]string{"/proj/a.txt": "zero\n"}), text)
	require.Len(t, res.Edits, 1)
	assert.Equal(t, "two\n", res.Edits[0].Text)

	var seen []string
	merge := func(label, before, candidate string) (string, error) {
		seen = append(seen, before)
		return before + candidate, nil
	}
	res = materializeText(t, newMemFiles(map[string]string{"/proj/a.txt": "zero\n"}), text, WithMerge(merge))
	require.Len(t, res.Edits, 1)
	assert.Equal(t, []string{"zero\n", "zero\none\n"}, seen)
	assert.Equal(t, "zero\none\ntwo\n", res.Edits[0].Text)
}

func TestMergeFailureUsesCandidate(t *testing.T) {
	merge := func(label, before, candidate string) (string, error) {
		return "", errors.New("merge tool crashed")
	}
	res := materializeText(t, newMemFiles(map[string]string{"/proj/a.txt": "old\n"}), "FILE a.txt:\n```\nnew\n```\n", WithMerge(merge))

	require.Len(t, res.Edits, 1)
	assert.Equal(t, "new\n", res.Edits[0].Text)
	require.Len(t, res.Trace.Errors(), 1)
	assert.Contains(t, res.Trace.Errors()[0], "merge tool crashed")
}

func TestUnchangedFileProducesNoEdit(t *testing.T) {
	res := materializeText(t, newMemFiles(map[string]string{"/proj/a.txt": "same\n"}), "FILE a.txt:\n```\nsame\n```\n")
	assert.Empty(t, res.Edits)
	assert.Contains(t, res.FileEdits, "/proj/a.txt")
}

func TestOtherBlocksAreTraced(t *testing.T) {
	res := materializeText(t, newMemFiles(nil), "Explanation:\n```\nsome text\n```\n")
	assert.Empty(t, res.Edits)
	assert.Contains(t, res.Trace.String(), "ignored \"Explanation\"")
}

func TestUnifiedDiffBlock(t *testing.T) {
	files := newMemFiles(map[string]string{"/proj/x.txt": "a\nb\nc\n"})
	res := materializeText(t, files, "```diff\n--- a/x.txt\n+++ b/x.txt\n@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n```\n")

	require.Len(t, res.Edits, 1)
	assert.Equal(t, "a\nB\nc\n", res.Edits[0].Text)
}

func TestMultiFileUnifiedDiff(t *testing.T) {
	files := newMemFiles(map[string]string{
		"/proj/x.txt": "a\nb\nc\n",
		"/proj/y.txt": "p\nq\nr\n",
	})
	text := "```diff\n" +
		"--- a/x.txt\n+++ b/x.txt\n@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n" +
		"--- a/y.txt\n+++ b/y.txt\n@@ -1,3 +1,3 @@\n p\n-q\n+Q\n r\n" +
		"```\n"
	res := materializeText(t, files, text)

	require.Len(t, res.Edits, 2)
	assert.Equal(t, "/proj/x.txt", res.Edits[0].Filename)
	assert.Equal(t, "a\nB\nc\n", res.Edits[0].Text)
	assert.Equal(t, "/proj/y.txt", res.Edits[1].Filename)
	assert.Equal(t, "p\nQ\nr\n", res.Edits[1].Text)
	assert.Empty(t, res.Failed)
	assert.Empty(t, res.Trace.Errors())
}

func TestUnanchoredContextFails(t *testing.T) {
	files := newMemFiles(map[string]string{"/proj/a.txt": "a\nb\nc\n"})
	res := materializeText(t, files, "DIFF a.txt:\n```diff\nnot in file\nnor this\n```\n")

	assert.Empty(t, res.Edits)
	assert.Equal(t, []string{"/proj/a.txt"}, res.Failed)
	assert.NotContains(t, res.Trace.String(), "applied by context")
}

func TestRepeatedDiffIsHarmless(t *testing.T) {
	files := newMemFiles(map[string]string{"/proj/a.txt": "a\nb\nc\n"})
	block := "DIFF a.txt:\n```diff\n- [2] b\n+ [2] B\n```\n"
	res := materializeText(t, files, block+"\n"+block)

	require.Len(t, res.Edits, 1)
	assert.Equal(t, "a\nB\nc\n", res.Edits[0].Text)
	assert.Empty(t, res.Failed)
	assert.Empty(t, res.Trace.Errors())
	assert.Contains(t, res.Trace.String(), "already applied")
}

func TestConcurrentRuns(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a\nb\nc\n"), 0o644))
	resolver, err := fs.NewPathResolver([]string{dir})
	require.NoError(t, err)
	m := New(fs.NewDiskLookup(), resolver, WithRoot(dir))

	replies := []string{
		"DIFF a.txt:\n```diff\n[1] a\n- [2] b\n+ [2] B\n```\n",
		"DIFF a.txt:\n```diff\n[3] c\n+ d\n```\n\nFILE new.txt:\n```\nnew\n```\n",
	}
	want := []string{"a\nB\nc\n", "a\nb\nc\nd\n"}

	results := make([]*Result, 16)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Materialize(context.Background(), fence.Extract(replies[i%2]))
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		require.NotEmpty(t, res.Edits)
		assert.Equal(t, filepath.Join(dir, "a.txt"), res.Edits[0].Filename)
		assert.Equal(t, want[i%2], res.Edits[0].Text)
		assert.Empty(t, res.Failed)
	}
}

func TestDiffCreatesNewFile(t *testing.T) {
	res := materializeText(t, newMemFiles(nil), "DIFF n.txt:\n```diff\n+ one\n+ two\n```\n")
	require.Len(t, res.Edits, 1)
	assert.Equal(t, model.EditCreateFile, res.Edits[0].Type)
	assert.Equal(t, "one\ntwo\n", res.Edits[0].Text)
}

func TestLookupErrorIsRecoverable(t *testing.T) {
	files := newMemFiles(map[string]string{"/proj/ok.txt": "x\n"})
	files.fail["/proj/bad.txt"] = errors.New("permission denied")
	text := "FILE bad.txt:\n```\n1\n```\n\nFILE bad.txt:\n```\n2\n```\n\nFILE ok.txt:\n```\ny\n```\n"
	res := materializeText(t, files, text)

	require.Len(t, res.Edits, 1)
	assert.Equal(t, "/proj/ok.txt", res.Edits[0].Filename)
	assert.Equal(t, []string{"/proj/bad.txt"}, res.Failed)
	assert.Equal(t, 1, files.reads["/proj/bad.txt"])
}

func TestMissingPath(t *testing.T) {
	res := materializeText(t, newMemFiles(nil), "FILE:\n```\nx\n```\n")
	assert.Empty(t, res.Edits)
	require.Len(t, res.Trace.Errors(), 1)
	assert.Contains(t, res.Trace.Errors()[0], "has no file path")
}

func TestNoFences(t *testing.T) {
	res := materializeText(t, newMemFiles(nil), "just prose")
	assert.Empty(t, res.Edits)
	assert.Empty(t, res.Annotations)
	assert.Empty(t, res.Summary)
}

func TestWriteAnnotationsCSV(t *testing.T) {
	anns := ParseAnnotations("warning, app.js, 3, 4, missing semicolon\nerror, b.go, 1, 1, x, y\n")
	require.Len(t, anns, 2)

	var buf bytes.Buffer
	require.NoError(t, WriteAnnotationsCSV(&buf, anns))
	assert.Equal(t, "severity,filename,start,end,message\nwarning,app.js,3,4,missing semicolon\nerror,b.go,1,1,\"x, y\"\n", buf.String())
}

func TestEndPosition(t *testing.T) {
	assert.Equal(t, model.Position{Line: 0, Col: 0}, EndPosition(""))
	assert.Equal(t, model.Position{Line: 1, Col: 3}, EndPosition("ab\ncde"))
	assert.Equal(t, model.Position{Line: 2, Col: 0}, EndPosition("ab\ncde\n"))
}
