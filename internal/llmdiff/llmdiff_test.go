package llmdiff

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	chunks := Parse("[1] import re\n[2] \n+ [3] X = 1\n[3] def f():\n- [4]     a\n- [5]     b\n+ [4]     c\n[6]     return\n\n\n")
	require.Len(t, chunks, 6)

	assert.Equal(t, Existing, chunks[0].State)
	assert.Equal(t, []string{"import re", ""}, chunks[0].Lines)
	assert.Equal(t, []int{1, 2}, chunks[0].LineNumbers)

	assert.Equal(t, Added, chunks[1].State)
	assert.Equal(t, []string{"X = 1"}, chunks[1].Lines)
	assert.Equal(t, []int{3}, chunks[1].LineNumbers)

	assert.Equal(t, Deleted, chunks[3].State)
	assert.Equal(t, []string{"    a", "    b"}, chunks[3].Lines)
	assert.Equal(t, []int{4, 5}, chunks[3].LineNumbers)

	assert.Equal(t, Existing, chunks[5].State)
	assert.Equal(t, []string{"    return"}, chunks[5].Lines, "trailing blank context is trimmed")
}

func TestParseLineNumbers(t *testing.T) {
	tests := []struct {
		line  string
		state State
		num   int
		text  string
	}{
		{"[3] x", Existing, 3, "x"},
		{"- [12]", Deleted, 12, ""},
		{"x", Existing, NoLine, "x"},
		{"- x", Deleted, NoLine, "x"},
		{"- [7] x", Deleted, 7, "x"},
		{"[7] - x", Deleted, 7, "x"},
		{"[6] + [7] x", Added, 7, "x"},
		{"+ x", Added, NoLine, "x"},
		{"-x", Existing, NoLine, "-x"},
		{"[x] y", Existing, NoLine, "[x] y"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			chunks := Parse(tt.line)
			require.Len(t, chunks, 1)
			assert.Equal(t, tt.state, chunks[0].State)
			assert.Equal(t, []int{tt.num}, chunks[0].LineNumbers)
			assert.Equal(t, []string{tt.text}, chunks[0].Lines)
		})
	}
}

func TestParseBlankOnly(t *testing.T) {
	assert.Empty(t, Parse(""))
	assert.Empty(t, Parse("\n  \n"))
}

func TestApplyPatchReplaceWithoutContext(t *testing.T) {
	got, err := ApplyPatch("a\nb\nc\n", Parse("[2] - b\n[2] + B\n"))
	require.NoError(t, err)
	assert.Equal(t, "a\nB\nc\n", got)
}

func TestAppliersAgree(t *testing.T) {
	chunks := Parse("[1] a\n[2] - b\n[2] + B\n[3] c\n")

	patched, err := ApplyPatch("a\nb\nc\n", chunks)
	require.NoError(t, err)
	assert.Equal(t, "a\nB\nc\n", patched)

	res := ApplyDiff("a\nb\nc\n", chunks)
	assert.False(t, res.Partial())
	assert.Equal(t, "a\nB\nc\n", res.Text)
}

func TestApplyPatchLineCount(t *testing.T) {
	source := "package main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(1)\n\tfmt.Println(2)\n}\n"
	diff := "[3] import \"fmt\"\n" +
		"+ import \"os\"\n" +
		"[5] func main() {\n" +
		"- [6] \tfmt.Println(1)\n" +
		"+ \tfmt.Println(\"one\")\n" +
		"+ \tos.Exit(0)\n" +
		"[7] \tfmt.Println(2)\n" +
		"- [8] }\n" +
		"+ }\n" +
		"+ \n" +
		"+ func other() {}\n"
	chunks := Parse(diff)

	got, err := ApplyPatch(source, chunks)
	require.NoError(t, err)

	want := "package main\n\nimport \"fmt\"\nimport \"os\"\n\nfunc main() {\n\tfmt.Println(\"one\")\n\tos.Exit(0)\n\tfmt.Println(2)\n}\n\nfunc other() {}\n"
	assert.Equal(t, want, got)

	deleted, added := 0, 0
	for _, c := range chunks {
		switch c.State {
		case Deleted:
			deleted += len(c.Lines)
		case Added:
			added += len(c.Lines)
		}
	}
	assert.Equal(t, len(strings.Split(source, "\n"))-deleted+added, len(strings.Split(got, "\n")))
}

func TestApplyPatchErrors(t *testing.T) {
	tests := []struct {
		name string
		diff string
		kind ErrorKind
	}{
		{"added first", "+ x\n[1] a\n", MissingAnchor},
		{"unknown number", "a\n- b\n+ B\n", MissingLineNumber},
		{"out of range", "[9] a\n+ x\n", LineOutOfRange},
		{"text mismatch", "[1] a\n- [2] zzz\n+ B\n", LineMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ApplyPatch("a\nb\nc\n", Parse(tt.diff))
			var applyErr *ApplyError
			require.True(t, errors.As(err, &applyErr), "got %v", err)
			assert.Equal(t, tt.kind, applyErr.Kind)
		})
	}
}

func TestPlanInsertionsDescending(t *testing.T) {
	chunks := Parse("[1] a\n+ x\n[2] b\n+ y\n[3] c\n")
	plan, err := PlanInsertions(chunks)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, 2, plan[0].After)
	assert.Equal(t, []string{"y"}, plan[0].Lines)
	assert.Equal(t, 1, plan[1].After)

	got, err := ApplyPatch("a\nb\nc", chunks)
	require.NoError(t, err)
	assert.Equal(t, "a\nx\nb\ny\nc", got)
}

func TestPlanInsertionsOutOfOrderChunks(t *testing.T) {
	// The model listed the later hunk first.
	chunks := Parse("[3] c\n+ z\n[1] a\n+ x\n")
	got, err := ApplyPatch("a\nb\nc", chunks)
	require.NoError(t, err)
	assert.Equal(t, "a\nx\nb\nc\nz", got)
}

func TestApplyDiffWithoutNumbers(t *testing.T) {
	source := "func a() {\n\treturn 1\n}\n\nfunc b() {\n\treturn 2\n}\n"
	numbered := Parse("[5] func b() {\n- [6] \treturn 2\n+ \treturn 3\n[7] }\n")
	plain := Parse("func b() {\n- \treturn 2\n+ \treturn 3\n}\n")

	want, err := ApplyPatch(source, numbered)
	require.NoError(t, err)

	res := ApplyDiff(source, plain)
	assert.False(t, res.Partial())
	assert.Equal(t, want, res.Text)
	assert.Equal(t, 2, res.Applied)
}

func TestApplyDiffInsertOnly(t *testing.T) {
	res := ApplyDiff("a\nb\nc", Parse("a\n+ x\nb\n"))
	assert.Equal(t, "a\nx\nb\nc", res.Text)
}

func TestApplyDiffReplacesToEndOfFile(t *testing.T) {
	res := ApplyDiff("a\nb\nc", Parse("a\n+ z\n"))
	assert.Equal(t, "a\nz", res.Text)
	assert.False(t, res.Partial())
}

func TestApplyDiffAnchorNotFound(t *testing.T) {
	source := "a\nb\nc\nd"
	res := ApplyDiff(source, Parse("a\n- b\n+ B\nc\n+ X\nnothere\n"))
	assert.True(t, res.Partial())
	assert.Equal(t, "a\nB\nc\nd", res.Text, "changes before the missing anchor are kept")
	require.Len(t, res.Unresolved, 2)
	assert.Equal(t, []string{"X"}, res.Unresolved[0].Lines)
}

func TestApplyDiffMustStartWithContext(t *testing.T) {
	res := ApplyDiff("a\nb", Parse("+ x\na\n"))
	assert.True(t, res.Partial())
	assert.Equal(t, "a\nb", res.Text)
	assert.Zero(t, res.Applied)
}

func TestApplyDiffIgnoresWhitespace(t *testing.T) {
	res := ApplyDiff("if x {\n    y()\n}", Parse("if x {\n- y()\n+ z()\n}\n"))
	assert.Equal(t, "if x {\nz()\n}", res.Text)
}

func TestIdempotence(t *testing.T) {
	source := "a\nb\nc\n"
	chunks := Parse("[1] a\n[2] - b\n[2] + B\n[3] c\n")

	once, err := ApplyPatch(source, chunks)
	require.NoError(t, err)

	// A second numbered application no longer matches the deleted text.
	_, err = ApplyPatch(once, chunks)
	require.Error(t, err)

	twice := ApplyDiff(once, chunks)
	assert.Equal(t, once, twice.Text)

	bare := Parse("[2] - b\n[2] + B\n")
	_, err = ApplyPatch(once, bare)
	require.Error(t, err)
	assert.Equal(t, once, ApplyDiff(once, bare).Text)
}

func TestFindAnchor(t *testing.T) {
	lines := []string{"x", "a", "b", "a", "b", "c", "d", "e"}
	c := Chunk{State: Existing, Lines: []string{"a", "b", "c", "d", "zzz"}, LineNumbers: []int{NoLine, NoLine, NoLine, NoLine, NoLine}}
	assert.Equal(t, 3, FindAnchor(lines, c, 0), "only the first MinChunkSize lines are compared")
	assert.Equal(t, -1, FindAnchor(lines, c, 4))
	assert.Equal(t, 2, FindAnchor(lines, Chunk{}, 2))
	assert.Equal(t, -1, FindAnchor(lines, Chunk{Lines: []string{"d", "e", "f"}}, 0), "match may not run past the end")
}

func TestFromUnified(t *testing.T) {
	unified := "--- a/x.txt\n+++ b/x.txt\n@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n"
	assert.True(t, IsUnified(unified))

	files, ok := FromUnified(unified)
	require.True(t, ok)
	require.Len(t, files, 1)
	assert.Equal(t, "x.txt", files[0].Path)
	assert.Equal(t, "[1] a\n- [2] b\n+ B\n[3] c\n", files[0].Diff)

	got, err := ApplyPatch("a\nb\nc\n", Parse(files[0].Diff))
	require.NoError(t, err)
	assert.Equal(t, "a\nB\nc\n", got)

	_, ok = FromUnified("[1] a\n- [2] b\n")
	assert.False(t, ok)
}

func TestFromUnifiedHunksOnly(t *testing.T) {
	files, ok := FromUnified("@@ -2,2 +2,2 @@\n b\n-c\n+C\n")
	require.True(t, ok)
	require.Len(t, files, 1)
	assert.Empty(t, files[0].Path)
	assert.Equal(t, "[2] b\n- [3] c\n+ C\n", files[0].Diff)
}

func TestFromUnifiedMultiFile(t *testing.T) {
	unified := "Some explanation first.\n" +
		"--- a/x.txt\n+++ b/x.txt\n@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n" +
		"--- a/y.txt\n+++ b/y.txt\n@@ -4,2 +4,2 @@\n p\n-q\n+Q\n" +
		"--- a/gone.txt\n+++ /dev/null\n@@ -1 +0,0 @@\n-bye\n"

	files, ok := FromUnified(unified)
	require.True(t, ok)
	assert.Equal(t, []FileDiff{
		{Path: "x.txt", Diff: "[1] a\n- [2] b\n+ B\n[3] c\n"},
		{Path: "y.txt", Diff: "[4] p\n- [5] q\n+ Q\n"},
		{Path: "gone.txt", Diff: "- [1] bye\n"},
	}, files)
}

func TestAlreadyApplied(t *testing.T) {
	tests := []struct {
		name   string
		source string
		diff   string
		want   bool
	}{
		{"replacement applied", "a\nB\nc\n", "[1] a\n- [2] b\n+ [2] B\n[3] c\n", true},
		{"replacement pending", "a\nb\nc\n", "[1] a\n- [2] b\n+ [2] B\n[3] c\n", false},
		{"bare replacement applied", "a\nB\nc\n", "- [2] b\n+ [2] B\n", true},
		{"deletion applied", "a\nc\n", "[1] a\n- [2] b\n[3] c\n", true},
		{"deletion pending", "a\nb\nc\n", "[1] a\n- [2] b\n[3] c\n", false},
		{"bare deletion applied", "a\nc\n", "- [2] b\n", true},
		{"bare deletion pending", "a\nb\nc\n", "- [2] b\n", false},
		{"hunks apart", "a\nX\nm\nn\ny\nZ\n", "[1] a\n+ X\n[5] y\n+ Z\n", true},
		{"out of order", "y\nZ\na\nX\n", "[1] a\n+ X\n[5] y\n+ Z\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AlreadyApplied(tt.source, Parse(tt.diff)))
		})
	}
}
