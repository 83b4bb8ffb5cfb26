package llmdiff

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

var (
	hunkHeaderRe = regexp.MustCompile(`(?m)^@@ -\d+`)
	fileHeaderRe = regexp.MustCompile(`(?m)^--- .*\r?\n\+\+\+ `)
)

// FileDiff is one file of a unified diff rewritten into the numbered dialect.
type FileDiff struct {
	// Path is the file named by the +++ header (or --- for deletions).
	// It is empty when the diff has hunks but no file headers.
	Path string
	Diff string
}

// IsUnified reports whether text looks like a unified diff with hunk headers.
func IsUnified(text string) bool {
	return hunkHeaderRe.MatchString(text)
}

// FromUnified rewrites a unified diff into the numbered dialect understood
// by Parse, one FileDiff per file in the diff. Context and removed lines
// get their line number in the original file. Anything before the first
// file header (or the first hunk, when there are no headers) is dropped.
// It returns false when text is not a parseable unified diff.
func FromUnified(text string) ([]FileDiff, bool) {
	if loc := fileHeaderRe.FindStringIndex(text); loc != nil {
		return fromMultiFile(text[loc[0]:])
	}

	loc := hunkHeaderRe.FindStringIndex(text)
	if loc == nil {
		return nil, false
	}
	hunks, err := diff.ParseHunks([]byte(text[loc[0]:]))
	if err != nil || len(hunks) == 0 {
		return nil, false
	}
	return []FileDiff{{Diff: numbered(hunks)}}, true
}

func fromMultiFile(text string) ([]FileDiff, bool) {
	fds, err := diff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return nil, false
	}
	var out []FileDiff
	for _, fd := range fds {
		if len(fd.Hunks) == 0 {
			continue
		}
		out = append(out, FileDiff{Path: diffPath(fd), Diff: numbered(fd.Hunks)})
	}
	return out, len(out) > 0
}

func diffPath(fd *diff.FileDiff) string {
	if fd.NewName != "" && fd.NewName != "/dev/null" {
		return strings.TrimPrefix(fd.NewName, "b/")
	}
	if fd.OrigName != "" && fd.OrigName != "/dev/null" {
		return strings.TrimPrefix(fd.OrigName, "a/")
	}
	return ""
}

func numbered(hunks []*diff.Hunk) string {
	var b strings.Builder
	for _, h := range hunks {
		orig := int(h.OrigStartLine)
		for _, line := range strings.Split(strings.TrimSuffix(string(h.Body), "\n"), "\n") {
			switch {
			case strings.HasPrefix(line, "\\"):
				// "\ No newline at end of file"
			case strings.HasPrefix(line, "+"):
				fmt.Fprintf(&b, "+ %s\n", line[1:])
			case strings.HasPrefix(line, "-"):
				fmt.Fprintf(&b, "- [%d] %s\n", orig, line[1:])
				orig++
			default:
				fmt.Fprintf(&b, "[%d] %s\n", orig, strings.TrimPrefix(line, " "))
				orig++
			}
		}
	}
	return b.String()
}
