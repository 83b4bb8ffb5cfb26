package llmdiff

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorKind tells why a numbered patch could not be applied.
type ErrorKind int

const (
	MissingLineNumber ErrorKind = iota
	LineOutOfRange
	LineMismatch
	MissingAnchor
)

func (k ErrorKind) String() string {
	switch k {
	case MissingLineNumber:
		return "missing line number"
	case LineOutOfRange:
		return "line number out of range"
	case LineMismatch:
		return "line text mismatch"
	case MissingAnchor:
		return "missing anchor for added lines"
	default:
		return "unknown"
	}
}

// ApplyError reports a violated patch invariant.
type ApplyError struct {
	Kind  ErrorKind
	Chunk int // index into the chunk list
	Line  int // 1-based line number involved, or NoLine
	Want  string
	Got   string
}

func (e *ApplyError) Error() string {
	switch e.Kind {
	case LineOutOfRange:
		return fmt.Sprintf("patch: chunk %d: %s: %d", e.Chunk, e.Kind, e.Line)
	case LineMismatch:
		return fmt.Sprintf("patch: chunk %d: %s at line %d: want %q, got %q", e.Chunk, e.Kind, e.Line, e.Want, e.Got)
	default:
		return fmt.Sprintf("patch: chunk %d: %s", e.Chunk, e.Kind)
	}
}

// Insertion places the lines of an added chunk after a source line.
type Insertion struct {
	Chunk int
	After int // 1-based source line; 0 inserts at the top
	Lines []string
}

// PlanInsertions computes where every added chunk goes, ordered so that
// applying them in sequence never shifts a position that is still pending:
// larger positions first, and for equal positions later chunks first.
//
// An added chunk is anchored after the last line of the nearest preceding
// existing chunk. With no existing chunk before it, a directly preceding
// deleted run anchors it in place of the deleted lines.
func PlanInsertions(chunks []Chunk) ([]Insertion, error) {
	var plan []Insertion
	for ci := len(chunks) - 1; ci >= 0; ci-- {
		if chunks[ci].State != Added {
			continue
		}
		after, err := anchorFor(chunks, ci)
		if err != nil {
			return nil, err
		}
		plan = append(plan, Insertion{Chunk: ci, After: after, Lines: chunks[ci].Lines})
	}

	sort.SliceStable(plan, func(i, j int) bool {
		if plan[i].After != plan[j].After {
			return plan[i].After > plan[j].After
		}
		return plan[i].Chunk > plan[j].Chunk
	})
	return plan, nil
}

func anchorFor(chunks []Chunk, ci int) (int, error) {
	firstDeleted := -1
	j := ci - 1
	for ; j >= 0 && chunks[j].State != Existing; j-- {
		if chunks[j].State == Deleted {
			firstDeleted = j
		}
	}

	if j >= 0 {
		last := chunks[j].LastLine()
		if last == NoLine {
			return 0, &ApplyError{Kind: MissingAnchor, Chunk: ci, Line: NoLine}
		}
		return last, nil
	}
	if firstDeleted >= 0 {
		first := chunks[firstDeleted].FirstLine()
		if first == NoLine {
			return 0, &ApplyError{Kind: MissingAnchor, Chunk: ci, Line: NoLine}
		}
		return first - 1, nil
	}
	return 0, &ApplyError{Kind: MissingAnchor, Chunk: ci, Line: NoLine}
}

type slot struct {
	text    string
	removed bool
}

// ApplyPatch applies chunks to source using their line numbers. Every
// context and deleted line must carry a number inside the source and its
// text must match the source line, ignoring surrounding whitespace.
func ApplyPatch(source string, chunks []Chunk) (string, error) {
	if len(chunks) == 0 {
		return source, nil
	}

	src := strings.Split(source, "\n")
	slots := make([]slot, len(src))
	for i, l := range src {
		slots[i].text = l
	}

	for ci, c := range chunks {
		if c.State == Added {
			continue
		}
		for li, text := range c.Lines {
			n := c.LineNumbers[li]
			if n == NoLine {
				return "", &ApplyError{Kind: MissingLineNumber, Chunk: ci, Line: NoLine}
			}
			if n < 1 || n > len(slots) {
				return "", &ApplyError{Kind: LineOutOfRange, Chunk: ci, Line: n}
			}
			if got := slots[n-1].text; strings.TrimSpace(got) != strings.TrimSpace(text) {
				return "", &ApplyError{Kind: LineMismatch, Chunk: ci, Line: n, Want: text, Got: got}
			}
			if c.State == Deleted {
				slots[n-1].removed = true
			}
		}
	}

	plan, err := PlanInsertions(chunks)
	if err != nil {
		return "", err
	}
	for _, ins := range plan {
		if ins.After > len(slots) {
			return "", &ApplyError{Kind: LineOutOfRange, Chunk: ins.Chunk, Line: ins.After}
		}
		added := make([]slot, len(ins.Lines))
		for i, l := range ins.Lines {
			added[i].text = l
		}
		slots = append(slots[:ins.After], append(added, slots[ins.After:]...)...)
	}

	out := make([]string, 0, len(slots))
	for _, s := range slots {
		if !s.removed {
			out = append(out, s.text)
		}
	}
	return strings.Join(out, "\n"), nil
}
