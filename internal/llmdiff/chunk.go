// Package llmdiff parses and applies the line-prefixed diff dialect that
// models are prompted to emit:
//
//	[1] unchanged line
//	- [2] removed line
//	+ [2] added line
//
// Bracketed numbers refer to lines of the file before the edit and are
// optional. ApplyPatch trusts them; ApplyDiff ignores them and anchors on
// the literal context instead.
package llmdiff

import (
	"regexp"
	"strconv"
	"strings"
)

// State classifies the lines of a chunk.
type State int

const (
	Existing State = iota
	Deleted
	Added
)

func (s State) String() string {
	switch s {
	case Deleted:
		return "deleted"
	case Added:
		return "added"
	default:
		return "existing"
	}
}

// NoLine marks a line that carried no [N] reference.
const NoLine = -1

// Chunk is a maximal run of diff lines sharing one State.
// Lines and LineNumbers always have the same length.
type Chunk struct {
	State       State
	Lines       []string
	LineNumbers []int
}

// LastLine returns the last line number of the chunk, or NoLine.
func (c Chunk) LastLine() int {
	if len(c.LineNumbers) == 0 {
		return NoLine
	}
	return c.LineNumbers[len(c.LineNumbers)-1]
}

// FirstLine returns the first line number of the chunk, or NoLine.
func (c Chunk) FirstLine() int {
	if len(c.LineNumbers) == 0 {
		return NoLine
	}
	return c.LineNumbers[0]
}

var (
	refRe    = regexp.MustCompile(`^\[(\d+)\](?: |$)`)
	markerRe = regexp.MustCompile(`^([-+])(?: |$)`)
)

// Parse splits a diff block into chunks. It never fails: anything that is
// not a change line is treated as context.
func Parse(text string) []Chunk {
	var chunks []Chunk
	for _, line := range strings.Split(text, "\n") {
		state, num, content := classify(strings.TrimSuffix(line, "\r"))
		if n := len(chunks); n > 0 && chunks[n-1].State == state {
			chunks[n-1].Lines = append(chunks[n-1].Lines, content)
			chunks[n-1].LineNumbers = append(chunks[n-1].LineNumbers, num)
			continue
		}
		chunks = append(chunks, Chunk{State: state, Lines: []string{content}, LineNumbers: []int{num}})
	}
	return trimTrailingBlank(chunks)
}

func classify(line string) (State, int, string) {
	num := NoLine
	rest := line
	if m := refRe.FindStringSubmatch(rest); m != nil {
		num = atoi(m[1])
		rest = rest[len(m[0]):]
	}

	m := markerRe.FindStringSubmatch(rest)
	if m == nil {
		return Existing, num, rest
	}
	rest = rest[len(m[0]):]
	if r := refRe.FindStringSubmatch(rest); r != nil {
		num = atoi(r[1])
		rest = rest[len(r[0]):]
	}
	if m[1] == "-" {
		return Deleted, num, rest
	}
	return Added, num, rest
}

// trimTrailingBlank drops blank context lines padding the end of the diff.
func trimTrailingBlank(chunks []Chunk) []Chunk {
	if len(chunks) == 0 {
		return chunks
	}
	last := &chunks[len(chunks)-1]
	if last.State != Existing {
		return chunks
	}
	for len(last.Lines) > 0 && strings.TrimSpace(last.Lines[len(last.Lines)-1]) == "" {
		last.Lines = last.Lines[:len(last.Lines)-1]
		last.LineNumbers = last.LineNumbers[:len(last.LineNumbers)-1]
	}
	if len(last.Lines) == 0 {
		chunks = chunks[:len(chunks)-1]
	}
	return chunks
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return NoLine
	}
	return n
}
