package llmdiff

import "strings"

// MinChunkSize bounds how many lines of a chunk must match to anchor it.
const MinChunkSize = 4

// Phase is the state of the fuzzy diff machine.
type Phase int

const (
	// Seeking looks for the next context chunk at or after the cursor.
	Seeking Phase = iota
	// Deleting removes a deleted chunk found exactly at the cursor.
	Deleting
	// Inserting replaces the lines up to the next context chunk.
	Inserting
	// Done means every chunk was consumed.
	Done
	// Stuck means a chunk could not be placed; the rest is unresolved.
	Stuck
)

// Step is one state of the machine: the phase, the cursor into the
// target lines and the index of the chunk to consume next.
type Step struct {
	Phase  Phase
	Cursor int
	Next   int
}

// Result is the outcome of ApplyDiff.
type Result struct {
	Text string
	// Applied counts the deletions and insertions performed.
	Applied int
	// Unresolved holds the chunks left when the machine got stuck.
	Unresolved []Chunk
}

// Partial reports whether some change chunk could not be applied.
func (r Result) Partial() bool {
	for _, c := range r.Unresolved {
		if c.State != Existing {
			return true
		}
	}
	return false
}

// FindAnchor returns the first index at or after from where the chunk's
// leading lines (at most MinChunkSize) match lines, comparing trimmed text.
// It returns -1 when there is no such index.
func FindAnchor(lines []string, chunk Chunk, from int) int {
	if len(chunk.Lines) == 0 {
		return from
	}
	n := min(MinChunkSize, len(chunk.Lines))
	first := strings.TrimSpace(chunk.Lines[0])
	for i := max(from, 0); i+n <= len(lines); i++ {
		if strings.TrimSpace(lines[i]) != first {
			continue
		}
		matched := true
		for k := 1; k < n; k++ {
			if strings.TrimSpace(lines[i+k]) != strings.TrimSpace(chunk.Lines[k]) {
				matched = false
				break
			}
		}
		if matched {
			return i
		}
	}
	return -1
}

// ApplyDiff applies chunks by locating their context literally, moving a
// cursor forward through the source. Line numbers are ignored. When a chunk
// cannot be placed the changes made so far are kept and the remaining
// chunks are reported in Result.Unresolved.
func ApplyDiff(source string, chunks []Chunk) Result {
	lines := strings.Split(source, "\n")
	applied := 0
	s := Step{Phase: Seeking}
	if len(chunks) == 0 {
		s.Phase = Done
	}

	for s.Phase != Done && s.Phase != Stuck {
		var changed bool
		switch s.Phase {
		case Seeking:
			s = Seek(lines, chunks, s)
		case Deleting:
			lines, s, changed = Delete(lines, chunks, s)
		case Inserting:
			lines, s, changed = Insert(lines, chunks, s)
		}
		if changed {
			applied++
		}
	}

	res := Result{Text: strings.Join(lines, "\n"), Applied: applied}
	if s.Phase == Stuck {
		res.Unresolved = chunks[s.Next:]
	}
	return res
}

// after picks the phase that consumes chunks[next].
func after(chunks []Chunk, cursor, next int) Step {
	if next >= len(chunks) {
		return Step{Phase: Done, Cursor: cursor, Next: next}
	}
	switch chunks[next].State {
	case Deleted:
		return Step{Phase: Deleting, Cursor: cursor, Next: next}
	case Added:
		return Step{Phase: Inserting, Cursor: cursor, Next: next}
	default:
		return Step{Phase: Seeking, Cursor: cursor, Next: next}
	}
}

// Seek anchors the context chunk chunks[s.Next] and moves the cursor past it.
func Seek(lines []string, chunks []Chunk, s Step) Step {
	c := chunks[s.Next]
	if c.State != Existing {
		return Step{Phase: Stuck, Cursor: s.Cursor, Next: s.Next}
	}
	at := FindAnchor(lines, c, s.Cursor)
	if at < 0 {
		return Step{Phase: Stuck, Cursor: s.Cursor, Next: s.Next}
	}
	return after(chunks, min(at+len(c.Lines), len(lines)), s.Next+1)
}

// Delete removes the deleted chunk when it starts exactly at the cursor.
// Otherwise the deletion is taken as already applied and skipped.
func Delete(lines []string, chunks []Chunk, s Step) ([]string, Step, bool) {
	c := chunks[s.Next]
	changed := false
	if FindAnchor(lines, c, s.Cursor) == s.Cursor {
		end := min(s.Cursor+len(c.Lines), len(lines))
		out := make([]string, 0, len(lines)-(end-s.Cursor))
		out = append(out, lines[:s.Cursor]...)
		lines = append(out, lines[end:]...)
		changed = true
	}
	return lines, after(chunks, s.Cursor, s.Next+1), changed
}

// Insert replaces everything between the cursor and the next context chunk
// (or the end of the file) with the added lines.
func Insert(lines []string, chunks []Chunk, s Step) ([]string, Step, bool) {
	c := chunks[s.Next]
	next := s.Next + 1
	end := len(lines)
	if next < len(chunks) {
		nc := chunks[next]
		if nc.State != Existing {
			return lines, Step{Phase: Stuck, Cursor: s.Cursor, Next: s.Next}, false
		}
		end = FindAnchor(lines, nc, s.Cursor)
		if end < 0 {
			return lines, Step{Phase: Stuck, Cursor: s.Cursor, Next: s.Next}, false
		}
	}

	out := make([]string, 0, len(lines)-(end-s.Cursor)+len(c.Lines))
	out = append(out, lines[:s.Cursor]...)
	out = append(out, c.Lines...)
	out = append(out, lines[end:]...)
	return out, after(chunks, s.Cursor+len(c.Lines), next), true
}

// AlreadyApplied reports whether source already holds the outcome of
// chunks. The kept and added lines must appear in order, each run of
// adjacent original lines as one contiguous block. A diff made only of
// deletions counts as applied when none of the deleted runs is present.
func AlreadyApplied(source string, chunks []Chunk) bool {
	lines := strings.Split(source, "\n")
	runs := postImage(chunks)
	if len(runs) == 0 {
		for _, c := range chunks {
			if c.State == Deleted && findRun(lines, c.Lines, 0) >= 0 {
				return false
			}
		}
		return len(chunks) > 0
	}

	cursor := 0
	for _, run := range runs {
		at := findRun(lines, run, cursor)
		if at < 0 {
			return false
		}
		cursor = at + len(run)
	}
	return true
}

// postImage returns the lines the diff leaves behind, split where the
// original line numbers jump.
func postImage(chunks []Chunk) [][]string {
	var runs [][]string
	var cur []string
	prev := NoLine
	for _, c := range chunks {
		for k, line := range c.Lines {
			if n := c.LineNumbers[k]; c.State != Added && n != NoLine {
				if prev != NoLine && n != prev+1 && len(cur) > 0 {
					runs = append(runs, cur)
					cur = nil
				}
				prev = n
			}
			if c.State != Deleted {
				cur = append(cur, line)
			}
		}
	}
	if len(cur) > 0 {
		runs = append(runs, cur)
	}
	return runs
}

// findRun returns the first index at or after from where all of run
// matches lines, comparing trimmed text, or -1.
func findRun(lines, run []string, from int) int {
	for i := max(from, 0); i+len(run) <= len(lines); i++ {
		matched := true
		for k := range run {
			if strings.TrimSpace(lines[i+k]) != strings.TrimSpace(run[k]) {
				matched = false
				break
			}
		}
		if matched {
			return i
		}
	}
	return -1
}
