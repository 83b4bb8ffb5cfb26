// Package fence extracts labeled fenced code blocks from an LLM reply.
//
// A reply typically looks like:
//
//	DIFF src/main.go:
//	```diff
//	[1] package main
//	- [2] var x = 1
//	+ [2] var x = 2
//	```
//
// and each fence is paired with the label line that precedes it.
package fence

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sokinpui/llmd/model"
)

var (
	openRe  = regexp.MustCompile("^\\s*(`{3,})([^`\\s]*)\\s*(.*)$")
	closeRe = regexp.MustCompile("^\\s*(`{3,})\\s*$")
	argRe   = regexp.MustCompile(`([\w-]+)=("[^"]*"|'[^']*'|\S+)`)

	// wordValueRe matches labels like "FILE: src/a.go".
	wordValueRe = regexp.MustCompile(`(\w+):\s+(\S+)`)
	// hintPathRe matches a line holding only a backticked path, e.g. `src/a.go`.
	hintPathRe = regexp.MustCompile("^`([^`\\s]+)`$")
	// diffPathRe extracts the file path from a '+++ b/...' line.
	diffPathRe = regexp.MustCompile(`(?m)^\+\+\+ (?:b/)?(\S+)`)
)

type openFence struct {
	marker   int
	label    string
	language string
	args     map[string]string
	content  strings.Builder
	// noEOL is set when the input ends inside the fence without a newline.
	noEOL bool
}

// Extract scans text line by line and returns the fenced blocks in order.
// A fence left open at the end of the input is closed implicitly.
func Extract(text string) []model.FenceBlock {
	if text == "" {
		return nil
	}

	lines := splitLines(text)
	var blocks []model.FenceBlock
	var cur *openFence

	for i, line := range lines {
		if cur != nil {
			if isClose(line, cur.marker) {
				blocks = append(blocks, cur.block())
				cur = nil
			} else {
				cur.content.WriteString(line)
				cur.content.WriteByte('\n')
			}
			continue
		}

		m := openRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		language, args := parseInfo(m[2], m[3])
		cur = &openFence{
			marker:   len(m[1]),
			language: language,
			args:     args,
			label:    labelFor(lines, i, args),
		}
	}

	if cur != nil {
		cur.noEOL = !strings.HasSuffix(text, "\n") && cur.content.Len() > 0
		blocks = append(blocks, cur.block())
	}
	return blocks
}

func (f *openFence) block() model.FenceBlock {
	content := f.content.String()
	if f.noEOL {
		content = strings.TrimSuffix(content, "\n")
	}
	b := model.FenceBlock{
		Label:    f.label,
		Content:  content,
		Language: f.language,
		Args:     f.args,
	}
	b.Kind, b.Path = Classify(b.Label)

	if b.Kind == model.KindOther && strings.EqualFold(b.Language, "diff") {
		if m := diffPathRe.FindStringSubmatch(b.Content); m != nil {
			b.Kind = model.KindDiff
			b.Path = m[1]
		}
	}
	if b.Kind == model.KindFile && filepath.Ext(b.Path) != "" {
		b.Content = unwrapNested(b.Content)
	}
	return b
}

// Classify splits a label into its routing kind and, for file and diff
// labels, the path that follows the keyword.
func Classify(label string) (model.BlockKind, string) {
	fields := strings.Fields(label)
	if len(fields) == 0 {
		return model.KindOther, ""
	}
	kind := model.KindFromKeyword(fields[0])
	switch kind {
	case model.KindFile, model.KindDiff:
		rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(label), fields[0]))
		return kind, Unquote(rest)
	default:
		return kind, ""
	}
}

// labelFor derives the label of the fence opening at lines[i].
func labelFor(lines []string, i int, args map[string]string) string {
	if file := args["file"]; file != "" {
		return "FILE " + file
	}

	prev := i - 1
	if prev >= 0 && strings.TrimSpace(lines[prev]) == "" {
		prev--
	}
	if prev < 0 {
		return ""
	}

	line := cleanLabelLine(lines[prev])
	if line == "" || closeRe.MatchString(line) {
		return ""
	}
	if strings.HasSuffix(line, ":") {
		return Unquote(strings.TrimSpace(strings.TrimSuffix(line, ":")))
	}
	if m := wordValueRe.FindStringSubmatch(line); m != nil {
		return Unquote(m[1]) + " " + Unquote(m[2])
	}
	if m := hintPathRe.FindStringSubmatch(line); m != nil {
		return "FILE " + m[1]
	}
	return ""
}

// cleanLabelLine drops markdown heading and emphasis markers around a label.
func cleanLabelLine(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimSpace(strings.TrimLeft(line, "#"))
	line = strings.TrimSpace(strings.Trim(line, "*_"))
	return line
}

func parseInfo(language, rest string) (string, map[string]string) {
	args := map[string]string{}
	if strings.Contains(language, "=") {
		rest = language + " " + rest
		language = ""
	}
	for _, m := range argRe.FindAllStringSubmatch(rest, -1) {
		args[m[1]] = Unquote(m[2])
	}
	return language, args
}

func isClose(line string, marker int) bool {
	m := closeRe.FindStringSubmatch(line)
	return m != nil && len(m[1]) >= marker
}

// unwrapNested strips the markers of content that is exactly one fenced
// block. Content holding any other fence line of at least the inner
// marker's length is returned unchanged.
func unwrapNested(content string) string {
	lines := splitLines(content)
	first, last := 0, len(lines)-1
	for first <= last && strings.TrimSpace(lines[first]) == "" {
		first++
	}
	for last >= first && strings.TrimSpace(lines[last]) == "" {
		last--
	}
	if last <= first {
		return content
	}

	open := openRe.FindStringSubmatch(lines[first])
	if open == nil || strings.TrimSpace(open[3]) != "" {
		return content
	}
	marker := len(open[1])
	if !isClose(lines[last], marker) {
		return content
	}
	inner := lines[first+1 : last]
	for _, line := range inner {
		if m := openRe.FindStringSubmatch(line); m != nil && len(m[1]) >= marker {
			return content
		}
	}
	if len(inner) == 0 {
		return ""
	}
	return strings.Join(inner, "\n") + "\n"
}

// Unquote strips one pair of matching quotes or backticks.
func Unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'' || first == '`') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
