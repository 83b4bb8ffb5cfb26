// Package trace records a human readable markdown log of one run.
package trace

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"
)

// Trace accumulates markdown. Every entry is mirrored to the logger at
// debug level (errors at warn level).
type Trace struct {
	b      strings.Builder
	logger *zap.Logger
	errs   []string
}

// New creates a trace. A nil logger disables mirroring.
func New(logger *zap.Logger) *Trace {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trace{logger: logger}
}

// Heading starts a section.
func (t *Trace) Heading(level int, title string) {
	level = max(1, min(level, 6))
	fmt.Fprintf(&t.b, "\n%s %s\n\n", strings.Repeat("#", level), title)
	t.logger.Debug(title)
}

// Item adds a bullet line.
func (t *Trace) Item(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(&t.b, "- %s\n", msg)
	t.logger.Debug(msg)
}

// Warn adds a warning bullet.
func (t *Trace) Warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(&t.b, "- **warning**: %s\n", msg)
	t.logger.Warn(msg)
}

// Error records a recoverable failure and its cause.
func (t *Trace) Error(msg string, err error) {
	entry := msg
	if err != nil {
		entry = fmt.Sprintf("%s: %v", msg, err)
	}
	t.errs = append(t.errs, entry)
	fmt.Fprintf(&t.b, "- **error**: %s\n", entry)
	t.logger.Warn(msg, zap.Error(err))
}

// Fenced adds a titled fenced block, picking a fence longer than any
// backtick run inside content.
func (t *Trace) Fenced(title, language, content string) {
	marker := strings.Repeat("`", max(3, longestRun(content, '`')+1))
	fmt.Fprintf(&t.b, "\n%s\n\n%s%s\n%s", title, marker, language, content)
	if !strings.HasSuffix(content, "\n") {
		t.b.WriteByte('\n')
	}
	fmt.Fprintf(&t.b, "%s\n\n", marker)
}

// Errors returns the recorded failures in order.
func (t *Trace) Errors() []string {
	return t.errs
}

// Err joins the recorded failures, or returns nil.
func (t *Trace) Err() error {
	if len(t.errs) == 0 {
		return nil
	}
	errs := make([]error, len(t.errs))
	for i, e := range t.errs {
		errs[i] = errors.New(e)
	}
	return errors.Join(errs...)
}

// String returns the markdown text.
func (t *Trace) String() string {
	return strings.TrimLeft(t.b.String(), "\n")
}

// RenderHTML converts the trace to HTML.
func (t *Trace) RenderHTML() ([]byte, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := md.Convert([]byte(t.String()), &buf); err != nil {
		return nil, fmt.Errorf("failed to render trace: %w", err)
	}
	return buf.Bytes(), nil
}

func longestRun(s string, c byte) int {
	best, cur := 0, 0
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			cur++
			best = max(best, cur)
		} else {
			cur = 0
		}
	}
	return best
}
