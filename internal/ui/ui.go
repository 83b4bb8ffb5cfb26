package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/term"

	"github.com/sokinpui/llmd/model"
)

var (
	HeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	InfoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	SuccessStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	WarningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	ErrorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("197"))
	PathStyle    = lipgloss.NewStyle()
	FaintStyle   = lipgloss.NewStyle().Faint(true)

	addedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	removedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("197"))
)

// Output is where the message helpers write.
var Output io.Writer = os.Stderr

func Header(format string, a ...interface{}) {
	fmt.Fprintln(Output, HeaderStyle.Render(fmt.Sprintf(format, a...)))
}

func Info(format string, a ...interface{}) {
	fmt.Fprintln(Output, InfoStyle.Render(fmt.Sprintf(format, a...)))
}

func Success(format string, a ...interface{}) {
	fmt.Fprintln(Output, SuccessStyle.Render(fmt.Sprintf(format, a...)))
}

func Warning(format string, a ...interface{}) {
	fmt.Fprintln(Output, WarningStyle.Render(fmt.Sprintf(format, a...)))
}

func Error(format string, a ...interface{}) {
	fmt.Fprintln(Output, ErrorStyle.Render(fmt.Sprintf(format, a...)))
}

func Path(format string, a ...interface{}) {
	fmt.Fprintln(Output, "  "+PathStyle.Render(fmt.Sprintf(format, a...)))
}

// TermWidth returns the terminal width, defaulting to 80.
func TermWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

// --- Summaries ---

// RenderSummary formats the outcome of a run.
func RenderSummary(s model.Summary) string {
	var b strings.Builder

	if s.Message != "" {
		b.WriteString(HeaderStyle.Render(s.Message))
		b.WriteString("\n\n")
	}

	hasContent := false
	section := func(title string, style lipgloss.Style, paths []string) {
		if len(paths) == 0 {
			return
		}
		hasContent = true
		b.WriteString(style.Render(title))
		b.WriteString("\n")
		for _, f := range paths {
			fmt.Fprintf(&b, "  %s\n", PathStyle.Render(f))
		}
	}
	section("Created:", SuccessStyle, s.Created)
	section("Modified:", SuccessStyle, s.Modified)
	section("Failed:", ErrorStyle, s.Failed)

	if len(s.Annotations) > 0 {
		hasContent = true
		b.WriteString(WarningStyle.Render("Annotations:"))
		b.WriteString("\n")
		for _, a := range s.Annotations {
			fmt.Fprintf(&b, "  %s %s %s\n", severityStyle(a.Severity).Render(string(a.Severity)),
				PathStyle.Render(fmt.Sprintf("%s:%d-%d", a.Filename, a.StartLine(), a.EndLine())), a.Message)
		}
	}

	if text := strings.TrimSpace(s.Text); text != "" {
		hasContent = true
		b.WriteString(InfoStyle.Render("Summary:"))
		b.WriteString("\n")
		for _, line := range strings.Split(text, "\n") {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}

	if !hasContent && s.Message == "" {
		b.WriteString(FaintStyle.Render("Nothing to do."))
	}
	return b.String()
}

func severityStyle(s model.Severity) lipgloss.Style {
	switch s {
	case model.SeverityError:
		return ErrorStyle
	case model.SeverityWarning:
		return WarningStyle
	default:
		return InfoStyle
	}
}

// previewContext is the number of unchanged lines kept around a change.
const previewContext = 3

// RenderEditPreview shows a line diff between before and after, cutting
// long unchanged runs and lines wider than width.
func RenderEditPreview(label, before, after string, width int) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	clip := lipgloss.NewStyle().MaxWidth(max(width, 20))
	var out strings.Builder
	out.WriteString(HeaderStyle.Render(label))
	out.WriteString("\n")

	for i, d := range diffs {
		text := splitPreviewLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			for _, l := range text {
				out.WriteString(addedStyle.Render(clip.Render("+ " + l)))
				out.WriteString("\n")
			}
		case diffmatchpatch.DiffDelete:
			for _, l := range text {
				out.WriteString(removedStyle.Render(clip.Render("- " + l)))
				out.WriteString("\n")
			}
		case diffmatchpatch.DiffEqual:
			for _, l := range elide(text, i == 0, i == len(diffs)-1) {
				out.WriteString(FaintStyle.Render(clip.Render(l)))
				out.WriteString("\n")
			}
		}
	}
	return out.String()
}

func splitPreviewLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// elide keeps previewContext lines next to each change.
func elide(lines []string, first, last bool) []string {
	out := make([]string, 0, len(lines))
	keepHead, keepTail := previewContext, previewContext
	if first {
		keepHead = 0
	}
	if last {
		keepTail = 0
	}
	if len(lines) <= keepHead+keepTail+1 {
		for _, l := range lines {
			out = append(out, "  "+l)
		}
		return out
	}
	for _, l := range lines[:keepHead] {
		out = append(out, "  "+l)
	}
	out = append(out, fmt.Sprintf("  ... %d unchanged line(s)", len(lines)-keepHead-keepTail))
	for _, l := range lines[len(lines)-keepTail:] {
		out = append(out, "  "+l)
	}
	return out
}

// --- Progress Bar ---

type ProgressBar struct {
	out     io.Writer
	total   int
	prefix  string
	current int
}

func NewProgressBar(out io.Writer, total int, prefix string) *ProgressBar {
	return &ProgressBar{out: out, total: total, prefix: prefix}
}

func (p *ProgressBar) Start() {
	p.draw()
}

// Set moves the bar to current.
func (p *ProgressBar) Set(current int) {
	p.current = current
	p.draw()
}

func (p *ProgressBar) Finish() {
	fmt.Fprintln(p.out)
}

func (p *ProgressBar) draw() {
	if p.total == 0 {
		return
	}
	const barLength = 40
	percent := float64(p.current) / float64(p.total)
	filledLength := int(percent * barLength)
	bar := strings.Repeat("█", filledLength) + strings.Repeat("-", barLength-filledLength)

	fmt.Fprintf(p.out, "\r%s |%s| [%d/%d] %.1f%%", p.prefix, bar, p.current, p.total, percent*100)
}
