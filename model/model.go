package model

import (
	"math"
	"strings"
)

// BlockKind routes a fenced block to its handler.
type BlockKind int

const (
	KindOther BlockKind = iota
	KindFile
	KindDiff
	KindAnnotation
	KindSummary
)

func (k BlockKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDiff:
		return "diff"
	case KindAnnotation:
		return "annotation"
	case KindSummary:
		return "summary"
	default:
		return "other"
	}
}

// KindFromKeyword maps the leading word of a label to a BlockKind.
func KindFromKeyword(keyword string) BlockKind {
	switch strings.ToLower(strings.TrimSuffix(keyword, ":")) {
	case "file":
		return KindFile
	case "diff":
		return KindDiff
	case "annotation", "annotations":
		return KindAnnotation
	case "summary":
		return KindSummary
	default:
		return KindOther
	}
}

// FenceBlock is a labeled fenced region extracted from a reply.
type FenceBlock struct {
	// Label is the text labeling the fence, e.g. "DIFF src/main.go".
	Label string
	// Content is the exact text between the fence markers.
	Content string
	// Language is the info string tag of the opening fence.
	Language string
	// Args holds key=value pairs found on the opening fence line.
	Args map[string]string
	// Kind is decided once from the label's leading keyword.
	Kind BlockKind
	// Path is the label remainder for file and diff blocks.
	Path string
}

// EditType is the kind of a materialized edit.
type EditType string

const (
	EditReplace    EditType = "replace"
	EditCreateFile EditType = "createfile"
	EditInsert     EditType = "insert"
)

// Position is a zero-based line/column pair.
type Position struct {
	Line int
	Col  int
}

// Range spans from Start to End inclusive of End's column.
type Range [2]Position

// Edit is a single discrete change to a file.
type Edit struct {
	Label     string
	Filename  string
	Type      EditType
	Text      string
	Range     Range    // replace
	Pos       Position // insert
	Overwrite bool     // createfile
}

// Severity of an annotation.
type Severity string

const (
	SeverityNotice  Severity = "notice"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// EndOfLine is the column used for whole-line annotation spans.
const EndOfLine = math.MaxInt32

// Annotation is a lint-style record reported by the model.
type Annotation struct {
	Severity Severity
	Filename string
	Range    Range
	Message  string
	Code     string
}

// StartLine returns the 1-based first line of the annotation.
func (a Annotation) StartLine() int { return a.Range[0].Line + 1 }

// EndLine returns the 1-based last line of the annotation.
func (a Annotation) EndLine() int { return a.Range[1].Line + 1 }

// FileEdit is the working before/after state of one path.
type FileEdit struct {
	// Before is nil when the file does not exist yet.
	Before *string
	// After is nil until a block changes the file.
	After *string
}

// Current returns After if set, else Before, else "".
func (f *FileEdit) Current() string {
	if f.After != nil {
		return *f.After
	}
	if f.Before != nil {
		return *f.Before
	}
	return ""
}

// Changed reports whether After differs from Before.
func (f *FileEdit) Changed() bool {
	if f.After == nil {
		return false
	}
	return f.Before == nil || *f.Before != *f.After
}

// Summary holds the results of an operation for display.
type Summary struct {
	Created     []string
	Modified    []string
	Failed      []string
	Annotations []Annotation
	Text        string // the reply's summary block
	Message     string
}
