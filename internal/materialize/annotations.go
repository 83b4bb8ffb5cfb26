package materialize

import (
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/sokinpui/llmd/model"
)

// githubRe matches GitHub Actions workflow commands, e.g.
// ::error file=foo.js,line=10,endLine=11::Something went wrong.
var githubRe = regexp.MustCompile(`(?i)^::(notice|warning|error)\s+file=([^,]+),\s*line=(\d+),\s*endLine=(\d+)\s*(?:,\s*code=([^,:]*))?::(.*)$`)

// ParseAnnotations reads one annotation per line, either as
// "severity, file, startLine, endLine, message" or as a GitHub workflow
// command. Lines that match neither form are skipped.
func ParseAnnotations(text string) []model.Annotation {
	var anns []model.Annotation
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSpace(strings.TrimLeft(line, "-*"))
		if line == "" {
			continue
		}
		if a, ok := parseGitHub(line); ok {
			anns = append(anns, a)
			continue
		}
		if a, ok := parseRecord(line); ok {
			anns = append(anns, a)
		}
	}
	return anns
}

func parseGitHub(line string) (model.Annotation, bool) {
	m := githubRe.FindStringSubmatch(line)
	if m == nil {
		return model.Annotation{}, false
	}
	sev, _ := parseSeverity(m[1])
	start, _ := strconv.Atoi(m[3])
	end, _ := strconv.Atoi(m[4])
	a := newAnnotation(sev, strings.TrimSpace(m[2]), start, end, strings.TrimSpace(m[6]))
	a.Code = strings.TrimSpace(m[5])
	return a, true
}

func parseRecord(line string) (model.Annotation, bool) {
	parts := strings.SplitN(line, ",", 5)
	if len(parts) != 5 {
		return model.Annotation{}, false
	}
	sev, ok := parseSeverity(parts[0])
	if !ok {
		return model.Annotation{}, false
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return model.Annotation{}, false
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[3]))
	if err != nil {
		return model.Annotation{}, false
	}
	return newAnnotation(sev, strings.TrimSpace(parts[1]), start, end, strings.TrimSpace(parts[4])), true
}

func newAnnotation(sev model.Severity, file string, start, end int, message string) model.Annotation {
	start = max(start, 1)
	end = max(end, start)
	return model.Annotation{
		Severity: sev,
		Filename: file,
		Range: model.Range{
			{Line: start - 1, Col: 0},
			{Line: end - 1, Col: model.EndOfLine},
		},
		Message: message,
	}
}

func parseSeverity(s string) (model.Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "notice", "info":
		return model.SeverityNotice, true
	case "warning", "warn":
		return model.SeverityWarning, true
	case "error":
		return model.SeverityError, true
	default:
		return "", false
	}
}

// WriteAnnotationsCSV writes a header and one
// "severity,filename,start,end,message" row per annotation, with 1-based lines.
func WriteAnnotationsCSV(w io.Writer, anns []model.Annotation) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"severity", "filename", "start", "end", "message"}); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, a := range anns {
		row := []string{
			string(a.Severity),
			a.Filename,
			strconv.Itoa(a.StartLine()),
			strconv.Itoa(a.EndLine()),
			a.Message,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
