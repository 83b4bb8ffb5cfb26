package source

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"go.uber.org/zap"
)

// Origin names where the content came from.
type Origin string

const (
	OriginFile      Origin = "file"
	OriginStdin     Origin = "stdin"
	OriginClipboard Origin = "clipboard"
)

// Provider determines and retrieves the reply to process.
type Provider struct {
	path   string
	stdin  *os.File
	logger *zap.Logger
}

// New creates a Provider. A non-empty path takes precedence over stdin
// and the clipboard.
func New(path string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{path: path, stdin: os.Stdin, logger: logger}
}

// GetContent retrieves content from the input file, stdin (if piped) or
// the clipboard, in that order.
func (p *Provider) GetContent() (string, Origin, error) {
	if p.path != "" {
		p.logger.Debug("reading reply", zap.String("path", p.path))
		data, err := os.ReadFile(p.path)
		if err != nil {
			return "", OriginFile, fmt.Errorf("failed to read input file: %w", err)
		}
		return string(data), OriginFile, nil
	}

	if p.isPiped() {
		p.logger.Debug("reading reply from stdin")
		content, err := io.ReadAll(p.stdin)
		if err != nil {
			return "", OriginStdin, fmt.Errorf("failed to read from stdin: %w", err)
		}
		return string(content), OriginStdin, nil
	}

	p.logger.Debug("reading reply from clipboard")
	content, err := clipboard.ReadAll()
	if err != nil {
		return "", OriginClipboard, fmt.Errorf("failed to read from clipboard: %w", err)
	}
	if strings.TrimSpace(content) == "" {
		return "", OriginClipboard, nil
	}
	return content, OriginClipboard, nil
}

func (p *Provider) isPiped() bool {
	if p.stdin == nil {
		return false
	}
	stat, err := p.stdin.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice == 0
}
