// Package llmd turns an LLM reply into file edits. Materialize is the pure
// entry point; App adds input sources, writers and undo history on top.
package llmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/sokinpui/llmd/cli"
	"github.com/sokinpui/llmd/internal/fence"
	"github.com/sokinpui/llmd/internal/fs"
	"github.com/sokinpui/llmd/internal/materialize"
	"github.com/sokinpui/llmd/model"
)

// Result is the outcome of materializing one reply.
type Result = materialize.Result

// MergeFunc combines the current content of a file with a file block.
type MergeFunc = materialize.MergeFunc

// Config for using llmd as a library.
type Config struct {
	// Directories relative paths are resolved against. Defaults to the
	// working directory.
	LookupDirs []string
	// Filter by extension. Use 'diff' to process only diff blocks (e.g., 'py', 'js', 'diff').
	Extensions []string
	// Merge is called for every file block. Nil means the block replaces the file.
	Merge  MergeFunc
	Logger *zap.Logger
}

// Materialize parses reply and computes the resulting edits against the
// files on disk. Nothing is written.
func Materialize(ctx context.Context, reply string, config Config) (*Result, error) {
	resolver, err := fs.NewPathResolver(config.LookupDirs)
	if err != nil {
		return nil, err
	}
	return materializeWith(ctx, reply, resolver, config), nil
}

func materializeWith(ctx context.Context, reply string, resolver *fs.PathResolver, config Config) *Result {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []materialize.Option{
		materialize.WithLogger(logger),
		materialize.WithRoot(resolver.Root()),
	}
	if config.Merge != nil {
		opts = append(opts, materialize.WithMerge(config.Merge))
	}

	blocks := FilterBlocks(fence.Extract(reply), cli.NormalizeExtensions(config.Extensions))
	m := materialize.New(fs.NewDiskLookup(), resolver, opts...)
	return m.Materialize(ctx, blocks)
}

// FilterBlocks keeps the file and diff blocks whose path has one of the
// extensions. If '.diff' is the only extension, every diff block is kept
// and file blocks are dropped. Blocks that target no file are always kept.
func FilterBlocks(blocks []model.FenceBlock, extensions []string) []model.FenceBlock {
	if len(extensions) == 0 {
		return blocks
	}
	diffOnly := len(extensions) == 1 && extensions[0] == ".diff"

	var kept []model.FenceBlock
	for _, b := range blocks {
		switch b.Kind {
		case model.KindFile, model.KindDiff:
			if diffOnly {
				if b.Kind == model.KindDiff {
					kept = append(kept, b)
				}
				continue
			}
			if hasAllowedExtension(b.Path, extensions) {
				kept = append(kept, b)
			}
		default:
			kept = append(kept, b)
		}
	}
	return kept
}

func hasAllowedExtension(path string, extensions []string) bool {
	ext := filepath.Ext(path)
	for _, allowedExt := range extensions {
		if ext == allowedExt {
			return true
		}
	}
	return false
}

// MergeCommand runs command through sh for every file block. The command
// finds the block label in $LLMD_LABEL and the paths of the current and
// proposed contents in $LLMD_BEFORE and $LLMD_CANDIDATE, and prints the
// merged content on stdout.
func MergeCommand(ctx context.Context, command string) MergeFunc {
	return func(label, before, candidate string) (string, error) {
		dir, err := os.MkdirTemp("", "llmd-merge-")
		if err != nil {
			return "", fmt.Errorf("failed to create merge dir: %w", err)
		}
		defer os.RemoveAll(dir)

		beforePath := filepath.Join(dir, "before")
		candidatePath := filepath.Join(dir, "candidate")
		if err := os.WriteFile(beforePath, []byte(before), 0o600); err != nil {
			return "", err
		}
		if err := os.WriteFile(candidatePath, []byte(candidate), 0o600); err != nil {
			return "", err
		}

		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Env = append(os.Environ(),
			"LLMD_LABEL="+label,
			"LLMD_BEFORE="+beforePath,
			"LLMD_CANDIDATE="+candidatePath,
		)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("merge command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	}
}
