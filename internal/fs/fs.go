package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sokinpui/llmd/model"
)

// PathResolver finds absolute paths for files.
type PathResolver struct {
	lookupDirs []string
}

// NewPathResolver creates a new PathResolver. With no lookup directories
// the current working directory is used.
func NewPathResolver(lookupDirs []string) (*PathResolver, error) {
	if len(lookupDirs) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("could not get current working directory: %w", err)
		}
		return &PathResolver{lookupDirs: []string{wd}}, nil
	}

	absDirs := make([]string, 0, len(lookupDirs))
	for _, dir := range lookupDirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("invalid lookup directory '%s': %w", dir, err)
		}
		absDirs = append(absDirs, abs)
	}
	return &PathResolver{lookupDirs: absDirs}, nil
}

// Root is the first lookup directory, where new files are created.
func (r *PathResolver) Root() string {
	return r.lookupDirs[0]
}

// Resolve finds an absolute path, assuming a new file in the first lookup
// directory if it doesn't exist.
func (r *PathResolver) Resolve(relativePath string) string {
	if filepath.IsAbs(relativePath) {
		return filepath.Clean(relativePath)
	}
	if existing := r.ResolveExisting(relativePath); existing != "" {
		return existing
	}
	return filepath.Join(r.lookupDirs[0], relativePath)
}

// ResolveExisting finds an absolute path only if the file exists.
func (r *PathResolver) ResolveExisting(relativePath string) string {
	for _, dir := range r.lookupDirs {
		absPath := filepath.Join(dir, relativePath)
		if _, err := os.Stat(absPath); err == nil {
			return absPath
		}
	}
	return ""
}

type cached struct {
	content string
	exists  bool
	err     error
}

// DiskLookup reads files from disk. Each path is read at most once.
type DiskLookup struct {
	mu    sync.Mutex
	cache map[string]cached
}

// NewDiskLookup creates an empty DiskLookup.
func NewDiskLookup() *DiskLookup {
	return &DiskLookup{cache: make(map[string]cached)}
}

// ReadFile returns the content of path. A missing file is not an error.
func (d *DiskLookup) ReadFile(ctx context.Context, path string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.cache[path]; ok {
		return c.content, c.exists, c.err
	}

	var c cached
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		c = cached{content: string(data), exists: true}
	case errors.Is(err, os.ErrNotExist):
		c = cached{}
	default:
		c = cached{err: fmt.Errorf("failed to read %s: %w", path, err)}
	}
	d.cache[path] = c
	return c.content, c.exists, c.err
}

// MissingDirs returns the parent directories of paths that do not exist yet.
func MissingDirs(paths []string) []string {
	seen := make(map[string]struct{})
	for _, path := range paths {
		dir := filepath.Dir(path)
		if dir == "." || dir == "/" {
			continue
		}
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			seen[dir] = struct{}{}
		}
	}
	dirs := make([]string, 0, len(seen))
	for dir := range seen {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// CreateDirs creates the given directories and their parents.
func CreateDirs(dirs []string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("error creating directory '%s': %w", dir, err)
		}
	}
	return nil
}

// ApplyEdit returns content with e applied. content is ignored for
// createfile edits.
func ApplyEdit(content string, e model.Edit) (string, error) {
	switch e.Type {
	case model.EditCreateFile:
		return e.Text, nil
	case model.EditReplace:
		start := offsetOf(content, e.Range[0])
		end := offsetOf(content, e.Range[1])
		if end < start {
			return "", fmt.Errorf("invalid range for %s: end before start", e.Filename)
		}
		return content[:start] + e.Text + content[end:], nil
	case model.EditInsert:
		at := offsetOf(content, e.Pos)
		return content[:at] + e.Text + content[at:], nil
	default:
		return "", fmt.Errorf("unknown edit type %q", e.Type)
	}
}

// offsetOf converts a position to a byte offset, clamping to the content.
func offsetOf(content string, pos model.Position) int {
	off := 0
	for line := 0; line < pos.Line; line++ {
		nl := strings.IndexByte(content[off:], '\n')
		if nl < 0 {
			return len(content)
		}
		off += nl + 1
	}
	lineLen := strings.IndexByte(content[off:], '\n')
	if lineLen < 0 {
		lineLen = len(content) - off
	}
	return off + max(0, min(pos.Col, lineLen))
}

// WriteEdit applies e to the file on disk.
func WriteEdit(e model.Edit) error {
	var current string
	if e.Type != model.EditCreateFile {
		data, err := os.ReadFile(e.Filename)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", e.Filename, err)
		}
		current = string(data)
	} else if !e.Overwrite {
		if _, err := os.Stat(e.Filename); err == nil {
			return fmt.Errorf("%s already exists", e.Filename)
		}
	}

	next, err := ApplyEdit(current, e)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(e.Filename), 0o755); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", e.Filename, err)
	}
	if err := os.WriteFile(e.Filename, []byte(next), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", e.Filename, err)
	}
	return nil
}

// WriteEdits writes every edit to disk in order. errs maps a failed path
// to its cause.
func WriteEdits(edits []model.Edit, progressCb func(int)) (written, failed []string, errs map[string]error) {
	errs = make(map[string]error)
	for i, e := range edits {
		if err := WriteEdit(e); err != nil {
			failed = append(failed, e.Filename)
			errs[e.Filename] = err
		} else {
			written = append(written, e.Filename)
		}
		if progressCb != nil {
			progressCb(i + 1)
		}
	}
	return written, failed, errs
}

// GetFileSHA256 returns the hex SHA-256 of a file's content.
func GetFileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashContent returns the hex SHA-256 of s.
func HashContent(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// IsEmpty reports whether dir has no entries.
func IsEmpty(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()

	_, err = f.Readdirnames(1)
	if err == io.EOF {
		return true, nil
	}
	return false, err
}
