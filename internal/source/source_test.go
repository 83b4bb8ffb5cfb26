package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetContentFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reply.md")
	require.NoError(t, os.WriteFile(path, []byte("FILE a.go:\n```go\n```\n"), 0o644))

	content, origin, err := New(path, nil).GetContent()
	require.NoError(t, err)
	assert.Equal(t, OriginFile, origin)
	assert.Equal(t, "FILE a.go:\n```go\n```\n", content)
}

func TestGetContentMissingFile(t *testing.T) {
	_, _, err := New(filepath.Join(t.TempDir(), "nope.md"), nil).GetContent()
	assert.Error(t, err)
}

func TestGetContentFromPipedStdin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdin")
	require.NoError(t, os.WriteFile(path, []byte("piped reply"), 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	p := New("", nil)
	p.stdin = f
	content, origin, err := p.GetContent()
	require.NoError(t, err)
	assert.Equal(t, OriginStdin, origin)
	assert.Equal(t, "piped reply", content)
}
