package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchRunsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reply.md")
	other := filepath.Join(dir, "other.md")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs := make(chan string, 10)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, nil, func(context.Context) error {
			data, err := os.ReadFile(path)
			if err == nil {
				runs <- string(data)
			}
			return err
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(other, []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	select {
	case got := <-runs:
		assert.Equal(t, "v2", got)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not fire")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchMissingDir(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "no", "such", "file"), time.Millisecond, nil, func(context.Context) error { return nil })
	assert.Error(t, err)
}
