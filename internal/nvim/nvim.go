package nvim

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/neovim/go-client/nvim"

	"github.com/sokinpui/llmd/internal/fs"
	"github.com/sokinpui/llmd/model"
)

// Manager handles the connection and interaction with a Neovim instance.
type Manager struct {
	nvim          *nvim.Nvim
	isSelfStarted bool
	cmd           *exec.Cmd
	socketPath    string
}

// New creates a new Neovim manager, connecting to an existing instance
// or starting a new headless one.
func New() (*Manager, error) {
	if addr := os.Getenv("NVIM_LISTEN_ADDRESS"); addr != "" {
		v, err := nvim.Dial(addr)
		if err == nil {
			return &Manager{nvim: v}, nil
		}
	}

	tmpDir, err := os.MkdirTemp("", "llmd-nvim-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir for nvim: %w", err)
	}
	socketPath := filepath.Join(tmpDir, "nvim.sock")

	cmd := exec.Command("nvim", "--headless", "--clean", "--listen", socketPath)
	if err := cmd.Start(); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("failed to start headless nvim: %w. Is 'nvim' in your PATH?", err)
	}

	for i := 0; i < 20; i++ {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	v, err := nvim.Dial(socketPath)
	if err != nil {
		cmd.Process.Kill()
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("failed to connect to headless nvim: %w", err)
	}

	m := &Manager{
		nvim:          v,
		isSelfStarted: true,
		cmd:           cmd,
		socketPath:    socketPath,
	}
	if err := v.Command("set noswapfile"); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to configure headless nvim: %w", err)
	}
	return m, nil
}

// Close disconnects from Neovim and cleans up if it was self-started.
func (m *Manager) Close() {
	if m.nvim != nil {
		m.nvim.Close()
	}
	if m.isSelfStarted && m.cmd != nil && m.cmd.Process != nil {
		if err := m.cmd.Process.Kill(); err == nil {
			m.cmd.Wait()
			os.RemoveAll(filepath.Dir(m.socketPath))
		}
	}
}

// ApplyEdits loads each edit into its buffer.
func (m *Manager) ApplyEdits(edits []model.Edit, progressCb func(int)) (updated, failed []string) {
	for i, e := range edits {
		if err := m.applyEdit(e); err != nil {
			failed = append(failed, e.Filename)
		} else {
			updated = append(updated, e.Filename)
		}
		if progressCb != nil {
			progressCb(i + 1)
		}
	}
	return updated, failed
}

func (m *Manager) applyEdit(e model.Edit) error {
	if err := m.nvim.Command("edit " + escapePath(e.Filename)); err != nil {
		return err
	}

	current := ""
	if e.Type != model.EditCreateFile {
		lines, err := m.nvim.BufferLines(0, 0, -1, true)
		if err != nil {
			return err
		}
		current = joinLines(lines)
	}

	next, err := fs.ApplyEdit(current, e)
	if err != nil {
		return err
	}
	return m.nvim.SetBufferLines(0, 0, -1, true, splitLines(next))
}

// SaveAllBuffers writes all modified buffers to disk. Parent directories
// of new files must already exist.
func (m *Manager) SaveAllBuffers() error {
	return m.nvim.Command("wall!")
}

// escapePath escapes characters that are special on the Ex command line.
func escapePath(path string) string {
	return strings.NewReplacer(" ", `\ `, "%", `\%`, "#", `\#`).Replace(path)
}

// joinLines rebuilds buffer text. A buffer always holds a final newline.
func joinLines(lines [][]byte) string {
	var b strings.Builder
	for _, l := range lines {
		b.Write(l)
		b.WriteByte('\n')
	}
	return b.String()
}

// splitLines is the inverse of joinLines.
func splitLines(content string) [][]byte {
	content = strings.TrimSuffix(content, "\n")
	parts := strings.Split(content, "\n")
	lines := make([][]byte, len(parts))
	for i, p := range parts {
		lines[i] = []byte(p)
	}
	return lines
}
