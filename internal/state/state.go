// Package state keeps the undo/redo history of applied runs in a SQLite
// database under the project root.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sokinpui/llmd/internal/fs"
)

const (
	stateDirName = ".llmd"
	dbFileName   = "history.db"
)

var (
	ErrNothingToUndo = errors.New("no operation to undo")
	ErrNothingToRedo = errors.New("no operation to redo")
)

// Action is what a run did to a file.
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
)

// Operation is the change of one file within a run.
type Operation struct {
	Path   string
	Action Action
	Before string // empty for ActionCreate
	After  string
}

// Run is one recorded invocation.
type Run struct {
	ID         string
	Timestamp  time.Time
	Operations []Operation
}

// Result lists the files an undo or redo handled.
type Result struct {
	Run    *Run
	Done   []string
	Failed []string
}

// Manager handles the history database.
type Manager struct {
	db       *sql.DB
	StateDir string
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	ts TEXT NOT NULL,
	undone INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS operations (
	run_id TEXT NOT NULL,
	ord INTEGER NOT NULL,
	path TEXT NOT NULL,
	action TEXT NOT NULL,
	before_content TEXT NOT NULL,
	after_content TEXT NOT NULL,
	before_hash TEXT NOT NULL,
	after_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_run ON operations(run_id);
`

// FindProjectRoot returns the git top level, or the working directory
// outside a repository.
func FindProjectRoot() (string, error) {
	out, err := exec.Command("git", "rev-parse", "--show-toplevel").Output()
	if err == nil {
		return strings.TrimSpace(string(out)), nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("could not get current working directory: %w", err)
	}
	return wd, nil
}

// Open opens (creating if needed) the history of the project at root.
func Open(root string) (*Manager, error) {
	stateDir := filepath.Join(root, stateDirName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(stateDir, dbFileName))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Manager{db: db, StateDir: stateDir}, nil
}

// Close closes the database.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Write records a new run and discards every undone run after it.
func (m *Manager) Write(ops []Operation) (string, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM operations WHERE run_id IN (SELECT id FROM runs WHERE undone = 1)`); err != nil {
		return "", fmt.Errorf("drop redo operations: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE undone = 1`); err != nil {
		return "", fmt.Errorf("drop redo runs: %w", err)
	}

	id := uuid.NewString()
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`INSERT INTO runs (id, ts) VALUES (?, ?)`, id, ts); err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO operations
		(run_id, ord, path, action, before_content, after_content, before_hash, after_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()

	for i, op := range ops {
		_, err := stmt.Exec(id, i, op.Path, string(op.Action), op.Before, op.After,
			fs.HashContent(op.Before), fs.HashContent(op.After))
		if err != nil {
			return "", fmt.Errorf("insert operation for %s: %w", op.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// Undo reverts the latest applied run. A file that changed since the run
// is left alone and reported as failed.
func (m *Manager) Undo() (*Result, error) {
	run, err := m.loadRun(`SELECT id, ts FROM runs WHERE undone = 0 ORDER BY seq DESC LIMIT 1`)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrNothingToUndo
	}

	res := &Result{Run: run}
	for i := len(run.Operations) - 1; i >= 0; i-- {
		op := run.Operations[i]
		if revert(op) {
			res.Done = append(res.Done, op.Path)
		} else {
			res.Failed = append(res.Failed, op.Path)
		}
	}
	if _, err := m.db.Exec(`UPDATE runs SET undone = 1 WHERE id = ?`, run.ID); err != nil {
		return nil, fmt.Errorf("mark run undone: %w", err)
	}
	return res, nil
}

// Redo re-applies the earliest undone run.
func (m *Manager) Redo() (*Result, error) {
	run, err := m.loadRun(`SELECT id, ts FROM runs WHERE undone = 1 ORDER BY seq ASC LIMIT 1`)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrNothingToRedo
	}

	res := &Result{Run: run}
	for _, op := range run.Operations {
		if reapply(op) {
			res.Done = append(res.Done, op.Path)
		} else {
			res.Failed = append(res.Failed, op.Path)
		}
	}
	if _, err := m.db.Exec(`UPDATE runs SET undone = 0 WHERE id = ?`, run.ID); err != nil {
		return nil, fmt.Errorf("mark run redone: %w", err)
	}
	return res, nil
}

// Runs returns the recorded runs, oldest first, without their operations.
func (m *Manager) Runs() ([]Run, error) {
	rows, err := m.db.Query(`SELECT id, ts FROM runs ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var id, ts string
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, err
		}
		t, _ := time.Parse(time.RFC3339Nano, ts)
		runs = append(runs, Run{ID: id, Timestamp: t})
	}
	return runs, rows.Err()
}

func (m *Manager) loadRun(query string) (*Run, error) {
	var id, ts string
	err := m.db.QueryRow(query).Scan(&id, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	t, _ := time.Parse(time.RFC3339Nano, ts)
	run := &Run{ID: id, Timestamp: t}

	rows, err := m.db.Query(`SELECT path, action, before_content, after_content
		FROM operations WHERE run_id = ? ORDER BY ord ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load operations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var op Operation
		var action string
		if err := rows.Scan(&op.Path, &action, &op.Before, &op.After); err != nil {
			return nil, err
		}
		op.Action = Action(action)
		run.Operations = append(run.Operations, op)
	}
	return run, rows.Err()
}

func revert(op Operation) bool {
	current, err := fs.GetFileSHA256(op.Path)
	if err != nil {
		// Undoing a create whose file is already gone is a no-op.
		return os.IsNotExist(err) && op.Action == ActionCreate
	}
	if current != fs.HashContent(op.After) {
		return false
	}

	if op.Action == ActionCreate {
		if err := os.Remove(op.Path); err != nil {
			return false
		}
		parentDir := filepath.Dir(op.Path)
		if isEmpty, _ := fs.IsEmpty(parentDir); isEmpty {
			_ = os.Remove(parentDir)
		}
		return true
	}
	return os.WriteFile(op.Path, []byte(op.Before), 0o644) == nil
}

func reapply(op Operation) bool {
	current, err := fs.GetFileSHA256(op.Path)
	switch {
	case op.Action == ActionCreate && os.IsNotExist(err):
		if err := os.MkdirAll(filepath.Dir(op.Path), 0o755); err != nil {
			return false
		}
	case err != nil:
		return false
	case current == fs.HashContent(op.After):
		return true
	case op.Action == ActionCreate || current != fs.HashContent(op.Before):
		return false
	}
	return os.WriteFile(op.Path, []byte(op.After), 0o644) == nil
}
