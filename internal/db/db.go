// Package db opens the workspace-local SQLite store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".agentflow"
	dbName       = "agentflow.db"
)

type Config struct {
	Workspace string
}

// Connection pragmas. WAL keeps the reaper and API handlers from blocking
// each other; busy_timeout covers the brief writer lock during the
// session-stop pipeline.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
}

// EnsureWorkspace creates the .agentflow directory if missing and returns
// its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := Dir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// Open opens the workspace database, creating the workspace if needed.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	opts := make([]string, 0, len(pragmas))
	for _, p := range pragmas {
		opts = append(opts, "_pragma="+p)
	}
	dsn := fmt.Sprintf("file:%s?%s", Path(cfg.Workspace), strings.Join(opts, "&"))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc's driver serializes writes; a single connection avoids
	// SQLITE_BUSY between overlapping transactions.
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Dir returns the workspace data directory.
func Dir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir)
}

// Path returns the database file path for the workspace.
func Path(workspace string) string {
	return filepath.Join(Dir(workspace), dbName)
}
