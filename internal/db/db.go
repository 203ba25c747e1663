package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/esnunes/forkline/internal/paths"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// schema is written in the subset of SQL shared by SQLite and PostgreSQL.
// Timestamps are unix nanoseconds so ordering is exact on both engines.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    created_at  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS collaborators (
    id            TEXT PRIMARY KEY,
    project_id    TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    name          TEXT NOT NULL,
    avatar_color  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS branches (
    id                       TEXT PRIMARY KEY,
    project_id               TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    parent_branch_id         TEXT,
    branch_point_message_id  TEXT,
    name                     TEXT NOT NULL,
    description              TEXT NOT NULL DEFAULT '',
    is_main                  INTEGER NOT NULL DEFAULT 0 CHECK (is_main IN (0, 1)),
    created_by               TEXT,
    created_at               BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id               TEXT PRIMARY KEY,
    project_id       TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    branch_id        TEXT,
    role             TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    content          TEXT NOT NULL,
    agent_id         TEXT NOT NULL DEFAULT '',
    files            TEXT,
    collaborator_id  TEXT,
    merge_key        TEXT,
    created_at       BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS file_assets (
    id          TEXT PRIMARY KEY,
    project_id  TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    branch_id   TEXT,
    message_id  TEXT NOT NULL,
    name        TEXT NOT NULL,
    type        TEXT NOT NULL,
    category    TEXT NOT NULL,
    content     TEXT NOT NULL,
    size        BIGINT NOT NULL,
    created_at  BIGINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_branches_main ON branches(project_id) WHERE is_main = 1;
CREATE INDEX IF NOT EXISTS idx_branches_project ON branches(project_id);
CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_branch ON messages(branch_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_merge_key ON messages(branch_id, merge_key) WHERE merge_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_file_assets_message ON file_assets(message_id);
`

// DBPath returns the default SQLite database location inside the data directory.
func DBPath() (string, error) {
	dir, err := paths.DataDir()
	if err != nil {
		return "", fmt.Errorf("getting data directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	return filepath.Join(dir, "forkline.db"), nil
}

// Open connects to the record store and applies the schema. driver is either
// DriverSQLite (dsn is a file path) or DriverPostgres (dsn is a connection URL).
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverSQLite:
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)"
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate runs the schema one statement at a time; pgx rejects multi-statement
// Exec calls on the extended protocol.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("running schema migration: %w", err)
		}
	}
	return nil
}
