package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the SQLite DDL for all berth tables.
// Each statement uses IF NOT EXISTS for idempotency.
// CPU and memory amounts are stored as decimal strings.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS clusters (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		name            TEXT NOT NULL,
		cloud_provider  TEXT NOT NULL DEFAULT '',
		region          TEXT NOT NULL DEFAULT '',
		cpu_limit       TEXT NOT NULL,
		ram_limit       TEXT NOT NULL,
		gpu_limit       INTEGER NOT NULL DEFAULT 0,
		cpu_used        TEXT NOT NULL DEFAULT '0',
		ram_used        TEXT NOT NULL DEFAULT '0',
		gpu_used        INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS deployments (
		id              TEXT PRIMARY KEY,
		cluster_id      TEXT NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
		name            TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		cpu_required    TEXT NOT NULL,
		memory_required TEXT NOT NULL,
		gpu_required    INTEGER NOT NULL DEFAULT 0,
		priority        INTEGER NOT NULL DEFAULT 1,
		state           TEXT NOT NULL DEFAULT 'PENDING',
		depends_on      TEXT NOT NULL DEFAULT '[]',
		created_at      TEXT NOT NULL,
		scheduled_at    TEXT,
		started_at      TEXT,
		completed_at    TEXT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_clusters_organization_id ON clusters(organization_id)`,
	`CREATE INDEX IF NOT EXISTS idx_deployments_cluster_id ON deployments(cluster_id)`,
	`CREATE INDEX IF NOT EXISTS idx_deployments_state ON deployments(state)`,
	// Compound index for per-cluster state scans during rehydration
	`CREATE INDEX IF NOT EXISTS idx_deployments_cluster_state ON deployments(cluster_id, state)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "clusters",
		column:   "description",
		alterSQL: "ALTER TABLE clusters ADD COLUMN description TEXT NOT NULL DEFAULT ''",
	},
	{
		table:    "clusters",
		column:   "status",
		alterSQL: "ALTER TABLE clusters ADD COLUMN status TEXT NOT NULL DEFAULT 'pending'",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_clusters_status ON clusters(status)",
	},
	{
		table:    "deployments",
		column:   "message",
		alterSQL: "ALTER TABLE deployments ADD COLUMN message TEXT NOT NULL DEFAULT ''",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	// Execute ALTER TABLE statements idempotently.
	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	exists, err := columnExists(ctx, db, table, column)
	if err != nil || exists {
		return err
	}
	_, err = db.ExecContext(ctx, alterSQL)
	return err
}

// columnExists reads PRAGMA table_info and closes the rows before returning,
// so the caller may issue the ALTER on the same single connection.
func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}
