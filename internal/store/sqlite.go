package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/berth/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Organization operations ---

func (s *SQLiteStore) CreateOrganization(ctx context.Context, org *model.Organization) error {
	s.logger.Debug("sql", "op", "insert", "table", "organizations", "id", org.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, created_at) VALUES (?, ?, ?)`,
		org.ID, org.Name, org.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	s.logger.Debug("sql", "op", "select", "table", "organizations", "id", id)

	var org model.Organization
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM organizations WHERE id = ?`, id,
	).Scan(&org.ID, &org.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	org.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &org, nil
}

func (s *SQLiteStore) ListOrganizations(ctx context.Context) ([]*model.Organization, error) {
	s.logger.Debug("sql", "op", "list", "table", "organizations")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM organizations ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []*model.Organization
	for rows.Next() {
		var org model.Organization
		var createdAt string
		if err := rows.Scan(&org.ID, &org.Name, &createdAt); err != nil {
			return nil, err
		}
		org.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		orgs = append(orgs, &org)
	}
	return orgs, rows.Err()
}

// --- Cluster CRUD ---

const clusterColumns = `id, organization_id, name, description, cloud_provider, region, status,
	cpu_limit, ram_limit, gpu_limit, cpu_used, ram_used, gpu_used, created_at`

func (s *SQLiteStore) CreateCluster(ctx context.Context, c *model.Cluster) error {
	s.logger.Debug("sql", "op", "insert", "table", "clusters", "id", c.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clusters (`+clusterColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OrganizationID, c.Name, c.Description, c.CloudProvider, c.Region, string(c.Status),
		c.Limit.CPU.String(), c.Limit.Memory.String(), c.Limit.GPU,
		c.Used.CPU.String(), c.Used.Memory.String(), c.Used.GPU,
		c.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetCluster(ctx context.Context, id string) (*model.Cluster, error) {
	s.logger.Debug("sql", "op", "select", "table", "clusters", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE id = ?`, id)
	return scanCluster(row)
}

func (s *SQLiteStore) ListClusters(ctx context.Context, organizationID string) ([]*model.Cluster, error) {
	s.logger.Debug("sql", "op", "list", "table", "clusters", "organization_id", organizationID)

	query := `SELECT ` + clusterColumns + ` FROM clusters`
	var args []any
	if organizationID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, organizationID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clusters []*model.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

func (s *SQLiteStore) UpdateCluster(ctx context.Context, c *model.Cluster) error {
	s.logger.Debug("sql", "op", "update", "table", "clusters", "id", c.ID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE clusters SET name=?, description=?, cloud_provider=?, region=?, status=?,
		 cpu_limit=?, ram_limit=?, gpu_limit=?, cpu_used=?, ram_used=?, gpu_used=? WHERE id=?`,
		c.Name, c.Description, c.CloudProvider, c.Region, string(c.Status),
		c.Limit.CPU.String(), c.Limit.Memory.String(), c.Limit.GPU,
		c.Used.CPU.String(), c.Used.Memory.String(), c.Used.GPU,
		c.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("cluster %s not found", c.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteCluster(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "clusters", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM deployments WHERE cluster_id = ?`, id); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM clusters WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("cluster %s not found", id)
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCluster(row scanner) (*model.Cluster, error) {
	var c model.Cluster
	var status, createdAt string

	err := row.Scan(
		&c.ID, &c.OrganizationID, &c.Name, &c.Description, &c.CloudProvider, &c.Region, &status,
		&c.Limit.CPU, &c.Limit.Memory, &c.Limit.GPU,
		&c.Used.CPU, &c.Used.Memory, &c.Used.GPU,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Status = model.ClusterStatus(status)
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &c, nil
}

// --- Deployment CRUD ---

const deploymentColumns = `id, cluster_id, name, description, cpu_required, memory_required, gpu_required,
	priority, state, depends_on, message, created_at, scheduled_at, started_at, completed_at`

func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	s.logger.Debug("sql", "op", "insert", "table", "deployments", "id", d.ID)

	dependsOnJSON, err := marshalDependsOn(d.DependsOn)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deployments (`+deploymentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ClusterID, d.Name, d.Description,
		d.Request.CPU.String(), d.Request.Memory.String(), d.Request.GPU,
		int(d.Priority), string(d.State), dependsOnJSON, d.Message,
		d.CreatedAt.Format(time.RFC3339Nano),
		formatTime(d.ScheduledAt), formatTime(d.StartedAt), formatTime(d.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	s.logger.Debug("sql", "op", "select", "table", "deployments", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	return scanDeployment(row)
}

func (s *SQLiteStore) ListDeployments(ctx context.Context, opts model.ListOptions) ([]*model.Deployment, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "deployments", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	// Build WHERE clause dynamically based on filters.
	var whereClauses []string
	var countArgs []any

	if opts.ClusterID != "" {
		whereClauses = append(whereClauses, "cluster_id = ?")
		countArgs = append(countArgs, opts.ClusterID)
	}
	if opts.State != "" {
		whereClauses = append(whereClauses, "state = ?")
		countArgs = append(countArgs, opts.State)
	}
	if opts.OrganizationID != "" {
		whereClauses = append(whereClauses, "cluster_id IN (SELECT id FROM clusters WHERE organization_id = ?)")
		countArgs = append(countArgs, opts.OrganizationID)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	// Count query.
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deployments`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	// List query with pagination.
	listQuery := `SELECT ` + deploymentColumns + ` FROM deployments` + whereSQL +
		` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	deps, err := scanDeployments(rows)
	if err != nil {
		return nil, 0, err
	}
	return deps, total, nil
}

func (s *SQLiteStore) ListDeploymentsByCluster(ctx context.Context, clusterID string) ([]*model.Deployment, error) {
	s.logger.Debug("sql", "op", "list_by_cluster", "table", "deployments", "cluster_id", clusterID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE cluster_id = ? ORDER BY created_at, id`, clusterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeployments(rows)
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, d *model.Deployment) error {
	s.logger.Debug("sql", "op", "update", "table", "deployments", "id", d.ID, "state", d.State)

	dependsOnJSON, err := marshalDependsOn(d.DependsOn)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET name=?, description=?, priority=?, state=?, depends_on=?, message=?,
		 scheduled_at=?, started_at=?, completed_at=? WHERE id=?`,
		d.Name, d.Description, int(d.Priority), string(d.State), dependsOnJSON, d.Message,
		formatTime(d.ScheduledAt), formatTime(d.StartedAt), formatTime(d.CompletedAt),
		d.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("deployment %s not found", d.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteDeployment(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "deployments", "id", id)

	result, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("deployment %s not found", id)
	}
	return nil
}

func scanDeployment(row scanner) (*model.Deployment, error) {
	var d model.Deployment
	var priority int
	var state, dependsOnJSON, createdAt string
	var scheduledAt, startedAt, completedAt *string

	err := row.Scan(
		&d.ID, &d.ClusterID, &d.Name, &d.Description,
		&d.Request.CPU, &d.Request.Memory, &d.Request.GPU,
		&priority, &state, &dependsOnJSON, &d.Message,
		&createdAt, &scheduledAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	d.Priority = model.Priority(priority)
	d.State = model.DeploymentState(state)
	if err := json.Unmarshal([]byte(dependsOnJSON), &d.DependsOn); err != nil {
		return nil, fmt.Errorf("unmarshal depends_on: %w", err)
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	d.ScheduledAt = parseTime(scheduledAt)
	d.StartedAt = parseTime(startedAt)
	d.CompletedAt = parseTime(completedAt)
	return &d, nil
}

func scanDeployments(rows *sql.Rows) ([]*model.Deployment, error) {
	var deps []*model.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func marshalDependsOn(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("marshal depends_on: %w", err)
	}
	return string(b), nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func parseTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
