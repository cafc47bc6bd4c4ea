package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	_ "github.com/lib/pq"

	"github.com/me/berth/pkg/model"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore connects to the database named by dsn.
func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{
		db:     db,
		logger: logger.With("component", "store", "driver", "postgres"),
	}, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded goose migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// --- Organization operations ---

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *model.Organization) error {
	s.logger.Debug("sql", "op", "insert", "table", "organizations", "id", org.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, created_at) VALUES ($1, $2, $3)`,
		org.ID, org.Name, org.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	s.logger.Debug("sql", "op", "select", "table", "organizations", "id", id)

	var org model.Organization
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM organizations WHERE id = $1`, id,
	).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (s *PostgresStore) ListOrganizations(ctx context.Context) ([]*model.Organization, error) {
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
		if err := rows.Scan(&org.ID, &org.Name, &org.CreatedAt); err != nil {
			return nil, err
		}
		orgs = append(orgs, &org)
	}
	return orgs, rows.Err()
}

// --- Cluster CRUD ---

func (s *PostgresStore) CreateCluster(ctx context.Context, c *model.Cluster) error {
	s.logger.Debug("sql", "op", "insert", "table", "clusters", "id", c.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clusters (`+clusterColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		c.ID, c.OrganizationID, c.Name, c.Description, c.CloudProvider, c.Region, string(c.Status),
		c.Limit.CPU, c.Limit.Memory, c.Limit.GPU,
		c.Used.CPU, c.Used.Memory, c.Used.GPU,
		c.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetCluster(ctx context.Context, id string) (*model.Cluster, error) {
	s.logger.Debug("sql", "op", "select", "table", "clusters", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE id = $1`, id)
	return scanPostgresCluster(row)
}

func (s *PostgresStore) ListClusters(ctx context.Context, organizationID string) ([]*model.Cluster, error) {
	s.logger.Debug("sql", "op", "list", "table", "clusters", "organization_id", organizationID)

	query := `SELECT ` + clusterColumns + ` FROM clusters`
	var args []any
	if organizationID != "" {
		query += ` WHERE organization_id = $1`
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
		c, err := scanPostgresCluster(rows)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

func (s *PostgresStore) UpdateCluster(ctx context.Context, c *model.Cluster) error {
	s.logger.Debug("sql", "op", "update", "table", "clusters", "id", c.ID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE clusters SET name=$1, description=$2, cloud_provider=$3, region=$4, status=$5,
		 cpu_limit=$6, ram_limit=$7, gpu_limit=$8, cpu_used=$9, ram_used=$10, gpu_used=$11 WHERE id=$12`,
		c.Name, c.Description, c.CloudProvider, c.Region, string(c.Status),
		c.Limit.CPU, c.Limit.Memory, c.Limit.GPU,
		c.Used.CPU, c.Used.Memory, c.Used.GPU,
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

func (s *PostgresStore) DeleteCluster(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "clusters", "id", id)

	// deployments cascade
	result, err := s.db.ExecContext(ctx, `DELETE FROM clusters WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("cluster %s not found", id)
	}
	return nil
}

func scanPostgresCluster(row scanner) (*model.Cluster, error) {
	var c model.Cluster
	var status string

	err := row.Scan(
		&c.ID, &c.OrganizationID, &c.Name, &c.Description, &c.CloudProvider, &c.Region, &status,
		&c.Limit.CPU, &c.Limit.Memory, &c.Limit.GPU,
		&c.Used.CPU, &c.Used.Memory, &c.Used.GPU,
		&c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Status = model.ClusterStatus(status)
	return &c, nil
}

// --- Deployment CRUD ---

func (s *PostgresStore) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	s.logger.Debug("sql", "op", "insert", "table", "deployments", "id", d.ID)

	dependsOnJSON, err := marshalDependsOn(d.DependsOn)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deployments (`+deploymentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		d.ID, d.ClusterID, d.Name, d.Description,
		d.Request.CPU, d.Request.Memory, d.Request.GPU,
		int(d.Priority), string(d.State), dependsOnJSON, d.Message,
		d.CreatedAt, d.ScheduledAt, d.StartedAt, d.CompletedAt,
	)
	return err
}

func (s *PostgresStore) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	s.logger.Debug("sql", "op", "select", "table", "deployments", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	return scanPostgresDeployment(row)
}

func (s *PostgresStore) ListDeployments(ctx context.Context, opts model.ListOptions) ([]*model.Deployment, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "deployments", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var whereClauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.ClusterID != "" {
		whereClauses = append(whereClauses, "cluster_id = "+arg(opts.ClusterID))
	}
	if opts.State != "" {
		whereClauses = append(whereClauses, "state = "+arg(opts.State))
	}
	if opts.OrganizationID != "" {
		whereClauses = append(whereClauses,
			"cluster_id IN (SELECT id FROM clusters WHERE organization_id = "+arg(opts.OrganizationID)+")")
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deployments`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT ` + deploymentColumns + ` FROM deployments` + whereSQL +
		` ORDER BY created_at DESC, id LIMIT ` + arg(opts.Limit) + ` OFFSET ` + arg(opts.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	deps, err := scanPostgresDeployments(rows)
	if err != nil {
		return nil, 0, err
	}
	return deps, total, nil
}

func (s *PostgresStore) ListDeploymentsByCluster(ctx context.Context, clusterID string) ([]*model.Deployment, error) {
	s.logger.Debug("sql", "op", "list_by_cluster", "table", "deployments", "cluster_id", clusterID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE cluster_id = $1 ORDER BY created_at, id`, clusterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPostgresDeployments(rows)
}

func (s *PostgresStore) UpdateDeployment(ctx context.Context, d *model.Deployment) error {
	s.logger.Debug("sql", "op", "update", "table", "deployments", "id", d.ID, "state", d.State)

	dependsOnJSON, err := marshalDependsOn(d.DependsOn)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET name=$1, description=$2, priority=$3, state=$4, depends_on=$5, message=$6,
		 scheduled_at=$7, started_at=$8, completed_at=$9 WHERE id=$10`,
		d.Name, d.Description, int(d.Priority), string(d.State), dependsOnJSON, d.Message,
		d.ScheduledAt, d.StartedAt, d.CompletedAt,
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

func (s *PostgresStore) DeleteDeployment(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "deployments", "id", id)

	result, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("deployment %s not found", id)
	}
	return nil
}

func scanPostgresDeployment(row scanner) (*model.Deployment, error) {
	var d model.Deployment
	var priority int
	var state string
	var dependsOnJSON []byte
	var scheduledAt, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&d.ID, &d.ClusterID, &d.Name, &d.Description,
		&d.Request.CPU, &d.Request.Memory, &d.Request.GPU,
		&priority, &state, &dependsOnJSON, &d.Message,
		&d.CreatedAt, &scheduledAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	d.Priority = model.Priority(priority)
	d.State = model.DeploymentState(state)
	if err := json.Unmarshal(dependsOnJSON, &d.DependsOn); err != nil {
		return nil, fmt.Errorf("unmarshal depends_on: %w", err)
	}
	d.ScheduledAt = nullTime(scheduledAt)
	d.StartedAt = nullTime(startedAt)
	d.CompletedAt = nullTime(completedAt)
	return &d, nil
}

func scanPostgresDeployments(rows *sql.Rows) ([]*model.Deployment, error) {
	var deps []*model.Deployment
	for rows.Next() {
		d, err := scanPostgresDeployment(rows)
		if err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
