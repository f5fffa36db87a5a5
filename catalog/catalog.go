// Package catalog persists tenant and collection definitions in a
// SQLite database. It is the source of truth for which collections
// exist, their immutable configuration (dimension, metric, index
// parameters), and their lifecycle state.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/stratum/model"
)

// Catalog is the SQLite-backed metadata store.
type Catalog struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the catalog database at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	c := &Catalog{db: db, path: path}
	if err := c.init(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := c.db.Exec(p); err != nil {
			return fmt.Errorf("pragma failed: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS collections (
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			dimension INTEGER NOT NULL,
			metric TEXT NOT NULL,
			hnsw_m INTEGER NOT NULL,
			hnsw_ef_construction INTEGER NOT NULL,
			hnsw_ef_search INTEGER NOT NULL,
			state TEXT NOT NULL DEFAULT 'unloaded',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, name)
		);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("schema creation failed: %w", err)
	}
	return nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// EnsureTenant creates the tenant if it does not exist.
func (c *Catalog) EnsureTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return model.NewValidationError("tenant id must not be empty")
	}
	_, err := c.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO tenants (id, created_at) VALUES (?, ?)",
		tenantID, time.Now().Unix())
	return err
}

// CreateCollection registers a new collection. Creating a name that
// already exists under the tenant is a ValidationError.
func (c *Catalog) CreateCollection(ctx context.Context, cfg model.CollectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return model.NewValidationError("invalid collection config: %v", err)
	}
	if err := c.EnsureTenant(ctx, cfg.TenantID); err != nil {
		return err
	}

	now := time.Now().Unix()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO collections
			(tenant_id, name, dimension, metric, hnsw_m, hnsw_ef_construction, hnsw_ef_search, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.TenantID, cfg.Name, cfg.Dimension, cfg.Metric.String(),
		cfg.HNSW.M, cfg.HNSW.EfConstruction, cfg.HNSW.EfSearch,
		cfg.State.String(), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewValidationError("collection %q already exists for tenant %q", cfg.Name, cfg.TenantID)
		}
		return err
	}
	return nil
}

// GetCollection loads a collection definition.
func (c *Catalog) GetCollection(ctx context.Context, tenantID, name string) (model.CollectionConfig, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT tenant_id, name, dimension, metric, hnsw_m, hnsw_ef_construction, hnsw_ef_search, state
		FROM collections WHERE tenant_id = ? AND name = ?`,
		tenantID, name)

	cfg, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CollectionConfig{}, &model.NotFoundError{Kind: "collection", Name: tenantID + "/" + name}
	}
	return cfg, err
}

// ListCollections returns all collection definitions of a tenant,
// ordered by name.
func (c *Catalog) ListCollections(ctx context.Context, tenantID string) ([]model.CollectionConfig, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT tenant_id, name, dimension, metric, hnsw_m, hnsw_ef_construction, hnsw_ef_search, state
		FROM collections WHERE tenant_id = ? ORDER BY name`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CollectionConfig
	for rows.Next() {
		cfg, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// UpdateState persists a collection's lifecycle state transition.
func (c *Catalog) UpdateState(ctx context.Context, tenantID, name string, state model.CollectionState) error {
	res, err := c.db.ExecContext(ctx,
		"UPDATE collections SET state = ?, updated_at = ? WHERE tenant_id = ? AND name = ?",
		state.String(), time.Now().Unix(), tenantID, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &model.NotFoundError{Kind: "collection", Name: tenantID + "/" + name}
	}
	return nil
}

// DropCollection removes a collection definition.
func (c *Catalog) DropCollection(ctx context.Context, tenantID, name string) error {
	res, err := c.db.ExecContext(ctx,
		"DELETE FROM collections WHERE tenant_id = ? AND name = ?",
		tenantID, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &model.NotFoundError{Kind: "collection", Name: tenantID + "/" + name}
	}
	return nil
}

// Backup writes a consistent snapshot of the catalog to destPath using
// SQLite's VACUUM INTO, which is safe against concurrent writers.
func (c *Catalog) Backup(ctx context.Context, destPath string) error {
	_, err := c.db.ExecContext(ctx, "VACUUM INTO ?", destPath)
	if err != nil {
		return model.NewDurabilityError("catalog backup", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(row rowScanner) (model.CollectionConfig, error) {
	var cfg model.CollectionConfig
	var metric, state string
	err := row.Scan(&cfg.TenantID, &cfg.Name, &cfg.Dimension, &metric,
		&cfg.HNSW.M, &cfg.HNSW.EfConstruction, &cfg.HNSW.EfSearch, &state)
	if err != nil {
		return model.CollectionConfig{}, err
	}
	m, err := model.ParseDistanceMetric(metric)
	if err != nil {
		return model.CollectionConfig{}, err
	}
	cfg.Metric = m
	if state == "loaded" {
		cfg.State = model.StateLoaded
	}
	return cfg, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
