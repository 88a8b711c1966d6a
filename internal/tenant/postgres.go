package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the tenant configuration tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS tenant_prompts (
    tenant_id       TEXT PRIMARY KEY,
    system_prompt   TEXT NOT NULL DEFAULT '',
    config_metadata JSONB NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS reservation_fields (
    tenant_id     TEXT NOT NULL,
    key           TEXT NOT NULL,
    label         TEXT NOT NULL,
    type          TEXT NOT NULL DEFAULT 'text',
    required      BOOLEAN NOT NULL DEFAULT false,
    options       JSONB NOT NULL DEFAULT '[]',
    description   TEXT NOT NULL DEFAULT '',
    display_order INTEGER NOT NULL DEFAULT 0,
    enabled       BOOLEAN NOT NULL DEFAULT true,
    PRIMARY KEY (tenant_id, key)
);
CREATE INDEX IF NOT EXISTS idx_reservation_fields_order
    ON reservation_fields (tenant_id, display_order);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides tenant prompt and reservation-field lookups.
type Store interface {
	// GetPrompt returns the tenant's prompt row, or [ErrNotFound].
	GetPrompt(ctx context.Context, tenantID string) (*Prompt, error)

	// ListFields returns the tenant's enabled fields ordered by display
	// order. An empty slice means the tenant has no fields configured.
	ListFields(ctx context.Context, tenantID string) ([]Field, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("tenant: migrate: %w", err)
	}
	return nil
}

// GetPrompt retrieves a tenant's prompt row.
func (s *PostgresStore) GetPrompt(ctx context.Context, tenantID string) (*Prompt, error) {
	const query = `
		SELECT system_prompt, config_metadata
		FROM tenant_prompts
		WHERE tenant_id = $1`

	var p Prompt
	var metaJSON []byte
	err := s.db.QueryRow(ctx, query, tenantID).Scan(&p.SystemPrompt, &metaJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenant: get prompt %q: %w", tenantID, err)
	}
	if err := json.Unmarshal(metaJSON, &p.Metadata); err != nil {
		return nil, fmt.Errorf("tenant: unmarshal metadata for %q: %w", tenantID, err)
	}
	return &p, nil
}

// ListFields retrieves the tenant's enabled reservation fields in display
// order.
func (s *PostgresStore) ListFields(ctx context.Context, tenantID string) ([]Field, error) {
	const query = `
		SELECT key, label, type, required, options, description, display_order
		FROM reservation_fields
		WHERE tenant_id = $1 AND enabled
		ORDER BY display_order, key`

	rows, err := s.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant: list fields %q: %w", tenantID, err)
	}
	defer rows.Close()

	var fields []Field
	for rows.Next() {
		var f Field
		var optsJSON []byte
		if err := rows.Scan(&f.Key, &f.Label, &f.Type, &f.Required, &optsJSON, &f.Description, &f.DisplayOrder); err != nil {
			return nil, fmt.Errorf("tenant: scan field: %w", err)
		}
		if err := json.Unmarshal(optsJSON, &f.Options); err != nil {
			return nil, fmt.Errorf("tenant: unmarshal options for %q: %w", f.Key, err)
		}
		f.Enabled = true
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenant: list fields %q: %w", tenantID, err)
	}
	return fields, nil
}
