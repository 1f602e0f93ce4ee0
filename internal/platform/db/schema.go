package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// resourcesSchema is the resource store DDL. The unique constraint on
// (fhir_id, type) backs the sink's upsert.
const resourcesSchema = `
CREATE TABLE IF NOT EXISTS resources (
    id BIGSERIAL PRIMARY KEY,
    fhir_id VARCHAR(64) NOT NULL,
    type VARCHAR(64) NOT NULL,
    data JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
    CONSTRAINT resources_fhir_id_type_key UNIQUE (fhir_id, type)
);
CREATE INDEX IF NOT EXISTS idx_resources_type ON resources (type);
CREATE INDEX IF NOT EXISTS idx_resources_last_updated ON resources (last_updated_at);
`

// EnsureSchema applies the resource store DDL at startup so a fresh
// database works without an external migration step. All statements are
// idempotent.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, resourcesSchema); err != nil {
		return fmt.Errorf("apply resources schema: %w", err)
	}
	return nil
}
