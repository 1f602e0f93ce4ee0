package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/curanet/fhir-gateway/internal/platform/fhir"
	"github.com/curanet/fhir-gateway/internal/retry"
)

const (
	upsertSQL = `INSERT INTO resources (fhir_id, type, data, last_updated_at, is_deleted)
		VALUES ($1, $2, $3::jsonb, NOW(), false)
		ON CONFLICT (fhir_id, type)
		DO UPDATE SET data = EXCLUDED.data, last_updated_at = NOW(), is_deleted = false`

	softDeleteSQL = `UPDATE resources SET is_deleted = true, last_updated_at = NOW()
		WHERE fhir_id = $1 AND type = $2`
)

// BatchSender is the slice of pgxpool.Pool the sink uses, extracted so tests
// can substitute the database.
type BatchSender interface {
	SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults
}

// Postgres writes bundles to the relational store: non-DELETE entries become
// upserts keyed by (fhir_id, type) with last-write-wins semantics, DELETE
// entries become soft-deletes that flag the row instead of removing it.
type Postgres struct {
	db      BatchSender
	policy  retry.Policy
	logger  zerolog.Logger
	counter retry.Counter
}

// NewPostgres creates the relational sink. counter may be nil.
func NewPostgres(db BatchSender, policy retry.Policy, logger zerolog.Logger, counter retry.Counter) *Postgres {
	return &Postgres{
		db:      db,
		policy:  policy,
		logger:  logger.With().Str("component", "postgres-sink").Logger(),
		counter: counter,
	}
}

// Name implements Sink.
func (s *Postgres) Name() string { return "postgres" }

type upsertRow struct {
	id   string
	typ  string
	data []byte
}

type deleteKey struct {
	id  string
	typ string
}

// Save implements Sink. The whole bundle is written in one batch under the
// sink's retry policy; re-running it after a partial failure is a no-op
// beyond timestamp refresh.
func (s *Postgres) Save(ctx context.Context, bundle *fhir.Bundle) error {
	upserts, deletes, err := splitBundle(bundle)
	if err != nil {
		return fmt.Errorf("postgres sink: %w", err)
	}
	if len(upserts) == 0 && len(deletes) == 0 {
		s.logger.Debug().Str("bundleId", bundle.ID).Msg("nothing to persist")
		return nil
	}

	return retry.Do(ctx, s.policy, s.logger, s.counter, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, row := range upserts {
			batch.Queue(upsertSQL, row.id, row.typ, row.data)
		}
		for _, key := range deletes {
			batch.Queue(softDeleteSQL, key.id, key.typ)
		}

		results := s.db.SendBatch(ctx, batch)
		defer results.Close()

		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("batch statement %d: %w", i, err)
			}
		}
		return nil
	})
}

// splitBundle separates a bundle into upsert rows and soft-delete keys.
// Entries without a resource and without a DELETE directive are skipped.
func splitBundle(bundle *fhir.Bundle) ([]upsertRow, []deleteKey, error) {
	var (
		upserts []upsertRow
		deletes []deleteKey
	)

	for i, entry := range bundle.Entry {
		if entry.IsDelete() {
			typ, id, err := parseResourceURL(entry.Request.URL)
			if err != nil {
				return nil, nil, fmt.Errorf("entry %d: %w", i, err)
			}
			deletes = append(deletes, deleteKey{id: id, typ: typ})
			continue
		}

		if entry.Resource == nil {
			continue
		}
		if entry.Resource.ID() == "" {
			return nil, nil, fmt.Errorf("entry %d: resource without id cannot be upserted", i)
		}
		data, err := json.Marshal(entry.Resource)
		if err != nil {
			return nil, nil, fmt.Errorf("entry %d: encode resource: %w", i, err)
		}
		upserts = append(upserts, upsertRow{
			id:   entry.Resource.ID(),
			typ:  entry.Resource.Type(),
			data: data,
		})
	}

	return upserts, deletes, nil
}

// parseResourceURL splits a "{resourceType}/{id}" directive URL.
func parseResourceURL(url string) (typ, id string, err error) {
	parts := strings.Split(strings.Trim(url, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed resource url %q", url)
	}
	return parts[0], parts[1], nil
}
