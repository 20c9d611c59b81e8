// Package spatialstore upserts normalized timeline events into the spatial
// database described in spec §6, keyed by deterministic id.
package spatialstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/collectors"
)

const upsertSQL = `
INSERT INTO mindex.timeline_entries
	(id, entity_type, timestamp, geom, properties, source, quality_score)
VALUES
	($1, $2, $3, ST_SetSRID(ST_Point($4, $5), 4326), $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
	timestamp = EXCLUDED.timestamp,
	geom = EXCLUDED.geom,
	properties = EXCLUDED.properties
`

// Store upserts TimelineEvents into mindex.timeline_entries. It satisfies
// collectors.Ingester so collectors depend only on the narrow interface.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

// New wraps an already-connected pool (see pkg/database.Connect, configured
// with min=1/max=5 per spec §4.1) for spatial upserts.
func New(db *sql.DB, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{db: db, logger: log}
}

// Upsert writes events to the store. On a per-row failure it logs the error
// and continues with the remaining events rather than aborting the batch;
// if the whole operation cannot proceed (e.g. no connection available) it
// returns (0, nil) without propagating the error to the caller, per spec
// §4.1/§9: "ingest failures are logged and return 0 without re-raising."
func (s *Store) Upsert(ctx context.Context, events []collectors.TimelineEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.WithError(err).Error("spatial store: begin transaction failed")
		return 0, nil
	}

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		s.logger.WithError(err).Error("spatial store: prepare upsert failed")
		_ = tx.Rollback()
		return 0, nil
	}
	defer stmt.Close()

	ingested := 0
	for _, event := range events {
		props, err := json.Marshal(event.Properties)
		if err != nil {
			s.logger.WithError(err).WithField("id", event.ID).Warn("spatial store: skipping event, properties not serializable")
			continue
		}

		if _, err := stmt.ExecContext(ctx,
			event.ID,
			event.EntityType,
			event.Timestamp,
			event.Lng,
			event.Lat,
			props,
			event.Source,
			event.QualityScore,
		); err != nil {
			s.logger.WithError(err).WithField("id", event.ID).Error("spatial store: upsert failed for event")
			continue
		}
		ingested++
	}

	if err := tx.Commit(); err != nil {
		s.logger.WithError(err).Error("spatial store: commit failed")
		return 0, nil
	}

	return ingested, nil
}

// EnsureSchema creates the mindex schema and timeline_entries table if they
// do not already exist. Intended for local/dev bring-up; production
// deployments are expected to manage the schema via migrations (out of
// scope per spec §1).
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS mindex`,
		`CREATE EXTENSION IF NOT EXISTS postgis`,
		`CREATE TABLE IF NOT EXISTS mindex.timeline_entries (
			id UUID PRIMARY KEY,
			entity_type TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			geom GEOMETRY(Point, 4326) NOT NULL,
			properties JSONB NOT NULL DEFAULT '{}'::jsonb,
			source TEXT NOT NULL,
			quality_score DOUBLE PRECISION NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
