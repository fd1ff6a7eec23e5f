package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/aoi_dashboard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

// Init creates the schema when it does not exist yet. Production floors
// already have these tables (the AOI exporters write them); this is for
// bench and staging databases.
func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS inspections (
			inspection_id BIGSERIAL PRIMARY KEY,
			line_id INTEGER NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			assembly TEXT,
			lot_code TEXT,
			tuning_cycle_id INTEGER,
			final_result TEXT,
			initial_result TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inspections_line_end ON inspections(line_id, end_time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_inspections_kpi ON inspections(line_id, assembly, lot_code, tuning_cycle_id)`,
		`CREATE TABLE IF NOT EXISTS defects (
			defect_id BIGSERIAL PRIMARY KEY,
			inspection_id BIGINT NOT NULL REFERENCES inspections(inspection_id),
			component_ref TEXT,
			part_number TEXT,
			rework_defect_code TEXT,
			machine_defect_code TEXT,
			image_file_name TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_defects_inspection ON defects(inspection_id)`,
		`CREATE TABLE IF NOT EXISTS dashboard_events (
			line_id INTEGER PRIMARY KEY,
			last_updated TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
