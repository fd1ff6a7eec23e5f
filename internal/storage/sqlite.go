package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

// sqliteStore backs single-machine and bench deployments. SQLite accepts
// the same $N placeholders and window functions as postgres, so the read
// queries on baseStore are shared.
type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:aoi_dashboard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

// Init mirrors the postgres schema. The time columns need a TIMESTAMP
// decltype so the driver hands rows back as time.Time, not string.
func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS inspections (
			inspection_id INTEGER PRIMARY KEY AUTOINCREMENT,
			line_id INTEGER NOT NULL,
			end_time TIMESTAMP NOT NULL,
			assembly TEXT,
			lot_code TEXT,
			tuning_cycle_id INTEGER,
			final_result TEXT,
			initial_result TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inspections_line_end ON inspections(line_id, end_time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_inspections_kpi ON inspections(line_id, assembly, lot_code, tuning_cycle_id)`,
		`CREATE TABLE IF NOT EXISTS defects (
			defect_id INTEGER PRIMARY KEY AUTOINCREMENT,
			inspection_id INTEGER NOT NULL REFERENCES inspections(inspection_id),
			component_ref TEXT,
			part_number TEXT,
			rework_defect_code TEXT,
			machine_defect_code TEXT,
			image_file_name TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_defects_inspection ON defects(inspection_id)`,
		`CREATE TABLE IF NOT EXISTS dashboard_events (
			line_id INTEGER PRIMARY KEY,
			last_updated TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
