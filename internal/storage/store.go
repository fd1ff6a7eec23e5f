package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"aoidash/internal/config"
	"aoidash/internal/model"
)

// Store is the read-only view of the inspection database this service
// consumes. The AOI machines own the write path.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	// LineUpdates returns the change-detection watermark rows, one per line.
	LineUpdates(ctx context.Context) ([]model.LineUpdate, error)
	// LatestPanels returns the most recent inspection per line, joined with
	// defect detail. Lines with no inspections are absent from the map.
	LatestPanels(ctx context.Context) (map[int]model.InspectionPanel, error)
	// KpiCounts aggregates inspection outcomes for one production tuple.
	// ok is false when no matching rows exist.
	KpiCounts(ctx context.Context, q KpiQuery) (counts model.KpiCounts, ok bool, err error)
}

// KpiQuery scopes a KPI aggregation to one (line, assembly, lot, cycle)
// tuple. The result classification values come from config so the false
// call policy stays data, not code.
type KpiQuery struct {
	Line             int
	Assembly         string
	LotCode          string
	Cycle            int
	PassResult       string
	DefectResult     string
	FalseCallResults []string
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) LineUpdates(ctx context.Context) ([]model.LineUpdate, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT line_id, last_updated FROM dashboard_events`)
	if err != nil {
		return nil, fmt.Errorf("query dashboard_events: %w", err)
	}
	defer rows.Close()
	var out []model.LineUpdate
	for rows.Next() {
		var u model.LineUpdate
		if err := rows.Scan(&u.LineID, &u.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan dashboard_events: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

const latestPanelsQuery = `WITH latest_panel AS (
	SELECT i.line_id, i.end_time, i.assembly, i.lot_code, i.tuning_cycle_id,
		i.final_result, i.initial_result,
		d.component_ref, d.part_number, d.machine_defect_code, d.image_file_name,
		ROW_NUMBER() OVER (PARTITION BY i.line_id ORDER BY i.end_time DESC) AS rn
	FROM inspections i
	LEFT JOIN defects d ON i.inspection_id = d.inspection_id
)
SELECT line_id, end_time, assembly, lot_code, tuning_cycle_id, final_result,
	initial_result, component_ref, part_number, machine_defect_code, image_file_name
FROM latest_panel WHERE rn = 1`

func (b *baseStore) LatestPanels(ctx context.Context) (map[int]model.InspectionPanel, error) {
	rows, err := b.db.QueryContext(ctx, latestPanelsQuery)
	if err != nil {
		return nil, fmt.Errorf("query latest panels: %w", err)
	}
	defer rows.Close()
	out := make(map[int]model.InspectionPanel)
	for rows.Next() {
		var (
			p          model.InspectionPanel
			endTime    sql.NullTime
			assembly   sql.NullString
			lotCode    sql.NullString
			cycle      sql.NullInt64
			finalRes   sql.NullString
			initialRes sql.NullString
			compRef    sql.NullString
			partNum    sql.NullString
			defectCode sql.NullString
			imageFile  sql.NullString
		)
		if err := rows.Scan(&p.LineID, &endTime, &assembly, &lotCode, &cycle,
			&finalRes, &initialRes, &compRef, &partNum, &defectCode, &imageFile); err != nil {
			return nil, fmt.Errorf("scan latest panel: %w", err)
		}
		p.EndTime = endTime.Time
		p.Assembly = assembly.String
		p.LotCode = lotCode.String
		p.TuningCycleID = int(cycle.Int64)
		p.FinalResult = finalRes.String
		p.InitialResult = initialRes.String
		p.ComponentRef = compRef.String
		p.PartNumber = partNum.String
		p.MachineDefectCode = defectCode.String
		p.ImageFileName = imageFile.String
		out[p.LineID] = p
	}
	return out, rows.Err()
}

func (b *baseStore) KpiCounts(ctx context.Context, q KpiQuery) (model.KpiCounts, bool, error) {
	query, args := buildKpiQuery(q)
	row := b.db.QueryRowContext(ctx, query, args...)
	var (
		counts   model.KpiCounts
		assembly sql.NullString
		lotCode  sql.NullString
	)
	err := row.Scan(&assembly, &lotCode,
		&counts.Inspected, &counts.Pass, &counts.Defect, &counts.FalseCall)
	if errors.Is(err, sql.ErrNoRows) {
		return model.KpiCounts{}, false, nil
	}
	if err != nil {
		return model.KpiCounts{}, false, fmt.Errorf("query kpi counts: %w", err)
	}
	counts.Assembly = assembly.String
	counts.LotCode = lotCode.String
	return counts, true, nil
}

// buildKpiQuery assembles the conditional-aggregation query. The false
// call IN list is variable length, so placeholders are numbered here
// rather than in a constant. Placeholders appear in the text in
// ascending numeric order: postgres binds by number, but SQLite assigns
// $N parameters their index by order of first appearance, so any other
// ordering would bind args to the wrong slots on the sqlite driver.
func buildKpiQuery(q KpiQuery) (string, []any) {
	args := []any{q.PassResult, q.DefectResult}
	var in strings.Builder
	for i, res := range q.FalseCallResults {
		if i > 0 {
			in.WriteString(",")
		}
		args = append(args, res)
		fmt.Fprintf(&in, "$%d", len(args))
	}
	var b strings.Builder
	b.WriteString(`SELECT assembly, lot_code, COUNT(inspection_id) AS inspected,
	SUM(CASE WHEN final_result = $1 THEN 1 ELSE 0 END) AS pass,
	SUM(CASE WHEN final_result = $2 THEN 1 ELSE 0 END) AS defect,
	`)
	if in.Len() > 0 {
		fmt.Fprintf(&b, "SUM(CASE WHEN final_result IN (%s) THEN 1 ELSE 0 END) AS false_call", in.String())
	} else {
		b.WriteString("0 AS false_call")
	}
	args = append(args, q.Line, q.Assembly, q.LotCode, q.Cycle)
	n := len(args)
	fmt.Fprintf(&b, `
FROM inspections
WHERE line_id = $%d AND assembly = $%d AND lot_code = $%d AND tuning_cycle_id = $%d
GROUP BY assembly, lot_code`, n-3, n-2, n-1, n)
	return b.String(), args
}
