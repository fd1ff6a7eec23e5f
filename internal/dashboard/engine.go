package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"sync"

	"aoidash/internal/config"
	"aoidash/internal/metrics"
	"aoidash/internal/model"
	"aoidash/internal/storage"
)

// Engine turns raw inspection rows into per-line dashboard views. It is
// stateless: every call builds views fresh from the store.
type Engine struct {
	store   storage.Store
	cfg     *config.Manager
	logger  *slog.Logger
	metrics *metrics.Set
}

func NewEngine(store storage.Store, cfg *config.Manager, logger *slog.Logger, mset *metrics.Set) *Engine {
	return &Engine{store: store, cfg: cfg, logger: logger, metrics: mset}
}

// Dashboard builds the full multi-line response. The per-line lookups are
// independent and run concurrently; a failing line falls back to its
// default view so the rest of the response still renders. Only the
// initial panel query can fail the whole call.
func (e *Engine) Dashboard(ctx context.Context) (map[string]model.LineDashboardView, error) {
	cfg := e.cfg.Get()
	ctx, cancel := context.WithTimeout(ctx, cfg.Storage.QueryTimeout)
	defer cancel()

	panels, err := e.store.LatestPanels(ctx)
	if err != nil {
		return nil, fmt.Errorf("load latest panels: %w", err)
	}

	lines := make(map[string]model.LineDashboardView, cfg.Lines)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for line := 1; line <= cfg.Lines; line++ {
		wg.Add(1)
		go func(line int) {
			defer wg.Done()
			var panel *model.InspectionPanel
			if p, ok := panels[line]; ok {
				panel = &p
			}
			view, err := e.BuildView(ctx, cfg, line, panel)
			if err != nil {
				e.metrics.LineFailure()
				if e.logger != nil {
					e.logger.Error("line aggregation failed, serving default view", "line", line, "err", err)
				}
				view = model.DefaultView()
			}
			mu.Lock()
			lines[fmt.Sprintf("line_%d", line)] = view
			mu.Unlock()
		}(line)
	}
	wg.Wait()
	return lines, nil
}

// BuildView produces one line's view from its latest panel, or the
// default "INACTIVE" view when the line has no panel data.
func (e *Engine) BuildView(ctx context.Context, cfg *config.Config, line int, panel *model.InspectionPanel) (model.LineDashboardView, error) {
	view := model.DefaultView()
	if panel == nil {
		return view, nil
	}

	if panel.FinalResult != "" {
		view.Status = panel.FinalResult
	}
	view.Details = model.LineDetails{
		Time:             panelTime(panel),
		ComponentRef:     orNA(panel.ComponentRef),
		PartNumber:       orNA(panel.PartNumber),
		MachineDefect:    orNA(panel.MachineDefectCode),
		InspectionResult: orNA(panel.InitialResult),
		ReviewResult:     orNA(panel.FinalResult),
	}
	view.IsCriticalAlert = isCriticalDefect(cfg, panel.MachineDefectCode)

	if ref, ok := SplitImageRef(panel.ImageFileName); ok {
		u := imageURL(line, ref)
		view.ImageURL = &u
	}

	// KPI needs the full production tuple; without it the status block
	// above still stands.
	if panel.Assembly == "" || panel.LotCode == "" || panel.TuningCycleID <= 0 {
		return view, nil
	}

	current, ok, err := e.kpiFor(ctx, cfg, line, panel, panel.TuningCycleID)
	if err != nil {
		return model.LineDashboardView{}, err
	}
	if ok {
		view.Kpi = current
	}
	view.ComparisonData.Current = view.Kpi

	if panel.TuningCycleID > 1 {
		before, ok, err := e.kpiFor(ctx, cfg, line, panel, panel.TuningCycleID-1)
		if err != nil {
			return model.LineDashboardView{}, err
		}
		if ok {
			view.ComparisonData.Before = before
		}
	}
	return view, nil
}

func (e *Engine) kpiFor(ctx context.Context, cfg *config.Config, line int, panel *model.InspectionPanel, cycle int) (model.KpiMetrics, bool, error) {
	counts, ok, err := e.store.KpiCounts(ctx, storage.KpiQuery{
		Line:             line,
		Assembly:         panel.Assembly,
		LotCode:          panel.LotCode,
		Cycle:            cycle,
		PassResult:       cfg.Kpi.PassResult,
		DefectResult:     cfg.Kpi.DefectResult,
		FalseCallResults: cfg.Kpi.FalseCallResults,
	})
	if err != nil {
		return model.KpiMetrics{}, false, fmt.Errorf("kpi counts line %d cycle %d: %w", line, cycle, err)
	}
	if !ok {
		return model.KpiMetrics{}, false, nil
	}
	return ComputeKpi(counts), true, nil
}

// ComputeKpi derives the reported metrics from raw aggregates. Zero
// inspected yields zero rate and zero PPM, never a division by zero.
func ComputeKpi(c model.KpiCounts) model.KpiMetrics {
	m := model.KpiMetrics{
		Assembly:       orNA(c.Assembly),
		LotCode:        orNA(c.LotCode),
		TotalInspected: c.Inspected,
		TotalPass:      c.Pass,
		TotalDefect:    c.Defect,
		TotalFalseCall: c.FalseCall,
	}
	if c.Inspected > 0 {
		m.PassRate = math.Round(float64(c.Pass)/float64(c.Inspected)*100*100) / 100
		m.PPM = int(math.Round(float64(c.Defect) / float64(c.Inspected) * 1_000_000))
	}
	return m
}

// ImageRef locates one exported inspection image for the resolver.
type ImageRef struct {
	DateFolder string
	File       string
}

// SplitImageRef splits the machine-written image path into its date
// folder (before the first separator) and file name (after the last).
// The AOI machines write Windows paths, so backslashes are normalized
// first.
func SplitImageRef(raw string) (ImageRef, bool) {
	if raw == "" {
		return ImageRef{}, false
	}
	parts := strings.Split(strings.ReplaceAll(raw, `\`, "/"), "/")
	if len(parts) < 2 {
		return ImageRef{}, false
	}
	return ImageRef{DateFolder: parts[0], File: parts[len(parts)-1]}, true
}

func imageURL(line int, ref ImageRef) string {
	return fmt.Sprintf("/api/image?line=%d&date=%s&file=%s",
		line, url.QueryEscape(ref.DateFolder), url.QueryEscape(ref.File))
}

func isCriticalDefect(cfg *config.Config, code string) bool {
	if code == "" {
		return false
	}
	upper := strings.ToUpper(code)
	for _, crit := range cfg.Kpi.CriticalDefects {
		if upper == strings.ToUpper(crit) {
			return true
		}
	}
	return false
}

func panelTime(panel *model.InspectionPanel) string {
	if panel.EndTime.IsZero() {
		return model.NA
	}
	return panel.EndTime.Format("15:04:05")
}

func orNA(s string) string {
	if s == "" {
		return model.NA
	}
	return s
}
