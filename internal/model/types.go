package model

import "time"

// Sentinel substituted for any detail field the panel row does not carry.
const NA = "N/A"

const StatusInactive = "INACTIVE"

// InspectionPanel is the most recently completed inspection for a line,
// joined with its defect detail when the result was defective. Read-only
// from the data store; nullable columns come back as empty strings / zero.
type InspectionPanel struct {
	LineID            int
	EndTime           time.Time
	Assembly          string
	LotCode           string
	TuningCycleID     int
	FinalResult       string
	InitialResult     string
	ComponentRef      string
	PartNumber        string
	MachineDefectCode string
	ImageFileName     string
}

// KpiCounts are the raw aggregates for one (line, assembly, lot, cycle)
// tuple as returned by the store.
type KpiCounts struct {
	Assembly  string
	LotCode   string
	Inspected int
	Pass      int
	Defect    int
	FalseCall int
}

// LineUpdate is one row of the change-detection poll.
type LineUpdate struct {
	LineID      int
	LastUpdated time.Time
}

type KpiMetrics struct {
	Assembly       string  `json:"assembly"`
	LotCode        string  `json:"lot_code"`
	TotalInspected int     `json:"total_inspected"`
	TotalPass      int     `json:"total_pass"`
	TotalDefect    int     `json:"total_defect"`
	TotalFalseCall int     `json:"total_false_call"`
	PassRate       float64 `json:"pass_rate"`
	PPM            int     `json:"ppm"`
}

type ComparisonData struct {
	Before  KpiMetrics `json:"before"`
	Current KpiMetrics `json:"current"`
}

type LineDetails struct {
	Time             string `json:"time"`
	ComponentRef     string `json:"component_ref"`
	PartNumber       string `json:"part_number"`
	MachineDefect    string `json:"machine_defect"`
	InspectionResult string `json:"inspection_result"`
	ReviewResult     string `json:"review_result"`
}

// LineDashboardView is the externally visible composite for one line.
// Built fresh on every aggregation pass, never mutated in place.
type LineDashboardView struct {
	Status          string         `json:"status"`
	Details         LineDetails    `json:"details"`
	Kpi             KpiMetrics     `json:"kpi"`
	ComparisonData  ComparisonData `json:"comparison_data"`
	ImageURL        *string        `json:"image_url"`
	IsCriticalAlert bool           `json:"is_critical_alert"`
}

// Event is the payload pushed over the SSE stream. Timestamp is epoch
// milliseconds and is zero-valued (omitted) for the "connected" ack.
type Event struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

const (
	EventConnected  = "connected"
	EventDataUpdate = "data_update"
)

func DefaultDetails() LineDetails {
	return LineDetails{
		Time:             NA,
		ComponentRef:     NA,
		PartNumber:       NA,
		MachineDefect:    NA,
		InspectionResult: NA,
		ReviewResult:     NA,
	}
}

func DefaultKpi() KpiMetrics {
	return KpiMetrics{Assembly: NA, LotCode: NA}
}

func DefaultView() LineDashboardView {
	return LineDashboardView{
		Status:  StatusInactive,
		Details: DefaultDetails(),
		Kpi:     DefaultKpi(),
		ComparisonData: ComparisonData{
			Before:  DefaultKpi(),
			Current: DefaultKpi(),
		},
	}
}
