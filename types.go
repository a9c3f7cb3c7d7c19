package mosaicd

import "time"

// MS lifecycle stage as tracked in the ms_index table.
type MSStage string

const (
	MSIngested   MSStage = "ingested"
	MSConverted  MSStage = "converted"
	MSCalibrated MSStage = "calibrated"
	MSImaged     MSStage = "imaged"
	MSDone       MSStage = "done"
	MSFailed     MSStage = "failed"
)

// Group lifecycle status. Transitions follow the orchestrator DAG.
type GroupStatus string

const (
	GroupPending     GroupStatus = "pending"
	GroupCalibrating GroupStatus = "calibrating"
	GroupCalibrated  GroupStatus = "calibrated"
	GroupImaging     GroupStatus = "imaging"
	GroupImaged      GroupStatus = "imaged"
	GroupMosaicking  GroupStatus = "mosaicking"
	GroupCompleted   GroupStatus = "completed"
	GroupFailed      GroupStatus = "failed"
)

// Terminal reports whether s admits no further transitions.
func (s GroupStatus) Terminal() bool {
	return s == GroupCompleted || s == GroupFailed
}

// Calibration solution kind.
type SolutionKind string

const (
	KindBP SolutionKind = "BP"
	KindGP SolutionKind = "GP"
	Kind2G SolutionKind = "2G"
)

type SolutionStatus string

const (
	SolutionActive     SolutionStatus = "active"
	SolutionSuperseded SolutionStatus = "superseded"
	SolutionDeleted    SolutionStatus = "deleted"
)

// MSEntry is one row of ms_index: a Measurement Set on disk.
type MSEntry struct {
	Path           string     `json:"path"`
	StartMJD       float64    `json:"start_mjd"`
	MidMJD         float64    `json:"mid_mjd"`
	EndMJD         float64    `json:"end_mjd"`
	DeclinationDeg *float64   `json:"declination_deg,omitempty"`
	Stage          MSStage    `json:"stage"`
	CalApplied     bool       `json:"cal_applied"`
	ImageName      string     `json:"imagename,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Group is one row of mosaic_groups: an ordered window of MS forming a mosaic unit.
type Group struct {
	ID                string               `json:"group_id"`
	MSPaths           []string             `json:"ms_paths"`
	CalibrationMSPath string               `json:"calibration_ms_path,omitempty"`
	Status            GroupStatus          `json:"status"`
	BPCalSolved       bool                 `json:"bpcal_solved"`
	GainCalSolved     bool                 `json:"gaincal_solved"`
	RetryCount        int                  `json:"retry_count"`
	Attempt           int                  `json:"attempt"`
	FailureKind       string               `json:"failure_kind,omitempty"`
	FailureMessage    string               `json:"failure_message,omitempty"`
	MosaicID          string               `json:"mosaic_id,omitempty"`
	MosaicPath        string               `json:"mosaic_path,omitempty"`
	SkippedMS         []string             `json:"skipped_ms,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	StageTimestamps   map[string]time.Time `json:"stage_timestamps,omitempty"`
}

// SolutionSet is one row of calibration_sets: solved tables for one anchor MS.
type SolutionSet struct {
	SetName       string         `json:"set_name"`
	Kind          SolutionKind   `json:"kind"`
	TablePath     string         `json:"table_path"`
	ValidStartMJD float64        `json:"valid_start_mjd"`
	ValidEndMJD   float64        `json:"valid_end_mjd"`
	CalField      string         `json:"cal_field"`
	Refant        string         `json:"refant"`
	DecBand       int            `json:"dec_band"`
	Status        SolutionStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// CalibratorBinding is one row of bandpass_calibrators.
type CalibratorBinding struct {
	Name         string    `json:"name"`
	RADeg        float64   `json:"ra_deg"`
	DecDeg       float64   `json:"dec_deg"`
	DecRangeMin  float64   `json:"dec_range_min"`
	DecRangeMax  float64   `json:"dec_range_max"`
	Active       bool      `json:"active"`
	Note         string    `json:"note,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StateTransition is one append-only row of group_state_log.
type StateTransition struct {
	GroupID string      `json:"group_id"`
	From    GroupStatus `json:"from_status"`
	To      GroupStatus `json:"to_status"`
	Reason  string      `json:"reason,omitempty"`
	TS      time.Time   `json:"ts"`
	Attempt int         `json:"attempt"`
}

// FailureEvent is one append-only row of failure_ledger.
type FailureEvent struct {
	Subsystem string    `json:"subsystem"`
	ErrorKind string    `json:"error_kind"`
	Message   string    `json:"message,omitempty"`
	TS        time.Time `json:"ts"`
}

// DecBandOf maps a declination to its 0.2 degree band index. Solutions and
// calibrator bindings are keyed by band so "at most one active per band" is a
// map-key property instead of an interval scan.
func DecBandOf(decDeg float64) int {
	return int(decDeg*5.0 + 0.5*sign(decDeg)*1.0) // floor toward nearest 0.2 deg
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return realClock{} }
