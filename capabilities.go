package mosaicd

import "context"

// Collaborator capabilities. The orchestrator core holds narrow typed
// references to each external stage; the CASA/interferometry numerics live
// behind these interfaces.

// SolveOptions parameterizes a calibration solve. Fields are fixed at build
// time; zero values take solver defaults.
type SolveOptions struct {
	Refant        string
	MinSNR        float64
	SolintSeconds float64
	UVRange       string
}

// Solver produces calibration tables (directories) for an anchor MS.
type Solver interface {
	// SolveBandpass writes <prefix>_bpcal and returns the table paths.
	SolveBandpass(ctx context.Context, msPath, calField, refant, prefix string, opts SolveOptions) ([]string, error)
	// SolveGains writes <prefix>_gpcal and <prefix>_2gcal, given bandpass tables.
	SolveGains(ctx context.Context, msPath, calField, refant string, bpTables []string, prefix string, opts SolveOptions) ([]string, error)
	// Rephase rotates the anchor MS phase center to the calibrator position.
	Rephase(ctx context.Context, msPath string, raDeg, decDeg float64) error
	// PopulateModel seeds MODEL_DATA from the calibrator catalog model.
	PopulateModel(ctx context.Context, msPath, calName string) error
}

// Applier applies calibration tables to an MS.
type Applier interface {
	Apply(ctx context.Context, msPath, field string, gaintables []string, calwt bool) error
}

// ImageOptions parameterizes per-MS imaging.
type ImageOptions struct {
	ImSizePx  int
	CellArcs  float64
	Niter     int
	Weighting string
}

// Imager produces image + primary-beam artifacts for one MS. Must leave at
// least one of <base>.fits, <base>.pbcor, <base>.image on disk.
type Imager interface {
	Image(ctx context.Context, msPath, imageBasename string, opts ImageOptions) error
}

// MosaicBuilder combines per-MS images with primary-beam weights.
type MosaicBuilder interface {
	Build(ctx context.Context, imagePaths []string, weightPaths []string, outPath string) error
}

// Photometer measures sources on a finished mosaic. Optional capability.
type Photometer interface {
	Measure(ctx context.Context, mosaicPath string, config map[string]any) (jobID string, err error)
}

// DataRegistry is the external product registry ("ready/published" contract).
type DataRegistry interface {
	Register(ctx context.Context, dataType, id, path string, metadata map[string]any, autoPublish bool) error
	Finalize(ctx context.Context, id, qaStatus, validationStatus string) error
}

// Converter turns raw correlator output into MS files. Consumed only by the
// ingest edge; listed for completeness of the capability set.
type Converter interface {
	Convert(ctx context.Context, startMJD, endMJD float64) ([]string, error)
}
