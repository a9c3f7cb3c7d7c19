// Package ms reads Measurement Set metadata. The CASA table format itself is
// owned by the external converter; every MS it writes carries an OBSINFO.json
// sidecar with the time range, field table and model-column statistics, and
// this package reads only that.
package ms

import (
	"context"
	"encoding/json"
	"math"
	"path/filepath"

	"github.com/deepsynoptic/mosaicd"
)

// SidecarName is the metadata file the converter writes inside each MS directory.
const SidecarName = "OBSINFO.json"

// modelFloor is the sampled-amplitude threshold below which MODEL_DATA counts
// as unpopulated.
const modelFloor = 1e-9

// MsgNoFieldTable is the message carried by the Corrupt error for an MS whose
// sidecar lists no fields, so the condition stays greppable in logs and the
// failure ledger.
const MsgNoFieldTable = "no field table"

// Field is one row of the MS field table.
type Field struct {
	ID     int     `json:"id"`
	Name   string  `json:"name"`
	RADeg  float64 `json:"ra_deg"`
	DecDeg float64 `json:"dec_deg"`
}

// Reader exposes the metadata the orchestrator needs from an MS handle.
// All operations are pure reads and idempotent; errors are never retried here.
type Reader interface {
	TimeRange(ctx context.Context, path string) (start, mid, end float64, err error)
	Fields(ctx context.Context, path string) ([]Field, error)
	MeanDeclination(ctx context.Context, path string) (float64, error)
	HasPopulatedModel(ctx context.Context, path string) (bool, error)
}

type sidecar struct {
	StartMJD  float64 `json:"start_mjd"`
	EndMJD    float64 `json:"end_mjd"`
	Fields    []Field `json:"fields"`
	ModelData *struct {
		Present       bool    `json:"present"`
		PeakAmplitude float64 `json:"peak_amplitude"`
	} `json:"model_data"`
}

type dirReader struct {
	fileIO mosaicd.FileIO
}

// NewDirReader returns a Reader over MS directories with OBSINFO.json sidecars.
func NewDirReader(fileIO mosaicd.FileIO) Reader {
	return &dirReader{fileIO: fileIO}
}

func (r *dirReader) load(ctx context.Context, path string) (*sidecar, error) {
	if !r.fileIO.Exists(ctx, path) {
		return nil, mosaicd.Errorf(mosaicd.NotFound, "ms: %s does not exist", path)
	}
	name := filepath.Join(path, SidecarName)
	if !r.fileIO.Exists(ctx, name) {
		return nil, mosaicd.Errorf(mosaicd.NotFound, "ms: %s has no %s", path, SidecarName)
	}
	ba, err := r.fileIO.ReadFile(ctx, name)
	if err != nil {
		return nil, mosaicd.Error{Code: mosaicd.Corrupt, Err: err, UserData: path}
	}
	var sc sidecar
	if err := json.Unmarshal(ba, &sc); err != nil {
		return nil, mosaicd.Error{Code: mosaicd.Corrupt, Err: err, UserData: path}
	}
	if !finite(sc.StartMJD) || !finite(sc.EndMJD) || sc.EndMJD < sc.StartMJD {
		return nil, mosaicd.Errorf(mosaicd.Corrupt, "ms: %s has invalid time range [%v,%v]", path, sc.StartMJD, sc.EndMJD)
	}
	return &sc, nil
}

func (r *dirReader) TimeRange(ctx context.Context, path string) (float64, float64, float64, error) {
	sc, err := r.load(ctx, path)
	if err != nil {
		return 0, 0, 0, err
	}
	return sc.StartMJD, (sc.StartMJD + sc.EndMJD) / 2.0, sc.EndMJD, nil
}

func (r *dirReader) Fields(ctx context.Context, path string) ([]Field, error) {
	sc, err := r.load(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(sc.Fields) == 0 {
		return nil, mosaicd.Errorf(mosaicd.Corrupt, "ms: %s has %s", path, MsgNoFieldTable)
	}
	return sc.Fields, nil
}

func (r *dirReader) MeanDeclination(ctx context.Context, path string) (float64, error) {
	fields, err := r.Fields(ctx, path)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, f := range fields {
		sum += f.DecDeg
	}
	return sum / float64(len(fields)), nil
}

func (r *dirReader) HasPopulatedModel(ctx context.Context, path string) (bool, error) {
	sc, err := r.load(ctx, path)
	if err != nil {
		return false, err
	}
	if sc.ModelData == nil || !sc.ModelData.Present {
		return false, nil
	}
	return math.Abs(sc.ModelData.PeakAmplitude) > modelFloor, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
