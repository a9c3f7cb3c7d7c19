// Package store is the orchestrator's backing state store: a transactional
// table set persisted as JSON files, mutated copy-on-write and committed by
// temp-file + atomic rename. The store is the single source of truth; all
// mutators run inside Update and readers get a consistent snapshot per call.
package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"sync"

	"github.com/deepsynoptic/mosaicd"
)

// Table file names under the state directory.
const (
	msIndexFile     = "ms_index.json"
	groupsFile      = "mosaic_groups.json"
	setsFile        = "calibration_sets.json"
	calibratorsFile = "bandpass_calibrators.json"
	stateLogFile    = "group_state_log.jsonl"
	ledgerFile      = "failure_ledger.jsonl"
)

// Data holds every table row, keyed by primary key.
type Data struct {
	MS          map[string]*mosaicd.MSEntry           `json:"ms_index"`
	Groups      map[string]*mosaicd.Group             `json:"mosaic_groups"`
	Sets        map[string]*mosaicd.SolutionSet       `json:"calibration_sets"`
	Calibrators map[string]*mosaicd.CalibratorBinding `json:"bandpass_calibrators"`
}

func newData() *Data {
	return &Data{
		MS:          map[string]*mosaicd.MSEntry{},
		Groups:      map[string]*mosaicd.Group{},
		Sets:        map[string]*mosaicd.SolutionSet{},
		Calibrators: map[string]*mosaicd.CalibratorBinding{},
	}
}

// Store serializes all writers behind one mutex; multi-instance coordination
// is layered on top with per-group advisory locks (redlock package).
type Store struct {
	mu     sync.Mutex
	dir    string // empty for the in-memory variant
	fileIO mosaicd.FileIO
	data   *Data

	transitions []mosaicd.StateTransition
	failures    []mosaicd.FailureEvent
}

// Open loads (or initializes) the store under dir.
func Open(ctx context.Context, dir string, fileIO mosaicd.FileIO) (*Store, error) {
	s := &Store{dir: dir, fileIO: fileIO, data: newData()}
	if err := fileIO.MkdirAll(ctx, dir, 0o755); err != nil {
		return nil, mosaicd.Error{Code: mosaicd.Config, Err: err, UserData: dir}
	}
	for name, target := range map[string]any{
		msIndexFile:     &s.data.MS,
		groupsFile:      &s.data.Groups,
		setsFile:        &s.data.Sets,
		calibratorsFile: &s.data.Calibrators,
	} {
		p := filepath.Join(dir, name)
		if !fileIO.Exists(ctx, p) {
			continue
		}
		ba, err := fileIO.ReadFile(ctx, p)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(ba, target); err != nil {
			return nil, mosaicd.Error{Code: mosaicd.Corrupt, Err: err, UserData: p}
		}
	}
	if err := s.loadLogs(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemory returns a store with no persistence, for tests and dry runs.
func NewMemory() *Store {
	return &Store{fileIO: mosaicd.NewFileIO(), data: newData()}
}

// Update runs fn on a copy-on-write snapshot and commits it atomically on
// success. Any error from fn aborts the transaction with no visible effect.
func (s *Store) Update(ctx context.Context, fn func(d *Data) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := deepCopy(s.data)
	if err != nil {
		return err
	}
	if err := fn(cp); err != nil {
		return err
	}
	if err := s.persist(ctx, cp); err != nil {
		return err
	}
	s.data = cp
	return nil
}

// View runs fn on a read-only snapshot.
func (s *Store) View(ctx context.Context, fn func(d *Data) error) error {
	s.mu.Lock()
	cp, err := deepCopy(s.data)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return fn(cp)
}

func deepCopy(d *Data) (*Data, error) {
	ba, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	cp := newData()
	if err := json.Unmarshal(ba, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// persist writes every table via temp + rename. Partial failure leaves the
// previous committed files in place.
func (s *Store) persist(ctx context.Context, d *Data) error {
	if s.dir == "" {
		return nil
	}
	for name, v := range map[string]any{
		msIndexFile:     d.MS,
		groupsFile:      d.Groups,
		setsFile:        d.Sets,
		calibratorsFile: d.Calibrators,
	} {
		ba, err := json.MarshalIndent(v, "", " ")
		if err != nil {
			return err
		}
		p := filepath.Join(s.dir, name)
		tmp := p + ".tmp"
		if err := s.fileIO.WriteFile(ctx, tmp, ba, 0o644); err != nil {
			return err
		}
		if err := s.fileIO.Rename(ctx, tmp, p); err != nil {
			return err
		}
	}
	return nil
}

// SortedMSByMid returns the entries matching the stage filter, ordered by mid_mjd.
func (d *Data) SortedMSByMid(stages ...mosaicd.MSStage) []*mosaicd.MSEntry {
	accept := map[mosaicd.MSStage]bool{}
	for _, st := range stages {
		accept[st] = true
	}
	var out []*mosaicd.MSEntry
	for _, e := range d.MS {
		if len(accept) == 0 || accept[e.Stage] {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MidMJD < out[j].MidMJD })
	return out
}

// OldestNonTerminal returns the non-terminal group with the earliest creation
// time, or nil.
func (d *Data) OldestNonTerminal() *mosaicd.Group {
	var oldest *mosaicd.Group
	for _, g := range d.Groups {
		if g.Status.Terminal() {
			continue
		}
		if oldest == nil || g.CreatedAt.Before(oldest.CreatedAt) {
			oldest = g
		}
	}
	return oldest
}

// LatestCompleted returns the most recently completed group, or nil.
func (d *Data) LatestCompleted() *mosaicd.Group {
	var latest *mosaicd.Group
	for _, g := range d.Groups {
		if g.Status != mosaicd.GroupCompleted {
			continue
		}
		if latest == nil || g.CreatedAt.After(latest.CreatedAt) {
			latest = g
		}
	}
	return latest
}

// PendingWithPaths returns a non-terminal group holding exactly these paths,
// or nil. Used for builder idempotence.
func (d *Data) PendingWithPaths(paths []string) *mosaicd.Group {
	for _, g := range d.Groups {
		if g.Status.Terminal() || len(g.MSPaths) != len(paths) {
			continue
		}
		same := true
		for i := range paths {
			if g.MSPaths[i] != paths[i] {
				same = false
				break
			}
		}
		if same {
			return g
		}
	}
	return nil
}
