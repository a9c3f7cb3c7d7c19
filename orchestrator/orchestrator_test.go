package orchestrator

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deepsynoptic/mosaicd"
	"github.com/deepsynoptic/mosaicd/astro"
	"github.com/deepsynoptic/mosaicd/catalog"
	"github.com/deepsynoptic/mosaicd/group"
	"github.com/deepsynoptic/mosaicd/ms"
	"github.com/deepsynoptic/mosaicd/organizer"
	"github.com/deepsynoptic/mosaicd/recovery"
	"github.com/deepsynoptic/mosaicd/registry"
	"github.com/deepsynoptic/mosaicd/stage"
	"github.com/deepsynoptic/mosaicd/store"
)

const testDec = 33.16 // 3C48 declination band

type msInfo struct {
	start, mid, end, dec float64
	model                bool
}

// fakeReader serves MS metadata keyed by basename, so entries survive
// organizer moves.
type fakeReader struct {
	mu   sync.Mutex
	info map[string]msInfo
}

func (r *fakeReader) get(path string) (msInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mi, ok := r.info[filepath.Base(path)]
	if !ok {
		return msInfo{}, mosaicd.Errorf(mosaicd.NotFound, "no such ms %s", path)
	}
	return mi, nil
}

func (r *fakeReader) TimeRange(ctx context.Context, path string) (float64, float64, float64, error) {
	mi, err := r.get(path)
	return mi.start, mi.mid, mi.end, err
}

func (r *fakeReader) Fields(ctx context.Context, path string) ([]ms.Field, error) {
	mi, err := r.get(path)
	if err != nil {
		return nil, err
	}
	return []ms.Field{{ID: 0, Name: "0", RADeg: 0, DecDeg: mi.dec}}, nil
}

func (r *fakeReader) MeanDeclination(ctx context.Context, path string) (float64, error) {
	mi, err := r.get(path)
	return mi.dec, err
}

func (r *fakeReader) HasPopulatedModel(ctx context.Context, path string) (bool, error) {
	mi, err := r.get(path)
	return mi.model, err
}

type fakeSolver struct {
	mu         sync.Mutex
	bpCalls    int
	gainCalls  int
	solveErr   error
}

func writeTableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "table.dat"), []byte("tbl"), 0o644)
}

func (s *fakeSolver) SolveBandpass(ctx context.Context, msPath, calField, refant, prefix string, opts mosaicd.SolveOptions) ([]string, error) {
	s.mu.Lock()
	s.bpCalls++
	err := s.solveErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := writeTableDir(prefix + "_bpcal"); err != nil {
		return nil, err
	}
	return []string{prefix + "_bpcal"}, nil
}

func (s *fakeSolver) SolveGains(ctx context.Context, msPath, calField, refant string, bpTables []string, prefix string, opts mosaicd.SolveOptions) ([]string, error) {
	s.mu.Lock()
	s.gainCalls++
	err := s.solveErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, suffix := range []string{"_gpcal", "_2gcal"} {
		if err := writeTableDir(prefix + suffix); err != nil {
			return nil, err
		}
	}
	return []string{prefix + "_gpcal", prefix + "_2gcal"}, nil
}

func (s *fakeSolver) Rephase(ctx context.Context, msPath string, raDeg, decDeg float64) error {
	return nil
}

func (s *fakeSolver) PopulateModel(ctx context.Context, msPath, calName string) error {
	return nil
}

type fakeApplier struct {
	mu    sync.Mutex
	calls int
}

func (a *fakeApplier) Apply(ctx context.Context, msPath, field string, gaintables []string, calwt bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if len(gaintables) < 3 {
		return mosaicd.Errorf(mosaicd.MissingTable, "expected 3 tables, got %d", len(gaintables))
	}
	return nil
}

type fakeImager struct {
	mu       sync.Mutex
	calls    map[string]int // by ms basename
	failFor  map[string]error
}

func (im *fakeImager) Image(ctx context.Context, msPath, base string, opts mosaicd.ImageOptions) error {
	name := filepath.Base(msPath)
	im.mu.Lock()
	if im.calls == nil {
		im.calls = map[string]int{}
	}
	im.calls[name]++
	err := im.failFor[name]
	im.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.WriteFile(base+".fits", []byte("img"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(base+".pb", []byte("pb"), 0o644)
}

func (im *fakeImager) callCount(name string) int {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.calls[name]
}

type fakeMosaic struct {
	mu     sync.Mutex
	builds int
	inputs int
}

func (m *fakeMosaic) Build(ctx context.Context, imagePaths, weightPaths []string, outPath string) error {
	m.mu.Lock()
	m.builds++
	m.inputs = len(imagePaths)
	m.mu.Unlock()
	return os.WriteFile(outPath, []byte("mosaic"), 0o644)
}

type fakeDataRegistry struct {
	mu         sync.Mutex
	registered []string
	metadata   map[string]any
	qa         string
}

func (d *fakeDataRegistry) Register(ctx context.Context, dataType, id, path string, metadata map[string]any, autoPublish bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registered = append(d.registered, id)
	d.metadata = metadata
	return nil
}

func (d *fakeDataRegistry) Finalize(ctx context.Context, id, qaStatus, validationStatus string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.qa = qaStatus
	return nil
}

func fastPolicies() map[string]stage.Policy {
	p := stage.Policy{
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 2,
		MaxAttempts:      2,
		BaseDelay:        time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
	}
	return map[string]stage.Policy{
		stage.StageSolve: p, stage.StageApply: p, stage.StageImaging: p,
		stage.StageMosaic: p, stage.StagePhotometry: p,
	}
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	root     string
	st       *store.Store
	fileIO   mosaicd.FileIO
	clock    mosaicd.Clock
	reader   *fakeReader
	solver   *fakeSolver
	applier  *fakeApplier
	imager   *fakeImager
	mosaic   *fakeMosaic
	products *fakeDataRegistry
	registry *registry.Registry
	catalog  *catalog.Catalog
	orch     *Orchestrator
	msPaths  []string
	anchorIx int
}

// newFixture seeds n converted MS with mids 0.005 d apart starting at MJD
// 60000. The middle MS spans +/-0.75 d when wideAnchor, so any calibrator
// transit near the group midpoint falls inside it.
func newFixture(t *testing.T, n int, wideAnchor bool) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	fileIO := mosaicd.NewFileIO()
	clock := mosaicd.SystemClock()
	st := store.NewMemory()

	f := &fixture{
		t: t, ctx: ctx, root: root, st: st, fileIO: fileIO, clock: clock,
		reader:   &fakeReader{info: map[string]msInfo{}},
		solver:   &fakeSolver{},
		applier:  &fakeApplier{},
		imager:   &fakeImager{},
		mosaic:   &fakeMosaic{},
		products: &fakeDataRegistry{},
		anchorIx: (n - 1) / 2,
	}

	incoming := filepath.Join(root, "incoming")
	if err := os.MkdirAll(incoming, 0o755); err != nil {
		t.Fatal(err)
	}
	now := clock.Now().UTC()
	err := st.Update(ctx, func(d *store.Data) error {
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("ms_%03d.ms", i)
			p := filepath.Join(incoming, name)
			if err := os.MkdirAll(p, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(p, "table.dat"), []byte("tbl"), 0o644); err != nil {
				return err
			}
			mid := 60000.0 + float64(i)*0.005
			start, end := mid-0.002, mid+0.002
			if wideAnchor && i == f.anchorIx {
				start, end = mid-0.75, mid+0.75
			}
			dec := testDec
			d.MS[p] = &mosaicd.MSEntry{
				Path: p, StartMJD: start, MidMJD: mid, EndMJD: end,
				DeclinationDeg: &dec, Stage: mosaicd.MSConverted, UpdatedAt: now,
			}
			f.reader.info[name] = msInfo{start: start, mid: mid, end: end, dec: dec, model: true}
			f.msPaths = append(f.msPaths, p)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	f.registry = registry.New(st, fileIO, clock, nil)
	f.catalog = catalog.New(st, f.reader, clock, catalog.DefaultOptions())
	org := organizer.New(root, fileIO, st, clock)
	ledger := recovery.NewLedger(st, clock)
	builder := group.NewBuilder(st, fileIO, clock, group.Policy{
		N: n, OverlapK: 1, MaxGapDays: 1, MaxSpanDays: 10, DecCoherenceDeg: 1,
		InitialStages: []mosaicd.MSStage{mosaicd.MSConverted},
	})

	opts := DefaultOptions()
	opts.ImagesDir = filepath.Join(root, "images")
	opts.MosaicsDir = filepath.Join(root, "mosaics")
	opts.GroupDeadline = 0
	opts.MaxWorkers = 2

	f.orch = New(Deps{
		Store:        st,
		Reader:       f.reader,
		Registry:     f.registry,
		Catalog:      f.catalog,
		Builder:      builder,
		Runner:       stage.NewRunner(fastPolicies(), ledger),
		Organizer:    org,
		Ledger:       ledger,
		FileIO:       fileIO,
		Clock:        clock,
		Obs:          astro.OVRO,
		Solver:       f.solver,
		Applier:      f.applier,
		Imager:       f.imager,
		Mosaic:       f.mosaic,
		DataRegistry: f.products,
	}, opts)
	return f
}

func (f *fixture) seedGroup(status mosaicd.GroupStatus, withAnchor bool) string {
	f.t.Helper()
	id := "g_test"
	now := f.clock.Now().UTC()
	err := f.st.Update(f.ctx, func(d *store.Data) error {
		g := &mosaicd.Group{
			ID:        id,
			MSPaths:   append([]string{}, f.msPaths...),
			Status:    status,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if withAnchor {
			g.CalibrationMSPath = f.msPaths[f.anchorIx]
		}
		d.Groups[id] = g
		return nil
	})
	if err != nil {
		f.t.Fatal(err)
	}
	return id
}

func (f *fixture) markApplied() {
	f.t.Helper()
	err := f.st.Update(f.ctx, func(d *store.Data) error {
		for _, e := range d.MS {
			e.CalApplied = true
			e.Stage = mosaicd.MSCalibrated
		}
		return nil
	})
	if err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) group(id string) mosaicd.Group {
	f.t.Helper()
	var out mosaicd.Group
	err := f.st.View(f.ctx, func(d *store.Data) error {
		g, ok := d.Groups[id]
		if !ok {
			return fmt.Errorf("group %s not found", id)
		}
		out = *g
		return nil
	})
	if err != nil {
		f.t.Fatal(err)
	}
	return out
}

// drive ticks until the scheduler reports no progress.
func (f *fixture) drive(maxTicks int) {
	f.t.Helper()
	for i := 0; i < maxTicks; i++ {
		res, err := f.orch.Tick(f.ctx)
		if err != nil {
			f.t.Fatalf("tick %d: %v", i, err)
		}
		if !res.Advanced {
			return
		}
	}
}

func TestGroupLifecycleCompletes(t *testing.T) {
	f := newFixture(t, 4, true)
	id := f.seedGroup(mosaicd.GroupPending, false)

	f.drive(20)

	g := f.group(id)
	if g.Status != mosaicd.GroupCompleted {
		t.Fatalf("expected completed, got %s (%s: %s)", g.Status, g.FailureKind, g.FailureMessage)
	}
	if g.MosaicPath == "" {
		t.Fatal("expected mosaic path on completed group")
	}
	if _, err := os.Stat(g.MosaicPath); err != nil {
		t.Fatalf("mosaic artifact missing: %v", err)
	}
	if !g.BPCalSolved || !g.GainCalSolved {
		t.Error("expected solve flags set")
	}
	if f.solver.bpCalls != 1 || f.solver.gainCalls != 1 {
		t.Errorf("expected one bp and one gain solve, got %d/%d", f.solver.bpCalls, f.solver.gainCalls)
	}
	if f.applier.calls != 4 {
		t.Errorf("expected 4 applies, got %d", f.applier.calls)
	}
	if f.mosaic.builds != 1 || f.mosaic.inputs != 4 {
		t.Errorf("expected one mosaic from 4 images, got %d/%d", f.mosaic.builds, f.mosaic.inputs)
	}
	if f.products.qa != "passed" {
		t.Errorf("expected qa passed, got %q", f.products.qa)
	}
	wantStart, wantEnd := 60000.0-0.002, 60000.0+3*0.005+0.002
	if got, ok := f.products.metadata["start_mjd"].(float64); !ok || math.Abs(got-wantStart) > 1e-9 {
		t.Errorf("registered start_mjd = %v, want %v", f.products.metadata["start_mjd"], wantStart)
	}
	if got, ok := f.products.metadata["end_mjd"].(float64); !ok || math.Abs(got-wantEnd) > 1e-9 {
		t.Errorf("registered end_mjd = %v, want %v", f.products.metadata["end_mjd"], wantEnd)
	}

	// The anchor landed under calibrators/, the rest under science/.
	if !strings.Contains(g.CalibrationMSPath, string(organizer.RoleCalibrator)) {
		t.Errorf("anchor not in calibrators tree: %s", g.CalibrationMSPath)
	}
	science := 0
	err := f.st.View(f.ctx, func(d *store.Data) error {
		for _, e := range d.MS {
			if e.Stage != mosaicd.MSDone {
				t.Errorf("ms %s not done: %s", e.Path, e.Stage)
			}
			if strings.Contains(e.Path, string(organizer.RoleScience)) {
				science++
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if science != 3 {
		t.Errorf("expected 3 science MS, got %d", science)
	}

	// Registry holds all three kinds, active.
	sets, err := f.registry.ActiveAt(f.ctx, 60000.0075, mosaicd.DecBandOf(testDec))
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 3 {
		t.Errorf("expected 3 active solution sets, got %d", len(sets))
	}

	trs := f.st.Transitions(f.ctx, id)
	if len(trs) < 6 {
		t.Fatalf("expected full transition chain, got %d entries", len(trs))
	}
	if trs[len(trs)-1].To != mosaicd.GroupCompleted {
		t.Errorf("last transition is %s", trs[len(trs)-1].To)
	}

	// A completed group is terminal: further ticks are idle no-ops.
	res, err := f.orch.Tick(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != "idle" || res.Advanced {
		t.Errorf("expected idle tick after completion, got %+v", res)
	}
}

func TestTickFormsGroupWhenNoneActive(t *testing.T) {
	f := newFixture(t, 4, true)

	res, err := f.orch.Tick(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != "formed" || res.GroupID == "" {
		t.Fatalf("expected group formation, got %+v", res)
	}
	g := f.group(res.GroupID)
	if g.Status != mosaicd.GroupPending || len(g.MSPaths) != 4 {
		t.Errorf("unexpected new group: %+v", g)
	}
}

func TestSolveSkippedWhenRegistryCovers(t *testing.T) {
	f := newFixture(t, 4, true)

	// Pre-registered solutions with artifacts covering the whole window.
	prefix := filepath.Join(f.root, "pre", "pre_cal")
	if err := os.MkdirAll(filepath.Dir(prefix), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, suffix := range []string{"_bpcal", "_gpcal", "_2gcal"} {
		if err := writeTableDir(prefix + suffix); err != nil {
			t.Fatal(err)
		}
	}
	err := f.registry.RegisterFromPrefix(f.ctx, registry.Registration{
		SetName: "pre_cal", Prefix: prefix, CalField: "3C48", Refant: "103",
		DecBand:      mosaicd.DecBandOf(testDec),
		BPValidStart: 59999, BPValidEnd: 60001,
		GainValidStart: 59999, GainValidEnd: 60001,
	})
	if err != nil {
		t.Fatal(err)
	}

	id := f.seedGroup(mosaicd.GroupPending, false)
	f.drive(20)

	g := f.group(id)
	if g.Status != mosaicd.GroupCompleted {
		t.Fatalf("expected completed, got %s (%s)", g.Status, g.FailureMessage)
	}
	if f.solver.bpCalls != 0 || f.solver.gainCalls != 0 {
		t.Errorf("solver ran despite active coverage: %d/%d", f.solver.bpCalls, f.solver.gainCalls)
	}
}

func TestLowVisibilityFailsGroupWithoutSolving(t *testing.T) {
	f := newFixture(t, 4, false)

	// Bind a calibrator whose transit sits ~0.3 d from the group midpoint,
	// far outside every MS span.
	mid := 60000.0075
	ra := astro.OVRO.LSTDeg(mid + 0.3)
	if err := f.catalog.Register(f.ctx, "TESTCAL", ra, testDec, 5, "test binding"); err != nil {
		t.Fatal(err)
	}

	id := f.seedGroup(mosaicd.GroupPending, false)
	f.drive(20)

	g := f.group(id)
	if g.Status != mosaicd.GroupFailed {
		t.Fatalf("expected failed, got %s", g.Status)
	}
	if g.FailureKind != mosaicd.LowVisibility.String() {
		t.Errorf("expected LowVisibility, got %s (%s)", g.FailureKind, g.FailureMessage)
	}
	if f.solver.bpCalls != 0 && f.solver.gainCalls != 0 {
		t.Error("solver must not run when the calibrator never transits the anchor")
	}
}

func TestImagingResumeSkipsExistingArtifacts(t *testing.T) {
	f := newFixture(t, 4, true)
	f.markApplied()
	id := f.seedGroup(mosaicd.GroupImaging, true)

	// Two MS already imaged before the crash.
	for i := 0; i < 2; i++ {
		p := f.msPaths[i]
		e := f.entry(p)
		base := f.orch.imageBase(&e)
		if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(base+".fits", []byte("img"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(base+".pb", []byte("pb"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	f.drive(20)

	g := f.group(id)
	if g.Status != mosaicd.GroupCompleted {
		t.Fatalf("expected completed, got %s (%s)", g.Status, g.FailureMessage)
	}
	for i := 0; i < 2; i++ {
		if n := f.imager.callCount(filepath.Base(f.msPaths[i])); n != 0 {
			t.Errorf("ms %d re-imaged %d times despite existing artifact", i, n)
		}
	}
	for i := 2; i < 4; i++ {
		if n := f.imager.callCount(filepath.Base(f.msPaths[i])); n != 1 {
			t.Errorf("ms %d imaged %d times, want 1", i, n)
		}
	}
}

func TestImagingBelowThresholdFailsGroup(t *testing.T) {
	f := newFixture(t, 4, true)
	f.markApplied()
	f.imager.failFor = map[string]error{
		filepath.Base(f.msPaths[1]): mosaicd.Errorf(mosaicd.Validation, "bad image"),
		filepath.Base(f.msPaths[2]): mosaicd.Errorf(mosaicd.Validation, "bad image"),
	}
	id := f.seedGroup(mosaicd.GroupImaging, true)

	f.drive(20)

	g := f.group(id)
	if g.Status != mosaicd.GroupFailed {
		t.Fatalf("expected failed, got %s", g.Status)
	}
	if g.FailureKind != mosaicd.Permanent.String() {
		t.Errorf("expected Permanent, got %s", g.FailureKind)
	}
	if !strings.Contains(g.FailureMessage, "2 of 4") {
		t.Errorf("unexpected failure message: %s", g.FailureMessage)
	}
}

func TestImagingPartialSuccessMosaicsRemainder(t *testing.T) {
	f := newFixture(t, 4, true)
	f.markApplied()
	failed := f.msPaths[3]
	f.imager.failFor = map[string]error{
		filepath.Base(failed): mosaicd.Errorf(mosaicd.Validation, "bad image"),
	}
	id := f.seedGroup(mosaicd.GroupImaging, true)

	f.drive(20)

	g := f.group(id)
	if g.Status != mosaicd.GroupCompleted {
		t.Fatalf("expected completed, got %s (%s)", g.Status, g.FailureMessage)
	}
	if len(g.SkippedMS) != 1 || g.SkippedMS[0] != failed {
		t.Errorf("expected one skipped MS, got %v", g.SkippedMS)
	}
	if f.mosaic.inputs != 3 {
		t.Errorf("mosaic built from %d images, want 3", f.mosaic.inputs)
	}
	if f.products.qa != "warning" {
		t.Errorf("expected qa warning, got %q", f.products.qa)
	}
	if e := f.entry(failed); e.Stage == mosaicd.MSDone {
		t.Error("skipped MS must not be marked done")
	}
}

func TestResetReturnsFailedGroupToPending(t *testing.T) {
	f := newFixture(t, 4, true)
	id := f.seedGroup(mosaicd.GroupFailed, false)

	if err := f.orch.Reset(f.ctx, id); err != nil {
		t.Fatal(err)
	}
	g := f.group(id)
	if g.Status != mosaicd.GroupPending {
		t.Errorf("expected pending, got %s", g.Status)
	}
	if g.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", g.RetryCount)
	}
	if g.FailureKind != "" || g.FailureMessage != "" {
		t.Error("expected failure fields cleared")
	}

	if err := f.orch.Reset(f.ctx, "no_such_group"); mosaicd.CodeOf(err) != mosaicd.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func (f *fixture) entry(path string) mosaicd.MSEntry {
	f.t.Helper()
	var out mosaicd.MSEntry
	err := f.st.View(f.ctx, func(d *store.Data) error {
		e, ok := d.MS[path]
		if !ok {
			return fmt.Errorf("ms %s not found", path)
		}
		out = *e
		return nil
	})
	if err != nil {
		f.t.Fatal(err)
	}
	return out
}
