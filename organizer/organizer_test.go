package organizer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepsynoptic/mosaicd"
	"github.com/deepsynoptic/mosaicd/store"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func seedEntry(t *testing.T, st *store.Store, p string, mid float64) {
	t.Helper()
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	err := st.Update(context.Background(), func(d *store.Data) error {
		d.MS[p] = &mosaicd.MSEntry{Path: p, MidMJD: mid, Stage: mosaicd.MSConverted}
		return nil
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func TestDateDir(t *testing.T) {
	// MJD 60000 is 2023-02-25.
	if got := DateDir(60000.0); got != "2023-02-25" {
		t.Errorf("DateDir(60000) = %s", got)
	}
}

func TestMoveUpdatesIndexAndGroups(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st := store.NewMemory()
	o := New(root, mosaicd.NewFileIO(), st, fixedClock{time.Now()})

	src := filepath.Join(root, "incoming", "obs_001.ms")
	seedEntry(t, st, src, 60000.0)
	st.Update(ctx, func(d *store.Data) error {
		d.Groups["g1"] = &mosaicd.Group{ID: "g1", MSPaths: []string{src}, CalibrationMSPath: src}
		return nil
	})

	target, err := o.Move(ctx, src, RoleScience, 60000.0)
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	want := filepath.Join(root, "science", "2023-02-25", "obs_001.ms")
	if target != want {
		t.Errorf("target = %s, want %s", target, want)
	}
	if _, err := os.Stat(target); err != nil {
		t.Errorf("MS not at target: %v", err)
	}
	st.View(ctx, func(d *store.Data) error {
		if _, stale := d.MS[src]; stale {
			t.Errorf("old index key survived")
		}
		if e := d.MS[target]; e == nil || e.Path != target {
			t.Errorf("index row not re-keyed: %+v", e)
		}
		g := d.Groups["g1"]
		if g.MSPaths[0] != target || g.CalibrationMSPath != target {
			t.Errorf("group paths not re-pointed: %+v", g)
		}
		return nil
	})
}

func TestMoveIdempotent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st := store.NewMemory()
	o := New(root, mosaicd.NewFileIO(), st, fixedClock{time.Now()})

	src := filepath.Join(root, "incoming", "obs_001.ms")
	seedEntry(t, st, src, 60000.0)

	first, err := o.Move(ctx, src, RoleCalibrator, 60000.0)
	if err != nil {
		t.Fatalf("first Move failed: %v", err)
	}
	second, err := o.Move(ctx, first, RoleCalibrator, 60000.0)
	if err != nil {
		t.Fatalf("repeat Move failed: %v", err)
	}
	if second != first {
		t.Errorf("repeat move changed path: %s -> %s", first, second)
	}
}

func TestMoveAfterCrashMidMove(t *testing.T) {
	// Simulate the crash window: MS already renamed, index still on the old path.
	ctx := context.Background()
	root := t.TempDir()
	st := store.NewMemory()
	o := New(root, mosaicd.NewFileIO(), st, fixedClock{time.Now()})

	src := filepath.Join(root, "incoming", "obs_001.ms")
	seedEntry(t, st, src, 60000.0)
	target := o.TargetPath(src, RoleScience, 60000.0)
	os.MkdirAll(filepath.Dir(target), 0o755)
	os.Rename(src, target)

	// Re-running the move completes the index update.
	got, err := o.Move(ctx, src, RoleScience, 60000.0)
	if err != nil {
		t.Fatalf("Move after crash failed: %v", err)
	}
	if got != target {
		t.Errorf("got %s", got)
	}
	st.View(ctx, func(d *store.Data) error {
		if d.MS[target] == nil {
			t.Errorf("index not healed")
		}
		return nil
	})
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st := store.NewMemory()
	o := New(root, mosaicd.NewFileIO(), st, fixedClock{time.Now()})

	// Entry points at a vanished ingest path; the MS actually sits in science/.
	stale := filepath.Join(root, "incoming", "obs_007.ms")
	moved := filepath.Join(root, "science", "2023-02-25", "obs_007.ms")
	os.MkdirAll(moved, 0o755)
	st.Update(ctx, func(d *store.Data) error {
		d.MS[stale] = &mosaicd.MSEntry{Path: stale, MidMJD: 60000.0}
		d.Groups["g1"] = &mosaicd.Group{ID: "g1", MSPaths: []string{stale}}
		return nil
	})

	healed, err := o.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if healed != 1 {
		t.Errorf("healed = %d", healed)
	}
	st.View(ctx, func(d *store.Data) error {
		if d.MS[moved] == nil {
			t.Errorf("row not re-keyed to archive location")
		}
		if d.Groups["g1"].MSPaths[0] != moved {
			t.Errorf("group not re-pointed")
		}
		return nil
	})
}

func TestCalTablePrefix(t *testing.T) {
	o := New("/arch", mosaicd.NewFileIO(), store.NewMemory(), fixedClock{time.Now()})
	got := o.CalTablePrefix("/arch/calibrators/2023-02-25/cal_obs.ms")
	if got != "/arch/calibrators/2023-02-25/cal_obs" {
		t.Errorf("prefix = %s", got)
	}
}
