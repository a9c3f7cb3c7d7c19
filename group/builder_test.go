package group

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepsynoptic/mosaicd"
	"github.com/deepsynoptic/mosaicd/store"
)

type tickingClock struct{ t time.Time }

func (c *tickingClock) Now() time.Time {
	c.t = c.t.Add(time.Microsecond)
	return c.t
}

// seedMS creates n on-disk MS stubs spaced stepMin apart starting at startMJD
// and registers them as converted entries.
func seedMS(t *testing.T, st *store.Store, dir string, n int, startMJD, stepMin, dec float64) []string {
	t.Helper()
	ctx := context.Background()
	paths := make([]string, n)
	err := st.Update(ctx, func(d *store.Data) error {
		for i := 0; i < n; i++ {
			p := filepath.Join(dir, fmt.Sprintf("obs_%03d.ms", i))
			if err := os.MkdirAll(p, 0o755); err != nil {
				return err
			}
			mid := startMJD + float64(i)*stepMin/1440.0
			decv := dec
			d.MS[p] = &mosaicd.MSEntry{
				Path:           p,
				StartMJD:       mid - 2.5/1440.0,
				MidMJD:         mid,
				EndMJD:         mid + 2.5/1440.0,
				DeclinationDeg: &decv,
				Stage:          mosaicd.MSConverted,
				UpdatedAt:      time.Now(),
			}
			paths[i] = p
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return paths
}

func newBuilder(st *store.Store) *Builder {
	return NewBuilder(st, mosaicd.NewFileIO(), &tickingClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}, DefaultPolicy())
}

func TestInitialGroupFormation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	paths := seedMS(t, st, t.TempDir(), 12, 60000.0, 5.0, 37.0)
	b := newBuilder(st)

	id, err := b.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if id == "" {
		t.Fatalf("no group formed")
	}
	st.View(ctx, func(d *store.Data) error {
		g := d.Groups[id]
		if g == nil || g.Status != mosaicd.GroupPending {
			t.Fatalf("group row: %+v", g)
		}
		if len(g.MSPaths) != 10 {
			t.Fatalf("group size %d", len(g.MSPaths))
		}
		for i := 0; i < 10; i++ {
			if g.MSPaths[i] != paths[i] {
				t.Errorf("path %d = %s, expected %s", i, g.MSPaths[i], paths[i])
			}
		}
		return nil
	})
}

func TestBuilderIdempotentOnPending(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedMS(t, st, t.TempDir(), 10, 60000.0, 5.0, 37.0)
	b := newBuilder(st)

	id1, _ := b.Next(ctx)
	id2, _ := b.Next(ctx)
	if id1 == "" || id1 != id2 {
		t.Fatalf("duplicate formation: %q then %q", id1, id2)
	}
	st.View(ctx, func(d *store.Data) error {
		if len(d.Groups) != 1 {
			t.Errorf("%d group rows", len(d.Groups))
		}
		return nil
	})
}

func TestSlidingOverlap(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	paths := seedMS(t, st, t.TempDir(), 18, 60000.0, 5.0, 37.0)
	b := newBuilder(st)

	id1, _ := b.Next(ctx)
	if id1 == "" {
		t.Fatalf("initial group not formed")
	}
	// Complete G1 and mark its MS imaged.
	st.Update(ctx, func(d *store.Data) error {
		d.Groups[id1].Status = mosaicd.GroupCompleted
		for _, p := range d.Groups[id1].MSPaths {
			d.MS[p].Stage = mosaicd.MSDone
			d.MS[p].CalApplied = true
		}
		return nil
	})

	id2, err := b.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if id2 == "" || id2 == id1 {
		t.Fatalf("sliding group id = %q", id2)
	}
	st.View(ctx, func(d *store.Data) error {
		g2 := d.Groups[id2]
		if len(g2.MSPaths) != 10 {
			t.Fatalf("G2 size %d", len(g2.MSPaths))
		}
		// Overlap correctness: first K of G2 == last K of G1.
		if g2.MSPaths[0] != paths[8] || g2.MSPaths[1] != paths[9] {
			t.Errorf("overlap prefix = %v", g2.MSPaths[:2])
		}
		for i := 0; i < 8; i++ {
			if g2.MSPaths[2+i] != paths[10+i] {
				t.Errorf("fresh path %d = %s", i, g2.MSPaths[2+i])
			}
		}
		// Overlap MS re-enter the pipeline with artifacts cleared.
		for _, p := range g2.MSPaths[:2] {
			e := d.MS[p]
			if e.Stage != mosaicd.MSConverted || e.CalApplied {
				t.Errorf("overlap MS %s not reset: %+v", p, e)
			}
		}
		return nil
	})
}

func TestRejectNonContiguousWindow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	dir := t.TempDir()
	seedMS(t, st, dir, 5, 60000.0, 5.0, 37.0)
	// The 6th MS sits 25.9 min after the 5th.
	st.Update(ctx, func(d *store.Data) error {
		for i := 5; i < 10; i++ {
			p := filepath.Join(dir, fmt.Sprintf("late_%03d.ms", i))
			os.MkdirAll(p, 0o755)
			mid := 60000.0 + (4*5.0+25.9+float64(i-5)*5.0)/1440.0
			dec := 37.0
			d.MS[p] = &mosaicd.MSEntry{
				Path: p, StartMJD: mid - 0.001, MidMJD: mid, EndMJD: mid + 0.001,
				DeclinationDeg: &dec, Stage: mosaicd.MSConverted, UpdatedAt: time.Now(),
			}
		}
		return nil
	})
	b := newBuilder(st)

	id, err := b.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if id != "" {
		t.Fatalf("non-contiguous window formed group %s", id)
	}
	st.View(ctx, func(d *store.Data) error {
		if len(d.Groups) != 0 {
			t.Errorf("group row created for invalid window")
		}
		return nil
	})
}

func TestRejectDeclinationSpread(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	dir := t.TempDir()
	seedMS(t, st, dir, 9, 60000.0, 5.0, 37.0)
	st.Update(ctx, func(d *store.Data) error {
		p := filepath.Join(dir, "offdec.ms")
		os.MkdirAll(p, 0o755)
		mid := 60000.0 + 9*5.0/1440.0
		dec := 37.5
		d.MS[p] = &mosaicd.MSEntry{
			Path: p, StartMJD: mid - 0.001, MidMJD: mid, EndMJD: mid + 0.001,
			DeclinationDeg: &dec, Stage: mosaicd.MSConverted, UpdatedAt: time.Now(),
		}
		return nil
	})
	b := newBuilder(st)

	if id, _ := b.Next(ctx); id != "" {
		t.Fatalf("declination spread accepted")
	}
}

func TestPurgeMissingPaths(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	dir := t.TempDir()
	paths := seedMS(t, st, dir, 11, 60000.0, 5.0, 37.0)
	// Remove the 3rd MS from disk; the window slides over it, and the gap
	// stays within bounds (5+5=10 min > 6 min limit), so no group forms.
	os.RemoveAll(paths[2])
	b := newBuilder(st)

	id, err := b.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if id != "" {
		t.Fatalf("window with purged hole formed group %s (gap should exceed limit)", id)
	}
}

func TestAsymmetricPolicy(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedMS(t, st, t.TempDir(), 4, 60000.0, 5.0, 37.0)

	strict := newBuilder(st)
	if id, _ := strict.Next(ctx); id != "" {
		t.Fatalf("strict policy formed undersized group")
	}

	pol := DefaultPolicy()
	pol.AllowAsymmetric = true
	loose := NewBuilder(st, mosaicd.NewFileIO(), &tickingClock{t: time.Now()}, pol)
	id, _ := loose.Next(ctx)
	if id == "" {
		t.Fatalf("asymmetric policy refused 4-MS group")
	}
}
