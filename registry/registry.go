// Package registry is the durable store of calibration solution sets with
// validity windows. All updates run inside a single store transaction; at any
// MJD there is at most one active set per (kind, declination band).
package registry

import (
	"context"
	"fmt"
	log "log/slog"
	"path/filepath"
	"time"

	"github.com/deepsynoptic/mosaicd"
	"github.com/deepsynoptic/mosaicd/redlock"
	"github.com/deepsynoptic/mosaicd/store"
)

// Artifact directory suffixes produced by the solver under one prefix.
var prefixSuffixes = map[mosaicd.SolutionKind]string{
	mosaicd.KindBP: "_bpcal",
	mosaicd.KindGP: "_gpcal",
	mosaicd.Kind2G: "_2gcal",
}

const (
	cacheGenKey = "regcache/gen"
	cacheTTL    = 5 * time.Minute
)

// Registry queries and mutates the calibration_sets table.
type Registry struct {
	store  *store.Store
	fileIO mosaicd.FileIO
	clock  mosaicd.Clock
	cache  *redlock.Client // optional ActiveAt cache
}

func New(st *store.Store, fileIO mosaicd.FileIO, clock mosaicd.Clock, cache *redlock.Client) *Registry {
	return &Registry{store: st, fileIO: fileIO, clock: clock, cache: cache}
}

// Registration carries everything needed to publish one solve's three tables.
type Registration struct {
	SetName  string
	Prefix   string // artifact path prefix; <Prefix>_bpcal etc. must exist
	CalField string
	Refant   string
	DecBand  int
	// Validity windows. BP is transit-centered, gains are anchor-centered.
	BPValidStart, BPValidEnd     float64
	GainValidStart, GainValidEnd float64
	// Kinds limits which solution kinds this call publishes; empty means all
	// three. A partial solve (gains refreshed under a still-valid bandpass)
	// registers only what it produced.
	Kinds []mosaicd.SolutionKind
}

func (reg Registration) kinds() []mosaicd.SolutionKind {
	if len(reg.Kinds) == 0 {
		return []mosaicd.SolutionKind{mosaicd.KindBP, mosaicd.KindGP, mosaicd.Kind2G}
	}
	return reg.Kinds
}

// RegisterFromPrefix atomically registers the BP, GP and 2G sets solved under
// one prefix. It verifies all three artifact directories before touching the
// store and returns a Conflict error when the set name is taken. Any active
// set overlapping a new window on the same (kind, band) is superseded in the
// same transaction.
func (r *Registry) RegisterFromPrefix(ctx context.Context, reg Registration) error {
	for _, kind := range reg.kinds() {
		dir := reg.Prefix + prefixSuffixes[kind]
		if !r.fileIO.Exists(ctx, dir) {
			return mosaicd.Errorf(mosaicd.MissingTable, "registry: artifact %s missing", dir)
		}
	}
	if reg.BPValidStart >= reg.BPValidEnd || reg.GainValidStart >= reg.GainValidEnd {
		return mosaicd.Errorf(mosaicd.Validation, "registry: empty validity window for %s", reg.SetName)
	}
	now := r.clock.Now().UTC()
	err := r.store.Update(ctx, func(d *store.Data) error {
		for _, kind := range reg.kinds() {
			suffix := prefixSuffixes[kind]
			name := reg.SetName + "_" + string(kind)
			if _, taken := d.Sets[name]; taken {
				return mosaicd.Errorf(mosaicd.Conflict, "registry: set %s already registered", name)
			}
			start, end := reg.GainValidStart, reg.GainValidEnd
			if kind == mosaicd.KindBP {
				start, end = reg.BPValidStart, reg.BPValidEnd
			}
			for _, old := range d.Sets {
				if old.Kind == kind && old.DecBand == reg.DecBand && old.Status == mosaicd.SolutionActive &&
					old.ValidStartMJD < end && start < old.ValidEndMJD {
					old.Status = mosaicd.SolutionSuperseded
					old.UpdatedAt = now
				}
			}
			d.Sets[name] = &mosaicd.SolutionSet{
				SetName:       name,
				Kind:          kind,
				TablePath:     reg.Prefix + suffix,
				ValidStartMJD: start,
				ValidEndMJD:   end,
				CalField:      reg.CalField,
				Refant:        reg.Refant,
				DecBand:       reg.DecBand,
				Status:        mosaicd.SolutionActive,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.bumpGeneration(ctx)
	return nil
}

// ActiveAt returns the active sets covering the given MJD in the declination
// band, keyed by kind. When historical duplicates cover the same instant, the
// newest wins and the older ones are superseded in the same transaction.
func (r *Registry) ActiveAt(ctx context.Context, mjd float64, decBand int) (map[mosaicd.SolutionKind]*mosaicd.SolutionSet, error) {
	if hit, out := r.cacheGet(ctx, mjd, decBand); hit {
		return out, nil
	}
	out := map[mosaicd.SolutionKind]*mosaicd.SolutionSet{}
	err := r.store.Update(ctx, func(d *store.Data) error {
		clear(out)
		now := r.clock.Now().UTC()
		for _, set := range d.Sets {
			if set.Status != mosaicd.SolutionActive || set.DecBand != decBand {
				continue
			}
			if mjd < set.ValidStartMJD || mjd > set.ValidEndMJD {
				continue
			}
			cur, ok := out[set.Kind]
			if !ok {
				out[set.Kind] = set
				continue
			}
			// Conflict: newest created_at wins, the loser is superseded now.
			winner, loser := set, cur
			if cur.CreatedAt.After(set.CreatedAt) {
				winner, loser = cur, set
			}
			loser.Status = mosaicd.SolutionSuperseded
			loser.UpdatedAt = now
			out[set.Kind] = winner
			log.Warn("registry: superseded duplicate active set",
				"loser", loser.SetName, "winner", winner.SetName)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.cachePut(ctx, mjd, decBand, out)
	return out, nil
}

// HasCoverage reports whether both BP and gain (GP+2G) solutions are active at
// mjd with their artifacts still on disk.
func (r *Registry) HasCoverage(ctx context.Context, mjd float64, decBand int) (bool, map[mosaicd.SolutionKind]*mosaicd.SolutionSet, error) {
	sets, err := r.ActiveAt(ctx, mjd, decBand)
	if err != nil {
		return false, nil, err
	}
	for _, kind := range []mosaicd.SolutionKind{mosaicd.KindBP, mosaicd.KindGP, mosaicd.Kind2G} {
		set, ok := sets[kind]
		if !ok || !r.fileIO.Exists(ctx, set.TablePath) {
			return false, sets, nil
		}
	}
	return true, sets, nil
}

// SweepMissing marks sets whose on-disk artifact disappeared as deleted and
// returns how many were removed.
func (r *Registry) SweepMissing(ctx context.Context) (int, error) {
	n := 0
	err := r.store.Update(ctx, func(d *store.Data) error {
		n = 0
		now := r.clock.Now().UTC()
		for _, set := range d.Sets {
			if set.Status == mosaicd.SolutionDeleted {
				continue
			}
			if r.fileIO.Exists(ctx, set.TablePath) {
				continue
			}
			set.Status = mosaicd.SolutionDeleted
			set.UpdatedAt = now
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.bumpGeneration(ctx)
		log.Info("registry: sweep removed sets with missing artifacts", "count", n)
	}
	return n, nil
}

// TablePaths returns the gaintable paths for an apply, in BP, GP, 2G order.
func TablePaths(sets map[mosaicd.SolutionKind]*mosaicd.SolutionSet) []string {
	var out []string
	for _, kind := range []mosaicd.SolutionKind{mosaicd.KindBP, mosaicd.KindGP, mosaicd.Kind2G} {
		if set, ok := sets[kind]; ok {
			out = append(out, set.TablePath)
		}
	}
	return out
}

// VerifyTables checks each table directory exists and holds table.dat.
func VerifyTables(ctx context.Context, fileIO mosaicd.FileIO, paths []string) error {
	for _, p := range paths {
		if !fileIO.Exists(ctx, p) || !fileIO.Exists(ctx, filepath.Join(p, "table.dat")) {
			return mosaicd.Errorf(mosaicd.MissingTable, "registry: table %s missing or incomplete", p)
		}
	}
	return nil
}

// The ActiveAt cache is generation-stamped: any register or sweep bumps the
// generation, which invalidates every cached lookup at once.

type cachedLookup struct {
	Gen  int64                                          `json:"gen"`
	Sets map[mosaicd.SolutionKind]*mosaicd.SolutionSet `json:"sets"`
}

func (r *Registry) cacheKey(mjd float64, decBand int) string {
	// Bucket to ~86 s so nearby lookups share entries.
	return fmt.Sprintf("regcache/%d/%.3f", decBand, mjd)
}

func (r *Registry) generation(ctx context.Context) int64 {
	var gen int64
	if r.cache == nil {
		return 0
	}
	if found, err := r.cache.GetStruct(ctx, cacheGenKey, &gen); err != nil || !found {
		return 0
	}
	return gen
}

func (r *Registry) bumpGeneration(ctx context.Context) {
	if r.cache == nil {
		return
	}
	gen := r.generation(ctx) + 1
	if err := r.cache.SetStruct(ctx, cacheGenKey, gen, 0); err != nil {
		log.Warn("registry: cache generation bump failed", "err", err)
	}
}

func (r *Registry) cacheGet(ctx context.Context, mjd float64, decBand int) (bool, map[mosaicd.SolutionKind]*mosaicd.SolutionSet) {
	if r.cache == nil {
		return false, nil
	}
	var cl cachedLookup
	found, err := r.cache.GetStruct(ctx, r.cacheKey(mjd, decBand), &cl)
	if err != nil || !found || cl.Gen != r.generation(ctx) {
		return false, nil
	}
	return true, cl.Sets
}

func (r *Registry) cachePut(ctx context.Context, mjd float64, decBand int, sets map[mosaicd.SolutionKind]*mosaicd.SolutionSet) {
	if r.cache == nil {
		return
	}
	cl := cachedLookup{Gen: r.generation(ctx), Sets: sets}
	if err := r.cache.SetStruct(ctx, r.cacheKey(mjd, decBand), cl, cacheTTL); err != nil {
		log.Warn("registry: cache put failed", "err", err)
	}
}
