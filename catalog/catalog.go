// Package catalog maintains the declination-indexed bandpass calibrator
// bindings and can auto-register one from the built-in source list when a new
// declination shows up.
package catalog

import (
	"context"
	log "log/slog"
	"math"

	"github.com/deepsynoptic/mosaicd"
	"github.com/deepsynoptic/mosaicd/ms"
	"github.com/deepsynoptic/mosaicd/store"
)

// Source is a known bandpass calibrator.
type Source struct {
	Name       string
	RADeg      float64
	DecDeg     float64
	FluxJy     float64 // at 1.4 GHz
	MinFreqGHz float64
	MaxFreqGHz float64
}

// Builtin is the standard flux-calibrator list (B1950 names, J2000 positions).
var Builtin = []Source{
	{Name: "3C48", RADeg: 24.4221, DecDeg: 33.1598, FluxJy: 16.5, MinFreqGHz: 0.3, MaxFreqGHz: 50},
	{Name: "3C147", RADeg: 85.6505, DecDeg: 49.8520, FluxJy: 22.5, MinFreqGHz: 0.3, MaxFreqGHz: 50},
	{Name: "3C196", RADeg: 123.4003, DecDeg: 48.2173, FluxJy: 14.0, MinFreqGHz: 0.3, MaxFreqGHz: 10},
	{Name: "3C286", RADeg: 202.7845, DecDeg: 30.5091, FluxJy: 15.0, MinFreqGHz: 0.3, MaxFreqGHz: 50},
	{Name: "3C295", RADeg: 212.8358, DecDeg: 52.2025, FluxJy: 22.2, MinFreqGHz: 0.3, MaxFreqGHz: 10},
	{Name: "3C380", RADeg: 277.3824, DecDeg: 48.7461, FluxJy: 14.4, MinFreqGHz: 0.3, MaxFreqGHz: 10},
	{Name: "CygA", RADeg: 299.8682, DecDeg: 40.7339, FluxJy: 1589.0, MinFreqGHz: 0.05, MaxFreqGHz: 5},
	{Name: "TauA", RADeg: 83.6331, DecDeg: 22.0145, FluxJy: 875.0, MinFreqGHz: 0.05, MaxFreqGHz: 5},
	{Name: "VirA", RADeg: 187.7059, DecDeg: 12.3911, FluxJy: 212.0, MinFreqGHz: 0.05, MaxFreqGHz: 5},
}

// Options for lookup and auto-registration. All are policy parameters.
type Options struct {
	// DecTolDeg is the half-width of a new binding's declination range.
	DecTolDeg float64
	// SearchRadiusDeg bounds how far a candidate source may sit from the MS declination.
	SearchRadiusDeg float64
	// Observing band; candidates must cover it.
	MinFreqGHz float64
	MaxFreqGHz float64
}

func DefaultOptions() Options {
	return Options{
		DecTolDeg:       5.0,
		SearchRadiusDeg: 5.0,
		MinFreqGHz:      1.28,
		MaxFreqGHz:      1.53,
	}
}

// Catalog answers "which bandpass calibrator serves this declination".
type Catalog struct {
	store   *store.Store
	reader  ms.Reader
	clock   mosaicd.Clock
	options Options
}

func New(st *store.Store, reader ms.Reader, clock mosaicd.Clock, options Options) *Catalog {
	return &Catalog{store: st, reader: reader, clock: clock, options: options}
}

// ForDeclination returns the active binding whose range contains decDeg, or
// nil. The invariant "at most one active per declination" is enforced at
// registration time.
func (c *Catalog) ForDeclination(ctx context.Context, decDeg float64) (*mosaicd.CalibratorBinding, error) {
	var found *mosaicd.CalibratorBinding
	err := c.store.View(ctx, func(d *store.Data) error {
		for _, b := range d.Calibrators {
			if b.Active && decDeg >= b.DecRangeMin && decDeg <= b.DecRangeMax {
				found = b
				return nil
			}
		}
		return nil
	})
	return found, err
}

// Register writes an active binding covering decDeg with the given tolerance,
// deactivating any overlapping active bindings in the same transaction.
func (c *Catalog) Register(ctx context.Context, name string, raDeg, decDeg, decTolDeg float64, note string) error {
	now := c.clock.Now().UTC()
	return c.store.Update(ctx, func(d *store.Data) error {
		lo, hi := decDeg-decTolDeg, decDeg+decTolDeg
		for _, b := range d.Calibrators {
			if b.Active && b.DecRangeMin <= hi && lo <= b.DecRangeMax {
				b.Active = false
				b.UpdatedAt = now
				log.Info("catalog: deactivated overlapping binding", "name", b.Name)
			}
		}
		d.Calibrators[name] = &mosaicd.CalibratorBinding{
			Name:        name,
			RADeg:       raDeg,
			DecDeg:      decDeg,
			DecRangeMin: lo,
			DecRangeMax: hi,
			Active:      true,
			Note:        note,
			RegisteredAt: now,
			UpdatedAt:    now,
		}
		return nil
	})
}

// AutoRegisterIfMissing returns the binding serving the MS declination,
// creating one from the built-in list when none exists. Candidates must sit
// within the search radius of the MS declination and cover the observing band;
// the brightest qualifying source wins. Fails with NoCalibrator when no source
// qualifies.
func (c *Catalog) AutoRegisterIfMissing(ctx context.Context, msPath string) (*mosaicd.CalibratorBinding, error) {
	dec, err := c.reader.MeanDeclination(ctx, msPath)
	if err != nil {
		return nil, err
	}
	if b, err := c.ForDeclination(ctx, dec); err != nil || b != nil {
		return b, err
	}

	var best *Source
	for i := range Builtin {
		s := &Builtin[i]
		if math.Abs(s.DecDeg-dec) > c.options.SearchRadiusDeg {
			continue
		}
		if s.MinFreqGHz > c.options.MinFreqGHz || s.MaxFreqGHz < c.options.MaxFreqGHz {
			continue
		}
		if best == nil || s.FluxJy > best.FluxJy {
			best = s
		}
	}
	if best == nil {
		return nil, mosaicd.Errorf(mosaicd.NoCalibrator, "catalog: no calibrator within %.1f deg of dec %.2f", c.options.SearchRadiusDeg, dec)
	}
	note := "auto-registered from " + msPath
	if err := c.Register(ctx, best.Name, best.RADeg, best.DecDeg, c.options.DecTolDeg, note); err != nil {
		return nil, err
	}
	log.Info("catalog: auto-registered bandpass calibrator", "name", best.Name, "dec", dec)
	return c.ForDeclination(ctx, dec)
}
