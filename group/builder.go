// Package group forms sliding windows of MS entries into mosaic groups.
package group

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	log "log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deepsynoptic/mosaicd"
	"github.com/deepsynoptic/mosaicd/store"
)

// Policy is the overlap-window policy. Durations are in days (MJD units).
type Policy struct {
	N               int     // group size
	OverlapK        int     // MS shared with the previous completed group
	MaxGapDays      float64 // max gap between consecutive mid_mjd
	MaxSpanDays     float64 // max last.mid - first.mid
	DecCoherenceDeg float64 // +/- tolerance around the group declination
	// AllowAsymmetric permits groups smaller than N (but >= 3) when the
	// candidate pool runs dry.
	AllowAsymmetric bool
	// InitialStages selects which MS stages seed the very first group.
	InitialStages []mosaicd.MSStage
}

// DefaultPolicy: 10-deep windows with 2 MS overlap, 6 min gaps, 60 min span.
func DefaultPolicy() Policy {
	return Policy{
		N:               10,
		OverlapK:        2,
		MaxGapDays:      6.0 / 1440.0,
		MaxSpanDays:     60.0 / 1440.0,
		DecCoherenceDeg: 0.1,
		InitialStages: []mosaicd.MSStage{
			mosaicd.MSConverted, mosaicd.MSCalibrated, mosaicd.MSImaged, mosaicd.MSDone,
		},
	}
}

// Builder forms at most one new group per call.
type Builder struct {
	store  *store.Store
	fileIO mosaicd.FileIO
	clock  mosaicd.Clock
	policy Policy
}

func NewBuilder(st *store.Store, fileIO mosaicd.FileIO, clock mosaicd.Clock, policy Policy) *Builder {
	return &Builder{store: st, fileIO: fileIO, clock: clock, policy: policy}
}

// Next validates and forms the next group, returning its ID or "" when no
// valid window exists. If a non-terminal group with the same paths already
// exists, its ID is returned instead of creating a duplicate.
func (b *Builder) Next(ctx context.Context) (string, error) {
	var groupID string
	err := b.store.Update(ctx, func(d *store.Data) error {
		groupID = ""
		candidates, overlap := b.selectCandidates(ctx, d)
		if candidates == nil {
			return nil
		}
		if len(candidates) > b.policy.N {
			candidates = candidates[:b.policy.N]
		}
		if err := b.validate(candidates); err != nil {
			log.Debug("group: window rejected", "reason", err.Error())
			return nil
		}

		paths := make([]string, len(candidates))
		for i, e := range candidates {
			paths[i] = e.Path
		}
		if g := d.PendingWithPaths(paths); g != nil {
			groupID = g.ID
			return nil
		}

		now := b.clock.Now().UTC()
		id := b.assignID(d, paths)
		// Overlap MS re-enter the pipeline fresh: their calibration artifacts
		// belong to the previous window's solutions.
		for _, e := range overlap {
			entry := d.MS[e.Path]
			entry.Stage = mosaicd.MSConverted
			entry.CalApplied = false
			entry.ImageName = ""
			entry.UpdatedAt = now
		}
		d.Groups[id] = &mosaicd.Group{
			ID:              id,
			MSPaths:         paths,
			Status:          mosaicd.GroupPending,
			CreatedAt:       now,
			UpdatedAt:       now,
			StageTimestamps: map[string]time.Time{string(mosaicd.GroupPending): now},
		}
		groupID = id
		return nil
	})
	return groupID, err
}

// selectCandidates picks the ordered window for the current mode. The second
// return value lists the overlap MS whose artifacts must be cleared.
func (b *Builder) selectCandidates(ctx context.Context, d *store.Data) ([]*mosaicd.MSEntry, []*mosaicd.MSEntry) {
	last := d.LatestCompleted()
	if last == nil {
		return b.purgeMissing(ctx, d.SortedMSByMid(b.policy.InitialStages...)), nil
	}

	// Sliding mode: last K of the previous group, then fresh converted MS.
	if len(last.MSPaths) < b.policy.OverlapK {
		return nil, nil
	}
	var overlap []*mosaicd.MSEntry
	for _, p := range last.MSPaths[len(last.MSPaths)-b.policy.OverlapK:] {
		e, ok := d.MS[p]
		if !ok {
			return nil, nil
		}
		overlap = append(overlap, e)
	}
	overlap = b.purgeMissing(ctx, overlap)
	if len(overlap) < b.policy.OverlapK {
		return nil, nil
	}

	inOverlap := map[string]bool{}
	for _, e := range overlap {
		inOverlap[e.Path] = true
	}
	lastMid := overlap[len(overlap)-1].MidMJD
	var fresh []*mosaicd.MSEntry
	for _, e := range b.purgeMissing(ctx, d.SortedMSByMid(mosaicd.MSConverted)) {
		if inOverlap[e.Path] || e.MidMJD <= lastMid {
			continue
		}
		fresh = append(fresh, e)
	}

	window := append(append([]*mosaicd.MSEntry{}, overlap...), fresh...)
	return window, overlap
}

// purgeMissing drops entries whose path vanished from disk, with a warning.
func (b *Builder) purgeMissing(ctx context.Context, entries []*mosaicd.MSEntry) []*mosaicd.MSEntry {
	out := entries[:0]
	for _, e := range entries {
		if !b.fileIO.Exists(ctx, e.Path) {
			log.Warn("group: purging MS entry with missing path", "path", e.Path)
			continue
		}
		out = append(out, e)
	}
	return out
}

// validate applies the window constraints in fixed order: size, gaps, span,
// declination coherence.
func (b *Builder) validate(window []*mosaicd.MSEntry) error {
	if len(window) != b.policy.N {
		if !b.policy.AllowAsymmetric || len(window) < 3 {
			return fmt.Errorf("size %d != %d", len(window), b.policy.N)
		}
	}
	for i := 1; i < len(window); i++ {
		if gap := window[i].MidMJD - window[i-1].MidMJD; gap > b.policy.MaxGapDays {
			return fmt.Errorf("gap %.2f min at index %d", gap*1440.0, i)
		}
	}
	if span := window[len(window)-1].MidMJD - window[0].MidMJD; span > b.policy.MaxSpanDays {
		return fmt.Errorf("span %.2f min", span*1440.0)
	}
	lo, hi := decBounds(window)
	if hi-lo > 2*b.policy.DecCoherenceDeg {
		return fmt.Errorf("declination spread %.3f deg", hi-lo)
	}
	return nil
}

func decBounds(window []*mosaicd.MSEntry) (lo, hi float64) {
	first := true
	for _, e := range window {
		if e.DeclinationDeg == nil {
			continue
		}
		d := *e.DeclinationDeg
		if first {
			lo, hi, first = d, d, false
			continue
		}
		if d < lo {
			lo = d
		}
		if d > hi {
			hi = d
		}
	}
	return lo, hi
}

// assignID derives the collision-resistant group ID.
func (b *Builder) assignID(d *store.Data, paths []string) string {
	sorted := append([]string{}, paths...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	id := fmt.Sprintf("group_%s_%d", hex.EncodeToString(sum[:6]), b.clock.Now().UnixMicro())
	if _, taken := d.Groups[id]; taken {
		suffix := uuid.New().String()[:4]
		log.Warn("group: ID collision, appending suffix", "id", id, "suffix", suffix)
		id = id + "_" + suffix
	}
	return id
}
