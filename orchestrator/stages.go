package orchestrator

import (
	"context"
	"fmt"
	log "log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/deepsynoptic/mosaicd"
	"github.com/deepsynoptic/mosaicd/astro"
	"github.com/deepsynoptic/mosaicd/organizer"
	"github.com/deepsynoptic/mosaicd/registry"
	"github.com/deepsynoptic/mosaicd/stage"
	"github.com/deepsynoptic/mosaicd/store"
)

// advancePending selects the calibration anchor MS and commits calibrating.
// Preferred anchor: the MS whose span contains the bound calibrator's transit
// nearest the group midpoint; fallback is the middle MS of the window.
func (o *Orchestrator) advancePending(ctx context.Context, g *mosaicd.Group) (bool, error) {
	entries, err := o.entries(ctx, g)
	if err != nil {
		if mosaicd.CodeOf(err) == mosaicd.Validation {
			return o.failGroup(ctx, g, mosaicd.Validation, err.Error(), 0)
		}
		return false, err
	}
	mid := groupMid(entries)

	anchor := ""
	cal, err := o.deps.Catalog.ForDeclination(ctx, meanDec(entries))
	if err != nil {
		return false, err
	}
	if cal != nil {
		transit, terr := o.deps.Obs.TransitMJD(cal.RADeg, mid)
		if terr != nil {
			return o.failGroup(ctx, g, mosaicd.CodeOf(terr), terr.Error(), 0)
		}
		for _, e := range entries {
			if transit >= e.StartMJD && transit <= e.EndMJD {
				anchor = e.Path
				break
			}
		}
	}
	if anchor == "" {
		anchor = entries[(len(entries)-1)/2].Path
	}
	err = o.setStatus(ctx, g, mosaicd.GroupCalibrating, "selectCalibrationMS", func(row *mosaicd.Group) {
		row.CalibrationMSPath = anchor
	})
	return err == nil, err
}

// advanceCalibrating solves bandpass and gain tables on the anchor MS, or
// skips straight to calibrated when the registry already covers the group.
func (o *Orchestrator) advanceCalibrating(ctx context.Context, g *mosaicd.Group) (bool, error) {
	entries, err := o.entries(ctx, g)
	if err != nil {
		return false, err
	}
	var anchor *mosaicd.MSEntry
	for _, e := range entries {
		if e.Path == g.CalibrationMSPath {
			anchor = e
			break
		}
	}
	if anchor == nil {
		return o.failGroup(ctx, g, mosaicd.Validation, "calibration MS not in group window", 0)
	}
	dec := meanDec(entries)
	if anchor.DeclinationDeg != nil {
		dec = *anchor.DeclinationDeg
	}
	band := mosaicd.DecBandOf(dec)

	covered, _, err := o.deps.Registry.HasCoverage(ctx, anchor.MidMJD, band)
	if err != nil {
		return false, err
	}
	if covered {
		err = o.setStatus(ctx, g, mosaicd.GroupCalibrated, "solutions already active", nil)
		return err == nil, err
	}

	// An unexpired bandpass without gains means only the gain solve runs.
	sets, err := o.deps.Registry.ActiveAt(ctx, anchor.MidMJD, band)
	if err != nil {
		return false, err
	}
	bpSet := sets[mosaicd.KindBP]
	bpOK := bpSet != nil && o.deps.FileIO.Exists(ctx, bpSet.TablePath)

	cal, err := o.deps.Catalog.AutoRegisterIfMissing(ctx, anchor.Path)
	if err != nil {
		if mosaicd.CodeOf(err) == mosaicd.NoCalibrator {
			return o.failGroup(ctx, g, mosaicd.NoCalibrator, err.Error(), 0)
		}
		return false, err
	}
	transit, err := o.deps.Obs.TransitMJD(cal.RADeg, groupMid(entries))
	if err != nil {
		return o.failGroup(ctx, g, mosaicd.CodeOf(err), err.Error(), 0)
	}
	if transit < anchor.StartMJD || transit > anchor.EndMJD {
		msg := fmt.Sprintf("calibrator %s transit %.5f outside anchor span [%.5f, %.5f]",
			cal.Name, transit, anchor.StartMJD, anchor.EndMJD)
		return o.failGroup(ctx, g, mosaicd.LowVisibility, msg, 0)
	}

	// Tables are written next to the anchor, so place it first.
	calPath, err := o.deps.Organizer.Move(ctx, anchor.Path, organizer.RoleCalibrator, anchor.MidMJD)
	if err != nil {
		return false, err
	}
	prefix := o.deps.Organizer.CalTablePrefix(calPath)
	refant := o.opts.Refant

	out := o.deps.Runner.Run(ctx, stage.StageSolve, o.stageDeadline(), func(ctx context.Context) error {
		if err := o.deps.Solver.Rephase(ctx, calPath, cal.RADeg, cal.DecDeg); err != nil {
			return err
		}
		if err := o.deps.Solver.PopulateModel(ctx, calPath, cal.Name); err != nil {
			return err
		}
		var bpTables []string
		if bpOK {
			bpTables = []string{bpSet.TablePath}
		} else {
			var serr error
			bpTables, serr = o.deps.Solver.SolveBandpass(ctx, calPath, cal.Name, refant, prefix, o.opts.SolveOptions)
			if serr != nil {
				return serr
			}
		}
		_, serr := o.deps.Solver.SolveGains(ctx, calPath, cal.Name, refant, bpTables, prefix, o.opts.SolveOptions)
		return serr
	})
	o.deps.Metrics.StageOutcomes.WithLabelValues(stage.StageSolve, outcomeLabel(out)).Inc()
	if out.Skipped {
		log.Warn("orchestrator: solve skipped, breaker open", "group", g.ID)
		return false, nil
	}
	if !out.OK {
		return o.failGroup(ctx, g, out.Kind, out.Err.Error(), out.Attempts)
	}

	var kinds []mosaicd.SolutionKind
	if bpOK {
		kinds = []mosaicd.SolutionKind{mosaicd.KindGP, mosaicd.Kind2G}
	}
	bpStart, bpEnd := astro.MJDRange(transit, o.opts.BPValidityHours*3600)
	gStart, gEnd := astro.MJDRange(anchor.MidMJD, o.opts.GainValidityMin*60)
	err = o.deps.Registry.RegisterFromPrefix(ctx, registry.Registration{
		SetName:        filepath.Base(prefix),
		Prefix:         prefix,
		CalField:       cal.Name,
		Refant:         refant,
		DecBand:        band,
		BPValidStart:   bpStart,
		BPValidEnd:     bpEnd,
		GainValidStart: gStart,
		GainValidEnd:   gEnd,
		Kinds:          kinds,
	})
	if err != nil && mosaicd.CodeOf(err) != mosaicd.Conflict {
		// Conflict means a previous attempt registered before crashing.
		return false, err
	}
	err = o.setStatus(ctx, g, mosaicd.GroupCalibrated, "solved and registered", func(row *mosaicd.Group) {
		row.BPCalSolved = true
		row.GainCalSolved = true
	})
	return err == nil, err
}

// advanceCalibrated applies the active solution tables to every MS in the
// group with bounded fan-out, then moves each into its archive role.
func (o *Orchestrator) advanceCalibrated(ctx context.Context, g *mosaicd.Group) (bool, error) {
	entries, err := o.entries(ctx, g)
	if err != nil {
		return false, err
	}
	groupDec := meanDec(entries)

	outcomes := make([]stage.Outcome, len(entries))
	var mu sync.Mutex
	tr := mosaicd.NewTaskRunner(ctx, o.opts.MaxWorkers)
	for i, e := range entries {
		i, e := i, e
		tr.Go(func() error {
			oc, herr := o.applyOne(tr.GetContext(), g, e, groupDec)
			mu.Lock()
			outcomes[i] = oc
			mu.Unlock()
			return herr
		})
	}
	if err := tr.Wait(); err != nil {
		return false, err
	}
	for _, oc := range outcomes {
		o.deps.Metrics.StageOutcomes.WithLabelValues(stage.StageApply, outcomeLabel(oc)).Inc()
		if oc.Skipped {
			log.Warn("orchestrator: apply skipped, breaker open", "group", g.ID)
			return false, nil
		}
	}
	for i, oc := range outcomes {
		if !oc.OK {
			msg := fmt.Sprintf("apply failed for %s: %v", entries[i].Path, oc.Err)
			return o.failGroup(ctx, g, oc.Kind, msg, oc.Attempts)
		}
	}
	err = o.setStatus(ctx, g, mosaicd.GroupImaging, "calibration applied", nil)
	return err == nil, err
}

// applyOne applies tables to a single MS. Hard store errors return as error;
// stage failures come back in the Outcome.
func (o *Orchestrator) applyOne(ctx context.Context, g *mosaicd.Group, e *mosaicd.MSEntry, groupDec float64) (stage.Outcome, error) {
	role := organizer.RoleScience
	if e.Path == g.CalibrationMSPath {
		role = organizer.RoleCalibrator
	}
	if e.CalApplied {
		// Resume after a crash between apply and move.
		if _, err := o.deps.Organizer.Move(ctx, e.Path, role, e.MidMJD); err != nil {
			return stage.Outcome{}, err
		}
		return stage.Outcome{OK: true}, nil
	}
	dec := groupDec
	if e.DeclinationDeg != nil {
		dec = *e.DeclinationDeg
	}
	sets, err := o.deps.Registry.ActiveAt(ctx, e.MidMJD, mosaicd.DecBandOf(dec))
	if err != nil {
		return stage.Outcome{}, err
	}
	paths := registry.TablePaths(sets)
	if len(paths) < 3 {
		return stage.Outcome{Kind: mosaicd.MissingTable,
			Err: mosaicd.Errorf(mosaicd.MissingTable, "no active solution set covers %s at %.5f", e.Path, e.MidMJD)}, nil
	}
	if verr := registry.VerifyTables(ctx, o.deps.FileIO, paths); verr != nil {
		return stage.Outcome{Kind: mosaicd.MissingTable, Err: verr}, nil
	}

	out := o.deps.Runner.Run(ctx, stage.StageApply, o.stageDeadline(), func(ctx context.Context) error {
		return o.deps.Applier.Apply(ctx, e.Path, "", paths, true)
	})
	if !out.OK {
		return out, nil
	}
	newPath, err := o.deps.Organizer.Move(ctx, e.Path, role, e.MidMJD)
	if err != nil {
		return stage.Outcome{}, err
	}
	err = o.deps.Store.Update(ctx, func(d *store.Data) error {
		row, ok := d.MS[newPath]
		if !ok {
			return mosaicd.Errorf(mosaicd.NotFound, "ms %s vanished from index", newPath)
		}
		row.CalApplied = true
		row.Stage = mosaicd.MSCalibrated
		row.UpdatedAt = o.deps.Clock.Now().UTC()
		return nil
	})
	if err != nil {
		return stage.Outcome{}, err
	}
	// Imaging needs MODEL_DATA; re-seed if the apply cleared it.
	if has, herr := o.deps.Reader.HasPopulatedModel(ctx, newPath); herr == nil && !has {
		if bp := sets[mosaicd.KindBP]; bp != nil {
			if perr := o.deps.Solver.PopulateModel(ctx, newPath, bp.CalField); perr != nil {
				log.Warn("orchestrator: model re-seed failed", "ms", newPath, "err", perr)
			}
		}
	}
	return out, nil
}

// advanceImaging images every MS with bounded fan-out. The group advances
// when at least ceil(fraction*N) images exist; the rest are recorded as
// skipped and excluded from the mosaic.
func (o *Orchestrator) advanceImaging(ctx context.Context, g *mosaicd.Group) (bool, error) {
	entries, err := o.entries(ctx, g)
	if err != nil {
		return false, err
	}

	outcomes := make([]stage.Outcome, len(entries))
	var mu sync.Mutex
	tr := mosaicd.NewTaskRunner(ctx, o.opts.MaxWorkers)
	for i, e := range entries {
		i, e := i, e
		tr.Go(func() error {
			oc, herr := o.imageOne(tr.GetContext(), e)
			mu.Lock()
			outcomes[i] = oc
			mu.Unlock()
			return herr
		})
	}
	if err := tr.Wait(); err != nil {
		return false, err
	}

	succeeded := 0
	var skippedPaths []string
	for i, oc := range outcomes {
		o.deps.Metrics.StageOutcomes.WithLabelValues(stage.StageImaging, outcomeLabel(oc)).Inc()
		if oc.Skipped {
			log.Warn("orchestrator: imaging skipped, breaker open", "group", g.ID)
			return false, nil
		}
		if oc.OK {
			succeeded++
		} else {
			log.Warn("orchestrator: imaging failed", "group", g.ID, "ms", entries[i].Path, "err", oc.Err)
			skippedPaths = append(skippedPaths, entries[i].Path)
		}
	}
	need := ceilFrac(len(entries), o.opts.ImagingSuccessFraction)
	if succeeded < need {
		msg := fmt.Sprintf("imaging succeeded for %d of %d MS, need %d", succeeded, len(entries), need)
		return o.failGroup(ctx, g, mosaicd.Permanent, msg, 0)
	}
	if len(skippedPaths) > 0 {
		log.Warn("orchestrator: mosaicking without all images", "group", g.ID, "skipped", len(skippedPaths))
	}
	err = o.setStatus(ctx, g, mosaicd.GroupImaged, "imaging complete", func(row *mosaicd.Group) {
		row.SkippedMS = skippedPaths
	})
	return err == nil, err
}

// imageOne produces the image artifacts for one MS, skipping work whose
// artifacts already exist.
func (o *Orchestrator) imageOne(ctx context.Context, e *mosaicd.MSEntry) (stage.Outcome, error) {
	base := o.imageBase(e)
	if _, ok := o.imageArtifact(ctx, base); ok {
		if err := o.markImaged(ctx, e.Path, base); err != nil {
			return stage.Outcome{}, err
		}
		return stage.Outcome{OK: true}, nil
	}
	if err := o.deps.FileIO.MkdirAll(ctx, filepath.Dir(base), 0o755); err != nil {
		return stage.Outcome{}, err
	}
	out := o.deps.Runner.Run(ctx, stage.StageImaging, o.stageDeadline(), func(ctx context.Context) error {
		return o.deps.Imager.Image(ctx, e.Path, base, o.opts.ImageOptions)
	})
	if !out.OK {
		return out, nil
	}
	if _, ok := o.imageArtifact(ctx, base); !ok {
		return stage.Outcome{Kind: mosaicd.Validation,
			Err: mosaicd.Errorf(mosaicd.Validation, "imager reported success but left no artifact at %s", base)}, nil
	}
	if err := o.markImaged(ctx, e.Path, base); err != nil {
		return stage.Outcome{}, err
	}
	return out, nil
}

func (o *Orchestrator) markImaged(ctx context.Context, msPath, base string) error {
	return o.deps.Store.Update(ctx, func(d *store.Data) error {
		row, ok := d.MS[msPath]
		if !ok {
			return mosaicd.Errorf(mosaicd.NotFound, "ms %s vanished from index", msPath)
		}
		row.Stage = mosaicd.MSImaged
		row.ImageName = base
		row.UpdatedAt = o.deps.Clock.Now().UTC()
		return nil
	})
}

// imageBase is the artifact basename (no extension) for an MS image.
func (o *Orchestrator) imageBase(e *mosaicd.MSEntry) string {
	name := strings.TrimSuffix(filepath.Base(e.Path), ".ms") + "_img"
	return filepath.Join(o.opts.ImagesDir, organizer.DateDir(e.MidMJD), name)
}

var imageExts = []string{".fits", ".pbcor", ".image"}

// imageArtifact returns the preferred existing artifact for a base name.
func (o *Orchestrator) imageArtifact(ctx context.Context, base string) (string, bool) {
	for _, ext := range imageExts {
		if p := base + ext; o.deps.FileIO.Exists(ctx, p) {
			return p, true
		}
	}
	return "", false
}

// advanceImaged validates the image set: chronological order and artifact
// presence for every non-skipped MS.
func (o *Orchestrator) advanceImaged(ctx context.Context, g *mosaicd.Group) (bool, error) {
	entries, err := o.entries(ctx, g)
	if err != nil {
		return false, err
	}
	if !sort.SliceIsSorted(entries, func(i, j int) bool { return entries[i].MidMJD < entries[j].MidMJD }) {
		log.Warn("orchestrator: group window out of order, re-sorting", "group", g.ID)
		sort.Slice(entries, func(i, j int) bool { return entries[i].MidMJD < entries[j].MidMJD })
		paths := make([]string, len(entries))
		for i, e := range entries {
			paths[i] = e.Path
		}
		err = o.deps.Store.Update(ctx, func(d *store.Data) error {
			if row, ok := d.Groups[g.ID]; ok {
				row.MSPaths = paths
			}
			return nil
		})
		if err != nil {
			return false, err
		}
	}
	skipped := map[string]bool{}
	for _, p := range g.SkippedMS {
		skipped[p] = true
	}
	for _, e := range entries {
		if skipped[e.Path] {
			continue
		}
		if e.ImageName == "" {
			return o.failGroup(ctx, g, mosaicd.Validation, fmt.Sprintf("ms %s has no image record", e.Path), 0)
		}
		if _, ok := o.imageArtifact(ctx, e.ImageName); !ok {
			return o.failGroup(ctx, g, mosaicd.Validation, fmt.Sprintf("image artifact for %s vanished", e.Path), 0)
		}
	}
	err = o.setStatus(ctx, g, mosaicd.GroupMosaicking, "image set validated", nil)
	return err == nil, err
}

// advanceMosaicking builds the mosaic, registers the product, and completes
// the group. Photometry and archive upload are best-effort.
func (o *Orchestrator) advanceMosaicking(ctx context.Context, g *mosaicd.Group) (bool, error) {
	entries, err := o.entries(ctx, g)
	if err != nil {
		return false, err
	}
	skipped := map[string]bool{}
	for _, p := range g.SkippedMS {
		skipped[p] = true
	}
	var imagePaths, weightPaths []string
	for _, e := range entries {
		if skipped[e.Path] {
			continue
		}
		art, ok := o.imageArtifact(ctx, e.ImageName)
		if !ok {
			return o.failGroup(ctx, g, mosaicd.Validation, fmt.Sprintf("image artifact for %s vanished", e.Path), 0)
		}
		imagePaths = append(imagePaths, art)
		weightPaths = append(weightPaths, e.ImageName+".pb")
	}

	mosaicID := g.MosaicID
	if mosaicID == "" {
		mosaicID = "mosaic_" + g.ID
	}
	outPath := filepath.Join(o.opts.MosaicsDir, mosaicID+".fits")

	if !o.deps.FileIO.Exists(ctx, outPath) {
		if err := o.deps.FileIO.MkdirAll(ctx, o.opts.MosaicsDir, 0o755); err != nil {
			return false, err
		}
		out := o.deps.Runner.Run(ctx, stage.StageMosaic, o.stageDeadline(), func(ctx context.Context) error {
			return o.deps.Mosaic.Build(ctx, imagePaths, weightPaths, outPath)
		})
		o.deps.Metrics.StageOutcomes.WithLabelValues(stage.StageMosaic, outcomeLabel(out)).Inc()
		if out.Skipped {
			log.Warn("orchestrator: mosaic skipped, breaker open", "group", g.ID)
			return false, nil
		}
		if !out.OK {
			return o.failGroup(ctx, g, out.Kind, out.Err.Error(), out.Attempts)
		}
		if !o.deps.FileIO.Exists(ctx, outPath) {
			return o.failGroup(ctx, g, mosaicd.Validation, "mosaic builder left no artifact", 0)
		}
	}

	qa := "passed"
	if len(g.SkippedMS) > 0 {
		qa = "warning"
	}
	if o.deps.DataRegistry != nil {
		meta := map[string]any{
			"group_id":  g.ID,
			"n_images":  len(imagePaths),
			"qa":        qa,
			"start_mjd": entries[0].StartMJD,
			"end_mjd":   entries[len(entries)-1].EndMJD,
		}
		if err := o.deps.DataRegistry.Register(ctx, "mosaic", mosaicID, outPath, meta, false); err != nil {
			return false, err
		}
		if err := o.deps.DataRegistry.Finalize(ctx, mosaicID, qa, "validated"); err != nil {
			return false, err
		}
	}
	if o.opts.PhotometryEnabled && o.deps.Photometer != nil {
		out := o.deps.Runner.Run(ctx, stage.StagePhotometry, o.stageDeadline(), func(ctx context.Context) error {
			_, perr := o.deps.Photometer.Measure(ctx, outPath, map[string]any{"mosaic_id": mosaicID})
			return perr
		})
		o.deps.Metrics.StageOutcomes.WithLabelValues(stage.StagePhotometry, outcomeLabel(out)).Inc()
		if !out.OK && !out.Skipped {
			log.Warn("orchestrator: photometry failed", "group", g.ID, "err", out.Err)
		}
	}
	if o.deps.Archiver != nil {
		dateDir := organizer.DateDir(groupMid(entries))
		if key, aerr := o.deps.Archiver.ArchiveMosaic(ctx, outPath, dateDir); aerr != nil {
			log.Warn("orchestrator: mosaic archive upload failed", "group", g.ID, "err", aerr)
		} else if key != "" {
			log.Info("orchestrator: mosaic archived", "group", g.ID, "key", key)
		}
	}

	// Mark member MS done before the terminal commit; a crash in between
	// re-runs this tick and the existing mosaic short-circuits the build.
	err = o.deps.Store.Update(ctx, func(d *store.Data) error {
		now := o.deps.Clock.Now().UTC()
		for _, e := range entries {
			if row, ok := d.MS[e.Path]; ok && !skipped[e.Path] {
				row.Stage = mosaicd.MSDone
				row.UpdatedAt = now
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	err = o.setStatus(ctx, g, mosaicd.GroupCompleted, "mosaic built", func(row *mosaicd.Group) {
		row.MosaicID = mosaicID
		row.MosaicPath = outPath
	})
	if err != nil {
		return false, err
	}
	o.deps.Metrics.GroupsCompleted.Inc()
	return true, nil
}

func outcomeLabel(out stage.Outcome) string {
	switch {
	case out.OK:
		return "ok"
	case out.Skipped:
		return "skipped"
	default:
		return "failed"
	}
}
