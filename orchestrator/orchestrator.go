// Package orchestrator owns the per-group state machine and the scheduler
// loop that drives groups through calibrate, image and mosaic stages. Every
// state change is committed to the store before the next external side
// effect, so a crash at any point resumes from the last committed status.
package orchestrator

import (
	"context"
	log "log/slog"
	"math"
	"time"

	"github.com/deepsynoptic/mosaicd"
	"github.com/deepsynoptic/mosaicd/astro"
	"github.com/deepsynoptic/mosaicd/catalog"
	"github.com/deepsynoptic/mosaicd/group"
	"github.com/deepsynoptic/mosaicd/metrics"
	"github.com/deepsynoptic/mosaicd/ms"
	"github.com/deepsynoptic/mosaicd/organizer"
	"github.com/deepsynoptic/mosaicd/recovery"
	"github.com/deepsynoptic/mosaicd/redlock"
	"github.com/deepsynoptic/mosaicd/registry"
	"github.com/deepsynoptic/mosaicd/stage"
	"github.com/deepsynoptic/mosaicd/store"
)

// Archiver mirrors a finished mosaic to long-term object storage.
type Archiver interface {
	ArchiveMosaic(ctx context.Context, localPath, dateDir string) (string, error)
}

// Deps are the explicit collaborators; no singletons.
type Deps struct {
	Store     *store.Store
	Reader    ms.Reader
	Registry  *registry.Registry
	Catalog   *catalog.Catalog
	Builder   *group.Builder
	Runner    *stage.Runner
	Organizer *organizer.Organizer
	Ledger    *recovery.Ledger
	FileIO    mosaicd.FileIO
	Clock     mosaicd.Clock
	Obs       astro.Observatory

	Solver       mosaicd.Solver
	Applier      mosaicd.Applier
	Imager       mosaicd.Imager
	Mosaic       mosaicd.MosaicBuilder
	Photometer   mosaicd.Photometer   // optional
	DataRegistry mosaicd.DataRegistry // optional

	Locks    *redlock.Client  // optional, for multi-instance deployments
	Metrics  *metrics.Metrics // optional
	Archiver Archiver         // optional
}

// Options are fixed at construction.
type Options struct {
	ImagesDir  string
	MosaicsDir string
	Refant     string

	BPValidityHours  float64
	GainValidityMin  float64
	// ImagingSuccessFraction is the minimum fraction of MS that must image
	// for the group to advance.
	ImagingSuccessFraction float64
	MaxWorkers             int
	// GroupDeadline clamps every stage invocation for one group advance.
	GroupDeadline time.Duration
	LockTTL       time.Duration

	PhotometryEnabled bool
	SolveOptions      mosaicd.SolveOptions
	ImageOptions      mosaicd.ImageOptions
}

func DefaultOptions() Options {
	return Options{
		Refant:                 "103",
		BPValidityHours:        12,
		GainValidityMin:        30,
		ImagingSuccessFraction: 0.75,
		MaxWorkers:             4,
		GroupDeadline:          2 * time.Hour,
		LockTTL:                10 * time.Minute,
	}
}

type Orchestrator struct {
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) *Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if deps.Runner != nil {
		m := deps.Metrics
		deps.Runner.SetOpenHook(func(stage string) {
			m.BreakerOpens.WithLabelValues(stage).Inc()
		})
	}
	return &Orchestrator{deps: deps, opts: opts}
}

// TickResult describes the single action a tick took.
type TickResult struct {
	Action  string // "resumed", "formed", "idle"
	GroupID string
	// Advanced is true when a group changed status this tick.
	Advanced bool
}

// Tick performs the scheduler's single action: resume the oldest non-terminal
// group, else form a new group, else report idle.
func (o *Orchestrator) Tick(ctx context.Context) (TickResult, error) {
	o.deps.Metrics.TicksTotal.Inc()

	var g *mosaicd.Group
	err := o.deps.Store.View(ctx, func(d *store.Data) error {
		g = d.OldestNonTerminal()
		return nil
	})
	if err != nil {
		return TickResult{Action: "idle"}, err
	}
	if g != nil {
		advanced, err := o.advanceLocked(ctx, g)
		return TickResult{Action: "resumed", GroupID: g.ID, Advanced: advanced}, err
	}

	id, err := o.deps.Builder.Next(ctx)
	if err != nil {
		return TickResult{Action: "idle"}, err
	}
	if id != "" {
		o.deps.Metrics.GroupsFormed.Inc()
		log.Info("orchestrator: formed group", "group", id)
		return TickResult{Action: "formed", GroupID: id, Advanced: true}, nil
	}
	return TickResult{Action: "idle"}, nil
}

// Run executes ticks until ctx is canceled, sleeping after idle ticks.
func (o *Orchestrator) Run(ctx context.Context, sleep time.Duration) error {
	for {
		res, err := o.Tick(ctx)
		if err != nil {
			log.Error("orchestrator: tick failed", "err", err)
		}
		if res.Advanced {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// advanceLocked takes the per-group advisory lock (when configured) around one
// stage advance, giving linearizable transitions across instances.
func (o *Orchestrator) advanceLocked(ctx context.Context, g *mosaicd.Group) (bool, error) {
	if o.deps.Locks != nil {
		key := "group/" + g.ID
		ok, holder, err := o.deps.Locks.Lock(ctx, key, o.opts.LockTTL)
		if err != nil {
			return false, err
		}
		if !ok {
			log.Debug("orchestrator: group locked elsewhere", "group", g.ID, "holder", holder)
			return false, nil
		}
		defer func() {
			if err := o.deps.Locks.Unlock(context.WithoutCancel(ctx), key); err != nil {
				log.Warn("orchestrator: unlock failed", "group", g.ID, "err", err)
			}
		}()
	}
	return o.advance(ctx, g)
}

// advance moves the group forward by exactly one stage.
func (o *Orchestrator) advance(ctx context.Context, g *mosaicd.Group) (bool, error) {
	switch g.Status {
	case mosaicd.GroupPending:
		return o.advancePending(ctx, g)
	case mosaicd.GroupCalibrating:
		return o.advanceCalibrating(ctx, g)
	case mosaicd.GroupCalibrated:
		return o.advanceCalibrated(ctx, g)
	case mosaicd.GroupImaging:
		return o.advanceImaging(ctx, g)
	case mosaicd.GroupImaged:
		return o.advanceImaged(ctx, g)
	case mosaicd.GroupMosaicking:
		return o.advanceMosaicking(ctx, g)
	}
	return false, nil
}

// stageDeadline clamps per-stage deadlines to the group budget.
func (o *Orchestrator) stageDeadline() time.Time {
	if o.opts.GroupDeadline <= 0 {
		return time.Time{}
	}
	return o.deps.Clock.Now().Add(o.opts.GroupDeadline)
}

// entries resolves the group's MS rows in window order.
func (o *Orchestrator) entries(ctx context.Context, g *mosaicd.Group) ([]*mosaicd.MSEntry, error) {
	var out []*mosaicd.MSEntry
	err := o.deps.Store.View(ctx, func(d *store.Data) error {
		out = out[:0]
		for _, p := range g.MSPaths {
			e, ok := d.MS[p]
			if !ok {
				return mosaicd.Errorf(mosaicd.Validation, "group %s references unknown MS %s", g.ID, p)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// setStatus commits a status transition and appends it to the state log
// before any following side effect.
func (o *Orchestrator) setStatus(ctx context.Context, g *mosaicd.Group, to mosaicd.GroupStatus, reason string, mutate func(*mosaicd.Group)) error {
	from := g.Status
	now := o.deps.Clock.Now().UTC()
	err := o.deps.Store.Update(ctx, func(d *store.Data) error {
		row, ok := d.Groups[g.ID]
		if !ok {
			return mosaicd.Errorf(mosaicd.NotFound, "group %s vanished", g.ID)
		}
		if row.Status != from {
			return mosaicd.Errorf(mosaicd.Conflict, "group %s moved to %s concurrently", g.ID, row.Status)
		}
		row.Status = to
		row.Attempt++
		row.UpdatedAt = now
		if row.StageTimestamps == nil {
			row.StageTimestamps = map[string]time.Time{}
		}
		row.StageTimestamps[string(to)] = now
		if mutate != nil {
			mutate(row)
		}
		*g = *row
		return nil
	})
	if err != nil {
		return err
	}
	if err := o.deps.Store.AppendTransition(ctx, mosaicd.StateTransition{
		GroupID: g.ID, From: from, To: to, Reason: reason, TS: now, Attempt: g.Attempt,
	}); err != nil {
		return err
	}
	log.Info("orchestrator: group transition", "group", g.ID, "from", from, "to", to, "reason", reason)
	return nil
}

// failGroup is the terminal transition for any non-terminal state.
func (o *Orchestrator) failGroup(ctx context.Context, g *mosaicd.Group, kind mosaicd.ErrorCode, message string, attempts int) (bool, error) {
	o.deps.Metrics.GroupsFailed.Inc()
	err := o.setStatus(ctx, g, mosaicd.GroupFailed, message, func(row *mosaicd.Group) {
		row.FailureKind = kind.String()
		row.FailureMessage = message
		if attempts > 0 {
			row.Attempt = attempts
		}
	})
	return err == nil, err
}

// Reset returns a failed or stuck group to pending for reprocessing.
func (o *Orchestrator) Reset(ctx context.Context, groupID string) error {
	now := o.deps.Clock.Now().UTC()
	var from mosaicd.GroupStatus
	err := o.deps.Store.Update(ctx, func(d *store.Data) error {
		g, ok := d.Groups[groupID]
		if !ok {
			return mosaicd.Errorf(mosaicd.NotFound, "group %s not found", groupID)
		}
		from = g.Status
		g.Status = mosaicd.GroupPending
		g.RetryCount++
		g.FailureKind = ""
		g.FailureMessage = ""
		g.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	return o.deps.Store.AppendTransition(ctx, mosaicd.StateTransition{
		GroupID: groupID, From: from, To: mosaicd.GroupPending, Reason: "operator reset", TS: now,
	})
}

func ceilFrac(n int, frac float64) int {
	return int(math.Ceil(frac * float64(n)))
}

func meanDec(entries []*mosaicd.MSEntry) float64 {
	var sum float64
	var n int
	for _, e := range entries {
		if e.DeclinationDeg != nil {
			sum += *e.DeclinationDeg
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func groupMid(entries []*mosaicd.MSEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	return (entries[0].MidMJD + entries[len(entries)-1].MidMJD) / 2.0
}
