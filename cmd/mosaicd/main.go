// mosaicd is the streaming mosaic orchestrator daemon and its operator CLI.
//
// Exit codes: 0 success, 1 recoverable runtime failure (including a single
// tick that advanced nothing), 2 configuration or permissions error.
package main

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/deepsynoptic/mosaicd"
	"github.com/deepsynoptic/mosaicd/archive"
	"github.com/deepsynoptic/mosaicd/astro"
	"github.com/deepsynoptic/mosaicd/catalog"
	"github.com/deepsynoptic/mosaicd/extproc"
	"github.com/deepsynoptic/mosaicd/group"
	"github.com/deepsynoptic/mosaicd/metrics"
	"github.com/deepsynoptic/mosaicd/ms"
	"github.com/deepsynoptic/mosaicd/orchestrator"
	"github.com/deepsynoptic/mosaicd/organizer"
	"github.com/deepsynoptic/mosaicd/recovery"
	"github.com/deepsynoptic/mosaicd/redlock"
	"github.com/deepsynoptic/mosaicd/registry"
	"github.com/deepsynoptic/mosaicd/stage"
	"github.com/deepsynoptic/mosaicd/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// errNoAdvance marks a single-tick run that found nothing to do; the exit
// status lets cron-style callers distinguish it from progress.
var errNoAdvance = errors.New("no group advanced")

func run(args []string) int {
	mosaicd.ConfigureLogging()
	cmd := newRootCommand()
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err != nil && !errors.Is(err, errNoAdvance) {
		log.Error("mosaicd: command failed", "err", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case mosaicd.CodeOf(err) == mosaicd.Config:
		return 2
	default:
		return 1
	}
}

type app struct {
	cfg       Config
	store     *store.Store
	registry  *registry.Registry
	catalog   *catalog.Catalog
	organizer *organizer.Organizer
	orch      *orchestrator.Orchestrator
}

func buildApp(ctx context.Context, cfg Config) (*app, error) {
	fileIO := mosaicd.NewFileIO()
	clock := mosaicd.SystemClock()

	st, err := store.Open(ctx, cfg.StateDir, fileIO)
	if err != nil {
		return nil, err
	}

	var locks *redlock.Client
	if cfg.Redis != nil {
		locks = redlock.NewClient(redlock.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := locks.Ping(ctx); err != nil {
			log.Warn("mosaicd: redis unreachable, running without group locks", "err", err)
			locks = nil
		}
	}

	reader := ms.NewDirReader(fileIO)
	reg := registry.New(st, fileIO, clock, locks)
	cat := catalog.New(st, reader, clock, catalog.DefaultOptions())
	org := organizer.New(cfg.ArchiveRoot, fileIO, st, clock)
	ledger := recovery.NewLedger(st, clock)
	runner := stage.NewRunner(stage.DefaultPolicies(), ledger)
	builder := group.NewBuilder(st, fileIO, clock, group.Policy{
		N:               cfg.Group.N,
		OverlapK:        cfg.Group.OverlapK,
		MaxGapDays:      cfg.Group.MaxGapMin / 1440,
		MaxSpanDays:     cfg.Group.MaxSpanMin / 1440,
		DecCoherenceDeg: cfg.Group.DecCoherenceDeg,
		AllowAsymmetric: cfg.Group.AllowAsymmetric,
		InitialStages:   []mosaicd.MSStage{mosaicd.MSConverted},
	})

	groupDeadline := time.Duration(cfg.GroupDeadlineMin * float64(time.Minute))
	ext := extproc.New(extproc.Options{Bin: cfg.HelperBin, Timeout: groupDeadline})

	imagesDir := cfg.ImagesDir
	if imagesDir == "" {
		imagesDir = filepath.Join(cfg.ArchiveRoot, "images")
	}
	mosaicsDir := cfg.MosaicsDir
	if mosaicsDir == "" {
		mosaicsDir = filepath.Join(cfg.ArchiveRoot, "mosaics")
	}

	deps := orchestrator.Deps{
		Store:        st,
		Reader:       reader,
		Registry:     reg,
		Catalog:      cat,
		Builder:      builder,
		Runner:       runner,
		Organizer:    org,
		Ledger:       ledger,
		FileIO:       fileIO,
		Clock:        clock,
		Obs: astro.Observatory{
			Name:         cfg.Observatory.Name,
			LongitudeDeg: cfg.Observatory.LongitudeDeg,
			LatitudeDeg:  cfg.Observatory.LatitudeDeg,
		},
		Solver:       ext,
		Applier:      ext,
		Imager:       ext,
		Mosaic:       ext,
		Photometer:   ext,
		DataRegistry: ext,
		Locks:        locks,
		Metrics:      metrics.New(prometheus.DefaultRegisterer),
	}
	if cfg.S3 != nil {
		acfg := archive.Config{
			HostEndpointUrl: cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Username:        cfg.S3.Username,
			Password:        cfg.S3.Password,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
		}
		deps.Archiver = archive.NewS3(archive.Connect(acfg), acfg)
	}

	opts := orchestrator.Options{
		ImagesDir:              imagesDir,
		MosaicsDir:             mosaicsDir,
		Refant:                 cfg.Refant,
		BPValidityHours:        cfg.BPValidityHours,
		GainValidityMin:        cfg.GainValidityMin,
		ImagingSuccessFraction: cfg.ImagingSuccessFraction,
		MaxWorkers:             cfg.MaxWorkers,
		GroupDeadline:          groupDeadline,
		LockTTL:                10 * time.Minute,
		PhotometryEnabled:      cfg.PhotometryEnabled,
	}

	return &app{
		cfg:       cfg,
		store:     st,
		registry:  reg,
		catalog:   cat,
		organizer: org,
		orch:      orchestrator.New(deps, opts),
	}, nil
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "mosaicd",
		Short:         "Streaming mosaic orchestrator for interferometric imaging",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path (or $MOSAICD_CONFIG)")

	root.AddCommand(
		newRunCommand(&configPath),
		newRegisterBPCalCommand(&configPath),
		newReprocessCommand(&configPath),
		newSweepCommand(&configPath),
		newStatusCommand(&configPath),
	)
	return root
}

func loadApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return buildApp(ctx, cfg)
}

// startupRecovery heals crash leftovers: vanished MS paths and solution sets
// whose table artifacts are gone.
func (a *app) startupRecovery(ctx context.Context) {
	if n, err := a.organizer.Reconcile(ctx); err != nil {
		log.Warn("mosaicd: reconcile failed", "err", err)
	} else if n > 0 {
		log.Info("mosaicd: reconciled moved MS", "count", n)
	}
	if n, err := a.registry.SweepMissing(ctx); err != nil {
		log.Warn("mosaicd: registry sweep failed", "err", err)
	} else if n > 0 {
		log.Info("mosaicd: swept solution sets with missing tables", "count", n)
	}
}

func newRunCommand(configPath *string) *cobra.Command {
	var once, loop bool
	var sleep time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, one tick or as a daemon loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			if once && loop {
				return mosaicd.Errorf(mosaicd.Config, "--once and --loop are mutually exclusive")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			a.startupRecovery(ctx)

			if loop {
				if !cmd.Flags().Changed("sleep") {
					sleep = time.Duration(a.cfg.PollSleepSec * float64(time.Second))
				}
				err := a.orch.Run(ctx, sleep)
				if errors.Is(err, context.Canceled) {
					log.Info("mosaicd: shutting down")
					return nil
				}
				return err
			}
			res, err := a.orch.Tick(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s", res.Action)
			if res.GroupID != "" {
				fmt.Printf(" %s", res.GroupID)
			}
			fmt.Println()
			if !res.Advanced {
				return errNoAdvance
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single tick (default)")
	cmd.Flags().BoolVar(&loop, "loop", false, "run until interrupted")
	cmd.Flags().DurationVar(&sleep, "sleep", 30*time.Second, "idle sleep between ticks in loop mode")
	return cmd
}

func newRegisterBPCalCommand(configPath *string) *cobra.Command {
	var decTol float64
	cmd := &cobra.Command{
		Use:   "register-bpcal NAME,RA_DEG,DEC_DEG",
		Short: "Bind a bandpass calibrator to its declination range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parts := strings.Split(args[0], ",")
			if len(parts) != 3 {
				return mosaicd.Errorf(mosaicd.Config, "expected NAME,RA_DEG,DEC_DEG, got %q", args[0])
			}
			name := strings.TrimSpace(parts[0])
			ra, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
			if err != nil {
				return mosaicd.Errorf(mosaicd.Config, "bad RA %q: %v", parts[1], err)
			}
			dec, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
			if err != nil {
				return mosaicd.Errorf(mosaicd.Config, "bad Dec %q: %v", parts[2], err)
			}
			if name == "" || ra < 0 || ra >= 360 || dec < -90 || dec > 90 {
				return mosaicd.Errorf(mosaicd.Config, "calibrator out of range: %s ra=%.4f dec=%.4f", name, ra, dec)
			}
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			if err := a.catalog.Register(cmd.Context(), name, ra, dec, decTol, "operator registration"); err != nil {
				return err
			}
			fmt.Printf("registered %s for dec [%.2f, %.2f]\n", name, dec-decTol, dec+decTol)
			return nil
		},
	}
	cmd.Flags().Float64Var(&decTol, "dec-tol", 5, "declination half-range in degrees")
	return cmd
}

func newReprocessCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess GROUP_ID",
		Short: "Return a failed group to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			if err := a.orch.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("group %s reset to pending\n", args[0])
			return nil
		},
	}
}

func newSweepCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Sweep solution sets with missing tables and reconcile MS paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			swept, err := a.registry.SweepMissing(cmd.Context())
			if err != nil {
				return err
			}
			healed, err := a.organizer.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("swept %d solution sets, reconciled %d MS paths\n", swept, healed)
			return nil
		},
	}
}

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [GROUP_ID]",
		Short: "Show group status, transitions and recent failures",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if len(args) == 1 {
				return a.printGroup(ctx, args[0])
			}
			return a.printOverview(ctx)
		},
	}
}

func (a *app) printOverview(ctx context.Context) error {
	var groups []*mosaicd.Group
	err := a.store.View(ctx, func(d *store.Data) error {
		for _, g := range d.Groups {
			groups = append(groups, g)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].CreatedAt.Before(groups[j].CreatedAt) })
	if len(groups) == 0 {
		fmt.Println("no groups")
		return nil
	}
	for _, g := range groups {
		fmt.Printf("%-40s %-12s ms=%d", g.ID, g.Status, len(g.MSPaths))
		if g.Status == mosaicd.GroupFailed {
			fmt.Printf(" %s: %s", g.FailureKind, g.FailureMessage)
		}
		if g.MosaicPath != "" {
			fmt.Printf(" mosaic=%s", g.MosaicPath)
		}
		fmt.Println()
	}
	failures := a.store.RecentFailures(ctx, "", time.Now().Add(-24*time.Hour))
	if len(failures) > 0 {
		fmt.Printf("\n%d failures in the last 24h:\n", len(failures))
		for _, f := range failures {
			fmt.Printf("  %s %-18s %-12s %s\n", f.TS.Format(time.RFC3339), f.Subsystem, f.ErrorKind, f.Message)
		}
	}
	return nil
}

func (a *app) printGroup(ctx context.Context, id string) error {
	var g *mosaicd.Group
	err := a.store.View(ctx, func(d *store.Data) error {
		g = d.Groups[id]
		return nil
	})
	if err != nil {
		return err
	}
	if g == nil {
		return mosaicd.Errorf(mosaicd.NotFound, "group %s not found", id)
	}
	fmt.Printf("group:   %s\nstatus:  %s\nattempt: %d\n", g.ID, g.Status, g.Attempt)
	if g.CalibrationMSPath != "" {
		fmt.Printf("anchor:  %s\n", g.CalibrationMSPath)
	}
	if g.FailureKind != "" {
		fmt.Printf("failure: %s: %s\n", g.FailureKind, g.FailureMessage)
	}
	if g.MosaicPath != "" {
		fmt.Printf("mosaic:  %s\n", g.MosaicPath)
	}
	fmt.Printf("ms (%d):\n", len(g.MSPaths))
	for _, p := range g.MSPaths {
		fmt.Printf("  %s\n", p)
	}
	trs := a.store.Transitions(ctx, id)
	if len(trs) > 0 {
		fmt.Println("transitions:")
		for _, tr := range trs {
			fmt.Printf("  %s %s -> %-12s %s\n", tr.TS.Format(time.RFC3339), tr.From, tr.To, tr.Reason)
		}
	}
	return nil
}
