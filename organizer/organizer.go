// Package organizer moves MS containers into the date/role-partitioned
// archive layout and keeps ms_index paths in step. Moves are rename-based;
// the index update follows the move, and a startup reconciliation scan heals
// a crash between the two.
package organizer

import (
	"context"
	log "log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/deepsynoptic/mosaicd"
	"github.com/deepsynoptic/mosaicd/store"
)

// Role decides the archive subtree an MS lands in.
type Role string

const (
	RoleCalibrator Role = "calibrators"
	RoleScience    Role = "science"
	RoleFailed     Role = "failed"
)

// mjdEpoch is 1858-11-17T00:00:00 UTC, the zero point of MJD.
var mjdEpoch = time.Date(1858, 11, 17, 0, 0, 0, 0, time.UTC)

// DateDir renders the <YYYY-MM-DD> partition for an MJD.
func DateDir(mjd float64) string {
	return mjdEpoch.Add(time.Duration(mjd * 24 * float64(time.Hour))).UTC().Format("2006-01-02")
}

type Organizer struct {
	root   string
	fileIO mosaicd.FileIO
	store  *store.Store
	clock  mosaicd.Clock
}

func New(root string, fileIO mosaicd.FileIO, st *store.Store, clock mosaicd.Clock) *Organizer {
	return &Organizer{root: root, fileIO: fileIO, store: st, clock: clock}
}

func (o *Organizer) Root() string { return o.root }

// TargetPath returns where an MS belongs for the given role, without moving it.
func (o *Organizer) TargetPath(msPath string, role Role, mjd float64) string {
	return filepath.Join(o.root, string(role), DateDir(mjd), filepath.Base(msPath))
}

// Move relocates the MS and re-keys its ms_index row. Moving onto its own
// target is a no-op, which makes resumed stages idempotent.
func (o *Organizer) Move(ctx context.Context, msPath string, role Role, mjd float64) (string, error) {
	target := o.TargetPath(msPath, role, mjd)
	if target == msPath {
		return target, nil
	}
	if err := o.fileIO.MkdirAll(ctx, filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	if o.fileIO.Exists(ctx, msPath) {
		if o.fileIO.Exists(ctx, target) {
			return "", mosaicd.Errorf(mosaicd.Conflict, "organizer: target %s already occupied", target)
		}
		if err := o.fileIO.Rename(ctx, msPath, target); err != nil {
			return "", err
		}
	} else if !o.fileIO.Exists(ctx, target) {
		return "", mosaicd.Errorf(mosaicd.NotFound, "organizer: %s missing from source and target", msPath)
	}
	// Crash window closes here: the index update below is the commit point,
	// and Reconcile covers a crash in between.
	err := o.store.Update(ctx, func(d *store.Data) error {
		e, ok := d.MS[msPath]
		if !ok {
			// Already re-keyed by a previous attempt.
			if _, ok := d.MS[target]; ok {
				return nil
			}
			return mosaicd.Errorf(mosaicd.NotFound, "organizer: no ms_index row for %s", msPath)
		}
		delete(d.MS, msPath)
		e.Path = target
		e.UpdatedAt = o.clock.Now().UTC()
		d.MS[target] = e
		// Re-point any group membership at the new path.
		for _, g := range d.Groups {
			for i, p := range g.MSPaths {
				if p == msPath {
					g.MSPaths[i] = target
				}
			}
			if g.CalibrationMSPath == msPath {
				g.CalibrationMSPath = target
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return target, nil
}

// CalTablePrefix is the shared basename prefix for calibration tables placed
// alongside a calibrator MS.
func (o *Organizer) CalTablePrefix(calMSPath string) string {
	base := strings.TrimSuffix(filepath.Base(calMSPath), ".ms")
	return filepath.Join(filepath.Dir(calMSPath), base)
}

// Reconcile heals index rows that point at paths which were moved before a
// crash: if the recorded path is gone but the basename exists under a role
// partition, the row is re-keyed there.
func (o *Organizer) Reconcile(ctx context.Context) (int, error) {
	healed := 0
	err := o.store.Update(ctx, func(d *store.Data) error {
		healed = 0
		for path, e := range d.MS {
			if o.fileIO.Exists(ctx, path) {
				continue
			}
			found := o.findInArchive(ctx, filepath.Base(path))
			if found == "" || found == path {
				continue
			}
			delete(d.MS, path)
			e.Path = found
			e.UpdatedAt = o.clock.Now().UTC()
			d.MS[found] = e
			for _, g := range d.Groups {
				for i, p := range g.MSPaths {
					if p == path {
						g.MSPaths[i] = found
					}
				}
				if g.CalibrationMSPath == path {
					g.CalibrationMSPath = found
				}
			}
			healed++
			log.Warn("organizer: reconciled moved MS", "from", path, "to", found)
		}
		return nil
	})
	return healed, err
}

func (o *Organizer) findInArchive(ctx context.Context, base string) string {
	for _, role := range []Role{RoleCalibrator, RoleScience, RoleFailed} {
		roleDir := filepath.Join(o.root, string(role))
		days, err := o.fileIO.ReadDir(ctx, roleDir)
		if err != nil {
			continue
		}
		for _, day := range days {
			if !day.IsDir() {
				continue
			}
			candidate := filepath.Join(roleDir, day.Name(), base)
			if o.fileIO.Exists(ctx, candidate) {
				return candidate
			}
		}
	}
	return ""
}
