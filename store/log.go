package store

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/deepsynoptic/mosaicd"
)

// LedgerRetention bounds the failure ledger to a rolling day.
const LedgerRetention = 24 * time.Hour

// AppendTransition appends one row to the group state log. The log is
// append-only and survives crashes: the line is flushed before the caller's
// next side effect.
func (s *Store) AppendTransition(ctx context.Context, tr mosaicd.StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, tr)
	if s.dir == "" {
		return nil
	}
	return appendLine(filepath.Join(s.dir, stateLogFile), tr)
}

// Transitions returns the logged transitions for a group in append order;
// groupID "" returns everything.
func (s *Store) Transitions(ctx context.Context, groupID string) []mosaicd.StateTransition {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mosaicd.StateTransition
	for _, tr := range s.transitions {
		if groupID == "" || tr.GroupID == groupID {
			out = append(out, tr)
		}
	}
	return out
}

// AppendFailure records one failure event and enforces the rolling retention.
func (s *Store) AppendFailure(ctx context.Context, ev mosaicd.FailureEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := ev.TS.Add(-LedgerRetention)
	kept := s.failures[:0]
	pruned := false
	for _, f := range s.failures {
		if f.TS.After(cutoff) {
			kept = append(kept, f)
		} else {
			pruned = true
		}
	}
	s.failures = append(kept, ev)
	if s.dir == "" {
		return nil
	}
	if pruned {
		return rewriteLines(filepath.Join(s.dir, ledgerFile), s.failures)
	}
	return appendLine(filepath.Join(s.dir, ledgerFile), ev)
}

// RecentFailures returns ledger rows for the subsystem since the given time;
// subsystem "" matches all.
func (s *Store) RecentFailures(ctx context.Context, subsystem string, since time.Time) []mosaicd.FailureEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mosaicd.FailureEvent
	for _, f := range s.failures {
		if (subsystem == "" || f.Subsystem == subsystem) && f.TS.After(since) {
			out = append(out, f)
		}
	}
	return out
}

func (s *Store) loadLogs(ctx context.Context) error {
	if s.dir == "" {
		return nil
	}
	if err := readLines(filepath.Join(s.dir, stateLogFile), func(ba []byte) error {
		var tr mosaicd.StateTransition
		if err := json.Unmarshal(ba, &tr); err != nil {
			return err
		}
		s.transitions = append(s.transitions, tr)
		return nil
	}); err != nil {
		return err
	}
	return readLines(filepath.Join(s.dir, ledgerFile), func(ba []byte) error {
		var ev mosaicd.FailureEvent
		if err := json.Unmarshal(ba, &ev); err != nil {
			return err
		}
		s.failures = append(s.failures, ev)
		return nil
	})
}

func appendLine(path string, v any) error {
	ba, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(ba, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func rewriteLines(path string, evs []mosaicd.FailureEvent) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, ev := range evs {
		ba, err := json.Marshal(ev)
		if err != nil {
			f.Close()
			return err
		}
		w.Write(ba)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readLines(path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			// A torn final line from a crash mid-append is expected; stop there.
			return nil
		}
	}
	return sc.Err()
}
