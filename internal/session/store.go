// Package session implements the Session Store: the filesystem-rooted
// identity every other component references by id. The session directory
// is the sole mutable state of a session; every path function returns a
// path determined by (sid, role) alone, and most of them also create the
// directory that path lives in (never the file itself).
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/neuroinfer/segserve/internal/clockid"
	"github.com/neuroinfer/segserve/internal/obslog"
)

// Store roots every session directory under Root.
type Store struct {
	Root    string
	IDGen   clockid.IDGenerator
	Clock   clockid.Clock
	Logger  *obslog.Logger
}

// New constructs a Store rooted at root, using real clock/id generation.
func New(root string, logger *obslog.Logger) *Store {
	return &Store{
		Root:   root,
		IDGen:  clockid.UUIDGenerator{},
		Clock:  clockid.RealClock{},
		Logger: logger,
	}
}

// Create mints a fresh session id, creates its directory, and writes an
// initial session log line. All subsequent path functions are well-defined
// for the returned id once this returns successfully.
func (s *Store) Create() (string, error) {
	sid := s.IDGen.NewID()
	dir := s.sessionDir(sid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("session: create directory for %s: %w", sid, err)
	}

	slog, err := obslog.OpenSessionLog(dir)
	if err != nil {
		return "", fmt.Errorf("session: open session log for %s: %w", sid, err)
	}
	slog.Info("session created", map[string]interface{}{"created_at": s.Clock.Now().UTC()})
	if err := slog.Close(); err != nil {
		return "", fmt.Errorf("session: close session log for %s: %w", sid, err)
	}

	if s.Logger != nil {
		s.Logger.WithSession(sid).Info("session created")
	}
	return sid, nil
}

func (s *Store) sessionDir(sid string) string {
	return filepath.Join(s.Root, sid)
}

// NativeInput is the path to the as-uploaded input volume.
func (s *Store) NativeInput(sid string) string {
	return s.ensureParent(filepath.Join(s.sessionDir(sid), "input", "native.nii.gz"))
}

// ConformedInput is the path to the conformed (resampled/reoriented) input
// volume, produced lazily by whichever model first needs it.
func (s *Store) ConformedInput(sid string) string {
	return s.ensureParent(filepath.Join(s.sessionDir(sid), "input", "conformed.nii.gz"))
}

// ModelOutput is the canonical output path for one model's segmentation.
func (s *Store) ModelOutput(sid, model string) string {
	return s.ensureParent(filepath.Join(s.sessionDir(sid), "output", model+".nii.gz"))
}

// SimulationWorkdir is the working directory a simulator uses while
// solving for (sim, model).
func (s *Store) SimulationWorkdir(sid, sim, model string) string {
	dir := filepath.Join(s.sessionDir(sid), "sim", sim, model)
	if err := os.MkdirAll(dir, 0o755); err != nil && s.Logger != nil {
		s.Logger.WithSession(sid).WithError(err).Error("create simulation workdir")
	}
	return dir
}

// SimulationOutput is the path to one named output artifact produced by a
// simulation workdir (e.g. "efield", "log").
func (s *Store) SimulationOutput(sid, sim, model, kind string) string {
	return filepath.Join(s.SimulationWorkdir(sid, sim, model), kind)
}

// LogPath is the path to a session's append-only JSONL log file, read by
// the admin log-inspection endpoint.
func (s *Store) LogPath(sid string) string {
	return filepath.Join(s.sessionDir(sid), "logs.jsonl")
}

// ensureParent creates the parent directory of path on first use, without
// creating the file itself, then returns path unchanged.
func (s *Store) ensureParent(path string) string {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil && s.Logger != nil {
		s.Logger.WithField("path", path).WithError(err).Error("ensure parent directory")
	}
	return path
}

// Reap scans Root and removes every session directory whose modification
// time precedes now - maxAge. It neither probes for concurrent writers nor
// retries: a session actively being written to is expected to have a
// recent mtime and so will not be selected in the first place, and a
// removal error is logged and the scan continues past it.
func (s *Store) Reap(maxAge time.Duration) error {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return fmt.Errorf("session: scan root %s: %w", s.Root, err)
	}

	cutoff := s.Clock.Now().Add(-maxAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		dir := filepath.Join(s.Root, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			if s.Logger != nil {
				s.Logger.WithSession(entry.Name()).WithError(err).Error("reap session")
			}
			continue
		}
		if s.Logger != nil {
			s.Logger.WithSession(entry.Name()).Info("session reaped")
		}
	}
	return nil
}
