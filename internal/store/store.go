// Package store is the on-disk persistence layer: one JSON document per
// concern per workspace, written atomically so a concurrent reader never
// observes a partial file, plus the per-workspace Git working copies.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/modrelay/teamsync/internal/logging"
	"github.com/modrelay/teamsync/internal/model"
)

const (
	backupRetention = 5
	readRetries     = 3
)

// ErrNotExist is returned when a document has never been written.
var ErrNotExist = errors.New("document does not exist")

type Store struct {
	root string
	log  *logging.Logger
}

func New(root string, log *logging.Logger) *Store {
	return &Store{root: root, log: log}
}

// WorkspaceDir is where the workspace's documents live.
func (s *Store) WorkspaceDir(workspaceID string) string {
	return filepath.Join(s.root, "workspaces", workspaceID)
}

// RepoDir is the stable path of the workspace's Git working copy. It survives
// application restarts so incremental fetch and pull stay possible.
func (s *Store) RepoDir(workspaceID string) string {
	return filepath.Join(s.root, "repos", workspaceID)
}

// ReadDocument decodes one document into v.
func (s *Store) ReadDocument(workspaceID, name string, v any) error {
	path := filepath.Join(s.WorkspaceDir(workspaceID), name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", name, ErrNotExist)
		}
		return fmt.Errorf("reading %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	return nil
}

// ReadDocumentRetry reads a document, retrying transient failures with a
// short backoff. The file may be mid-replacement by another operation; a
// missing document is not retried.
func (s *Store) ReadDocumentRetry(workspaceID, name string, v any) error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(500*time.Millisecond),
	), readRetries)

	return backoff.Retry(func() error {
		err := s.ReadDocument(workspaceID, name, v)
		if errors.Is(err, ErrNotExist) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// WriteDocument writes a document atomically: marshal, write to a temp file
// in the same directory, then rename over the destination.
func (s *Store) WriteDocument(workspaceID, name string, v any) error {
	dir := s.WorkspaceDir(workspaceID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating workspace directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", name, err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", name, err)
	}
	return nil
}

// BackupDocument copies the current document aside with a timestamp suffix
// and prunes old backups beyond the retention count. Returns the backup path.
func (s *Store) BackupDocument(workspaceID, name string) (string, error) {
	src := filepath.Join(s.WorkspaceDir(workspaceID), name)
	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("reading %s for backup: %w", name, err)
	}

	backup := fmt.Sprintf("%s.backup-%s", src, time.Now().Format("20060102-150405.000"))
	if err := os.WriteFile(backup, data, 0644); err != nil {
		return "", fmt.Errorf("writing backup of %s: %w", name, err)
	}

	if err := s.pruneBackups(workspaceID, name); err != nil {
		s.log.Warnf("failed to prune backups of %s: %v", name, err)
	}
	return backup, nil
}

func (s *Store) pruneBackups(workspaceID, name string) error {
	dir := s.WorkspaceDir(workspaceID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	prefix := name + ".backup-"
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			backups = append(backups, e.Name())
		}
	}

	// The timestamp suffix sorts lexically; oldest first.
	sort.Strings(backups)
	for len(backups) > backupRetention {
		if err := os.Remove(filepath.Join(dir, backups[0])); err != nil {
			return err
		}
		backups = backups[1:]
	}
	return nil
}

// SaveSyncState persists the workspace sync state after every attempt.
func (s *Store) SaveSyncState(workspaceID string, state *model.SyncState) error {
	return s.WriteDocument(workspaceID, model.FileSyncState, state)
}

// LoadSyncState returns the persisted state, or a zero state if none exists.
func (s *Store) LoadSyncState(workspaceID string) (*model.SyncState, error) {
	var state model.SyncState
	if err := s.ReadDocument(workspaceID, model.FileSyncState, &state); err != nil {
		if errors.Is(err, ErrNotExist) {
			return &model.SyncState{}, nil
		}
		return nil, err
	}
	return &state, nil
}

// RemoveWorkspace deletes a workspace's documents and working copy.
func (s *Store) RemoveWorkspace(workspaceID string) error {
	if err := os.RemoveAll(s.WorkspaceDir(workspaceID)); err != nil {
		return err
	}
	return os.RemoveAll(s.RepoDir(workspaceID))
}

// CleanWorkingCopies removes working copies that have not been touched for
// longer than maxAge. Returns the removed workspace ids.
func (s *Store) CleanWorkingCopies(maxAge time.Duration) ([]string, error) {
	reposDir := filepath.Join(s.root, "repos")
	entries, err := os.ReadDir(reposDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := latestModTime(filepath.Join(reposDir, e.Name()))
		if err != nil {
			s.log.Warnf("failed to stat working copy %s: %v", e.Name(), err)
			continue
		}
		if info.Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(reposDir, e.Name())); err != nil {
				return removed, err
			}
			removed = append(removed, e.Name())
		}
	}
	return removed, nil
}

// latestModTime uses the .git directory mtime, which git updates on fetch.
func latestModTime(repoDir string) (time.Time, error) {
	var info fs.FileInfo
	var err error
	if info, err = os.Stat(filepath.Join(repoDir, ".git")); err != nil {
		info, err = os.Stat(repoDir)
	}
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
