package store_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/modrelay/teamsync/internal/logging"
	"github.com/modrelay/teamsync/internal/model"
	"github.com/modrelay/teamsync/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	log := logging.NewLogger(logging.Config{Level: "error"})
	return store.New(t.TempDir(), log)
}

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestDocumentRoundTrip(t *testing.T) {
	s := newTestStore(t)

	in := doc{Name: "staging", Count: 3}
	if err := s.WriteDocument("ws1", "env.json", in); err != nil {
		t.Fatal(err)
	}

	var out doc
	if err := s.ReadDocument("ws1", "env.json", &out); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("unexpected document (-want +got):\n%s", diff)
	}
}

func TestReadMissingDocument(t *testing.T) {
	s := newTestStore(t)

	var out doc
	err := s.ReadDocument("ws1", "env.json", &out)
	if !errors.Is(err, store.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestReadDocumentRetryMissingIsNotRetried(t *testing.T) {
	s := newTestStore(t)

	start := time.Now()
	var out doc
	err := s.ReadDocumentRetry("ws1", "env.json", &out)
	if !errors.Is(err, store.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("missing document took %v, should fail without backoff", elapsed)
	}
}

func TestWriteDocumentReplaces(t *testing.T) {
	s := newTestStore(t)

	if err := s.WriteDocument("ws1", "env.json", doc{Name: "old"}); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteDocument("ws1", "env.json", doc{Name: "new"}); err != nil {
		t.Fatal(err)
	}

	var out doc
	if err := s.ReadDocument("ws1", "env.json", &out); err != nil {
		t.Fatal(err)
	}
	if out.Name != "new" {
		t.Errorf("got %q, want replaced document", out.Name)
	}

	// No temp files may survive the rename.
	entries, err := os.ReadDir(s.WorkspaceDir("ws1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected a single file in workspace dir, found %d", len(entries))
	}
}

func TestBackupDocument(t *testing.T) {
	s := newTestStore(t)

	if err := s.WriteDocument("ws1", "env.json", doc{Name: "keep"}); err != nil {
		t.Fatal(err)
	}

	path, err := s.BackupDocument("ws1", "env.json")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("backup not readable: %v", err)
	}
	if len(data) == 0 {
		t.Error("backup is empty")
	}
}

func TestBackupPruning(t *testing.T) {
	s := newTestStore(t)

	if err := s.WriteDocument("ws1", "env.json", doc{Name: "keep"}); err != nil {
		t.Fatal(err)
	}

	// Seed old backups; the timestamp suffix sorts lexically.
	dir := s.WorkspaceDir("ws1")
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("env.json.backup-2024010%d-000000.000", i+1)
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.BackupDocument("ws1", "env.json"); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var backups []string
	for _, e := range entries {
		if e.Name() != "env.json" {
			backups = append(backups, e.Name())
		}
	}
	if len(backups) != 5 {
		t.Fatalf("expected 5 backups after pruning, found %d: %v", len(backups), backups)
	}
	for _, b := range backups {
		if b == "env.json.backup-20240101-000000.000" || b == "env.json.backup-20240102-000000.000" {
			t.Errorf("oldest backup %s should have been pruned", b)
		}
	}
}

func TestSyncStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	in := &model.SyncState{
		Status:      model.StatusNeedsPull,
		LocalCommit: "abc",
		BehindCount: 2,
		LastSync:    time.Now().UTC().Truncate(time.Second),
	}
	if err := s.SaveSyncState("ws1", in); err != nil {
		t.Fatal(err)
	}

	out, err := s.LoadSyncState("ws1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("unexpected state (-want +got):\n%s", diff)
	}
}

func TestLoadSyncStateMissing(t *testing.T) {
	s := newTestStore(t)

	state, err := s.LoadSyncState("never-synced")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != "" || !state.LastSync.IsZero() {
		t.Errorf("expected zero state, got %+v", state)
	}
}

func TestRemoveWorkspace(t *testing.T) {
	s := newTestStore(t)

	if err := s.WriteDocument("ws1", "env.json", doc{}); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(s.RepoDir("ws1"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := s.RemoveWorkspace("ws1"); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{s.WorkspaceDir("ws1"), s.RepoDir("ws1")} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("%s still exists after removal", dir)
		}
	}
}

func TestCleanWorkingCopies(t *testing.T) {
	s := newTestStore(t)

	stale := s.RepoDir("stale")
	fresh := s.RepoDir("fresh")
	for _, dir := range []string{stale, fresh} {
		if err := os.MkdirAll(filepath.Join(dir, ".git"), 0755); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-60 * 24 * time.Hour)
	if err := os.Chtimes(filepath.Join(stale, ".git"), old, old); err != nil {
		t.Fatal(err)
	}

	removed, err := s.CleanWorkingCopies(30 * 24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"stale"}, removed); diff != "" {
		t.Errorf("unexpected removals (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale working copy still exists")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh working copy was removed")
	}
}
