package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"capsulevault/internal/capsule"
	"capsulevault/internal/store"
)

func testPayload(note string) []byte {
	return fmt.Appendf(nil, `{
		"identity": {"name": "Nova"},
		"personality": {},
		"memory": {"note": %q}
	}`, note)
}

func openStore(t *testing.T, root string) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Root: root})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

// removeBlob and removeIndex manipulate the on-disk layout directly to
// simulate crash damage. Callers must have closed the store first.
func removeBlob(t *testing.T, root, owner string, id capsule.VersionID) {
	t.Helper()
	path := filepath.Join(root, "objects", owner, id.String()+".cap")
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove blob: %v", err)
	}
}

func removeIndex(t *testing.T, root, owner string) {
	t.Helper()
	if err := os.Remove(filepath.Join(root, "index", owner+".idx")); err != nil {
		t.Fatalf("remove index: %v", err)
	}
}

func TestNewRunnerRequiresStore(t *testing.T) {
	if _, err := NewRunner(Config{}); err == nil {
		t.Fatal("expected error without a store, got nil")
	}
}

func TestRunCleanStore(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer func() { _ = s.Close() }()

	for _, owner := range []string{"Nova", "Orion"} {
		if _, err := s.Store(owner, testPayload(owner)); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	runner, err := NewRunner(Config{Store: s})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Scanned != 2 {
		t.Fatalf("Scanned: expected 2, got %d", report.Scanned)
	}
	if !report.Clean() {
		t.Fatalf("expected clean report, got %+v", report)
	}
}

func TestRunRepairsAcrossOwners(t *testing.T) {
	root := t.TempDir()

	// Seed one healthy owner, one dangling index entry, and one owner
	// whose index was lost, then reopen as after a crash.
	seed := openStore(t, root)
	if _, err := seed.Store("healthy", testPayload("ok")); err != nil {
		t.Fatalf("store: %v", err)
	}
	dangled, err := seed.Store("dangling", testPayload("doomed"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	orphaned, err := seed.Store("orphaned", testPayload("lost"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := seed.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	removeBlob(t, root, "dangling", dangled.ID)
	removeIndex(t, root, "orphaned")

	s := openStore(t, root)
	defer func() { _ = s.Close() }()

	runner, err := NewRunner(Config{
		Store:       s,
		Options:     store.ReconcileOptions{Repair: true},
		Concurrency: 2,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Scanned != 3 {
		t.Fatalf("Scanned: expected 3, got %d", report.Scanned)
	}
	if report.Reindexed != 1 || report.Removed != 1 {
		t.Fatalf("expected 1 reindexed and 1 removed, got %d/%d", report.Reindexed, report.Removed)
	}
	if len(report.Owners) != 2 {
		t.Fatalf("expected 2 owners needing attention, got %d", len(report.Owners))
	}
	// Reports come back sorted by owner.
	if report.Owners[0].Owner != "dangling" || report.Owners[1].Owner != "orphaned" {
		t.Fatalf("unexpected owner order: %v, %v", report.Owners[0].Owner, report.Owners[1].Owner)
	}

	// The orphan is retrievable again after the repair.
	res, err := s.Retrieve("orphaned", capsule.ByVersion(orphaned.ID))
	if err != nil {
		t.Fatalf("retrieve recovered orphan: %v", err)
	}
	if !res.IntegrityValid {
		t.Fatal("expected recovered orphan to verify")
	}
}

func TestRunReportsWithoutRepair(t *testing.T) {
	root := t.TempDir()

	seed := openStore(t, root)
	v, err := seed.Store("Nova", testPayload("doomed"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := seed.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	removeBlob(t, root, "Nova", v.ID)

	s := openStore(t, root)
	defer func() { _ = s.Close() }()

	runner, err := NewRunner(Config{Store: s})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Removed != 0 || report.Reindexed != 0 {
		t.Fatalf("expected no repairs, got %+v", report)
	}
	if len(report.Owners) != 1 || len(report.Owners[0].Dangling) != 1 {
		t.Fatalf("expected one dangling entry reported, got %+v", report.Owners)
	}
}

func TestRunCanceledContext(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer func() { _ = s.Close() }()

	if _, err := s.Store("Nova", testPayload("x")); err != nil {
		t.Fatalf("store: %v", err)
	}

	runner, err := NewRunner(Config{Store: s})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := runner.Run(ctx); err == nil {
		t.Fatal("expected error from canceled context, got nil")
	}
}
