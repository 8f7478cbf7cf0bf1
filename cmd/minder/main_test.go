package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/minder/internal/config"
	"github.com/basket/minder/internal/persistence"
)

func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("MINDER_HOME", home)
	return home
}

func TestNewBackend_Selection(t *testing.T) {
	home := setupHome(t)
	cfg := config.Config{HomeDir: home}
	cfg.Sync.FileDir = filepath.Join(home, "sync")

	be, err := newBackend(cfg)
	if err != nil {
		t.Fatalf("default backend: %v", err)
	}
	if be.Name() != "file" {
		t.Fatalf("default backend = %s, want file", be.Name())
	}

	cfg.Sync.Backend = "relay"
	cfg.Sync.RelayURL = "http://localhost:9999"
	be, err = newBackend(cfg)
	if err != nil {
		t.Fatalf("relay backend: %v", err)
	}
	if be.Name() != "relay" {
		t.Fatalf("backend = %s", be.Name())
	}

	cfg.Sync.Backend = "carrier-pigeon"
	if _, err := newBackend(cfg); err == nil {
		t.Fatal("unknown backend accepted")
	}
}

func TestNewBackend_GistNeedsCredentials(t *testing.T) {
	cfg := config.Config{}
	cfg.Sync.Backend = "gist"
	if _, err := newBackend(cfg); err == nil {
		t.Fatal("gist backend built without credentials")
	}
}

func TestRunImportCommand(t *testing.T) {
	home := setupHome(t)

	snap := persistence.Snapshot{
		Meetings: []persistence.Meeting{{
			ID:        "m1",
			Title:     "Imported",
			Version:   1,
			UpdatedAt: time.Now().UTC(),
		}},
		Categories: []persistence.Category{{
			ID:        "c1",
			Label:     "Imported category",
			Version:   1,
			UpdatedAt: time.Now().UTC(),
		}},
		Metadata: persistence.SnapshotMetadata{
			Timestamp: time.Now().UTC(),
			DeviceID:  "import-source",
		},
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(home, "import.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if code := runImportCommand(context.Background(), []string{path}); code != 0 {
		t.Fatalf("import exit code = %d", code)
	}

	// Imported records exist and are not queued for push.
	a, err := openApp(true)
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()
	if _, err := a.store.GetMeeting(context.Background(), "m1"); err != nil {
		t.Fatalf("imported meeting missing: %v", err)
	}
	depth, err := a.store.OutboxDepth(context.Background())
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("import queued %d outbox entries", depth)
	}
}

func TestRunImportCommand_BadArgs(t *testing.T) {
	if code := runImportCommand(context.Background(), nil); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	setupHome(t)
	if code := runImportCommand(context.Background(), []string{"/nonexistent/snapshot.json"}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestOrNever(t *testing.T) {
	if orNever("") != "never" {
		t.Fatal("empty not rendered as never")
	}
	if orNever("2026-08-29T10:00:00Z") != "2026-08-29T10:00:00Z" {
		t.Fatal("value mangled")
	}
}
