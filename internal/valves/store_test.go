package valves

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestHydrateCreatesOverrideFile(t *testing.T) {
	s := testSchema(t)
	store := NewStore(t.TempDir(), nil)

	values, err := store.Hydrate("echo", s)
	if err != nil {
		t.Fatalf("Hydrate returned error: %v", err)
	}
	if values["prefix"] != "hi" {
		t.Errorf("Expected default prefix, got %v", values["prefix"])
	}

	raw, err := os.ReadFile(store.Path("echo"))
	if err != nil {
		t.Fatalf("Expected valves.json to exist: %v", err)
	}
	if string(raw) != "{}" {
		t.Errorf("Expected empty record, got %s", raw)
	}
}

func TestHydrateMergesPersistedOverrides(t *testing.T) {
	s := testSchema(t)
	store := NewStore(t.TempDir(), nil)

	if err := os.MkdirAll(filepath.Dir(store.Path("echo")), 0o755); err != nil {
		t.Fatal(err)
	}
	record := `{"prefix": "persisted", "legacy_field": 1}`
	if err := os.WriteFile(store.Path("echo"), []byte(record), 0o644); err != nil {
		t.Fatal(err)
	}

	values, err := store.Hydrate("echo", s)
	if err != nil {
		t.Fatalf("Hydrate returned error: %v", err)
	}
	if values["prefix"] != "persisted" {
		t.Errorf("Expected persisted override, got %v", values["prefix"])
	}
	if values["enabled"] != true {
		t.Errorf("Expected default for unset field, got %v", values["enabled"])
	}
	if _, ok := values["legacy_field"]; !ok {
		t.Error("Expected unknown persisted field retained")
	}
}

func TestHydrateCorruptFileFallsBackToDefaults(t *testing.T) {
	s := testSchema(t)
	store := NewStore(t.TempDir(), nil)

	if err := os.MkdirAll(filepath.Dir(store.Path("echo")), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(store.Path("echo"), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	values, err := store.Hydrate("echo", s)
	if err == nil {
		t.Fatal("Expected parse error, got nil")
	}
	if values["prefix"] != "hi" {
		t.Errorf("Expected defaults despite error, got %v", values["prefix"])
	}
}

func TestPersistRoundTrip(t *testing.T) {
	s := testSchema(t)
	store := NewStore(t.TempDir(), nil)

	want := map[string]any{"prefix": "saved", "enabled": false}
	if err := store.Persist("echo", want); err != nil {
		t.Fatalf("Persist returned error: %v", err)
	}

	values, err := store.Hydrate("echo", s)
	if err != nil {
		t.Fatalf("Hydrate returned error: %v", err)
	}
	if values["prefix"] != "saved" {
		t.Errorf("Expected persisted prefix, got %v", values["prefix"])
	}
	if values["enabled"] != false {
		t.Errorf("Expected persisted enabled, got %v", values["enabled"])
	}

	// No stray temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(store.Path("echo")))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only valves.json in unit dir, got %d entries", len(entries))
	}
}

func TestMigrateLegacyMovesAndCleansUp(t *testing.T) {
	pipelinesDir := t.TempDir()
	store := NewStore(t.TempDir(), nil)

	// Standalone unit whose valves historically lived in a sibling dir.
	legacyDir := filepath.Join(pipelinesDir, "echo")
	if err := os.MkdirAll(legacyDir, 0o755); err != nil {
		t.Fatal(err)
	}
	record := `{"prefix": "migrated"}`
	if err := os.WriteFile(filepath.Join(legacyDir, "valves.json"), []byte(record), 0o644); err != nil {
		t.Fatal(err)
	}

	// Package unit keeps its directory after migration.
	pkgDir := filepath.Join(pipelinesDir, "agent")
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "init.lua"), []byte("Pipeline = {}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "valves.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := store.MigrateLegacy(pipelinesDir); err != nil {
		t.Fatalf("MigrateLegacy returned error: %v", err)
	}

	var migrated map[string]any
	raw, err := os.ReadFile(store.Path("echo"))
	if err != nil {
		t.Fatalf("Expected migrated record: %v", err)
	}
	if err := json.Unmarshal(raw, &migrated); err != nil {
		t.Fatal(err)
	}
	if migrated["prefix"] != "migrated" {
		t.Errorf("Expected migrated content, got %v", migrated)
	}

	if _, err := os.Stat(legacyDir); !os.IsNotExist(err) {
		t.Error("Expected empty legacy directory removed")
	}
	if _, err := os.Stat(filepath.Join(pkgDir, "init.lua")); err != nil {
		t.Error("Expected package unit directory untouched")
	}
	if _, err := os.Stat(filepath.Join(pkgDir, "valves.json")); !os.IsNotExist(err) {
		t.Error("Expected package unit legacy record moved")
	}

	// Second run is a no-op.
	if err := store.MigrateLegacy(pipelinesDir); err != nil {
		t.Fatalf("Second MigrateLegacy returned error: %v", err)
	}
}

func TestMigrateLegacySkipsDotAndFailedDirs(t *testing.T) {
	pipelinesDir := t.TempDir()
	store := NewStore(t.TempDir(), nil)

	for _, name := range []string{".cache", "failed"} {
		dir := filepath.Join(pipelinesDir, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "valves.json"), []byte(`{}`), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.MigrateLegacy(pipelinesDir); err != nil {
		t.Fatalf("MigrateLegacy returned error: %v", err)
	}

	for _, name := range []string{".cache", "failed"} {
		if _, err := os.Stat(filepath.Join(pipelinesDir, name, "valves.json")); err != nil {
			t.Errorf("Expected %s/valves.json left in place", name)
		}
	}
}

func TestMigrateLegacyMissingDirIsNoop(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	if err := store.MigrateLegacy(filepath.Join(t.TempDir(), "absent")); err != nil {
		t.Fatalf("Expected nil for missing pipelines dir, got %v", err)
	}
}
