package valves

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const overrideFile = "valves.json"

// Store reads and writes persisted valve override records. Each pipeline
// unit owns one subdirectory of the store root holding a single
// valves.json with the explicitly-set fields.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: dir, logger: logger}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Path returns the override file path for a unit.
func (s *Store) Path(unit string) string {
	return filepath.Join(s.root, unit, overrideFile)
}

// Hydrate returns the effective valve record for a unit: the persisted
// overrides merged over the schema defaults. A missing override file is
// created holding an empty record. Read errors are non-fatal: the defaults
// are returned alongside the error so loading can proceed.
func (s *Store) Hydrate(unit string, schema *Schema) (map[string]any, error) {
	dir := filepath.Join(s.root, unit)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return schema.Defaults(), fmt.Errorf("create valves dir %s: %w", unit, err)
	}

	path := s.Path(unit)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			return schema.Defaults(), fmt.Errorf("create %s: %w", overrideFile, err)
		}
		s.logger.Info("created valves.json", slog.String("unit", unit))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return schema.Defaults(), fmt.Errorf("read %s: %w", overrideFile, err)
	}

	var overrides map[string]any
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return schema.Defaults(), fmt.Errorf("parse %s for %s: %w", overrideFile, unit, err)
	}

	return schema.Merge(overrides), nil
}

// Persist atomically rewrites the unit's override file with the full
// current record.
func (s *Store) Persist(unit string, values map[string]any) error {
	dir := filepath.Join(s.root, unit)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create valves dir %s: %w", unit, err)
	}

	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode valves for %s: %w", unit, err)
	}

	tmp, err := os.CreateTemp(dir, overrideFile+".*")
	if err != nil {
		return fmt.Errorf("write valves for %s: %w", unit, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write valves for %s: %w", unit, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write valves for %s: %w", unit, err)
	}
	if err := os.Rename(tmp.Name(), s.Path(unit)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("persist valves for %s: %w", unit, err)
	}

	return nil
}

// MigrateLegacy moves valves.json files that historically lived next to
// pipeline source into the store root. It handles both layouts: a
// directory shadowing a standalone unit (echo.lua + echo/valves.json) and
// a package unit (agent/init.lua + agent/valves.json). Directories left
// empty by the move are removed. Running it twice is a no-op the second
// time.
func (s *Store) MigrateLegacy(pipelinesDir string) error {
	entries, err := os.ReadDir(pipelinesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan %s: %w", pipelinesDir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || name[0] == '.' || name == "failed" {
			continue
		}
		entryPath := filepath.Join(pipelinesDir, name)

		legacy := filepath.Join(entryPath, overrideFile)
		if _, err := os.Stat(legacy); err != nil {
			continue
		}

		target := s.Path(name)
		if _, err := os.Stat(target); os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("migrate %s: %w", name, err)
			}
			if err := os.Rename(legacy, target); err != nil {
				return fmt.Errorf("migrate %s: %w", name, err)
			}
			s.logger.Info("migrated valves.json",
				slog.String("from", legacy),
				slog.String("to", target))
		} else {
			// Already migrated earlier; drop the stale copy.
			if err := os.Remove(legacy); err != nil {
				return fmt.Errorf("remove legacy valves for %s: %w", name, err)
			}
			s.logger.Info("removed duplicate legacy valves.json", slog.String("path", legacy))
		}

		if _, err := os.Stat(filepath.Join(entryPath, "init.lua")); err == nil {
			// Package unit, directory still holds code.
			continue
		}

		remaining, err := os.ReadDir(entryPath)
		if err != nil {
			continue
		}
		if len(remaining) == 0 {
			if err := os.Remove(entryPath); err == nil {
				s.logger.Info("removed empty legacy directory", slog.String("path", entryPath))
			}
		}
	}

	return nil
}
