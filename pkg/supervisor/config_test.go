package supervisor

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeRepositories(t *testing.T, entries map[string]repositoryEntry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "repositories.json")
	doc := map[string]any{"repositories": entries}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("failed to marshal fixture: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	return path
}

func TestLoadRepositories_Success(t *testing.T) {
	wsA := t.TempDir()
	wsB := t.TempDir()
	path := writeRepositories(t, map[string]repositoryEntry{
		"zeta":  {Workspace: wsB, Port: 9002, Language: "python"},
		"alpha": {Workspace: wsA, Port: 9001, Language: "python"},
	})

	specs, err := LoadRepositories(path)
	if err != nil {
		t.Fatalf("LoadRepositories failed: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].Name != "alpha" || specs[1].Name != "zeta" {
		t.Errorf("expected deterministic name order [alpha zeta], got [%s %s]", specs[0].Name, specs[1].Name)
	}
}

func TestLoadRepositories_DuplicatePort(t *testing.T) {
	path := writeRepositories(t, map[string]repositoryEntry{
		"a": {Workspace: t.TempDir(), Port: 9001},
		"b": {Workspace: t.TempDir(), Port: 9001},
	})

	_, err := LoadRepositories(path)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestLoadRepositories_RelativeWorkspaceRejected(t *testing.T) {
	path := writeRepositories(t, map[string]repositoryEntry{
		"a": {Workspace: "relative/path", Port: 9001},
	})

	_, err := LoadRepositories(path)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestLoadRepositories_PortOutOfRange(t *testing.T) {
	path := writeRepositories(t, map[string]repositoryEntry{
		"a": {Workspace: t.TempDir(), Port: 70000},
	})

	_, err := LoadRepositories(path)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestLoadRepositories_MissingWorkspaceDir(t *testing.T) {
	path := writeRepositories(t, map[string]repositoryEntry{
		"a": {Workspace: "/nonexistent/workspace/path", Port: 9001},
	})

	_, err := LoadRepositories(path)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestLoadFleetConfig_Defaults(t *testing.T) {
	cfg, err := LoadFleetConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadFleetConfig failed on missing file: %v", err)
	}
	if cfg.MaxRestarts != 5 {
		t.Errorf("expected default max_restarts 5, got %d", cfg.MaxRestarts)
	}
	if cfg.Restart.Multiplier != 2.0 {
		t.Errorf("expected default restart multiplier 2.0, got %f", cfg.Restart.Multiplier)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected default logging format json, got %s", cfg.Logging.Format)
	}
}

func TestWorkerSpec_TimeoutOverrides(t *testing.T) {
	fleetDefault := testFleetConfig().GracefulTimeout
	plain := WorkerSpec{}
	if plain.GracefulTimeoutOr(fleetDefault) != fleetDefault {
		t.Error("expected fleet default when no override is set")
	}

	override := fleetDefault * 2
	withOverride := WorkerSpec{GracefulTimeout: &override}
	if withOverride.GracefulTimeoutOr(fleetDefault) != override {
		t.Error("expected the per-worker override to win")
	}
}
