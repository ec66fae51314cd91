package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Branch != "loom-data" {
		t.Errorf("Branch = %q", cfg.Branch)
	}
	if cfg.Remote != "origin" {
		t.Errorf("Remote = %q", cfg.Remote)
	}
	if cfg.MaxSyncAttempts != 5 {
		t.Errorf("MaxSyncAttempts = %d", cfg.MaxSyncAttempts)
	}
	if cfg.BackoffBase != 250*time.Millisecond {
		t.Errorf("BackoffBase = %s", cfg.BackoffBase)
	}
	if cfg.AtticTTL != 0 {
		t.Errorf("AtticTTL = %s", cfg.AtticTTL)
	}
}

func TestLoadConfigFile(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, LoomDir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		t.Fatal(err)
	}
	content := "branch: custom-branch\nsync-interval: 2m\nattic-ttl: 720h\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0640); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Branch != "custom-branch" {
		t.Errorf("Branch = %q", cfg.Branch)
	}
	if cfg.SyncInterval != 2*time.Minute {
		t.Errorf("SyncInterval = %s", cfg.SyncInterval)
	}
	if cfg.AtticTTL != 720*time.Hour {
		t.Errorf("AtticTTL = %s", cfg.AtticTTL)
	}
	// Unset keys keep their defaults.
	if cfg.Remote != "origin" {
		t.Errorf("Remote = %q", cfg.Remote)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LOOM_BRANCH", "from-env")
	t.Setenv("LOOM_MAX_SYNC_ATTEMPTS", "9")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Branch != "from-env" {
		t.Errorf("Branch = %q, want env override", cfg.Branch)
	}
	if cfg.MaxSyncAttempts != 9 {
		t.Errorf("MaxSyncAttempts = %d, want env override", cfg.MaxSyncAttempts)
	}
}

func TestWriteDefaultIdempotent(t *testing.T) {
	root := t.TempDir()
	if err := WriteDefault(root); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}
	path := filepath.Join(root, LoomDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "branch: loom-data") {
		t.Errorf("default config missing branch: %s", data)
	}

	// A second call must not clobber user edits.
	if err := os.WriteFile(path, []byte("branch: edited\n"), 0640); err != nil {
		t.Fatal(err)
	}
	if err := WriteDefault(root); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "branch: edited\n" {
		t.Error("WriteDefault overwrote an existing config")
	}
}

func TestStateRoundTrip(t *testing.T) {
	root := t.TempDir()

	st, err := LoadState(root)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if st.NodeID == "" {
		t.Fatal("no node ID generated")
	}

	st.LastSyncCommit = "abc123"
	st.LastSyncAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := SaveState(root, st); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	back, err := LoadState(root)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if back.NodeID != st.NodeID {
		t.Errorf("NodeID changed across loads: %q -> %q", st.NodeID, back.NodeID)
	}
	if back.LastSyncCommit != "abc123" {
		t.Errorf("LastSyncCommit = %q", back.LastSyncCommit)
	}
	if !back.LastSyncAt.Equal(st.LastSyncAt) {
		t.Errorf("LastSyncAt = %s", back.LastSyncAt)
	}
}
