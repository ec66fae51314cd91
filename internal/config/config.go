// Package config loads loom settings. Shared, committed configuration
// lives in .loom/config.yaml and is read through viper with LOOM_*
// environment overrides; per-clone state that must never be shared
// (node identity, last sync position) lives in .loom/state.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoomDir is the per-repository directory holding config and local state.
const LoomDir = ".loom"

// Config is the resolved runtime configuration.
type Config struct {
	// Branch is the dedicated distribution branch. Entity data only ever
	// lives on this branch; the user's working branches are untouched.
	Branch string

	// Remote is the git remote entity data syncs through.
	Remote string

	// DataDir is the directory holding the collection dirs and archive,
	// relative to the repository root.
	DataDir string

	// SyncInterval is the daemon's periodic sync cadence.
	SyncInterval time.Duration

	// Debounce is how long the daemon waits after a file event before
	// refreshing the cache, coalescing editor write bursts.
	Debounce time.Duration

	// MaxSyncAttempts bounds the push-rejected retry loop.
	MaxSyncAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration

	// BackoffMax caps the retry delay.
	BackoffMax time.Duration

	// AtticTTL is the age past which attic history may be pruned.
	// Zero disables pruning.
	AtticTTL time.Duration
}

// Load resolves configuration for the repository rooted at repoRoot.
// Missing config file is fine: defaults apply, overridable via LOOM_*
// environment variables.
func Load(repoRoot string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	configPath := filepath.Join(repoRoot, LoomDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("branch", "loom-data")
	v.SetDefault("remote", "origin")
	v.SetDefault("data-dir", ".loom/data")
	v.SetDefault("sync-interval", "30s")
	v.SetDefault("debounce", "500ms")
	v.SetDefault("max-sync-attempts", 5)
	v.SetDefault("backoff-base", "250ms")
	v.SetDefault("backoff-max", "10s")
	v.SetDefault("attic-ttl", "0")

	cfg := &Config{
		Branch:          v.GetString("branch"),
		Remote:          v.GetString("remote"),
		DataDir:         v.GetString("data-dir"),
		SyncInterval:    v.GetDuration("sync-interval"),
		Debounce:        v.GetDuration("debounce"),
		MaxSyncAttempts: v.GetInt("max-sync-attempts"),
		BackoffBase:     v.GetDuration("backoff-base"),
		BackoffMax:      v.GetDuration("backoff-max"),
		AtticTTL:        v.GetDuration("attic-ttl"),
	}
	if cfg.Branch == "" {
		return nil, fmt.Errorf("sync branch name must not be empty")
	}
	if cfg.MaxSyncAttempts < 1 {
		cfg.MaxSyncAttempts = 1
	}
	return cfg, nil
}

// WriteDefault writes a commented default config.yaml. Called by init;
// refuses to overwrite an existing file.
func WriteDefault(repoRoot string) error {
	dir := filepath.Join(repoRoot, LoomDir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	content := `# loom configuration. Every key may also be set via LOOM_<KEY>.
branch: loom-data
remote: origin
data-dir: .loom/data
sync-interval: 30s
max-sync-attempts: 5
backoff-base: 250ms
backoff-max: 10s
# 0 disables attic pruning
attic-ttl: 0
`
	return os.WriteFile(path, []byte(content), 0640)
}
