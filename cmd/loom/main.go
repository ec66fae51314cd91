// Command loom is the CLI for the loom entity store: a multi-writer
// issue and agent tracker whose only shared state is a dedicated git
// branch.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/internal/core"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Convergent entity store synced over a git branch",
	Long: `loom stores work items, agent records, and messages as canonical
JSON files and syncs them between clones over a dedicated git branch.
Concurrent edits are merged field by field; every value a merge
discards is preserved in the attic and can be restored.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "entities", Title: "Entity Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance Commands:"},
	)
}

// findRepoRoot walks up from the working directory to the enclosing git
// repository root.
func findRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for ; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
	}
	return "", fmt.Errorf("not inside a git repository")
}

// openCore opens the workspace for the current repository.
func openCore() (*core.Core, error) {
	root, err := findRepoRoot()
	if err != nil {
		return nil, err
	}
	return core.Open(root, nil)
}
