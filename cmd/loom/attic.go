package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/internal/attic"
	"github.com/loomlabs/loom/internal/ui"
)

var (
	atticEntity string
	atticField  string
	atticSince  time.Duration
)

var atticCmd = &cobra.Command{
	Use:     "attic",
	GroupID: "maintenance",
	Short:   "Inspect and restore values discarded by merges",
}

var atticListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived discards",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		filter := attic.Filter{EntityID: atticEntity, Field: atticField}
		if atticSince > 0 {
			filter.Since = time.Now().Add(-atticSince)
		}
		entries, err := c.ListAttic(filter)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println(ui.RenderMuted("attic is empty"))
			return nil
		}
		for _, e := range entries {
			val, _ := json.Marshal(e.Discard.Value)
			fmt.Printf("%s  %s  %s.%s = %s  %s\n",
				ui.RenderID(e.ID),
				e.MergedAt.Format(time.RFC3339),
				e.Discard.EntityID, e.Discard.Field,
				truncate(string(val), 60),
				ui.RenderMuted(e.Discard.Reason))
		}
		return nil
	},
}

var atticRestoreCmd = &cobra.Command{
	Use:   "restore <entry-id>",
	Short: "Restore an archived value onto its entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		f, err := c.Restore(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s Restored onto %s (version %d)\n",
			ui.RenderPass("✓"), ui.RenderID(f.ID()), f.Version())
		return nil
	},
}

var atticPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove attic history older than the configured TTL",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		n, err := c.PruneAttic()
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Println(ui.RenderMuted("nothing to prune"))
			return nil
		}
		fmt.Printf("%s Pruned %d attic file(s)\n", ui.RenderPass("✓"), n)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:     "sweep",
	GroupID: "maintenance",
	Short:   "Relocate broken references to the orphan archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		report, err := c.Sweep()
		if err != nil {
			return err
		}
		fmt.Printf("%s Scanned %d, relocated %d broken reference(s), repaired %d entit(ies)\n",
			ui.RenderPass("✓"), report.Scanned, report.Relocated, report.Repaired)
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	atticListCmd.Flags().StringVar(&atticEntity, "entity", "", "filter by entity ID")
	atticListCmd.Flags().StringVar(&atticField, "field", "", "filter by field name")
	atticListCmd.Flags().DurationVar(&atticSince, "since", 0, "only entries newer than this age")
	atticCmd.AddCommand(atticListCmd, atticRestoreCmd, atticPruneCmd)
	rootCmd.AddCommand(atticCmd, sweepCmd)
}
