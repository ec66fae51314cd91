package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/internal/core"
	"github.com/loomlabs/loom/internal/daemon"
	"github.com/loomlabs/loom/internal/ui"
)

var daemonLogToFile bool

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "sync",
	Short:   "Initialize loom in the current repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := findRepoRoot()
		if err != nil {
			return err
		}
		if err := core.InitWorkspace(root); err != nil {
			return err
		}
		fmt.Printf("%s Initialized loom in %s\n", ui.RenderPass("✓"), root)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Sync with the distribution branch",
	Long: `Fetch the distribution branch, merge divergent entities field by
field, and push the result. A push rejected by a concurrent writer is
retried against their result with exponential backoff.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		report, err := c.Sync(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s Synced: %s inbound, %s outbound, %s merged",
			ui.RenderPass("✓"),
			ui.RenderAccent(fmt.Sprintf("%d", report.Inbound)),
			ui.RenderAccent(fmt.Sprintf("%d", report.Outbound)),
			ui.RenderAccent(fmt.Sprintf("%d", report.Merged)))
		if report.Discards > 0 {
			fmt.Printf(", %s value(s) preserved in the attic", ui.RenderWarn(fmt.Sprintf("%d", report.Discards)))
		}
		if report.Skipped > 0 {
			fmt.Printf(", %s file(s) skipped", ui.RenderWarn(fmt.Sprintf("%d", report.Skipped)))
		}
		fmt.Println()
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background watcher and periodic sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := findRepoRoot()
		if err != nil {
			return err
		}
		c, err := core.Open(root, nil)
		if err != nil {
			return err
		}
		defer c.Close()

		opts := daemon.DefaultOptions(c.Config())
		if daemonLogToFile {
			opts.Logger = daemon.FileLogger(root)
		}
		d, err := daemon.New(c, opts)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return d.Start(ctx)
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonLogToFile, "log-file", false, "log to .loom/daemon.log with rotation")
	rootCmd.AddCommand(initCmd, syncCmd, daemonCmd)
}
