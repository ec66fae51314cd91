package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/internal/cache"
	"github.com/loomlabs/loom/internal/entity"
	"github.com/loomlabs/loom/internal/ui"
)

var (
	createType     string
	createPriority int
	createLabels   []string
	updateFields   []string
	listType       string
	listStatus     string
	deleteHard     bool
)

var createCmd = &cobra.Command{
	Use:     "create <title>",
	GroupID: "entities",
	Short:   "Create a new entity",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		fields := map[string]any{}
		switch createType {
		case "it":
			fields[entity.ItemFieldTitle] = args[0]
			fields[entity.ItemFieldStatus] = entity.StatusOpen
			fields[entity.ItemFieldPriority] = createPriority
			if len(createLabels) > 0 {
				labels := make([]any, len(createLabels))
				for i, l := range createLabels {
					labels[i] = l
				}
				fields[entity.ItemFieldLabels] = labels
			}
		case "ms":
			fields[entity.MessageFieldSubject] = args[0]
			fields[entity.MessageFieldAuthor] = os.Getenv("USER")
		case "ag":
			fields[entity.AgentFieldStatus] = entity.AgentIdle
		default:
			return fmt.Errorf("unknown entity type %q", createType)
		}

		f, err := c.Create(createType, fields)
		if err != nil {
			return err
		}
		fmt.Printf("%s Created %s\n", ui.RenderPass("✓"), ui.RenderID(f.ID()))
		return nil
	},
}

// parseSetValue interprets a --set value as JSON when it parses as a
// complete document, and as a plain string otherwise. Numbers, arrays,
// and booleans keep their types (`--set priority=1` stores the number 1,
// not "1"), while free text like a title needs no quoting.
func parseSetValue(s string) any {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return s
	}
	if dec.More() {
		// Trailing content ("3 items") means this was prose, not JSON.
		return s
	}
	return v
}

var updateCmd = &cobra.Command{
	Use:     "update <id>",
	GroupID: "entities",
	Short:   "Update entity fields",
	Long: `Update entity fields as key=value pairs. An empty value deletes
the field.

Example:
  loom update it-a1b2c3d4e5 --set status=closed --set priority=1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(updateFields) == 0 {
			return fmt.Errorf("nothing to update: pass at least one --set key=value")
		}
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		patch := map[string]any{}
		for _, kv := range updateFields {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("invalid --set %q: expected key=value", kv)
			}
			if v == "" {
				patch[k] = nil
				continue
			}
			patch[k] = parseSetValue(v)
		}

		f, err := c.Update(args[0], patch)
		if err != nil {
			return err
		}
		fmt.Printf("%s Updated %s (version %d)\n", ui.RenderPass("✓"), ui.RenderID(f.ID()), f.Version())
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "entities",
	Short:   "Show an entity in canonical form",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		f, err := c.Get(args[0])
		if err != nil {
			return err
		}
		data, err := entity.Marshal(f)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "entities",
	Short:   "List entities",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.EnableCache(); err != nil {
			return err
		}
		rows, err := c.Cache().List(cache.Query{Type: listType, Status: listStatus})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println(ui.RenderMuted("no entities"))
			return nil
		}
		for _, r := range rows {
			line := fmt.Sprintf("%s  %-12s p%d  %s", ui.RenderID(r.ID), r.Status, r.Priority, r.Title)
			if r.Status == entity.StatusTombstone {
				line = ui.RenderMuted(line)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	GroupID: "entities",
	Short:   "Soft-delete an entity (tombstone)",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		if deleteHard {
			if err := c.HardDelete(args[0]); err != nil {
				return err
			}
			fmt.Printf("%s Removed %s (archived to orphans)\n", ui.RenderWarn("⊘"), ui.RenderID(args[0]))
			return nil
		}
		f, err := c.Delete(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s Tombstoned %s\n", ui.RenderWarn("⊘"), ui.RenderID(f.ID()))
		return nil
	},
}

func init() {
	createCmd.Flags().StringVarP(&createType, "type", "t", "it", "entity type (it, ag, ms)")
	createCmd.Flags().IntVarP(&createPriority, "priority", "p", 2, "priority 0 (highest) to 4")
	createCmd.Flags().StringSliceVarP(&createLabels, "label", "l", nil, "labels (repeatable)")
	updateCmd.Flags().StringArrayVar(&updateFields, "set", nil, "field to set as key=value (repeatable)")
	listCmd.Flags().StringVarP(&listType, "type", "t", "", "filter by entity type")
	listCmd.Flags().StringVarP(&listStatus, "status", "s", "", "filter by status")
	deleteCmd.Flags().BoolVar(&deleteHard, "hard", false, "remove the file entirely, archiving the entity to the orphan archive")

	rootCmd.AddCommand(createCmd, updateCmd, showCmd, listCmd, deleteCmd)
}
