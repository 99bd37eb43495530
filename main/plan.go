package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"k3mmu/project/planner"
)

// parseLocation reads "gate2", "gate:2" or a shared node name.
func parseLocation(s string, toolhead int) (planner.Location, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(s, "gate") {
		g, err := strconv.Atoi(strings.TrimLeft(strings.TrimPrefix(s, "gate"), ":"))
		if err != nil {
			return planner.Location{}, fmt.Errorf("bad gate location %q", s)
		}
		return planner.GateAt(g), nil
	}
	kind, ok := planner.ParseKind(s)
	if !ok {
		return planner.Location{}, fmt.Errorf("unknown location %q", s)
	}
	return planner.At(kind, toolhead), nil
}

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <from> <to>",
		Short: "Print the steps between two locations",
		Example: `  k3mmu plan gate2 nozzle
  k3mmu plan nozzle gate:0 --toolhead 1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			toolhead, _ := cmd.Flags().GetInt("toolhead")
			from, err := parseLocation(args[0], toolhead)
			if err != nil {
				return err
			}
			to, err := parseLocation(args[1], toolhead)
			if err != nil {
				return err
			}
			topo, err := planner.NewTopology(cfg)
			if err != nil {
				return err
			}
			path, err := topo.Plan(from, to)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tDISTANCE\tACTUATOR\tCHECKPOINT\tEXPECT\tMAX TIME")
			for _, s := range path.Steps {
				checkpoint := string(s.Segment.Checkpoint)
				if checkpoint == "" {
					checkpoint = "-"
				}
				fmt.Fprintf(w, "%s\t%.1f\t%s\t%s\t%s\t%s\n", s, s.Distance(), s.Segment.Actuator, checkpoint, s.Expect(), s.Segment.MaxTime)
			}
			w.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "%d steps, %.1f mm\n", len(path.Steps), path.Length())
			return nil
		},
	}
	cmd.Flags().Int("toolhead", 0, "toolhead of the shared locations")
	return cmd
}
