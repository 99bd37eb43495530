package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"k3mmu/project/planner"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and its filament topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			topo, err := planner.NewTopology(cfg)
			if err != nil {
				return err
			}
			for _, th := range topo.Toolheads() {
				for _, g := range th.Gates {
					if _, err := topo.Plan(planner.GateAt(g), planner.At(planner.Nozzle, th.Index)); err != nil {
						return err
					}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d toolheads, %d gates\n", len(cfg.Toolheads), cfg.GateCount())
			return nil
		},
	}
}
