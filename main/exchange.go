package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"k3mmu/project"
	"k3mmu/project/exchange"
)

func newExchangeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exchange <load|unload|swap> <gate>",
		Short: "Run one exchange against the simulated unit and print its outcome",
		Long: `Runs one request on the simulator and prints the outcome as JSON. With a
file or redis store configured, state carries over between runs.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := exchange.ParseOp(args[0])
			if err != nil {
				return err
			}
			gate, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("bad gate %q", args[1])
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			mmu, err := project.NewMMU(project.Options{Config: cfg})
			if err != nil {
				return err
			}
			defer mmu.Close()

			req := exchange.NewRequest(gate, op)
			req.Timeout, _ = cmd.Flags().GetDuration("timeout")
			out := mmu.Request(cmd.Context(), req)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if !out.Success() {
				return fmt.Errorf("exchange failed: %s", out.Reason)
			}
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 0, "request timeout; exchange.request_timeout when zero")
	return cmd
}
