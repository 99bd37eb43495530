package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"k3mmu/common/logger"
	"k3mmu/project"
	"k3mmu/project/api"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MMU and its HTTP API",
		Long:  `Runs the exchange state machines, the ACE link when configured and the HTTP API until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
				cfg.API.Listen = listen
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			mmu, err := project.NewMMU(project.Options{Config: cfg, Registerer: reg})
			if err != nil {
				return err
			}
			defer func() {
				if err := mmu.Close(); err != nil {
					logger.Errorf("close: %v", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return mmu.Run(gctx)
			})
			g.Go(func() error {
				return api.Serve(gctx, cfg.API.Listen, api.NewHandler(mmu, reg))
			})
			err = g.Wait()
			logger.Info("shutting down")
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("listen", "", "override api.listen")
	return cmd
}
