package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/penguin-orz/datamax2/pkg/config"
)

func newWarmCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Pre-start service instances so first conversions skip startup latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := newLogger(cfg.Log)

			p := newPool(cfg, log)
			defer p.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := p.Warm(ctx); err != nil {
				return err
			}
			stats := p.Stats()
			fmt.Printf("Warmed %d connection(s), %d live\n", stats.Idle, stats.Live)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "datamax2.yaml", "path to config file")
	return cmd
}
