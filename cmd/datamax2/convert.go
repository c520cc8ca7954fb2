package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/penguin-orz/datamax2/pkg/config"
	"github.com/penguin-orz/datamax2/pkg/models"
)

func newConvertCmd() *cobra.Command {
	var (
		configPath   string
		sourceFormat string
		outputDir    string
	)

	cmd := &cobra.Command{
		Use:   "convert <target-format> <input>...",
		Short: "Convert documents through the office service pool",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := newLogger(cfg.Log)

			d, cleanup, err := newDispatcher(cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			target := args[0]
			inputs := args[1:]

			var wg sync.WaitGroup
			errs := make([]error, len(inputs))
			for i, input := range inputs {
				wg.Add(1)
				go func(i int, input string) {
					defer wg.Done()
					src := sourceFormat
					if src == "" {
						src = strings.TrimPrefix(filepath.Ext(input), ".")
					}
					job := models.NewJob(input, src, target)
					job.OutputDir = outputDir

					res, err := d.Convert(ctx, job)
					if err != nil {
						errs[i] = fmt.Errorf("%s: %w", input, err)
						return
					}
					origin := "converted"
					if res.CacheHit {
						origin = "cached"
					}
					fmt.Printf("%s -> %s (%s, %d bytes, %s)\n",
						input, res.OutputPath, origin, res.BytesProduced, res.Duration.Round(time.Millisecond))
				}(i, input)
			}
			wg.Wait()

			var failed int
			for _, err := range errs {
				if err != nil {
					failed++
					log.Error().Err(err).Msg("conversion failed")
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d conversions failed", failed, len(inputs))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "datamax2.yaml", "path to config file")
	cmd.Flags().StringVar(&sourceFormat, "source", "", "source format (default: input file extension)")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "output directory")
	return cmd
}
