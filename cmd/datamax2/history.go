package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/penguin-orz/datamax2/pkg/config"
	"github.com/penguin-orz/datamax2/pkg/history"
)

func newHistoryCmd() *cobra.Command {
	var (
		configPath string
		summary    bool
		source     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the conversion ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ledger, err := history.New(cfg.History.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = ledger.Close() }()

			ctx := context.Background()

			if summary {
				summaries, err := ledger.Summary(ctx, source)
				if err != nil {
					return err
				}
				if len(summaries) == 0 {
					fmt.Println("No conversions recorded.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SOURCE\tTARGET\tCOUNT\tFAILURES\tCACHE HITS\tAVG MS\tTOTAL BYTES")
				for _, s := range summaries {
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.0f\t%d\n",
						s.SourceFormat, s.TargetFormat, s.Count, s.Failures, s.CacheHits, s.AvgMs, s.TotalBytes)
				}
				return w.Flush()
			}

			records, err := ledger.Recent(ctx, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No conversions recorded.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tJOB\tSOURCE\tTARGET\tSTATUS\tCACHE\tMS\tBYTES OUT\tERROR")
			for _, r := range records {
				hit := ""
				if r.CacheHit {
					hit = "hit"
				}
				fmt.Fprintf(w, "%s\t%.8s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					r.CreatedAt.Format("2006-01-02T15:04:05"), r.JobID, r.SourceFormat,
					r.TargetFormat, r.Status, hit, r.DurationMs, r.BytesOut, r.Error)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "datamax2.yaml", "path to config file")
	cmd.Flags().BoolVar(&summary, "summary", false, "aggregate per format pair")
	cmd.Flags().StringVar(&source, "source", "", "filter summary by source format")
	cmd.Flags().IntVar(&limit, "limit", 50, "max records to show")
	return cmd
}
