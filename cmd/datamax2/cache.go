package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	rediscache "github.com/penguin-orz/datamax2/pkg/cache/redis"
	sqlitecache "github.com/penguin-orz/datamax2/pkg/cache/sqlite"
	"github.com/penguin-orz/datamax2/pkg/config"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the conversion result cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store, err := newStore(cfg)
			if err != nil {
				return err
			}
			if store == nil {
				fmt.Println("Caching is disabled (ttl is zero).")
				return nil
			}
			defer func() { _ = store.Close() }()

			stats, err := store.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Backend: %s\nEntries: %d\nHits:    %d\nMisses:  %d\n",
				cfg.Cache.Backend, stats.Entries, stats.Hits, stats.Misses)
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx := context.Background()

			switch cfg.Cache.Backend {
			case "sqlite", "":
				c, err := sqlitecache.New(cfg.Cache.DBPath, cfg.Cache.TTL, cfg.Cache.MaxEntries)
				if err != nil {
					return err
				}
				defer func() { _ = c.Close() }()
				if err := c.Clear(ctx, expiredOnly); err != nil {
					return err
				}
			case "redis":
				if expiredOnly {
					fmt.Println("Redis expires entries itself; nothing to do.")
					return nil
				}
				c, err := rediscache.New(rediscache.Config{
					Addr:     cfg.Cache.Redis.Addr,
					Password: cfg.Cache.Redis.Password,
					DB:       cfg.Cache.Redis.DB,
					PoolSize: cfg.Cache.Redis.PoolSize,
				}, cfg.Cache.TTL)
				if err != nil {
					return err
				}
				defer func() { _ = c.Close() }()
				if err := c.Clear(ctx); err != nil {
					return err
				}
			case "memory":
				return fmt.Errorf("the memory cache lives inside the converting process and cannot be cleared here")
			default:
				return fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
			}

			if expiredOnly {
				fmt.Println("Expired cache entries cleared.")
			} else {
				fmt.Println("All cache entries cleared.")
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "datamax2.yaml", "path to config file")
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
