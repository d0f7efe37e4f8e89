package main

import (
	"encoding/json"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/taskmgr818/stargraph-broker/internal/admission"
	"github.com/taskmgr818/stargraph-broker/internal/compensation"
	"github.com/taskmgr818/stargraph-broker/internal/ledger"
	"github.com/taskmgr818/stargraph-broker/internal/store"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one compensation sweep and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			rdb, err := openRedis(ctx, cfg)
			if err != nil {
				return err
			}
			defer rdb.Close()
			st, err := store.Open(cfg.DSN())
			if err != nil {
				return err
			}
			defer st.Close()

			led := ledger.NewLedger(st.DB(), cfg.LedgerConflictRetries)
			comp := compensation.NewService(rdb, led, admission.NewLocker(rdb), nil, cfg.CompensationMaxRetries)

			report, sweepErr := comp.Sweep(ctx)
			if err := printJSON(report); err != nil {
				return err
			}
			if sweepErr != nil {
				log.WithError(sweepErr).Warn("sweep finished with errors")
			}
			return sweepErr
		},
	}
}

func permitsCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "permits",
		Short: "Show the admission semaphore, initializing it if absent",
		Long: "Show the admission semaphore, initializing it if absent.\n" +
			"--reset forces every permit back and must only be used with no job in flight.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			rdb, err := openRedis(ctx, cfg)
			if err != nil {
				return err
			}
			defer rdb.Close()

			sem := admission.NewSemaphore(rdb)
			if reset {
				if err := sem.Reset(ctx, cfg.MaxConcurrency); err != nil {
					return err
				}
				log.WithField("capacity", cfg.MaxConcurrency).Warn("semaphore reset")
			} else if _, err := sem.Init(ctx, cfg.MaxConcurrency); err != nil {
				return err
			}

			available, err := sem.Available(ctx)
			if err != nil {
				return err
			}
			capacity, err := sem.Capacity(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]int64{"available": available, "capacity": capacity})
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "force available permits back to capacity")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
