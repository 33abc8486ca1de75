package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/blobkv"
)

func (a *app) newSweepCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sweep [NAMESPACE...]",
		Short: "Remove expired entries, once or on an interval",
		Long: `sweep lists every entry in the given namespaces (default: --namespace) and
deletes those whose expiry has passed. Without --once it keeps running until
interrupted, optionally exposing Prometheus metrics on --metrics-listen.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, store, cfg, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			namespaces := args
			if len(namespaces) == 0 {
				namespaces = []string{cfg.Namespace}
			}
			logger := a.loggerFor("cli.sweep")
			sweeper := blobkv.NewSweeper(store, blobkv.SweeperOptions{
				Namespaces: namespaces,
				Interval:   cfg.SweepInterval,
				Logger:     logger,
			})
			if once {
				stats, err := sweeper.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d expired=%d deleted=%d skipped=%d\n",
					stats.Scanned, stats.Expired, stats.Deleted, stats.Skipped)
				return nil
			}

			tel, err := blobkv.StartTelemetry(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					logger.Warn("telemetry shutdown failed", "error", err)
				}
			}()
			if addr := tel.MetricsAddr(); addr != nil {
				logger.Info("metrics listening", "addr", addr.String())
			}
			return sweeper.Run(ctx)
		},
	}
	flags := cmd.Flags()
	flags.Duration("interval", blobkv.DefaultSweepInterval, "time between sweep passes")
	flags.String("metrics-listen", blobkv.DefaultMetricsListen, "Prometheus scrape address (empty disables)")
	flags.Bool("runtime-metrics", false, "include Go runtime metrics on the Prometheus endpoint")
	flags.BoolVar(&once, "once", false, "run a single pass and print its stats")
	for key, name := range map[string]string{
		"sweep-interval":  "interval",
		"metrics-listen":  "metrics-listen",
		"runtime-metrics": "runtime-metrics",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	return cmd
}
