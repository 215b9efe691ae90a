package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/sma-admission-api/internal/bootstrap"
)

var (
	dispatchOnce   bool
	reprocessAll   bool
	purgeOlderThan time.Duration
	failedLimit    int
	failedOffset   int
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Deliver pending outbox events",
	Long: `Without --once the dispatcher polls until interrupted, exactly like the
API server does in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container) error {
			if dispatchOnce {
				summary, err := c.Dispatcher.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, summary)
			}
			c.Dispatcher.Enable()
			c.Dispatcher.Start(ctx)
			<-ctx.Done()
			c.Dispatcher.Stop()
			return nil
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release claims held longer than the stale threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container) error {
			released, err := c.Dispatcher.Sweep(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int64{"released": released})
		})
	},
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess [event-id...]",
	Short: "Reset the retry budget of quarantined events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container) error {
			n, err := c.Dispatcher.ForceReprocess(ctx, args, reprocessAll)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int64{"reset": n})
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise the outbox table",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container) error {
			stats, err := c.Dispatcher.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		})
	},
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List permanently failed events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container) error {
			events, err := c.Dispatcher.FailedEvents(ctx, failedLimit, failedOffset)
			if err != nil {
				return err
			}
			return printJSON(cmd, events)
		})
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete delivered events older than a retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container) error {
			retention := purgeOlderThan
			if retention <= 0 {
				retention = c.Config.Outbox.Retention
			}
			n, err := c.Dispatcher.Purge(ctx, retention)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int64{"deleted": n})
		})
	},
}

func init() {
	dispatchCmd.Flags().BoolVar(&dispatchOnce, "once", false, "Drain a single batch and exit")
	reprocessCmd.Flags().BoolVar(&reprocessAll, "all", false, "Reset every permanently failed event")
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "Retention window (defaults to OUTBOX_RETENTION)")
	failedCmd.Flags().IntVar(&failedLimit, "limit", 50, "Maximum events to list")
	failedCmd.Flags().IntVar(&failedOffset, "offset", 0, "Events to skip")
}
