package main

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/didcat/didcat/pkg/reeval"
	"github.com/didcat/didcat/pkg/undertaker"
)

func newEraseCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "erase <scope:name>...",
		Short: "Delete collections and release everything they pin",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := parseDIDs(args)
			if err != nil {
				return err
			}
			res, err := (*a).deleter.DeleteDIDs(cmd.Context(), refs)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d dids, %d rules; released %d locks, tombstoned %d replicas\n",
				res.DeletedDIDs, res.DeletedRules, res.ReleasedLocks, res.TombstonedReplicas)
			return nil
		},
	}
}

func newExpiredCmd(a **app) *cobra.Command {
	var (
		worker  int
		workers int
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "expired",
		Short: "List DIDs past their expiry, for this worker's shard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			refs, err := (*a).deleter.ListExpired(cmd.Context(), worker, workers, limit)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				fmt.Println(ref)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&worker, "worker", 0, "this worker's number")
	cmd.Flags().IntVar(&workers, "workers", 1, "total number of workers")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum DIDs to return")
	return cmd
}

func newQueueCmd(a **app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show pending re-evaluation requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pending, err := reeval.Drain(cmd.Context(), (*a).st.DB(), limit)
			if err != nil {
				return err
			}
			for _, u := range pending {
				fmt.Printf("%s:%s\t%s\t%s\n", u.Scope, u.Name, u.Reason, u.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to return")
	return cmd
}

func newReaperCmd(a **app) *cobra.Command {
	var (
		worker   int
		workers  int
		interval time.Duration
		once     bool
	)
	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Continuously delete expired DIDs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			metrics := undertaker.InitMetrics(prometheus.DefaultRegisterer)
			r := undertaker.NewReaper((*a).deleter, worker, workers, interval, metrics, (*a).log)
			if once {
				r.SweepOnce(cmd.Context())
				return nil
			}
			return r.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&worker, "worker", 0, "this worker's number")
	cmd.Flags().IntVar(&workers, "workers", 1, "total number of workers")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "delay between sweeps")
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}
