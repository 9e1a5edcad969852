package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/digkill/TGImageBot/internal/database"
)

func newMigrateCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing ledger tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.get(cmd.Context())
			if err != nil {
				return err
			}
			if err := database.Migrate(cmd.Context(), a.db); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema is up to date (%s)\n", a.db.Dialect())
			return nil
		},
	}
}

func newResetCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset every balance to the daily allowance now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.get(cmd.Context())
			if err != nil {
				return err
			}
			report, err := a.admin.TriggerReset(cmd.Context(), operator)
			if err != nil {
				return err
			}
			return rt.print(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "reset %d accounts to %d credits, %d failed\n", report.Updated, report.Target, report.Failed)
			})
		},
	}
}

func newStatsCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ledger totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.get(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.admin.Stats(cmd.Context(), operator)
			if err != nil {
				return err
			}
			return rt.print(cmd.OutOrStdout(), stats, func(w io.Writer) {
				fmt.Fprintf(w, "accounts: %d (blocked %d)\ncredits outstanding: %d\ngenerations: %d (24h: %d)\ncoupons: %d\npending reservations: %d\n",
					stats.Accounts, stats.Blocked, stats.TotalCredits, stats.Generations, stats.Generations24h, stats.Coupons, stats.Pending)
			})
		},
	}
}

func newSweepCmd(rt *runtime) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Roll back stale reservations and write deferred usage records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.get(cmd.Context())
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = a.cfg.ReservationTTL
			}
			reaped, err := a.accounts.ReapExpired(cmd.Context(), ttl)
			if err != nil {
				return err
			}
			reconciled, err := a.accounts.ReconcileUsage(cmd.Context())
			if err != nil {
				return err
			}
			result := map[string]int{"reaped": reaped, "reconciled": reconciled}
			return rt.print(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "reaped %d stale reservations, reconciled %d usage records\n", reaped, reconciled)
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "reservation age to treat as stale (default RESERVATION_TTL)")
	return cmd
}
