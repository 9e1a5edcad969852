package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newUserCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Inspect and manage accounts",
	}
	cmd.AddCommand(
		newUserListCmd(rt),
		newUserShowCmd(rt),
		newUserBlockCmd(rt, true),
		newUserBlockCmd(rt, false),
		newUserAdjustCmd(rt),
		newUserUsageCmd(rt),
	)
	return cmd
}

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", raw)
	}
	return id, nil
}

func newUserListCmd(rt *runtime) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts by recent activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.get(cmd.Context())
			if err != nil {
				return err
			}
			accounts, err := a.admin.ListAccounts(cmd.Context(), operator, limit, offset)
			if err != nil {
				return err
			}
			return rt.print(cmd.OutOrStdout(), accounts, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "USER\tNAME\tBALANCE\tBLOCKED\tLAST ACTIVE")
				for _, acct := range accounts {
					fmt.Fprintf(tw, "%d\t%s\t%d\t%t\t%s\n", acct.UserID, acct.DisplayName, acct.Balance, acct.Blocked, acct.LastActivityAt.Format(time.DateTime))
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func newUserShowCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "show USER_ID",
		Short: "Show one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			a, err := rt.get(cmd.Context())
			if err != nil {
				return err
			}
			acct, err := a.admin.GetAccount(cmd.Context(), operator, id)
			if err != nil {
				return err
			}
			return rt.print(cmd.OutOrStdout(), acct, func(w io.Writer) {
				fmt.Fprintf(w, "user %d (%s)\nbalance: %d\nblocked: %t\nsize: %s\n",
					acct.UserID, acct.DisplayName, acct.Balance, acct.Blocked, acct.Dimensions())
			})
		},
	}
}

func newUserBlockCmd(rt *runtime, blocked bool) *cobra.Command {
	use, short := "block USER_ID", "Block an account"
	if !blocked {
		use, short = "unblock USER_ID", "Unblock an account"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			a, err := rt.get(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.admin.SetBlocked(cmd.Context(), operator, id, blocked); err != nil {
				return err
			}
			result := map[string]any{"user_id": id, "blocked": blocked}
			return rt.print(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "user %d blocked=%t\n", id, blocked)
			})
		},
	}
}

func newUserAdjustCmd(rt *runtime) *cobra.Command {
	var delta int
	cmd := &cobra.Command{
		Use:   "adjust USER_ID --delta N",
		Short: "Add or remove credits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			a, err := rt.get(cmd.Context())
			if err != nil {
				return err
			}
			acct, err := a.admin.AdjustBalance(cmd.Context(), operator, id, delta)
			if err != nil {
				return err
			}
			return rt.print(cmd.OutOrStdout(), acct, func(w io.Writer) {
				fmt.Fprintf(w, "user %d balance: %d\n", acct.UserID, acct.Balance)
			})
		},
	}
	cmd.Flags().IntVar(&delta, "delta", 0, "credits to add (negative to remove)")
	_ = cmd.MarkFlagRequired("delta")
	return cmd
}

func newUserUsageCmd(rt *runtime) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "usage USER_ID",
		Short: "Show recent generations of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			a, err := rt.get(cmd.Context())
			if err != nil {
				return err
			}
			records, err := a.admin.UsageHistory(cmd.Context(), operator, id, limit)
			if err != nil {
				return err
			}
			return rt.print(cmd.OutOrStdout(), records, func(w io.Writer) {
				for _, r := range records {
					fmt.Fprintf(w, "%s %dx%d %s\n", r.CreatedAt.Format(time.DateTime), r.Width, r.Height, r.Prompt)
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}
