package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/digkill/TGImageBot/internal/models"
	"github.com/digkill/TGImageBot/internal/service"
)

func newCouponCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coupon",
		Short: "Create and inspect coupons",
	}
	cmd.AddCommand(newCouponCreateCmd(rt), newCouponListCmd(rt), newCouponRedemptionsCmd(rt))
	return cmd
}

func newCouponCreateCmd(rt *runtime) *cobra.Command {
	var (
		credits int
		uses    int
		days    int
	)
	cmd := &cobra.Command{
		Use:   "create CODE",
		Short: "Create a coupon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 0 {
				return fmt.Errorf("--days must not be negative")
			}
			a, err := rt.get(cmd.Context())
			if err != nil {
				return err
			}
			input := service.CreateCouponInput{Code: args[0], CreditValue: credits, MaxUses: uses}
			if days > 0 {
				until := time.Now().UTC().Add(time.Duration(days) * 24 * time.Hour)
				input.ValidUntil = &until
			}
			coupon, err := a.admin.CreateCoupon(cmd.Context(), operator, input)
			if err != nil {
				return err
			}
			return rt.print(cmd.OutOrStdout(), coupon, func(w io.Writer) {
				fmt.Fprintf(w, "created %s\n", describeCoupon(coupon))
			})
		},
	}
	cmd.Flags().IntVar(&credits, "credits", 0, "credits granted per redemption")
	cmd.Flags().IntVar(&uses, "uses", 1, "maximum number of redemptions")
	cmd.Flags().IntVar(&days, "days", 0, "validity in days (0 = no expiry)")
	_ = cmd.MarkFlagRequired("credits")
	return cmd
}

func newCouponListCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List coupons",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.get(cmd.Context())
			if err != nil {
				return err
			}
			coupons, err := a.admin.ListCoupons(cmd.Context(), operator)
			if err != nil {
				return err
			}
			return rt.print(cmd.OutOrStdout(), coupons, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CODE\tCREDITS\tUSED\tMAX\tVALID UNTIL")
				for _, c := range coupons {
					until := "-"
					if c.ValidUntil != nil {
						until = c.ValidUntil.Format(time.DateOnly)
					}
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", c.Code, c.CreditValue, c.UsedCount, c.MaxUses, until)
				}
				_ = tw.Flush()
			})
		},
	}
}

func newCouponRedemptionsCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "redemptions CODE",
		Short: "Show who redeemed a coupon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.get(cmd.Context())
			if err != nil {
				return err
			}
			reds, err := a.admin.CouponRedemptions(cmd.Context(), operator, args[0])
			if err != nil {
				return err
			}
			return rt.print(cmd.OutOrStdout(), reds, func(w io.Writer) {
				for _, r := range reds {
					fmt.Fprintf(w, "%s user=%d credits=%d\n", r.CreatedAt.Format(time.DateTime), r.UserID, r.Credits)
				}
			})
		},
	}
}

func describeCoupon(c *models.Coupon) string {
	s := fmt.Sprintf("%s: +%d credits, %d/%d used", c.Code, c.CreditValue, c.UsedCount, c.MaxUses)
	if c.ValidUntil != nil {
		s += ", valid until " + c.ValidUntil.Format(time.DateOnly)
	}
	return s
}
