package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/digkill/TGImageBot/internal/config"
	"github.com/digkill/TGImageBot/internal/database"
	"github.com/digkill/TGImageBot/internal/repository"
	"github.com/digkill/TGImageBot/internal/service"
	"github.com/digkill/TGImageBot/pkg/logger"
)

// operator is the identity behind every CLI call; database access already
// implies full privileges.
var operator = service.Caller{Privileged: true}

type app struct {
	db       *database.DB
	cfg      config.Credits
	accounts *service.AccountService
	admin    *service.AdminService
	close    func() error
}

type opener func(ctx context.Context) (*app, error)

func openFromEnv(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := newApp(db, cfg.Credits, logger.New(cfg.LogLevel))
	a.close = db.Close
	return a, nil
}

func newApp(db *database.DB, cfg config.Credits, log *slog.Logger) *app {
	accountRepo := repository.NewAccountRepository(db)
	couponRepo := repository.NewCouponRepository(db)
	reservationRepo := repository.NewReservationRepository(db)
	usageRepo := repository.NewUsageRepository(db)

	accounts := service.NewAccountService(db, accountRepo, reservationRepo, usageRepo, log, nil, service.AccountOptions{
		StartingCredits: cfg.Starting,
	})
	coupons := service.NewCouponService(db, couponRepo, accountRepo, log, nil, service.CouponOptions{
		OncePerUser: cfg.CouponOncePerUser,
	})
	return &app{
		db:       db,
		cfg:      cfg,
		accounts: accounts,
		admin: service.NewAdminService(accounts, coupons, accountRepo, usageRepo, couponRepo, reservationRepo, log, service.AdminOptions{
			DailyCredits: cfg.Daily,
		}),
	}
}

type runtime struct {
	open   opener
	app    *app
	output string
}

// get opens the ledger on first use so that --help works without a database.
func (r *runtime) get(ctx context.Context) (*app, error) {
	if r.app != nil {
		return r.app, nil
	}
	a, err := r.open(ctx)
	if err != nil {
		return nil, err
	}
	r.app = a
	return a, nil
}

// print writes v as JSON when --output json is set, otherwise calls text.
func (r *runtime) print(w io.Writer, v any, text func(io.Writer)) error {
	if r.output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func newRootCmd(open opener) *cobra.Command {
	rt := &runtime{open: open}

	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the image bot credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch rt.output {
			case "text", "json":
				return nil
			default:
				return fmt.Errorf("unknown output format %q: use text or json", rt.output)
			}
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if rt.app != nil && rt.app.close != nil {
				return rt.app.close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&rt.output, "output", "o", "text", "output format: text|json")

	root.AddCommand(newMigrateCmd(rt))
	root.AddCommand(newCouponCmd(rt))
	root.AddCommand(newUserCmd(rt))
	root.AddCommand(newResetCmd(rt))
	root.AddCommand(newStatsCmd(rt))
	root.AddCommand(newSweepCmd(rt))
	return root
}
