package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/TGImageBot/internal/admin"
	"github.com/digkill/TGImageBot/internal/config"
	"github.com/digkill/TGImageBot/internal/database"
	"github.com/digkill/TGImageBot/internal/inference"
	"github.com/digkill/TGImageBot/internal/metrics"
	"github.com/digkill/TGImageBot/internal/repository"
	"github.com/digkill/TGImageBot/internal/scheduler"
	"github.com/digkill/TGImageBot/internal/service"
	"github.com/digkill/TGImageBot/internal/storage"
	"github.com/digkill/TGImageBot/internal/telegram"
	"github.com/digkill/TGImageBot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ValidateBot(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	accountRepo := repository.NewAccountRepository(db)
	couponRepo := repository.NewCouponRepository(db)
	reservationRepo := repository.NewReservationRepository(db)
	usageRepo := repository.NewUsageRepository(db)

	accountService := service.NewAccountService(db, accountRepo, reservationRepo, usageRepo, logr, m, service.AccountOptions{
		StartingCredits: cfg.Credits.Starting,
	})
	couponService := service.NewCouponService(db, couponRepo, accountRepo, logr, m, service.CouponOptions{
		OncePerUser: cfg.Credits.CouponOncePerUser,
	})
	adminService := service.NewAdminService(accountService, couponService, accountRepo, usageRepo, couponRepo, reservationRepo, logr, service.AdminOptions{
		DailyCredits: cfg.Credits.Daily,
	})

	quality, err := inference.QualityFromConfig(cfg.Inference)
	if err != nil {
		log.Fatalf("inference quality: %v", err)
	}
	inferenceClient := inference.NewClient(cfg.Inference, logr)

	// a nil *Uploader inside the interface would not compare equal to nil
	var images service.ImageStorage
	if cfg.S3.Enabled() {
		uploader, err := storage.NewUploader(cfg.S3)
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
		images = uploader
	}

	generationService := service.NewGenerationService(accountService, inferenceClient, images, logr, m, service.GenerationOptions{
		Quality:         quality,
		Timeout:         cfg.Inference.Timeout,
		FinalizeTimeout: cfg.Credits.FinalizeTimeout,
	})

	sessions, closeSessions, err := newSessionStore(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("session store: %v", err)
	}
	defer closeSessions()

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}
	logr.Info("authorized on telegram", "username", botAPI.Self.UserName)

	bot := telegram.NewBot(botAPI, logr, accountService, couponService, generationService, adminService, sessions, telegram.Options{
		RequiredChannel: cfg.RequiredChannel,
		AdminIDs:        cfg.Admin.IDs,
		DailyCredits:    cfg.Credits.Daily,
	})
	jobs := scheduler.New(accountService, scheduler.Config{
		DailyCredits:   cfg.Credits.Daily,
		ResetHour:      cfg.Credits.ResetHour,
		SweepInterval:  cfg.Credits.SweepInterval,
		ReservationTTL: cfg.Credits.ReservationTTL,
	}, logr)
	adminServer := admin.NewServer(cfg.Admin, logr, adminService, botAPI, reg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(gctx) })
	g.Go(func() error { return jobs.Run(gctx) })
	g.Go(func() error { return adminServer.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("stopped with error", "err", err)
		return
	}
	logr.Info("shutdown complete")
}

// newSessionStore uses Redis when REDIS_ADDR is set so conversations survive
// restarts, and an in-process store otherwise.
func newSessionStore(ctx context.Context, cfg config.Redis) (telegram.SessionStore, func(), error) {
	if cfg.Addr == "" {
		return telegram.NewMemoryStore(cfg.SessionTTL), func() {}, nil
	}
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return telegram.NewRedisStore(client, cfg.SessionTTL), func() { _ = client.Close() }, nil
}
