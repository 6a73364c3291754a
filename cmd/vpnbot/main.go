package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vpnbot/internal/bot"
	"vpnbot/internal/config"
	"vpnbot/internal/repository"
	"vpnbot/internal/service"
	"vpnbot/internal/xui"
)

const version = "1.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := repository.NewDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	sqlDB, err := db.DB()
	if err == nil {
		defer sqlDB.Close()
	}

	userRepo := repository.NewUserRepository(db)
	keyRepo := repository.NewKeyRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	settingRepo := repository.NewSettingRepository(db)
	trafficRepo := repository.NewTrafficRepository(db)

	panel, err := xui.New(xui.Options{
		Host:             cfg.XUIHost,
		Username:         cfg.XUIUsername,
		Password:         cfg.XUIPassword,
		Domain:           cfg.Domain,
		SubscriptionPort: cfg.SubscriptionPort,
	})
	if err != nil {
		log.Fatalf("panel client: %v", err)
	}
	if err := panel.Login(ctx); err != nil {
		log.Fatalf("panel login: %v", err)
	}

	telegramBot, err := bot.New(cfg.BotToken, &cfg, settingRepo, trafficRepo)
	if err != nil {
		log.Fatalf("bot: %v", err)
	}

	lifecycle := service.NewLifecycle(userRepo, keyRepo, requestRepo, panel, telegramBot, service.SystemClock())
	reporter := service.NewReporter(trafficRepo, panel, telegramBot, service.SystemClock())
	telegramBot.Attach(lifecycle, reporter)

	scheduler := service.NewSchedulerService(time.Local)
	if _, err := scheduler.ScheduleDaily(cfg.ReportTime, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := reporter.RunDaily(jobCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("daily report: %v", err)
		}
	}); err != nil {
		log.Fatalf("schedule report at %s: %v", cfg.ReportTime, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	if users, err := userRepo.Count(ctx); err == nil {
		keys, _ := keyRepo.Count(ctx)
		log.Printf("[info] %d users, %d key bindings in storage", users, keys)
	}
	if err := telegramBot.AnnounceVersion(ctx, version); err != nil {
		log.Printf("[error] version notice: %v", err)
	}

	log.Println("VPN key bot started.")
	if err := telegramBot.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("bot stopped with error: %v", err)
	}
	log.Println("Shutdown complete.")
}
