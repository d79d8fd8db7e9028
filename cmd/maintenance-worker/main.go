package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/medibook/slot-scheduling/internal/clock"
	"github.com/medibook/slot-scheduling/internal/config"
	"github.com/medibook/slot-scheduling/internal/curation"
	"github.com/medibook/slot-scheduling/internal/db"
	"github.com/medibook/slot-scheduling/internal/push"
	"github.com/medibook/slot-scheduling/internal/reminder"
	"github.com/medibook/slot-scheduling/internal/store"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "maintenance-worker").Logger()
	log.Info().Msg("maintenance-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	log.Info().
		Str("env", cfg.Env).
		Dur("curation_interval", cfg.CurationInterval).
		Dur("reminder_interval", cfg.ReminderInterval).
		Msg("configuration loaded")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	st := store.NewPgStore(pgPool)
	clk := clock.System()

	curationSvc := curation.NewService(st, clk, log)
	reminderSvc := reminder.NewService(
		st,
		push.NewLogNotifier(log),
		push.StaticTokenSource("dev-device-token"),
		clk,
		cfg.ReminderLookahead,
		cfg.MarkerRetention,
		log,
	)

	// Both passes run once at startup so a restart never extends the gap
	// beyond one interval.
	runCuration(rootCtx, curationSvc, log)
	runReminders(rootCtx, reminderSvc, log)

	curationTicker := time.NewTicker(cfg.CurationInterval)
	defer curationTicker.Stop()
	reminderTicker := time.NewTicker(cfg.ReminderInterval)
	defer reminderTicker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping maintenance worker")
			return
		case <-curationTicker.C:
			runCuration(rootCtx, curationSvc, log)
		case <-reminderTicker.C:
			runReminders(rootCtx, reminderSvc, log)
		}
	}
}

func runCuration(ctx context.Context, svc *curation.Service, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	start := time.Now()
	if err := svc.CleanExpiredSlots(runCtx); err != nil {
		log.Error().Err(err).Msg("curation run error")
		return
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("curation run complete")
}

func runReminders(ctx context.Context, svc *reminder.Service, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	start := time.Now()
	if err := svc.SendDueReminders(runCtx); err != nil {
		log.Error().Err(err).Msg("reminder run error")
		return
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("reminder run complete")
}
