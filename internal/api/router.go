package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Booking      BookingService
	Confirmation ConfirmationNotifier
	PgPool       *pgxpool.Pool
	Redis        *redis.Client
	Env          string
	Version      string
	Logger       zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Get("/doctors/{doctorID}/slots/open", openSlotsHandler(cfg.Booking))
	r.Post("/doctors/{doctorID}/slots/{timestamp}/toggle", toggleSlotHandler(cfg.Booking))

	r.Post("/visits", bookVisitHandler(cfg.Booking, cfg.Confirmation, cfg.Logger))
	r.Get("/patients/{patientID}/visits", patientVisitsHandler(cfg.Booking))

	return r
}
