package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callagent/internal/audit"
	"callagent/internal/auth"
	"callagent/internal/calls"
	"callagent/internal/config"
	"callagent/internal/httpapi"
	"callagent/internal/ledger"
	"callagent/internal/metrics"
	"callagent/internal/payments"
	"callagent/internal/ratelimit"
	"callagent/internal/referral"
	"callagent/internal/reporting"
	"callagent/internal/store/postgres"
	"callagent/internal/telephony"
	"callagent/internal/users"
	"callagent/internal/webhook"
	"callagent/pkg/logger"
	"callagent/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A .env file is a local convenience; real environments set variables directly.
	if env := os.Getenv("APP_ENV"); env == "" || env == "local" || env == "dev" {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.App.AutoMigrate {
		if err := postgres.Migrate(db, log); err != nil {
			log.Error("migrations failed", "err", err)
			os.Exit(1)
		}
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	bridge, err := telephony.NewBridgeClient(telephony.BridgeConfig{
		BaseURL: cfg.Bridge.URL,
		Secret:  cfg.Bridge.Secret,
		Timeout: cfg.Bridge.Timeout,
	})
	if err != nil {
		log.Error("bridge client init failed", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	store := postgres.New(db)
	auditSvc := audit.NewService(store, log)
	ledgerSvc := ledger.NewService(store, log)
	referralSvc := referral.NewService(store, referral.Config{Cap: cfg.Referral.Cap, Reward: cfg.Referral.Reward}, m, log)
	userSvc := users.NewService(store, referralSvc, users.Config{StartingCredits: cfg.Calls.StartingCredits}, log)

	deps := calls.Deps{
		Store:    store,
		Ledger:   ledgerSvc,
		Bridge:   bridge,
		Profiles: userSvc,
		Metrics:  m,
		Log:      log,
	}
	if cfg.Calls.MaxActive > 0 {
		slots, err := ratelimit.NewActiveCalls(rdb, cfg.Calls.MaxActive, cfg.Calls.ActiveSlotTTL)
		if err != nil {
			log.Error("active call cap init failed", "err", err)
			os.Exit(1)
		}
		deps.Slots = slots
	}
	callSvc, err := calls.NewService(deps, calls.Config{
		CostCredits:        cfg.Calls.CostCredits,
		RateLimitCount:     cfg.Calls.RateLimitCount,
		RateLimitWindow:    cfg.Calls.RateLimitWindow,
		BriefingMinLen:     cfg.Calls.BriefingMinLen,
		BriefingMaxLen:     cfg.Calls.BriefingMaxLen,
		BlockedPrefixes:    cfg.Calls.BlockedPrefixes,
		CallbackURL:        cfg.BridgeCallbackURL(),
		DefaultDisplayName: cfg.Calls.DefaultDisplayName,
	})
	if err != nil {
		log.Error("calls service init failed", "err", err)
		os.Exit(1)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(m.Middleware())

	registerRoutes(r, routeDeps{
		Handlers: httpapi.Handlers{
			Calls:  callSvc,
			Users:  userSvc,
			Ledger: ledgerSvc,
			Usage:  reporting.NewService(store),
			Audit:  auditSvc,
		},
		Bridge: webhook.Handler{
			Processor: webhook.NewProcessor(callSvc, log),
			Secret:    cfg.Bridge.Secret,
			Audit:     auditSvc,
			Metrics:   m,
		},
		Stripe: payments.StripeHandler{
			Ledger:  ledgerSvc,
			Secret:  cfg.Stripe.WebhookSecret,
			Audit:   auditSvc,
			Metrics: m,
		},
		Metrics: m,
		Limiter: ratelimit.New(rdb, ratelimit.Config{Requests: cfg.RateLimit.RequestsPerMinute, Window: time.Minute}, m, log),
		AuthMW:  auth.RequireAccessToken(authManager),
		Ready: func(ctx context.Context) error {
			if err := utils.HealthCheck(ctx, db, time.Second); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("http server failed", "err", err)
		os.Exit(1)
	}
}
