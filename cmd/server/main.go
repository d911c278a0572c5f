package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/custody"
	"github.com/perpx/perp-engine/internal/engine"
	"github.com/perpx/perp-engine/internal/feed"
	"github.com/perpx/perp-engine/internal/funding"
	"github.com/perpx/perp-engine/internal/ledger"
	"github.com/perpx/perp-engine/internal/metrics"
	"github.com/perpx/perp-engine/internal/risk"
	"github.com/perpx/perp-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	var rdb *redis.Client

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis store cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (journal will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price feed ---
	// In-memory feed fed over the admin API; wrapped with a Redis cache so
	// multiple instances share quotes when Redis is configured.
	memFeed := feed.NewMemoryFeed(30 * time.Second)
	var priceFeed feed.Feed = memFeed
	if rdb != nil {
		priceFeed = feed.NewCachedFeed(memFeed, rdb, 5*time.Second)
		slog.Info("Redis price cache enabled")
	}

	// --- Custody ---
	vault := custody.NewMemoryVault()

	// --- Exposure limits ---
	maxPositionSize := decimal.NewFromInt(1_000_000)
	maxOwnerNotional := decimal.NewFromInt(10_000_000)
	limiter := risk.NewLimiter(maxPositionSize, maxOwnerNotional)

	// --- Ledger and funding engine ---
	led := ledger.NewLedger(vault, priceFeed, st, limiter)
	fundingEngine := funding.NewEngine(led, priceFeed)

	fundingCtx, stopFunding := context.WithCancel(context.Background())
	defer stopFunding()
	go fundingEngine.Run(fundingCtx, time.Minute)

	// --- WebSocket hub ---
	wsHub := engine.NewWSHub()
	go wsHub.Run()

	// --- Engine service ---
	svc := engine.NewService(led, fundingEngine, st, wsHub)
	svc.AttachDevBackends(vault, memFeed)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time position and funding events.
		r.Get("/ws", wsHub.HandleWS)

		// Instrument management.
		r.Get("/instruments", svc.ListInstruments)
		r.Post("/instruments", svc.OnboardInstrument)
		r.Get("/instruments/{symbol}", svc.GetInstrument)

		// Position lifecycle.
		r.Post("/positions", svc.OpenPosition)
		r.Get("/positions/{positionID}", svc.GetPosition)
		r.Post("/positions/{positionID}/close", svc.ClosePosition)
		r.Post("/positions/{positionID}/increase", svc.IncreasePosition)
		r.Post("/positions/{positionID}/decrease", svc.DecreasePosition)
		r.Post("/positions/{positionID}/funding", svc.ApplyFunding)
		r.Get("/positions/{positionID}/liquidatable", svc.CheckLiquidatable)
		r.Post("/positions/{positionID}/liquidate", svc.LiquidatePosition)
		r.Get("/positions/{positionID}/journal", svc.GetPositionJournal)

		// Portfolio and journal queries.
		r.Get("/portfolio/{owner}", svc.GetPortfolio)
		r.Get("/journal/{owner}", svc.GetOwnerJournal)

		// Administration.
		r.Post("/admin/funding/sweep", svc.SweepFunding)
		r.Post("/admin/pause", svc.Pause)
		r.Post("/admin/resume", svc.Resume)
		r.Get("/admin/params", svc.GetParams)
		r.Put("/admin/params", svc.SetParams)
		r.Post("/admin/agents", svc.AuthorizeAgent)
		r.Get("/admin/shortfalls", svc.GetShortfalls)

		// In-memory custody and feed administration.
		r.Post("/admin/assets", svc.ConfigureInstrumentAsset)
		r.Post("/admin/deposits", svc.Deposit)
		r.Get("/admin/balances/{owner}/{asset}", svc.GetBalance)
		r.Post("/admin/prices", svc.SetPrices)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("perp-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down perp-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("perp-engine stopped")
}
