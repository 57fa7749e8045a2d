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

	"github.com/atmx/goal-market/internal/api"
	"github.com/atmx/goal-market/internal/config"
	"github.com/atmx/goal-market/internal/debate"
	"github.com/atmx/goal-market/internal/ledger"
	"github.com/atmx/goal-market/internal/market"
	"github.com/atmx/goal-market/internal/metrics"
	"github.com/atmx/goal-market/internal/oracle"
	"github.com/atmx/goal-market/internal/risk"
	"github.com/atmx/goal-market/internal/spread"
	"github.com/atmx/goal-market/internal/store"
	"github.com/atmx/goal-market/internal/stream"
	"github.com/atmx/goal-market/internal/task"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case config.BackendRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			slog.Error("redis connection failed", "err", err)
			os.Exit(1)
		}
		st = store.NewRedisStore(rdb)
		slog.Info("connected to Redis")
	default:
		slog.Warn("no DATABASE_URL or REDIS_URL, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Oracle ---
	if cfg.OracleAPIKey == "" {
		slog.Warn("no oracle API key set; every agent will decline and events will fail")
	}
	chat, err := oracle.NewOpenAIChatModel(context.Background(), cfg)
	if err != nil {
		slog.Error("chat model init failed", "err", err)
		os.Exit(1)
	}
	llm := oracle.NewLLMOracle(chat)
	orc := oracle.WithRetry(llm, cfg.OracleMaxAttempts)

	// --- WebSocket hub ---
	wsHub := stream.NewHub()
	go wsHub.Run()

	// --- Market pipeline ---
	orch := market.NewOrchestrator(
		st,
		debate.NewCoordinator(orc, cfg.DebateRounds, cfg.OracleTimeout, debate.WithConcurrency(cfg.AgentConcurrency)),
		spread.NewCollector(orc, cfg.OracleTimeout, cfg.AgentConcurrency),
		ledger.New(st),
		market.WithLimiter(risk.NewLimiter(cfg.MaxPositionPerGoal, cfg.MaxTotalExposure)),
		market.WithPublisher(wsHub),
	)

	svc := api.NewService(st, orch, cfg.PayoutAmount, cfg.InitialAgentCash,
		api.WithTaskGenerator(task.NewGenerator(llm, cfg.OracleTimeout)),
	)
	if err := svc.SeedAgents(context.Background(), cfg.SeedAgents); err != nil {
		slog.Error("seeding agents failed", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"goal-market"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for market event results.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("goal-market listening", "port", cfg.Port, "store", cfg.StoreBackend, "model", cfg.OracleModel)
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

	slog.Info("shutting down goal-market...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	// In-flight events finish before the store closes.
	slog.Info("waiting for market events to finish")
	orch.Wait()
	wsHub.Close()
	fmt.Println("goal-market stopped")
}
