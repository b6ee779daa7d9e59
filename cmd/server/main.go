package main

import (
	"context"
	"flag"
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
	"golang.org/x/time/rate"

	"github.com/atmx/fund-engine/internal/admin"
	"github.com/atmx/fund-engine/internal/api"
	"github.com/atmx/fund-engine/internal/cash"
	"github.com/atmx/fund-engine/internal/config"
	"github.com/atmx/fund-engine/internal/exchange"
	"github.com/atmx/fund-engine/internal/invest"
	"github.com/atmx/fund-engine/internal/keeper"
	"github.com/atmx/fund-engine/internal/ledger"
	"github.com/atmx/fund-engine/internal/metrics"
	"github.com/atmx/fund-engine/internal/oracle"
	"github.com/atmx/fund-engine/internal/redeem"
	"github.com/atmx/fund-engine/internal/shares"
	"github.com/atmx/fund-engine/internal/store"
	"github.com/atmx/fund-engine/internal/strategy"
)

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("config", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := cfg.Registry()
	if err != nil {
		fatal("asset registry", err)
	}

	// --- Initialize store ---
	var st store.Store
	var priceCache oracle.SnapshotCache = oracle.NewMemorySnapshotCache()
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			fatal("database connection failed", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			fatal("database migration failed", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				fatal("invalid redis url", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			priceCache = oracle.NewRedisSnapshotCache(rdb, cfg.Redis.PriceKey, cfg.Engine.Freshness)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Market ---
	slippage, err := cfg.SimulatorSlippage()
	if err != nil {
		fatal("simulator", err)
	}
	market := exchange.NewSimulated(reg, slippage)
	prices, err := cfg.SimulatorPrices(reg)
	if err != nil {
		fatal("simulator", err)
	}
	for id, price := range prices {
		if err := market.SetPrice(id, price); err != nil {
			fatal("simulator", err)
		}
	}

	// --- Engines ---
	strat, err := strategy.Select(cfg.Engine.LogicVersion)
	if err != nil {
		fatal("strategy", err)
	}
	cashCfg, err := cfg.CashConfig(reg)
	if err != nil {
		fatal("cash config", err)
	}
	investCfg, err := cfg.InvestConfig()
	if err != nil {
		fatal("invest config", err)
	}
	redeemCfg, err := cfg.RedeemConfig(reg)
	if err != nil {
		fatal("redeem config", err)
	}

	l, err := ledger.New(ctx, st, ledger.SystemClock{})
	if err != nil {
		fatal("load ledger", err)
	}
	o := oracle.New(reg, cfg.Engine.Freshness, priceCache)
	cashEngine := cash.New(l, o, market, market, strat, cashCfg)
	investEngine := invest.New(l, o, market, market, strat, cashEngine, investCfg)
	coordinator := redeem.New(l, o, cashEngine, investEngine, shares.Book{}, redeemCfg)

	if cfg.Admin.Key == "" {
		slog.Warn("admin key not set, admin endpoints are disabled")
	}
	authority := admin.NewAuthority(cfg.Admin.Key)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)
	l.Subscribe(wsHub.Publish)

	// --- Keeper ---
	sched := keeper.New(ctx)
	if cfg.Keeper.Enabled {
		jobs := []struct {
			schedule string
			job      keeper.Job
		}{
			{cfg.Keeper.Rebalance, keeper.RebalanceJob{Cash: cashEngine}},
			{cfg.Keeper.Investment, keeper.InvestmentJob{Cash: cashEngine, Invest: investEngine}},
		}
		for _, j := range jobs {
			if j.schedule == "" {
				continue
			}
			if err := sched.AddJob(j.schedule, j.job); err != nil {
				fatal("keeper schedule", fmt.Errorf("%s: %w", j.job.Name(), err))
			}
		}
		sched.Start()
	}

	var limiter *rate.Limiter
	if cfg.Server.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst)
	}
	apiServer := api.NewServer(api.Options{
		Registry:  reg,
		Cash:      cashEngine,
		Invest:    investEngine,
		Pool:      coordinator,
		Authority: authority,
		Journal:   st,
		Hub:       wsHub,
		Limiter:   limiter,
	})

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
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+admin.HeaderKey)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"fund-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Mount("/api/v1", apiServer.Routes())

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("fund-engine listening", "port", cfg.Server.Port, "logic", strat.Version())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("server error", err)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down fund-engine...")
	if cfg.Keeper.Enabled {
		sched.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	cancel()
	fmt.Println("fund-engine stopped")
}
