package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/stocker/trade-engine/internal/config"
	"github.com/stocker/trade-engine/internal/logging"
	"github.com/stocker/trade-engine/internal/metrics"
	"github.com/stocker/trade-engine/internal/notify"
	"github.com/stocker/trade-engine/internal/oracle"
	"github.com/stocker/trade-engine/internal/store"
	"github.com/stocker/trade-engine/internal/trade"
)

func main() {
	if err := run(); err != nil {
		slog.Error("trade-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("trade-engine stopped")
}

func run() error {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("STOCKER_CONFIG"), "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, closeStore, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer closeStore()
	if cfg.Store.Driver == config.DriverMemory {
		slog.Warn("using in-memory store (data will not persist)")
	} else {
		slog.Info("store ready", "driver", cfg.Store.Driver)
	}

	// --- WebSocket hub and notifiers ---
	hub := trade.NewWSHub()
	notifiers := notify.Multi{hub}

	// Redis adds a read-through cache and a confirmations channel.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
		notifiers = append(notifiers, notify.NewRedisPublisher(rdb, cfg.Redis.Channel))
		slog.Info("redis enabled", "cache_ttl", cfg.Redis.CacheTTL, "channel", cfg.Redis.Channel)
	}

	// --- Engine and service ---
	quotes := oracle.NewTable(oracle.DefaultQuotes())
	engine := trade.NewEngine(st, quotes)
	svc := trade.NewService(engine, quotes, notifiers, cfg.Trading)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := hub.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Trading.SimulatePrices {
		sim := oracle.NewSimulator(quotes, cfg.Trading.MaxMoveFraction(), nil)
		sim.OnTick = hub.BroadcastQuotes
		g.Go(func() error {
			slog.Info("price simulator running", "interval", cfg.Trading.TickInterval)
			err := sim.Run(gctx, cfg.Trading.TickInterval)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		slog.Info("trade-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down trade-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// cors allows the browser frontend to call the API cross-origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
