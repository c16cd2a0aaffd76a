package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/atmx/collateral-bridge/internal/api"
	"github.com/atmx/collateral-bridge/internal/chain"
	"github.com/atmx/collateral-bridge/internal/collateral"
	"github.com/atmx/collateral-bridge/internal/config"
	"github.com/atmx/collateral-bridge/internal/credit"
	"github.com/atmx/collateral-bridge/internal/events"
	"github.com/atmx/collateral-bridge/internal/messenger"
	"github.com/atmx/collateral-bridge/internal/metrics"
	"github.com/atmx/collateral-bridge/internal/model"
	"github.com/atmx/collateral-bridge/internal/oracle"
	"github.com/atmx/collateral-bridge/internal/relay"
	"github.com/atmx/collateral-bridge/internal/reserve"
	"github.com/atmx/collateral-bridge/internal/store"
)

// messengerEndpoint is the caller recorded on receipts of delivered
// cross-chain messages.
var messengerEndpoint = common.HexToAddress("0x000000000000000000000000000000000000001a")

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogFile)

	// `server token [address] [ttl]` prints a token acting as address (the
	// admin by default) and exits.
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := printToken(cfg, os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg); err != nil {
		slog.Error("collateral-bridge failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("collateral-bridge stopped")
}

func setupLogging(file string) {
	var out io.Writer = os.Stdout
	if file != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, nil)))
}

func printToken(cfg *config.Config, args []string) error {
	if cfg.JWTSecret == "" {
		return errors.New("RELAY_JWT_SECRET is not set")
	}
	subject, ttl := cfg.Admin.Hex(), 24*time.Hour
	if len(args) > 0 {
		subject = args[0]
	}
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("ttl: %w", err)
		}
		ttl = d
	}
	tok, err := api.IssueToken([]byte(cfg.JWTSecret), subject, ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize stores ---
	var (
		dedupe  store.Dedupe  = store.NewMemoryDedupe()
		journal store.Journal = store.NewMemoryJournal()
		cleanup []func()
	)
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			return err
		}
		dedupe = store.NewPostgresDedupe(pool)
		journal = store.NewPostgresJournal(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory journal and dedupe (data will not persist)")
	}

	// Redis holds the dedupe markers when configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		dedupe = store.NewRedisDedupe(rdb)
		slog.Info("Redis dedupe enabled")
	}

	// --- Reserves and oracle ---
	bundles, defaultReserve := config.DefaultReserves(cfg.Bridge, cfg.Admin)
	if cfg.ReservesFile != "" {
		var err error
		if bundles, defaultReserve, err = config.LoadReserves(cfg.ReservesFile); err != nil {
			return err
		}
	}
	reserves := reserve.NewRegistry(cfg.Admin)
	for _, b := range bundles {
		if err := reserves.Register(cfg.Admin, b); err != nil {
			return fmt.Errorf("register reserve %q: %w", b.ID, err)
		}
	}
	gate := oracle.NewGate(cfg.OracleFee)

	// --- Chains and ledgers ---
	hub := events.NewHub()
	journalSink := store.Sink(journal)
	downstream := model.SinkFunc(func(ev model.Event) {
		journalSink.Emit(ev)
		hub.Emit(ev)
	})
	chainA := chain.NewLocal(model.ChainA, chain.WithDownstream(downstream))
	chainB := chain.NewLocal(model.ChainB, chain.WithDownstream(downstream))

	bus := messenger.NewBus(cfg.MessageFee)
	coll := collateral.NewLedger(cfg.Admin, cfg.Bridge,
		collateral.WithSink(chainA),
		collateral.WithMessenger(bus.Endpoint(cfg.ChainAEID), cfg.ChainBEID))
	cred := credit.NewLedger(cfg.Admin, cfg.Bridge, reserves, gate,
		credit.WithSink(chainB),
		credit.WithMessenger(bus.Endpoint(cfg.ChainBEID), cfg.ChainAEID))
	if err := cred.SetReserveBinding(cfg.Admin, defaultReserve); err != nil {
		return fmt.Errorf("bind reserve %q: %w", defaultReserve, err)
	}
	bus.Register(cfg.ChainAEID, messenger.NewInbox(chainA.Deliver(messengerEndpoint, coll.ApplyMessage)))
	bus.Register(cfg.ChainBEID, messenger.NewInbox(chainB.Deliver(messengerEndpoint, cred.ApplyMessage)))

	// --- Relay ---
	var (
		sourceA       relay.Source                = chainA
		collateralDst relay.CollateralDestination = chain.NewCollateralClient(chainA, coll, cfg.Bridge)
		polled        = []model.ChainID{model.ChainA, model.ChainB}
	)
	if cfg.EVM.Enabled() {
		evm, err := chain.DialEVM(ctx, cfg.EVM.RPCURL, cfg.EVM.CollateralAddress, cfg.EVM.SignerKey)
		if err != nil {
			return err
		}
		sourceA, collateralDst = evm, evm
		// The journal only records in-process transactions; chain A is
		// reached through /mirror requests instead.
		polled = []model.ChainID{model.ChainB}
		slog.Info("collateral chain on EVM", "contract", cfg.EVM.CollateralAddress.Hex())
	}

	limit := rate.Inf
	if cfg.Relay.RatePerSec > 0 {
		limit = rate.Limit(cfg.Relay.RatePerSec)
	}
	svc := relay.New(sourceA, chainB,
		chain.NewCreditClient(chainB, cred, cfg.Bridge), collateralDst,
		reserves, dedupe,
		relay.WithMaxAttempts(cfg.Relay.MaxAttempts),
		relay.WithBackoff(cfg.Relay.Backoff),
		relay.WithConfirmations(cfg.Relay.Confirmations),
		relay.WithAllowClientAmounts(cfg.Relay.AllowClientAmounts),
		relay.WithLimiter(rate.NewLimiter(limit, 1)),
	)
	poller := relay.NewPoller(svc, journal, polled...)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"collateral-bridge"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	// No timeout on the socket route.
	r.Get("/api/v1/ws", hub.HandleWS)

	auth := func(next http.Handler) http.Handler { return next }
	if cfg.JWTSecret != "" {
		auth = api.RequireJWT([]byte(cfg.JWTSecret))
	} else {
		slog.Warn("RELAY_JWT_SECRET not set, callers are taken from request bodies and every endpoint is open")
	}
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(2 * time.Minute))
		api.NewServer(api.Deps{
			ChainA:     chainA,
			ChainB:     chainB,
			Collateral: coll,
			Credit:     cred,
			Reserves:   reserves,
			Gate:       gate,
			Bus:        bus,
			Relay:      svc,
			Journal:    journal,
		}).Routes(r, auth)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("collateral-bridge listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return bus.Run(gctx, cfg.PumpInterval) })
	g.Go(func() error { return poller.Run(gctx, cfg.PollInterval) })

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("shutting down collateral-bridge...")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
