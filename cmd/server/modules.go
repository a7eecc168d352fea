package main

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/keeper"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/trade"
	"github.com/atmx/perp-engine/internal/vault"
)

func newLogger(lc fx.Lifecycle, cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log.level")
	}
	zc.Level = level

	log, err := zc.Build()
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("service", "perp-engine"))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = log.Sync()
			return nil
		},
	})
	return log, nil
}

// --- Storage ---

func storageModule() fx.Option {
	return fx.Module("storage",
		fx.Provide(
			newStorage,
			newFeed,
		),
	)
}

// newStorage wires Postgres (with an optional Redis cache) when a database
// URL is configured and in-memory state otherwise.
func newStorage(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (store.Store, vault.FeePool, vault.InsuranceFund, error) {
	ctx := context.Background()
	seed, err := cfg.InsuranceSeed()
	if err != nil {
		return nil, nil, nil, err
	}

	if cfg.Database.URL == "" {
		log.Warn("database.url not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), vault.NewMemory(fixed.Zero), vault.NewMemory(seed), nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "database connection failed")
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { pool.Close(); return nil }})
	if err := pool.Ping(ctx); err != nil {
		return nil, nil, nil, errors.Wrap(err, "database ping failed")
	}

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		return nil, nil, nil, err
	}
	fees := vault.NewPostgres(pool, vault.AccountFeePool)
	fund := vault.NewPostgres(pool, vault.AccountInsurance)
	for _, v := range []*vault.Postgres{fees, fund} {
		if err := v.Ensure(ctx); err != nil {
			return nil, nil, nil, err
		}
	}
	if seed.IsPositive() {
		bal, err := fund.Balance(ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		if bal.IsZero() {
			if err := fund.Deposit(ctx, seed); err != nil {
				return nil, nil, nil, err
			}
			log.Info("insurance fund seeded", zap.String("amount", seed.String()))
		}
	}
	log.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "invalid redis.url")
		}
		rdb := redis.NewClient(opt)
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return rdb.Close() }})
		st = store.NewCachedStore(pg, rdb, cfg.Redis.TTL)
		log.Info("Redis cache enabled")
	}
	return st, fees, fund, nil
}

func newFeed(cfg *config.Config, log *zap.Logger) (oracle.PriceFeed, error) {
	if cfg.Oracle.URL != "" {
		log.Info("using HTTP index feed", zap.String("url", cfg.Oracle.URL))
		return oracle.NewHTTPFeed(cfg.Oracle.URL, cfg.Oracle.PricePath, cfg.Oracle.Timeout), nil
	}
	prices, err := cfg.StaticPrices()
	if err != nil {
		return nil, err
	}
	feed := oracle.NewStaticFeed()
	for sym, p := range prices {
		feed.Set(sym, p)
	}
	log.Warn("oracle.url not set, using static index prices", zap.Int("symbols", len(prices)))
	return feed, nil
}

// --- Engine ---

func engineModule() fx.Option {
	return fx.Module("engine",
		fx.Provide(
			newService,
			newHub,
			newKeeper,
		),
		fx.Invoke(
			runHub,
			runNATS,
			runKeeper,
		),
	)
}

func newService(cfg *config.Config, st store.Store, feed oracle.PriceFeed, fees vault.FeePool, fund vault.InsuranceFund, log *zap.Logger) (*trade.Service, error) {
	params, err := cfg.MarketParams()
	if err != nil {
		return nil, err
	}
	if err := trade.ValidateParams(params); err != nil {
		return nil, errors.Wrap(err, "market defaults")
	}
	// Postgres-backed stores move funds inside the commit transaction.
	tc, _ := st.(store.TransferCommitter)
	return trade.NewService(trade.Deps{
		Store:     st,
		Feed:      feed,
		Fees:      fees,
		Fund:      fund,
		Transfers: tc,
		Defaults:  params,
		Log:       log.Named("trade"),
	}), nil
}

func newHub(log *zap.Logger) *trade.WSHub {
	return trade.NewWSHub(log.Named("ws"))
}

func runHub(lc fx.Lifecycle, svc *trade.Service, hub *trade.WSHub) {
	svc.Subscribe(hub)
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go hub.Run(done)
			return nil
		},
		OnStop: func(context.Context) error {
			close(done)
			return nil
		},
	})
}

func runNATS(lc fx.Lifecycle, cfg *config.Config, svc *trade.Service, log *zap.Logger) error {
	if cfg.NATS.URL == "" {
		return nil
	}
	pub, nc, err := trade.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log.Named("nats"))
	if err != nil {
		return errors.Wrap(err, "nats connection failed")
	}
	svc.Subscribe(pub)
	log.Info("publishing events to NATS", zap.String("url", cfg.NATS.URL))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return nc.Drain() },
	})
	return nil
}

func newKeeper(cfg *config.Config, svc *trade.Service, log *zap.Logger) *keeper.Keeper {
	return keeper.New(svc, cfg.KeeperConfig(), log)
}

func runKeeper(lc fx.Lifecycle, cfg *config.Config, svc *trade.Service, k *keeper.Keeper, log *zap.Logger) {
	if !cfg.Keeper.Enabled {
		log.Warn("keeper disabled, funding and liquidations run only on request")
		return
	}
	svc.Subscribe(k)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(stopped)
				if err := k.Run(ctx); err != nil {
					log.Error("keeper stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-stopped:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

// --- HTTP ---

func httpModule() fx.Option {
	return fx.Module("http",
		fx.Provide(newRouter),
		fx.Invoke(runHTTP),
	)
}

func newRouter(cfg *config.Config, svc *trade.Service, hub *trade.WSHub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
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
	r.Handle("/metrics", metrics.Handler())

	// The WebSocket route stays outside the request timeout.
	r.Get("/api/v1/ws", hub.HandleWS)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.HTTP.RequestTimeout))
		r.Route("/api/v1", svc.Routes)
	})
	return r
}

func runHTTP(lc fx.Lifecycle, cfg *config.Config, handler http.Handler, log *zap.Logger) {
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("perp-engine listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					log.Error("server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down perp-engine")
			return srv.Shutdown(ctx)
		},
	})
}
