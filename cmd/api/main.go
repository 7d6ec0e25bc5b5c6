package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/config"
	"tenantgate.org/internal/httpapi"
	"tenantgate.org/internal/migrate"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/ratelimit"
	"tenantgate.org/internal/store/pg"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "tenantgate-api",
		Short:        "Multi-tenant identity API",
		Version:      obs.Version,
		SilenceUsage: true,
		RunE:         run,
	}
	root.Flags().StringVar(&configPath, "config", os.Getenv("TENANTGATE_CONFIG"), "path to a YAML config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := obs.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()
	if cfg.GeneratedSecret {
		logger.Warn("auth.secret is not set; using an ephemeral development secret")
	}

	obs.Init()
	obs.InitBuildInfo(obs.Version, obs.Commit)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, resetter, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
	}

	creds, err := auth.NewCredentialService(store, auth.WithStoreTimeout(cfg.Store.Timeout))
	if err != nil {
		return err
	}
	var denylist auth.Denylist
	if rdb != nil {
		denylist = auth.NewRedisDenylist(rdb)
	} else {
		denylist = auth.NewLRUDenylist(cfg.Auth.DenylistSize, cfg.Auth.RefreshTTL)
	}
	tokens, err := auth.NewTokenService([]byte(cfg.Auth.Secret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithDenylist(denylist),
		auth.WithUserLookup(creds),
	)
	if err != nil {
		return err
	}
	authn, err := auth.NewAuthenticator(tokens, creds, cfg.Auth.VerifySubject)
	if err != nil {
		return err
	}
	flow, err := auth.NewRegistrationFlow(creds, audit.LogEvent)
	if err != nil {
		return err
	}
	limiter, closeLimiter, err := newLimiter(cfg, rdb)
	if err != nil {
		return err
	}
	defer closeLimiter()

	ready := httpapi.ReadyProbe{Store: creds, Redis: rdb}
	api, err := httpapi.New(httpapi.Deps{
		Config:        cfg,
		Credentials:   creds,
		Registration:  flow,
		Authenticator: authn,
		Limiter:       limiter,
		Ready:         ready,
		Resetter:      resetter,
		Version:       obs.Version,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening",
			zap.String("addr", srv.Addr),
			zap.String("version", obs.Version),
			zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("grpc listen: %w", err)
		}
		gs := grpc.NewServer()
		health := httpapi.NewHealthServer(ready, 0)
		health.Register(gs)

		g.Go(func() error {
			health.Run(gctx)
			return nil
		})
		g.Go(func() error {
			logger.Info("grpc health server listening", zap.String("addr", cfg.GRPC.Addr))
			if err := gs.Serve(lis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("stopped")
	return nil
}

// openStore returns the configured credential store. The resetter is non-nil
// only for the in-memory store.
func openStore(ctx context.Context, cfg *config.Config) (auth.Store, httpapi.Resetter, func(), error) {
	if cfg.Store.Driver != "postgres" {
		mem := auth.NewInMemory()
		return mem, mem, func() {}, nil
	}

	st, err := pg.Open(cfg.Store.DSN, pg.PoolConfig{
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	closeFn := func() { _ = st.Close() }

	if cfg.Store.AutoMigrate {
		mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		applied, err := migrate.NewManager(st.DB(), migrate.Schema()).Up(mctx)
		if err != nil {
			closeFn()
			return nil, nil, nil, fmt.Errorf("auto-migrate: %w", err)
		}
		obs.Logger().Info("migrations applied", zap.Strings("files", applied))
	}

	pctx, cancel := context.WithTimeout(ctx, cfg.Store.Timeout)
	defer cancel()
	if err := st.Ping(pctx); err != nil {
		obs.Logger().Warn("postgres not reachable yet", zap.Error(err))
	}
	return st, nil, closeFn, nil
}

func newLimiter(cfg *config.Config, rdb redis.UniversalClient) (ratelimit.Limiter, func(), error) {
	noop := func() {}
	if !cfg.RateLimit.Enabled {
		return nil, noop, nil
	}
	if cfg.RateLimit.Backend == "redis" {
		if rdb == nil {
			return nil, noop, errors.New("redis rate limit backend requires redis.addr")
		}
		l, err := ratelimit.NewRedis(rdb, cfg.RateLimit.Requests, cfg.RateLimit.Window)
		if err != nil {
			return nil, noop, err
		}
		return l, noop, nil
	}
	l, err := ratelimit.NewFixedWindow(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	if err != nil {
		return nil, noop, err
	}
	return l, func() { _ = l.Close() }, nil
}
