package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/lantern-chat/lantern/internal/assets"
	"github.com/lantern-chat/lantern/internal/cache"
	"github.com/lantern-chat/lantern/internal/config"
	"github.com/lantern-chat/lantern/internal/db"
	"github.com/lantern-chat/lantern/internal/gateway"
	"github.com/lantern-chat/lantern/internal/locks"
	"github.com/lantern-chat/lantern/internal/mfa"
	"github.com/lantern-chat/lantern/internal/models"
	"github.com/lantern-chat/lantern/internal/server"
)

func main() {
	// Initialize structured logging with JSON handler for production
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Parse command-line flags (can override env vars)
	port := flag.Int("port", 0, "Port to listen on (overrides PORT)")
	dbPath := flag.String("db", "", "Database DSN (overrides DB)")
	flag.Parse()

	cfg, err := config.LoadWithFlags(*port, *dbPath)
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	database, err := db.OpenDB(cfg.DBType, cfg.DB)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	encrypter, err := assets.NewEncrypter(cfg.AssetKey)
	if err != nil {
		slog.Error("failed to initialize asset encrypter", "error", err)
		os.Exit(1)
	}

	gen, err := models.NewSnowflakeGen(cfg.NodeID)
	if err != nil {
		slog.Error("failed to initialize snowflake generator", "error", err)
		os.Exit(1)
	}

	sessions := cache.NewSessionCache(cfg.BotTokenKey)
	perms := cache.NewPermissionCache()
	authenticator := &cache.Authenticator{Cache: sessions, DB: database, BotKey: cfg.BotTokenKey}

	// The per-user MFA lock upgrades to a distributed lock when Redis is
	// configured, covering multi-process deployments.
	var locker locks.UserLocker = locks.NewKeyed()
	if cfg.RedisAddr != "" {
		locker = locks.NewDistributed(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
		slog.Info("mfa locking via redis", "addr", cfg.RedisAddr)
	}
	engine := mfa.NewEngine(cfg.MfaKey, locker, database)

	state := &gateway.State{
		Config: cfg,
		DB:     database,
		Auth:   authenticator,
		Perms:  perms,
		Router: gateway.NewRouter(perms),
		Assets: encrypter,
		Gen:    gen,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := gateway.NewListener(ctx, state)
	if err != nil {
		slog.Error("failed to position event listener", "error", err)
		os.Exit(1)
	}

	srv := server.New(state, engine)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		listener.Run(ctx)
		return nil
	})

	// Periodic sweeps: expired sessions and negative-cache entries,
	// zero-reference permission entries, dead session rows.
	group.Go(func() error {
		ticker := time.NewTicker(cfg.CacheSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				now := time.Now()
				sessions.Sweep(now)
				perms.Cleanup()
				if n, err := database.DeleteExpiredSessions(ctx, now); err != nil {
					slog.Warn("session prune failed", "error", err)
				} else if n > 0 {
					slog.Info("pruned expired sessions", "count", n)
				}
			}
		}
	})

	group.Go(func() error {
		slog.Info("lantern gateway listening", "port", cfg.Port, "db", cfg.DBType)
		if err := srv.ListenAndServe(cfg.Port); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
