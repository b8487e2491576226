package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kitabu/kitabu-gobackend/internal/config"
	"github.com/kitabu/kitabu-gobackend/internal/db"
	"github.com/kitabu/kitabu-gobackend/internal/handlers"
	"github.com/kitabu/kitabu-gobackend/internal/mpesa"
	"github.com/kitabu/kitabu-gobackend/internal/services"
	"github.com/kitabu/kitabu-gobackend/internal/store"
)

// app holds everything the subcommands share.
type app struct {
	cfg        *config.Config
	store      store.Store
	redis      *redis.Client
	users      *services.UserService
	payments   *services.PaymentService
	reconciler *services.CallbackReconciler
	sweeper    *services.Sweeper
}

// loadApp reads configuration, installs the logger and connects storage.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(cfg.NewLogger())

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, store: st}

	client := mpesa.NewClient(mpesa.Config{
		ConsumerKey:    cfg.Mpesa.ConsumerKey,
		ConsumerSecret: cfg.Mpesa.ConsumerSecret,
		Shortcode:      cfg.Mpesa.Shortcode,
		Passkey:        cfg.Mpesa.Passkey,
		Environment:    cfg.Mpesa.Environment,
		Timeout:        cfg.Mpesa.Timeout,
	})
	if rdb := db.ConnectRedis(ctx, cfg.RedisAddr); rdb != nil {
		a.redis = rdb
		client.SetTokenCache(mpesa.NewRedisTokenCache(rdb))
	}

	a.users = services.NewUserService(st, []byte(cfg.JWTSecret))
	a.payments = services.NewPaymentService(st, st, client, services.PaymentConfig{
		Amount:           cfg.PremiumAmount,
		CallbackURL:      cfg.Mpesa.CallbackURL,
		AccountRefPrefix: cfg.AccountRefPrefix,
		Description:      cfg.Mpesa.TransactionDesc,
		CountryCode:      cfg.CountryCode,
	})
	a.reconciler = services.NewCallbackReconciler(st, a.users)
	a.sweeper = services.NewSweeper(st, a.users, cfg.PendingExpiry)
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.DBDriver {
	case "mongo":
		client, err := db.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		return store.NewMongoStore(client.Database(cfg.MongoDB)), nil
	case "postgres", "mysql", "sqlite":
		conn, err := db.OpenSQL(cfg.DBDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return store.NewSQLStore(conn), nil
	case "memory":
		slog.Warn("Using in-memory store; data is lost on exit")
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
}

func (a *app) router() http.Handler {
	return handlers.NewRouter(
		handlers.NewUserHandler(a.users),
		handlers.NewPaymentHandler(a.payments, a.users, a.reconciler, a.cfg.CallbackAckPolicy),
		[]byte(a.cfg.JWTSecret),
	)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.store.Close(ctx); err != nil {
		slog.Error("Error closing store", "error", err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Error("Error closing Redis", "error", err)
		}
	}
}
