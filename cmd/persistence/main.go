package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-persistence/internal/account"
	"github.com/Tyrowin/gochat-persistence/internal/auth"
	"github.com/Tyrowin/gochat-persistence/internal/config"
	"github.com/Tyrowin/gochat-persistence/internal/server"
	"github.com/Tyrowin/gochat-persistence/internal/store"
	"github.com/Tyrowin/gochat-persistence/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "persistence: %v\n", err)
		os.Exit(2)
	}

	log, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "persistence: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	app, err := newApp(cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}

	go func() {
		if err := server.StartServer(app.httpServer, log); err != nil {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"persistence": func(ctx context.Context) error {
				log.Info("graceful shutdown initiated")
				return app.stop(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Info("persistence exited", zap.Int("code", exitCode))
	_ = log.Sync()
	os.Exit(exitCode)
}

// app holds the long-lived components in start order.
type app struct {
	log        *zap.Logger
	db         *store.DB
	collector  *telemetry.Collector
	hub        *server.Hub
	httpServer *http.Server
}

func newApp(cfg config.Config, log *zap.Logger) (*app, error) {
	db, err := store.Open(cfg.Store, log.Named("store"))
	if err != nil {
		return nil, err
	}

	secret := cfg.Auth.SecretBytes()
	if len(secret) == 0 {
		secret, err = auth.GenerateSecret()
		if err != nil {
			_ = db.Close(context.Background())
			return nil, err
		}
		log.Warn("no token secret configured; generated one, tokens will only validate on this instance")
	}
	tokens, err := auth.NewAuthority(secret, auth.WithLifetime(cfg.Auth.TokenLifetime))
	if err != nil {
		_ = db.Close(context.Background())
		return nil, err
	}

	hasher := auth.NewHasher(cfg.Auth.Hash, cfg.Auth.HashWorkers)
	directory := account.NewDirectory(db.Accounts(), hasher, tokens, log.Named("account"))

	sink := telemetry.NewSink(cfg.Telemetry, log.Named("telemetry"))
	collector := telemetry.NewCollector(cfg.Telemetry.Name, cfg.Telemetry.Interval, sink, log.Named("telemetry"))
	collector.Start(context.Background())

	router := server.NewRouter(server.Services{
		Accounts: directory,
		Rooms:    db.Rooms(),
		History:  db.History(),
		Tokens:   tokens,
	}, collector, cfg.Server.HandlerTimeout, log.Named("router"))

	hub := server.NewHub(cfg.Server, router, log.Named("hub"))
	go hub.Run()

	mux := server.SetupRoutes(hub, db)
	return &app{
		log:        log,
		db:         db,
		collector:  collector,
		hub:        hub,
		httpServer: server.CreateServer(cfg.Server.Port, mux),
	}, nil
}

// stop shuts components down in reverse dependency order: no new
// connections, then no live clients, then the final telemetry flush, then
// storage.
func (a *app) stop(ctx context.Context) error {
	var errs []error
	if err := server.ShutdownServer(ctx, a.httpServer, a.log); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := a.hub.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}
	if err := a.collector.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	if err := a.db.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}
