package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/buzzer/internal/config"
	"github.com/DoyleJ11/buzzer/internal/httpapi"
	"github.com/DoyleJ11/buzzer/internal/hub"
	"github.com/DoyleJ11/buzzer/internal/logging"
	"github.com/DoyleJ11/buzzer/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg := config.LoadServer()

	log, err := logging.New(cfg.LogLevel, cfg.Development())
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	h := hub.NewHub(ctx, clock, log.Named("hub"))
	defer h.Shutdown()

	relay := ws.NewRelay(h, log.Named("ws"), ws.Options{
		WriteTimeout:   cfg.WriteTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		OriginPatterns: cfg.AllowedOrigins,
	})
	api := &httpapi.API{
		Hub:        h,
		Conns:      relay,
		AdminToken: cfg.AdminToken,
		Clock:      clock,
		Log:        log.Named("http"),
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpapi.SetupRoutes(api, relay, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.AdminToken == "" {
		log.Warn("ADMIN_TOKEN not set, /admin/cleanup is disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("env", cfg.AppEnv))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		dropped := relay.DisconnectAll()
		log.Info("closed sockets", zap.Int("count", dropped))
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
