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

	"github.com/alitto/pond"

	"parley/internal/auth"
	"parley/internal/chat"
	"parley/internal/config"
	"parley/internal/registry"
	"parley/internal/server"
	"parley/internal/storage/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, opts)))

	ctx := context.Background()

	db, err := postgres.NewDB(ctx, &postgres.Config{
		URL:      cfg.DB.URL,
		MaxConns: int32(cfg.DB.MaxConns),
		MinConns: int32(cfg.DB.MinConns),
	})
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to database")

	if cfg.InitSchema() {
		if err := db.RunMigrations(); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("database migrations applied")
	}

	// Bounded pool for fire-and-forget store writes (membership provenance
	// and the like); sized well above steady-state demand.
	tasks := pond.New(8, 256, pond.MinWorkers(1), pond.IdleTimeout(30*time.Second))
	defer tasks.StopAndWait()

	userStore := postgres.NewUserStore(db.Pool)
	roomStore := postgres.NewRoomStore(db.Pool)
	directStore := postgres.NewDirectChatStore(db.Pool)
	messageStore := postgres.NewMessageStore(db.Pool)
	memberStore := postgres.NewMemberStore(db.Pool)

	hasher := auth.NewPasswordHasher(auth.DefaultIterations)
	seeder := postgres.NewSeeder(userStore, roomStore, memberStore, hasher)
	if err := seeder.EnsureDefaults(ctx); err != nil {
		slog.Error("failed to prepare default data", "error", err)
		os.Exit(1)
	}
	if cfg.IsDev() {
		if err := seeder.SeedDev(ctx); err != nil {
			slog.Warn("dev seeding failed", "error", err)
		}
	}

	sweepJob := postgres.NewSweepJob(db.Pool, cfg.DB.SweepInterval)
	sweepJob.Start()
	defer sweepJob.Stop()

	authSvc := auth.NewService(userStore, hasher)
	chatSvc := chat.NewService(userStore, roomStore, directStore, messageStore, memberStore, tasks)
	reg := registry.New()

	srv := server.New(cfg.Server.Host, cfg.Server.Port, reg, authSvc, chatSvc)

	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wsSrv *http.Server
	if cfg.Server.WS.Port > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", srv.ServeWS)
		wsSrv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.WS.Port),
			Handler: mux,
		}
		go func() {
			slog.Info("websocket gateway listening", "addr", wsSrv.Addr)
			if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("websocket gateway failed", "error", err)
			}
		}()
	}

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		slog.Info("shutting down")
		cancel()
		if wsSrv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = wsSrv.Shutdown(shutdownCtx)
		}
		srv.Stop()
	}()

	if err := srv.Start(serverCtx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
