package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/dukerupert/nudge/internal/clock"
	"github.com/dukerupert/nudge/internal/config"
	"github.com/dukerupert/nudge/internal/database"
	"github.com/dukerupert/nudge/internal/email"
	"github.com/dukerupert/nudge/internal/logging"
	"github.com/dukerupert/nudge/internal/middleware"
	"github.com/dukerupert/nudge/internal/reminder"
	"github.com/dukerupert/nudge/internal/retention"
	"github.com/dukerupert/nudge/internal/server"
	"github.com/dukerupert/nudge/internal/store"
	ws "github.com/dukerupert/nudge/internal/websocket"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		os.Exit(hashPassword(os.Args[2:]))
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	eventStore := store.NewEventStore(db)
	hub := ws.NewHub(logger.With("component", "websocket"))

	reminders := reminder.NewService(eventStore, newSender(cfg, logger), reminder.Config{
		Recipient:     cfg.NotifyEmail,
		RetryInterval: cfg.RetryInterval,
		MaxAttempts:   cfg.MaxAttempts,
		SendTimeout:   cfg.SendTimeout,
	}, clock.Real(), hub.PublishStatus, logger.With("component", "reminder"))

	// The schedule must be rebuilt before any request can change it.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	n, err := reminders.OnStartup(startupCtx)
	cancelStartup()
	if err != nil {
		logger.Error("recovery failed", "error", err)
		os.Exit(1)
	}
	logger.Info("reminders restored", "count", n)

	pruner := retention.NewPruner(eventStore, cfg.RetentionDays, logger.With("component", "retention"))
	if err := pruner.Start(cfg.PruneSchedule); err != nil {
		log.Fatalf("failed to start pruner: %v", err)
	}

	srv := server.New(db, eventStore, reminders, hub, server.Config{
		AuthUser:         cfg.AuthUser,
		AuthPasswordHash: cfg.AuthPasswordHash,
		RateLimit:        cfg.APIRateLimit,
		OriginPatterns:   cfg.WSOrigins,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if rl := srv.RateLimiter(); rl != nil {
		go cleanupRateLimiter(ctx, rl)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("nudge listening", "addr", httpServer.Addr, "auth", cfg.AuthEnabled())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("systemd notify failed", "error", err)
	} else if ok {
		logger.Debug("systemd notified ready")
	}

	<-ctx.Done()
	logger.Info("shutting down")
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	pruner.Stop()
	reminders.Stop()
}

// newSender picks Postmark when a token is configured and logs messages
// otherwise.
func newSender(cfg config.Config, logger *slog.Logger) reminder.Sender {
	if cfg.PostmarkToken == "" {
		logger.Warn("NUDGE_POSTMARK_TOKEN not set, reminders will only be logged")
		return email.NewDryRun(logger.With("component", "email"))
	}
	return email.NewClient(cfg.PostmarkToken, cfg.FromEmail,
		email.WithRateLimit(cfg.EmailRate, cfg.EmailBurst),
	)
}

func cleanupRateLimiter(ctx context.Context, rl *middleware.RateLimiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Cleanup(30 * time.Minute)
		case <-ctx.Done():
			return
		}
	}
}

func hashPassword(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: nudge hash-password <password>")
		return 2
	}
	hash, err := middleware.HashPassword(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}
