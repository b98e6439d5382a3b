// Command server boots the duel platform's process: load configuration,
// construct the Store/judge/Hub/service stack, and serve the gateway's
// router. Grounded on the teacher's server/main.go for the overall
// bootstrap shape (flags/env -> construct -> listen -> log), generalized
// from a bare gRPC listener to an HTTP server fronting the chi router
// internal/gateway builds, plus the boot-time recovery pass and periodic
// cleanup spec.md §9 requires that the teacher's single-process bouncebot
// server never needed.
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

	"github.com/lmittmann/tint"

	"github.com/jpeterson-cpduel/cpduel/internal/config"
	"github.com/jpeterson-cpduel/cpduel/internal/game"
	"github.com/jpeterson-cpduel/cpduel/internal/gateway"
	"github.com/jpeterson-cpduel/cpduel/internal/hub"
	"github.com/jpeterson-cpduel/cpduel/internal/judge"
	"github.com/jpeterson-cpduel/cpduel/internal/room"
	"github.com/jpeterson-cpduel/cpduel/internal/store"
	"github.com/jpeterson-cpduel/cpduel/internal/store/memory"
	"github.com/jpeterson-cpduel/cpduel/internal/store/postgres"
)

func main() {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.LoadFromEnv()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	judgeClient := judge.New(cfg.JudgeBaseURL, &http.Client{Timeout: cfg.JudgeTimeout})
	h := hub.New()
	defer h.Shutdown()

	roomSvc := room.New(st, h)
	gameSvc := game.New(st, judgeClient, h, logger)
	gw := gateway.New(st, h, roomSvc, gameSvc, judgeClient, cfg, logger)

	recoverStartedGames(context.Background(), st, gameSvc, h, logger)
	stopCleanup := startStaleRoomCleanup(st, h, cfg, logger)
	defer stopCleanup()

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: gw.Router(),
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	waitForShutdown(srv, logger)
}

func openStore(cfg *config.Config) (store.Store, func(), error) {
	if cfg.PostgresDSN == "" {
		return memory.New(), func() {}, nil
	}
	pg, err := postgres.Connect(context.Background(), cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

// recoverStartedGames re-arms the end-of-game timer for every room that was
// already in status=started when the process last stopped, within the
// ≤5-second recovery bound spec.md §9 names. A room whose end time has
// already passed is finalized immediately rather than waiting for a timer
// that would fire in the past.
func recoverStartedGames(ctx context.Context, st store.Store, gameSvc *game.Service, h *hub.Hub, logger *slog.Logger) {
	rooms, err := st.ListStartedRooms(ctx)
	if err != nil {
		logger.Error("failed to list started rooms for recovery", "error", err)
		return
	}
	for _, r := range rooms {
		if r.StartInstant == nil {
			continue
		}
		end := r.StartInstant.Add(r.Settings.Duration)
		if time.Now().After(end) {
			logger.Info("recovering already-expired game", "roomCode", r.Code)
			gameSvc.AutoFinalize(ctx, r.Code)
			continue
		}
		logger.Info("re-arming game timer", "roomCode", r.Code, "endsAt", end)
		h.StartGameRuntime(r.Code, *r.StartInstant, r.Settings.Duration, func(code string) {
			gameSvc.AutoFinalize(context.Background(), code)
		})
	}
}

// startStaleRoomCleanup periodically removes rooms whose Hub topic has had
// zero subscribers for longer than cfg.StaleRoomMaxAge: abandoned rooms
// whose sessions vanished without a clean leave (crash, hard-killed
// client) never otherwise get cascade-deleted, since that only happens on
// an explicit RemoveParticipant call.
func startStaleRoomCleanup(st store.Store, h *hub.Hub, cfg *config.Config, logger *slog.Logger) func() {
	ticker := time.NewTicker(cfg.StaleRoomCleanupInterval)
	stop := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sweepStaleRooms(st, h, cfg, logger)
			}
		}
	}()

	return func() { close(stop) }
}

func sweepStaleRooms(st store.Store, h *hub.Hub, cfg *config.Config, logger *slog.Logger) {
	ctx := context.Background()
	for _, code := range h.StaleEmptyTopics(cfg.StaleRoomMaxAge) {
		r, err := st.FindRoom(ctx, code)
		if err != nil {
			h.ForgetEmptyTopic(code)
			continue
		}
		logger.Info("cleaning up abandoned room", "roomCode", code)
		for _, userID := range append([]string{}, r.Participants...) {
			st.RemoveParticipant(ctx, code, userID)
		}
		h.CancelGameRuntime(code)
		h.ForgetEmptyTopic(code)
	}
}

func waitForShutdown(srv *http.Server, logger *slog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
