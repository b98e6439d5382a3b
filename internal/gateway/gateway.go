// Package gateway is the EventGateway (spec.md §4.8): the duplex message
// boundary plus the classic REST surface for setup actions (spec.md
// §6.2). It is grounded on the teacher's bouncebotserver.go for the
// thin-handler-calling-into-a-service shape (replacing its Connect-RPC
// handlers with chi handlers returning the JSON bodies spec.md names) and
// on server/ws/hub.go for the websocket connect/register/pump lifecycle,
// generalized to the authenticate/grace/reconnect state machine spec.md
// §4.8 adds on top.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/jpeterson-cpduel/cpduel/internal/apperr"
	"github.com/jpeterson-cpduel/cpduel/internal/config"
	"github.com/jpeterson-cpduel/cpduel/internal/game"
	"github.com/jpeterson-cpduel/cpduel/internal/hub"
	"github.com/jpeterson-cpduel/cpduel/internal/judge"
	"github.com/jpeterson-cpduel/cpduel/internal/leaderboard"
	"github.com/jpeterson-cpduel/cpduel/internal/model"
	"github.com/jpeterson-cpduel/cpduel/internal/room"
	"github.com/jpeterson-cpduel/cpduel/internal/store"
)

type ctxKey int

const userIDKey ctxKey = iota

// Gateway wires the duplex channel and the REST surface onto the core
// services. Construct with New.
type Gateway struct {
	store  store.Store
	hub    *hub.Hub
	rooms  *room.Service
	games  *game.Service
	judge  *judge.Client
	issuer *tokenIssuer
	cfg    *config.Config
	logger *slog.Logger

	upgrader websocket.Upgrader
}

func New(st store.Store, h *hub.Hub, rooms *room.Service, games *game.Service, j *judge.Client, cfg *config.Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		store:  st,
		hub:    h,
		rooms:  rooms,
		games:  games,
		judge:  j,
		issuer: newTokenIssuer(cfg.JWTSigningKey),
		cfg:    cfg,
		logger: logger,
	}
	g.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return cfg.IsOriginAllowedForRequest(r.Header.Get("Origin"), r.Host)
		},
	}
	return g
}

// Router builds the full chi.Router: unauthenticated login, then every
// other route behind the bearer-token middleware.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/auth/login", g.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(g.requireAuth)

		r.Get("/auth/me", g.handleMe)
		r.Post("/auth/logout", g.handleLogout)

		r.Post("/rooms/create", g.handleCreateRoom)
		r.Post("/rooms/{code}/join", g.handleJoinRoom)
		r.Post("/rooms/{code}/leave", g.handleLeaveRoom)
		r.Put("/rooms/{code}/settings", g.handleUpdateSettings)
		r.Get("/rooms/{code}", g.handleGetRoom)

		r.Get("/game/{code}/problems", g.handleGameProblems)
		r.Get("/game/{code}/leaderboard", g.handleGameLeaderboard)
		r.Get("/game/{code}/state", g.handleGameState)

		r.Get("/ws", g.handleWebSocket)
	})

	return r
}

// requireAuth extracts and verifies the bearer token, storing the
// resulting userId in the request context. When no Authorization header is
// present it falls back to a `token` query parameter, since browsers cannot
// set headers during the websocket upgrade handshake; handleWebSocket then
// reads the userId from the context like every other route.
func (g *Gateway) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := bearerToken(r)
		if !ok {
			if q := r.URL.Query().Get("token"); q != "" {
				tok, ok = q, true
			}
		}
		if !ok {
			writeError(w, apperr.New(apperr.NotAuthenticated, "missing identity token"))
			return
		}
		userID, err := g.issuer.verify(tok)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	writeJSON(w, apperr.HTTPStatus(code), map[string]string{"message": errMessage(err)})
}

func errMessage(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func projectEntries(scores []model.Score, users map[string]model.User) []leaderboard.Entry {
	return leaderboard.Project(scores, users)
}
