// ABOUTME: HTTP/websocket server tying the store, hub, and auth together.
// ABOUTME: Owns the route table and the server lifecycle.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/opsdeck/ops-gateway/internal/auth"
	"github.com/opsdeck/ops-gateway/internal/config"
	"github.com/opsdeck/ops-gateway/internal/events"
	"github.com/opsdeck/ops-gateway/internal/hub"
	"github.com/opsdeck/ops-gateway/internal/store"
)

// Gateway is the outer HTTP surface: the agent websocket endpoint, the
// operator REST API, the SSE event stream, and the operator terminal socket.
type Gateway struct {
	cfg      *config.Config
	store    store.Store
	hub      *hub.Hub
	events   *events.Broadcaster
	verifier *auth.JWTVerifier
	logger   *slog.Logger
	server   *http.Server
}

// Params bundles the dependencies for New.
type Params struct {
	Config *config.Config
	Store  store.Store
	Hub    *hub.Hub
	Events *events.Broadcaster
	Logger *slog.Logger
}

// New creates a Gateway. The server is not started until Start.
func New(p Params) *Gateway {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Gateway{
		cfg:      p.Config,
		store:    p.Store,
		hub:      p.Hub,
		events:   p.Events,
		verifier: auth.NewJWTVerifier([]byte(p.Config.Auth.JWTSecret)),
		logger:   p.Logger.With("component", "gateway"),
	}
}

// Handler builds the full route table.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public routes.
	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.HandleFunc("GET /ws", g.handleAgentWS)
	mux.HandleFunc("POST /api/login", g.handleLogin)

	// The terminal socket authenticates inside the handler: browsers cannot
	// set an Authorization header on a websocket upgrade.
	mux.HandleFunc("GET /api/clients/{id}/terminal", g.handleTerminal)

	// Authenticated operator API. Viewers read; mutations need admin.
	authed := auth.Middleware(g.verifier)
	admin := func(h http.HandlerFunc) http.Handler {
		return authed(auth.RequireAdmin(h))
	}

	mux.Handle("GET /api/clients", authed(http.HandlerFunc(g.handleListClients)))
	mux.Handle("PATCH /api/clients/{id}", admin(g.handleUpdateClient))
	mux.Handle("GET /api/clients/{id}/tasks", authed(http.HandlerFunc(g.handleListClientTasks)))
	mux.Handle("POST /api/clients/{id}/lifecycle", admin(g.handleLifecycle))

	mux.Handle("GET /api/tasks", authed(http.HandlerFunc(g.handleListTasks)))
	mux.Handle("POST /api/tasks", admin(g.handleCreateTask))
	mux.Handle("PATCH /api/tasks/{id}", admin(g.handleUpdateTask))
	mux.Handle("DELETE /api/tasks/{id}", admin(g.handleDeleteTask))

	mux.Handle("GET /api/logins", authed(http.HandlerFunc(g.handleListLogins)))
	mux.Handle("GET /api/events", authed(http.HandlerFunc(g.handleEvents)))

	return mux
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Start(ctx context.Context) error {
	g.server = &http.Server{
		Addr:              g.cfg.Server.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.cfg.Server.HTTPAddr)
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": g.hub.Registry().Count(),
	})
}

// remoteIP extracts the peer address without the port. The gateway is
// expected to face agents directly, so proxy headers are not consulted.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
