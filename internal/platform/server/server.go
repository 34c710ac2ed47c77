package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nirmitee/ehr-rbac/internal/auth"
	"github.com/nirmitee/ehr-rbac/internal/platform/middleware"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
	"github.com/nirmitee/ehr-rbac/internal/roles"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies holds all injected dependencies for the server.
type Dependencies struct {
	Pool        *pgxpool.Pool
	Auth        *auth.TokenService
	Gate        *rbac.Gate
	RoleHandler *roles.Handler
	// Hub serves the permission push stream. Optional.
	Hub *roles.Hub
	// Metrics is exposed on /metrics when set.
	Metrics            prometheus.Gatherer
	DevMode            bool
	DevIdentity        *auth.Identity
	Logger             *slog.Logger
	CORSAllowedOrigins []string
}

type Server struct {
	httpServer   *http.Server
	protectedMux *http.ServeMux
	pool         *pgxpool.Pool
	handler      http.Handler
}

func New(addr string, deps Dependencies) *Server {
	// Protected routes mux, wrapped with auth middleware
	protectedMux := http.NewServeMux()

	var protectedHandler http.Handler = protectedMux
	protectedHandler = middleware.OrgContext(protectedHandler)
	if deps.Auth != nil {
		if deps.DevMode && deps.DevIdentity != nil {
			protectedHandler = auth.MiddlewareWithDevMode(deps.Auth, deps.DevIdentity)(protectedHandler)
		} else {
			protectedHandler = auth.Middleware(deps.Auth)(protectedHandler)
		}
	}

	// Top-level mux: public routes + protected catch-all
	topMux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		protectedMux: protectedMux,
		pool:         deps.Pool,
	}

	// Public routes (no auth required)
	topMux.HandleFunc("GET /healthz", s.handleHealth)
	topMux.HandleFunc("GET /readyz", s.handleReadiness)
	if deps.Metrics != nil {
		topMux.Handle("GET /metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	if deps.RoleHandler != nil && deps.Gate != nil {
		registerRoleRoutes(protectedMux, deps.Gate, deps.RoleHandler)
	}

	// The hub clears the server write timeout on its own connections.
	if deps.Hub != nil && deps.Gate != nil {
		protectedMux.Handle("GET /api/v1/me/permissions/stream",
			deps.Gate.RequireAuthenticated()(http.HandlerFunc(deps.Hub.HandleStream)),
		)
	}

	// All other routes go through auth middleware
	topMux.Handle("/", protectedHandler)

	// Wrap top-level mux with observability middleware
	var handler http.Handler = topMux
	if deps.Logger != nil {
		handler = middleware.Logging(deps.Logger)(handler)
	}
	handler = middleware.RequestID(handler)
	if len(deps.CORSAllowedOrigins) > 0 {
		handler = middleware.CORS(deps.CORSAllowedOrigins)(handler)
	}

	s.handler = handler
	s.httpServer.Handler = handler
	return s
}

func registerRoleRoutes(mux *http.ServeMux, gate *rbac.Gate, h *roles.Handler) {
	read := gate.RequirePermission("roles:read")
	manage := gate.RequirePermission("roles:manage")

	mux.Handle("GET /api/v1/permissions/catalog", read(http.HandlerFunc(h.HandleCatalog)))
	mux.Handle("GET /api/v1/me/permissions", gate.RequireAuthenticated()(http.HandlerFunc(h.HandleMyPermissions)))
	mux.Handle("POST /api/v1/permissions/check", gate.RequireAuthenticated()(http.HandlerFunc(h.HandleCheckPermission)))

	mux.Handle("POST /api/v1/roles", manage(http.HandlerFunc(h.HandleCreateRole)))
	mux.Handle("GET /api/v1/roles", read(http.HandlerFunc(h.HandleListRoles)))
	mux.Handle("GET /api/v1/roles/{id}", read(http.HandlerFunc(h.HandleGetRole)))
	mux.Handle("PATCH /api/v1/roles/{id}", manage(http.HandlerFunc(h.HandleUpdateRole)))
	mux.Handle("DELETE /api/v1/roles/{id}", manage(http.HandlerFunc(h.HandleDeleteRole)))
	mux.Handle("POST /api/v1/roles/{id}/copy", manage(http.HandlerFunc(h.HandleCopyRole)))

	mux.Handle("POST /api/v1/users/{id}/roles", manage(http.HandlerFunc(h.HandleAssign)))
	mux.Handle("DELETE /api/v1/users/{id}/roles", manage(http.HandlerFunc(h.HandleRevoke)))
	mux.Handle("GET /api/v1/users/{id}/roles", read(http.HandlerFunc(h.HandleListUserRoles)))
	mux.Handle("GET /api/v1/users/{id}/permissions", read(http.HandlerFunc(h.HandleUserPermissions)))
}

// Handler returns the full middleware-wrapped handler chain (for testing).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ProtectedMux returns the mux for authenticated routes.
// Use this to register routes that require authentication.
func (s *Server) ProtectedMux() *http.ServeMux {
	return s.protectedMux
}

func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	slog.Info("server starting", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database not connected",
		})
		return
	}

	if err := s.pool.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database ping failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
