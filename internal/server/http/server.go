// Package httpserver exposes the admin API and the WebSocket sync endpoint.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/service"
	"github.com/and161185/peersync/internal/session"
	"github.com/and161185/peersync/internal/transport"
)

// Sessions is the part of session.Manager the HTTP layer uses.
type Sessions interface {
	Attach(ctx context.Context, ch session.PacketChannel) (*session.Session, error)
	Detach(ch session.PacketChannel)
	Sessions() []session.Info
	SendToDevice(ctx context.Context, identity, url string, position int64) error
	Forget(identity string) error
}

// Config carries the Server collaborators.
type Config struct {
	// Identity is this device's public identity, reported by /healthz.
	Identity string
	Sessions Sessions
	// SignKey verifies peer tokens on /sync.
	SignKey []byte
	// AdminToken, when set, is required as a bearer token on /peers routes.
	AdminToken string
	Log        *zap.Logger
}

// Server serves the admin API and /sync.
type Server struct {
	cfg Config
	log *zap.Logger
}

// New constructs a Server.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Server{cfg: cfg, log: cfg.Log.Named("http")}
}

// Handler returns the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "identity": s.cfg.Identity})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Use(s.adminAuth)
		r.Get("/peers", s.handleListPeers)
		r.Post("/peers/{id}/send", s.handleSend)
		r.Delete("/peers/{id}", s.handleForget)
	})

	r.Get("/sync", s.handleSync)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unknown"
		}
		s.log.Info("http",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.Status()),
			zap.Duration("dur", time.Since(start)),
		)
	})
}

func (s *Server) adminAuth(next http.Handler) http.Handler {
	if s.cfg.AdminToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, err := service.BearerToken(r.Header.Values("Authorization")...)
		if err != nil || tok != s.cfg.AdminToken {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sessions.Sessions())
}

type sendRequest struct {
	URL      string `json:"url"`
	Position int64  `json:"position"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}
	if err := s.cfg.Sessions.SendToDevice(r.Context(), id, req.URL, req.Position); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Sessions.Forget(chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSync upgrades an authenticated peer to a WebSocket sync channel.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	tok, err := service.BearerToken(r.Header.Values("Authorization")...)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	identity, err := service.ParsePeerToken(s.cfg.SignKey, tok)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ws, err := transport.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade", zap.Error(err))
		return
	}
	ch := transport.NewChannel(transport.NewWSConn(ws), identity, s.log)
	defer ch.Stop()

	ctx := r.Context()
	if _, err := s.cfg.Sessions.Attach(ctx, ch); err != nil {
		s.log.Warn("attach", zap.String("peer", identity), zap.Error(err))
		s.cfg.Sessions.Detach(ch)
		return
	}
	defer s.cfg.Sessions.Detach(ch)

	if err := ch.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Info("sync channel ended", zap.String("peer", identity), zap.Error(err))
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, errs.ErrNoActiveChannel), errors.Is(err, errs.ErrClosed):
		writeError(w, http.StatusConflict, "no_active_channel")
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
