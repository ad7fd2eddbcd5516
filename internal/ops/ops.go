// Package ops exposes a small read-only HTTP surface for operators:
// health, recent broadcast runs and media cache usage. It binds to
// localhost by default and carries no authentication, so keep it there.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mailbot/internal/broadcast"
	"mailbot/internal/mediacache"
	"mailbot/pkg/logx"
)

type Server struct {
	addr   string
	log    logx.Logger
	engine *broadcast.Engine
	cache  *mediacache.Cache

	srv *http.Server
}

func NewServer(addr string, engine *broadcast.Engine, cache *mediacache.Cache, log logx.Logger) *Server {
	return &Server{addr: addr, engine: engine, cache: cache, log: log}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/broadcasts", s.handleBroadcasts)
	r.Get("/api/cache", s.handleCache)

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.log.Info("ops server listening", logx.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server stopped", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBroadcasts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Runs())
}

func (s *Server) handleCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
