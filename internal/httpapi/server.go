// Package httpapi serves the marketd control API: system lifecycle, session
// inspection, mid-session symbol management, and a WebSocket feed of session
// deltas.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"marketd/internal/domain"
	"marketd/internal/system"
)

// Server exposes the Manager over HTTP.
type Server struct {
	mgr *system.Manager
	hub *Hub
	log *slog.Logger
}

// NewServer creates the control API server. The hub is started lazily by
// Handler.
func NewServer(mgr *system.Manager, log *slog.Logger) *Server {
	return &Server{
		mgr: mgr,
		hub: NewHub(mgr, log),
		log: log.With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/system/start", s.handleSystemStart)
	mux.HandleFunc("POST /api/system/stop", s.handleSystemStop)
	mux.HandleFunc("GET /api/system/status", s.handleSystemStatus)

	mux.HandleFunc("GET /api/session/status", s.handleSessionStatus)
	mux.HandleFunc("POST /api/session/pause", s.handlePause)
	mux.HandleFunc("POST /api/session/resume", s.handleResume)

	mux.HandleFunc("PUT /api/data/symbols/{symbol}", s.handleAddSymbol)
	mux.HandleFunc("DELETE /api/data/symbols/{symbol}", s.handleRemoveSymbol)
	mux.HandleFunc("GET /api/data/symbols/dynamic", s.handleDynamicSymbols)

	mux.HandleFunc("POST /api/calendar/refresh", s.handleCalendarRefresh)

	mux.HandleFunc("GET /ws/session", s.hub.HandleWebSocket)
}

// Handler returns an http.Handler with CORS middleware and starts the
// WebSocket hub.
func (s *Server) Handler(ctx context.Context) http.Handler {
	go s.hub.Run(ctx)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// System
// ---------------------------------------------------------------------------

func (s *Server) handleSystemStart(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Start(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, OKResponse{OK: true})
}

func (s *Server) handleSystemStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.mgr.Stop(ctx); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, OKResponse{OK: true})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.mgr.Status())
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.mgr.SessionSnapshot(r.URL.Query().Get("full") == "true")
	if snap == nil {
		writeError(w, http.StatusConflict, "system is not running")
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	coord := s.mgr.Coordinator()
	if coord == nil {
		writeError(w, http.StatusConflict, "system is not running")
		return
	}
	if err := coord.Pause(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, OKResponse{OK: true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	coord := s.mgr.Coordinator()
	if coord == nil {
		writeError(w, http.StatusConflict, "system is not running")
		return
	}
	if err := coord.Resume(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, OKResponse{OK: true})
}

// ---------------------------------------------------------------------------
// Symbols
// ---------------------------------------------------------------------------

func (s *Server) handleAddSymbol(w http.ResponseWriter, r *http.Request) {
	coord := s.mgr.Coordinator()
	if coord == nil {
		writeError(w, http.StatusConflict, "system is not running")
		return
	}
	symbol := strings.ToUpper(r.PathValue("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}

	addedBy := domain.AddedByAdhoc
	if r.URL.Query().Get("added_by") == "strategy" {
		addedBy = domain.AddedByStrategy
	}

	if err := coord.AddSymbol(r.Context(), symbol, addedBy); err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("adding %s: %v", symbol, err))
		return
	}
	writeJSON(w, SymbolResponse{Symbol: symbol, AddedBy: string(addedBy)})
}

func (s *Server) handleRemoveSymbol(w http.ResponseWriter, r *http.Request) {
	coord := s.mgr.Coordinator()
	if coord == nil {
		writeError(w, http.StatusConflict, "system is not running")
		return
	}
	symbol := strings.ToUpper(r.PathValue("symbol"))
	if err := coord.RemoveSymbol(r.Context(), symbol); err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("removing %s: %v", symbol, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDynamicSymbols(w http.ResponseWriter, r *http.Request) {
	sd := s.mgr.SessionData()
	if sd == nil {
		writeError(w, http.StatusConflict, "system is not running")
		return
	}
	dyn := sd.DynamicSymbols()
	out := make([]SymbolResponse, 0, len(dyn))
	for sym, by := range dyn {
		out = append(out, SymbolResponse{Symbol: sym, AddedBy: string(by)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	writeJSON(w, DynamicSymbolsResponse{Symbols: out})
}

// ---------------------------------------------------------------------------
// Calendar
// ---------------------------------------------------------------------------

func (s *Server) handleCalendarRefresh(w http.ResponseWriter, r *http.Request) {
	n, err := s.mgr.RefreshCalendar(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, CalendarRefreshResponse{Days: n})
}
