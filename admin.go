package warden

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// AdminAPI provides REST endpoints for managing the proxy at runtime:
// listing, adding, and removing allow-list patterns, viewing status,
// triggering reloads, and reading or streaming audit records.
//
// The API is mounted at a configurable path prefix (default "/api")
// and uses chi for routing. All endpoints return JSON.
type AdminAPI struct {
	// Proxy is the proxy instance to manage.
	Proxy *Proxy

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes (default "/api").
	PathPrefix string

	// ReloadFunc is called when POST /api/reload is invoked. It should
	// rebuild the allow list from its source (config file, database).
	// If nil, the reload endpoint returns 501 Not Implemented.
	ReloadFunc func(ctx context.Context) error

	// Recent provides the audit records served by GET /api/audit.
	// Usually the RingSink wired into the proxy's AuditReporter.
	Recent *RingSink

	router   chi.Router
	upgrader websocket.Upgrader

	// mutateMu serializes pattern mutations, which read the current
	// snapshot, modify it, and swap it back.
	mutateMu sync.Mutex
}

// NewAdminAPI creates an AdminAPI wired to the given proxy.
func NewAdminAPI(proxy *Proxy) *AdminAPI {
	a := &AdminAPI{
		Proxy:      proxy,
		Logger:     slog.Default(),
		PathPrefix: "/api",
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/status", a.handleStatus)
	r.Get("/patterns", a.handleListPatterns)
	r.Post("/patterns", a.handleAddPattern)
	r.Delete("/patterns", a.handleDeletePattern)
	r.Post("/reload", a.handleReload)
	r.Get("/audit", a.handleRecentAudit)
	r.Get("/audit/stream", a.handleAuditStream)

	a.router = r
}

// Handler returns an http.Handler for the admin API routes.
// Mount this on the proxy or a separate listener.
func (a *AdminAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.router)
}

// ServeHTTP implements http.Handler by delegating to the internal chi
// router after stripping the path prefix.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status        string `json:"status"`
	PatternCount  int    `json:"pattern_count"`
	Uptime        string `json:"uptime,omitempty"`
	Intercepting  bool   `json:"intercepting"`
	CertCacheSize int    `json:"cert_cache_size,omitempty"`
	AuditDropped  int64  `json:"audit_dropped,omitempty"`
}

// PatternsResponse is returned by GET /api/patterns.
type PatternsResponse struct {
	Count    int      `json:"count"`
	Patterns []string `json:"patterns"`
}

// PatternRequest is the body for POST and DELETE /api/patterns.
type PatternRequest struct {
	Pattern string `json:"pattern"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// AuditResponse is returned by GET /api/audit.
type AuditResponse struct {
	Count   int           `json:"count"`
	Records []auditRecord `json:"records"`
}

// auditRecord is the JSON shape of an AuditRecord, with the decision
// spelled out.
type auditRecord struct {
	AuditRecord
	DecisionStr string `json:"decision"`
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Status:       "ok",
		Intercepting: a.Proxy.CertManager != nil,
	}
	if a.Proxy.Policy != nil {
		resp.PatternCount = a.Proxy.Policy.Count()
	}
	if a.Proxy.CertManager != nil {
		resp.CertCacheSize = a.Proxy.CertManager.CacheSize()
	}
	if a.Proxy.Audit != nil {
		resp.AuditDropped = a.Proxy.Audit.Dropped()
	}
	if a.Proxy.HealthChecker != nil {
		resp.Uptime = time.Since(a.Proxy.HealthChecker.startTime).Truncate(time.Second).String()
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleListPatterns(w http.ResponseWriter, _ *http.Request) {
	if a.Proxy.Policy == nil {
		a.writeJSON(w, http.StatusOK, PatternsResponse{Patterns: []string{}})
		return
	}

	patterns := a.Proxy.Policy.Current().Patterns()
	a.writeJSON(w, http.StatusOK, PatternsResponse{Count: len(patterns), Patterns: patterns})
}

func (a *AdminAPI) handleAddPattern(w http.ResponseWriter, r *http.Request) {
	if a.Proxy.Policy == nil {
		a.writeJSON(w, http.StatusConflict, ErrorResponse{Error: "proxy has no policy"})
		return
	}

	var req PatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Pattern == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "pattern is required"})
		return
	}

	a.mutateMu.Lock()
	defer a.mutateMu.Unlock()

	patterns := a.Proxy.Policy.Current().Patterns()
	for _, p := range patterns {
		if p == req.Pattern {
			a.writeJSON(w, http.StatusConflict, ErrorResponse{Error: "pattern already present"})
			return
		}
	}
	a.Proxy.Policy.Swap(NewAllowList(append(patterns, req.Pattern)...))

	a.Logger.Info("pattern added via admin API", "pattern", req.Pattern)
	a.writeJSON(w, http.StatusCreated, MessageResponse{Message: "pattern added"})
}

func (a *AdminAPI) handleDeletePattern(w http.ResponseWriter, r *http.Request) {
	if a.Proxy.Policy == nil {
		a.writeJSON(w, http.StatusConflict, ErrorResponse{Error: "proxy has no policy"})
		return
	}

	var req PatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Pattern == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "pattern is required"})
		return
	}

	a.mutateMu.Lock()
	defer a.mutateMu.Unlock()

	patterns := a.Proxy.Policy.Current().Patterns()
	kept := make([]string, 0, len(patterns))
	found := false
	for _, p := range patterns {
		if p == req.Pattern {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "pattern not found"})
		return
	}
	a.Proxy.Policy.Swap(NewAllowList(kept...))

	a.Logger.Info("pattern removed via admin API", "pattern", req.Pattern)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "pattern removed"})
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.ReloadFunc == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "reload not configured"})
		return
	}

	if err := a.ReloadFunc(r.Context()); err != nil {
		a.Logger.Error("admin API reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}

	a.Logger.Info("allow list reloaded via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

func (a *AdminAPI) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	if a.Recent == nil {
		a.writeJSON(w, http.StatusOK, AuditResponse{Records: []auditRecord{}})
		return
	}

	n := 100
	if s := r.URL.Query().Get("n"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			n = v
		}
	}

	recs := a.Recent.Recent(n)
	out := make([]auditRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, auditRecord{AuditRecord: rec, DecisionStr: rec.Decision.String()})
	}
	a.writeJSON(w, http.StatusOK, AuditResponse{Count: len(out), Records: out})
}

// handleAuditStream upgrades to a WebSocket and pushes each audit
// record as a JSON message until the client disconnects.
func (a *AdminAPI) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if a.Proxy.Audit == nil {
		a.writeJSON(w, http.StatusConflict, ErrorResponse{Error: "audit reporter not configured"})
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Error("audit stream upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	recs, cancel := a.Proxy.Audit.Subscribe(64)
	defer cancel()

	// Detect client disconnect; we never expect inbound messages.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case rec := <-recs:
			msg := auditRecord{AuditRecord: rec, DecisionStr: rec.Decision.String()}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
