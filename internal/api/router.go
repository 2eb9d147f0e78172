// Package api wires Store, ConfigManager, Signer, RateLimiter, Metrics,
// ConnectionHub, Ingest, and Admin into the external HTTP surface
// spec.md §6 defines (C10). Routing follows the teacher's
// net/http.ServeMux with Go 1.22+ method-pattern routes
// (client/backend/internal/api/router.go), not gin-gonic/gin; bearer
// auth reuses the teacher's crypto/subtle.ConstantTimeCompare check.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MercuriusDream/Canaria/internal/admin"
	"github.com/MercuriusDream/Canaria/internal/config"
	"github.com/MercuriusDream/Canaria/internal/feed"
	"github.com/MercuriusDream/Canaria/internal/hub"
	"github.com/MercuriusDream/Canaria/internal/ingest"
	"github.com/MercuriusDream/Canaria/internal/metrics"
	"github.com/MercuriusDream/Canaria/internal/model"
	"github.com/MercuriusDream/Canaria/internal/ratelimit"
	"github.com/MercuriusDream/Canaria/internal/store"
)

// API owns every dependency the HTTP surface needs and builds the
// final http.Handler via NewRouter.
type API struct {
	Store     *store.Store
	Config    *config.Manager
	Ingest    *ingest.Ingestor
	Metrics   *metrics.Metrics
	Limiter   *ratelimit.Limiter
	Hub       *hub.Hub
	Admin     *admin.Admin
	Feeds     *feed.Registry
	Registry  *prometheus.Registry
	AdminAuth string

	// StartFeeds is invoked at most once, lazily, from the request
	// path: spec.md §4.10's "on every request, ensure feeds are
	// started (idempotent)". Run the registry's connector loop in its
	// own goroutine here; cmd/canaria wires this to Feeds.Run.
	StartFeeds func()

	feedsOnce sync.Once
}

// NewRouter builds the full v1 + admin HTTP surface.
func (a *API) NewRouter() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/events", a.handleSubmitEvents)
	mux.HandleFunc("GET /v1/events/latest", a.handleLatestEvent)
	mux.HandleFunc("GET /v1/events", a.handleListEvents)
	mux.HandleFunc("GET /v1/status", a.handleStatus)
	mux.HandleFunc("GET /v1/health", a.handleHealth)
	mux.HandleFunc("GET /v1/connections", a.handleConnections)
	mux.HandleFunc("GET /v1/metrics", a.handleMetrics)
	mux.HandleFunc("GET /v1/monitoring", a.handleMonitoring)
	mux.HandleFunc("GET /v1/ws", a.handleWebSocket)

	mux.HandleFunc("GET /admin/config", a.requireAdmin(a.handleGetConfig))
	mux.HandleFunc("PUT /admin/config", a.requireAdmin(a.handleUpdateConfig))
	mux.HandleFunc("GET /admin/dashboard", a.requireAdmin(a.handleDashboard))
	mux.HandleFunc("POST /admin/actions", a.requireAdmin(a.handleActions))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	return a.withMiddleware(mux)
}

// withMiddleware composes the request lifecycle spec.md §5/§4.10
// describes: idempotent feed start, lazy maintenance, rate-limit
// pre-handle, and request logging post-handle — ordinary
// func(http.Handler) http.Handler wrapping, the same closure-
// composition idiom the teacher uses for its bearer-token check.
func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.ensureFeedsStarted()
		a.runLazyMaintenance(r.Context())

		endpoint := r.Method + " " + r.URL.Path
		ip := clientIP(r)
		started := time.Now()

		result, err := a.Limiter.Check(r.Context(), ip, endpoint)
		if err == nil {
			setRateLimitHeaders(w, result)
			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(result.ResetAt-time.Now().UTC().Unix(), 10))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				a.logRequest(r.Context(), endpoint, r, http.StatusTooManyRequests, started, ip)
				return
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logRequest(r.Context(), endpoint, r, rec.status, started, ip)
	})
}

func (a *API) ensureFeedsStarted() {
	if a.StartFeeds == nil {
		return
	}
	a.feedsOnce.Do(func() { go a.StartFeeds() })
}

func (a *API) runLazyMaintenance(ctx context.Context) {
	if a.Metrics == nil {
		return
	}
	if err := a.Metrics.MaybeRunMaintenance(ctx); err != nil {
		logError("maintenance", err)
	}
	if a.Hub != nil {
		if err := a.Metrics.MaybeSampleClientCount(ctx, a.Hub.Size()); err != nil {
			logError("sample client count", err)
		}
	}
}

func (a *API) logRequest(ctx context.Context, endpoint string, r *http.Request, status int, started time.Time, ip string) {
	if a.Metrics == nil {
		return
	}
	durationMs := time.Since(started).Milliseconds()
	if err := a.Metrics.LogRequest(ctx, endpoint, r.Method, status, durationMs, ip, r.UserAgent()); err != nil {
		logError("log request", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setRateLimitHeaders(w http.ResponseWriter, result ratelimit.Result) {
	if result.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))
}

// clientIP derives the caller's address from trusted forwarding
// headers, falling back to the raw connection address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host
}

// --- /v1 handlers ---

type submitEventsBody struct {
	Heartbeat *model.Heartbeat `json:"heartbeat,omitempty"`
	Events    []model.Event    `json:"events,omitempty"`
}

func (a *API) handleSubmitEvents(w http.ResponseWriter, r *http.Request) {
	var body submitEventsBody
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}

	resp, err := a.Ingest.Submit(r.Context(), ingest.SubmitRequest{Heartbeat: body.Heartbeat, Events: body.Events})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}

	if resp.Sync {
		writeJSON(w, http.StatusOK, map[string]any{"sync": true})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLatestEvent(w http.ResponseWriter, r *http.Request) {
	event, err := a.Store.Latest(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "latest failed")
		return
	}
	if event == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := store.Query{
		Since:  r.URL.Query().Get("since"),
		Until:  r.URL.Query().Get("until"),
		Source: r.URL.Query().Get("source"),
		Type:   r.URL.Query().Get("type"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			q.Limit = n
		}
	}

	events, err := a.Store.List(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	health := a.Admin.CheckHealth(r.Context())
	status := "ok"
	if !health.Healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"summary":   health,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := a.Admin.CheckHealth(r.Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (a *API) handleConnections(w http.ResponseWriter, r *http.Request) {
	status, err := a.Admin.EnhancedStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "connections failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "json" {
		export, err := a.Metrics.ExportJSON(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "metrics failed")
			return
		}
		writeJSON(w, http.StatusOK, export)
		return
	}
	promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (a *API) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Admin.DetailedMonitoring())
}

func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		writeError(w, http.StatusUpgradeRequired, "upgrade required")
		return
	}
	conn, err := hub.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote an error response.
	}
	go a.Hub.Register(conn)
}

// --- /admin handlers ---

func (a *API) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.checkAdminAuth(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (a *API) checkAdminAuth(r *http.Request) bool {
	if a.AdminAuth == "" {
		return false
	}
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("auth")
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.AdminAuth)) == 1
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
}

func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Config.Get())
}

type updateConfigBody struct {
	Metrics    *json.RawMessage `json:"metrics,omitempty"`
	RateLimit  *json.RawMessage `json:"rateLimit,omitempty"`
	Monitoring *json.RawMessage `json:"monitoring,omitempty"`
}

func (a *API) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var raw updateConfigBody
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	// Start from the current configuration so that fields omitted
	// inside a supplied section keep their values.
	partial := a.Config.Get()
	var mask config.UpdateMask
	if raw.Metrics != nil {
		if err := json.Unmarshal(*raw.Metrics, &partial.Metrics); err != nil {
			writeError(w, http.StatusBadRequest, "invalid metrics section")
			return
		}
		mask.Metrics = true
	}
	if raw.RateLimit != nil {
		if err := json.Unmarshal(*raw.RateLimit, &partial.RateLimit); err != nil {
			writeError(w, http.StatusBadRequest, "invalid rateLimit section")
			return
		}
		mask.RateLimit = true
	}
	if raw.Monitoring != nil {
		if err := json.Unmarshal(*raw.Monitoring, &partial.Monitoring); err != nil {
			writeError(w, http.StatusBadRequest, "invalid monitoring section")
			return
		}
		mask.Monitoring = true
	}

	updated, err := a.Config.Update(r.Context(), partial, mask)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := a.Admin.Dashboard(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dashboard failed")
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func (a *API) handleActions(w http.ResponseWriter, r *http.Request) {
	var req admin.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	result, err := a.Admin.RunAction(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "action failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func logError(op string, err error) {
	if err == nil {
		return
	}
	// Request-path maintenance failures are transient and retried on
	// the next request, never fatal.
	slog.Warn("api: "+op+" failed", "error", err)
}
