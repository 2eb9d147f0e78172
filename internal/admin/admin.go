// Package admin implements Canaria's read-only introspection views and
// operator actions (C9): health, enhanced status, detailed monitoring,
// the dashboard snapshot, and the five admin actions. It owns no
// persisted state of its own — it is thin composition over the other
// components' exported accessors, mirroring the teacher's internal/api
// handlers, which are themselves thin composition over storage.Store
// and state.Manager.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/MercuriusDream/Canaria/internal/config"
	"github.com/MercuriusDream/Canaria/internal/feed"
	"github.com/MercuriusDream/Canaria/internal/hub"
	"github.com/MercuriusDream/Canaria/internal/ingest"
	"github.com/MercuriusDream/Canaria/internal/metrics"
	"github.com/MercuriusDream/Canaria/internal/model"
	"github.com/MercuriusDream/Canaria/internal/ratelimit"
	"github.com/MercuriusDream/Canaria/internal/store"
)

// Admin composes the other components into the read-models and
// operator actions spec.md §4.9 describes.
type Admin struct {
	store   *store.Store
	cfg     *config.Manager
	ingest  *ingest.Ingestor
	metrics *metrics.Metrics
	limiter *ratelimit.Limiter
	hub     *hub.Hub
	feeds   *feed.Registry

	startedAt time.Time
}

// New builds an Admin view over the already-constructed components.
func New(st *store.Store, cfg *config.Manager, ing *ingest.Ingestor, m *metrics.Metrics, limiter *ratelimit.Limiter, h *hub.Hub, feeds *feed.Registry) *Admin {
	return &Admin{store: st, cfg: cfg, ingest: ing, metrics: m, limiter: limiter, hub: h, feeds: feeds, startedAt: time.Now().UTC()}
}

// Health is the classification spec.md §4.9 names: parser, feeds, and
// database are each independently judged, and Healthy is true only if
// all three are.
type Health struct {
	Healthy  bool `json:"healthy"`
	Parser   bool `json:"parser"`
	Feeds    bool `json:"feeds"`
	Database bool `json:"database"`
}

// CheckHealth classifies every sub-system per spec.md §4.9: parser
// healthy iff heartbeatAge < parserTimeoutSeconds, feeds healthy iff at
// least one connector is Connected, database healthy iff Count()
// succeeds.
func (a *Admin) CheckHealth(ctx context.Context) Health {
	cfg := a.cfg.Get()

	_, heartbeatAt := a.ingest.Heartbeat()
	var heartbeatAge float64
	if heartbeatAt.IsZero() {
		heartbeatAge = float64(cfg.Monitoring.ParserTimeoutSeconds) + 1
	} else {
		heartbeatAge = time.Since(heartbeatAt).Seconds()
	}
	parserHealthy := heartbeatAge < float64(cfg.Monitoring.ParserTimeoutSeconds)

	feedsHealthy := a.feeds != nil && a.feeds.AnyConnected()

	_, err := a.store.Count(ctx)
	dbHealthy := err == nil

	return Health{
		Healthy:  parserHealthy && feedsHealthy && dbHealthy,
		Parser:   parserHealthy,
		Feeds:    feedsHealthy,
		Database: dbHealthy,
	}
}

// FeedDetail is one connector's entry in EnhancedStatus/DetailedMonitoring.
type FeedDetail struct {
	Feed             string  `json:"feed"`
	Status           string  `json:"status"`
	SessionUptimeMs  int64   `json:"sessionUptimeMs"`
	TotalUptimeMs    int64   `json:"totalUptimeMs"`
	ReconnectCount   int     `json:"reconnectCount"`
	UptimePercent    float64 `json:"uptimePercent"`
	LastError        string  `json:"lastError,omitempty"`
}

// EnhancedStatus is the GET /v1/connections payload: per-source event
// counts and per-feed connector details.
type EnhancedStatus struct {
	Sources map[string]int `json:"sources"`
	Feeds   []FeedDetail   `json:"feeds"`
}

// EnhancedStatus builds the per-source/per-feed snapshot spec.md §4.9
// names.
func (a *Admin) EnhancedStatus(ctx context.Context) (EnhancedStatus, error) {
	out := EnhancedStatus{Sources: map[string]int{}}
	for _, src := range []model.Source{model.SourceKMA, model.SourceJMA, model.SourceP2PQuake} {
		n, err := a.store.CountBySource(ctx, src)
		if err != nil {
			return EnhancedStatus{}, fmt.Errorf("admin: countBySource(%s): %w", src, err)
		}
		out.Sources[string(src)] = n
	}
	out.Feeds = a.feedDetails()
	return out, nil
}

func (a *Admin) feedDetails() []FeedDetail {
	if a.feeds == nil {
		return nil
	}
	sinceStart := time.Since(a.startedAt)
	states := a.feeds.States()
	out := make([]FeedDetail, 0, len(states))
	for name, st := range states {
		sessionUptime := int64(0)
		if st.Status == model.StatusConnected && !st.ConnectedAt.IsZero() {
			sessionUptime = time.Since(st.ConnectedAt).Milliseconds()
		}
		totalUptime := st.TotalUptimeMs + sessionUptime
		uptimePercent := 0.0
		if sinceStart > 0 {
			uptimePercent = float64(totalUptime) / float64(sinceStart.Milliseconds()) * 100
			if uptimePercent > 100 {
				uptimePercent = 100
			}
		}
		out = append(out, FeedDetail{
			Feed:            name,
			Status:          string(st.Status),
			SessionUptimeMs: sessionUptime,
			TotalUptimeMs:   totalUptime,
			ReconnectCount:  st.ReconnectCount,
			UptimePercent:   uptimePercent,
			LastError:       st.LastError,
		})
	}
	return out
}

// ParserMetrics summarizes the authenticated poller's recent behavior.
type ParserMetrics struct {
	Reachable       bool    `json:"reachable"`
	HeartbeatAgeSec float64 `json:"heartbeatAgeSec"`
	LastDelayMs     int64   `json:"lastDelayMs"`
	UptimeFormatted string  `json:"uptimeFormatted"`
}

// DetailedMonitoring is the GET /v1/monitoring payload.
type DetailedMonitoring struct {
	Feeds         []FeedDetail        `json:"feeds"`
	Parser        ParserMetrics       `json:"parser"`
	RecentErrors  []model.ParserError `json:"recentErrors"`
}

const recentErrorLimit = 5

// DetailedMonitoring builds the richer per-feed/parser/error view
// spec.md §4.9 names.
func (a *Admin) DetailedMonitoring() DetailedMonitoring {
	hb, hbAt := a.ingest.Heartbeat()
	ageSec := 0.0
	if !hbAt.IsZero() {
		ageSec = time.Since(hbAt).Seconds()
	}

	errs := a.ingest.ParserErrors()
	if len(errs) > recentErrorLimit {
		errs = errs[:recentErrorLimit]
	}

	return DetailedMonitoring{
		Feeds: a.feedDetails(),
		Parser: ParserMetrics{
			Reachable:       hb.AuthorityReachable,
			HeartbeatAgeSec: ageSec,
			LastDelayMs:     hb.DelayMs,
			UptimeFormatted: formatUptime(time.Since(a.startedAt)),
		},
		RecentErrors: errs,
	}
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	return fmt.Sprintf("%dd%dh%dm", days, hours, minutes)
}

// Dashboard is the GET /admin/dashboard payload.
type Dashboard struct {
	EventTotal       int                         `json:"eventTotal"`
	PerSourceCounts  map[string]int              `json:"perSourceCounts"`
	EventRate5m      float64                     `json:"eventRate5m"`
	WSHistory        []store.ClientCountSample   `json:"wsHistory"`
	TopIPs           []ratelimit.TopIP           `json:"topIPs"`
	Total429s        int                         `json:"total429s"`
	TableSizes       map[string]int              `json:"tableSizes"`
	Config           config.Config               `json:"config"`
}

const wsHistoryMinutes = 60

// Dashboard aggregates the operator snapshot spec.md §4.9 names.
func (a *Admin) Dashboard(ctx context.Context) (Dashboard, error) {
	total, err := a.store.Count(ctx)
	if err != nil {
		return Dashboard{}, fmt.Errorf("admin: count: %w", err)
	}

	perSource := map[string]int{}
	for _, src := range []model.Source{model.SourceKMA, model.SourceJMA, model.SourceP2PQuake} {
		n, err := a.store.CountBySource(ctx, src)
		if err != nil {
			return Dashboard{}, fmt.Errorf("admin: countBySource(%s): %w", src, err)
		}
		perSource[string(src)] = n
	}

	since := time.Now().UTC().Add(-5 * time.Minute).Format(time.RFC3339Nano)
	recent, err := a.store.CountSince(ctx, since)
	if err != nil {
		return Dashboard{}, fmt.Errorf("admin: countSince: %w", err)
	}

	history, err := a.store.RecentClientCounts(ctx, wsHistoryMinutes)
	if err != nil {
		return Dashboard{}, fmt.Errorf("admin: recentClientCounts: %w", err)
	}

	topIPs, err := a.limiter.GetTopIPs(ctx, 10)
	if err != nil {
		return Dashboard{}, fmt.Errorf("admin: topIPs: %w", err)
	}

	total429, err := a.store.CountRequestsByStatus(ctx, 429)
	if err != nil {
		return Dashboard{}, fmt.Errorf("admin: count429: %w", err)
	}

	tableSizes, err := a.store.TableStats(ctx)
	if err != nil {
		return Dashboard{}, fmt.Errorf("admin: tableStats: %w", err)
	}

	return Dashboard{
		EventTotal:      total,
		PerSourceCounts: perSource,
		EventRate5m:     float64(recent) / 5.0,
		WSHistory:       history,
		TopIPs:          topIPs,
		Total429s:       total429,
		TableSizes:      tableSizes,
		Config:          a.cfg.Get(),
	}, nil
}

// ActionRequest is the POST /admin/actions body.
type ActionRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// ActionResult is the POST /admin/actions response.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Result  any    `json:"result,omitempty"`
}

// RunAction dispatches the five admin actions spec.md §4.9 names.
func (a *Admin) RunAction(ctx context.Context, req ActionRequest) (ActionResult, error) {
	switch req.Action {
	case "reconnect_feed":
		feedName, _ := req.Params["feed"].(string)
		if feedName == "" {
			return ActionResult{Success: false, Message: "feed is required"}, nil
		}
		if err := a.feeds.Reconnect(feedName); err != nil {
			return ActionResult{Success: false, Message: err.Error()}, nil
		}
		return ActionResult{Success: true, Message: "reconnect scheduled for " + feedName}, nil

	case "clear_old_events":
		daysOld := 30
		if v, ok := req.Params["daysOld"].(float64); ok && v > 0 {
			daysOld = int(v)
		}
		n, err := a.store.DeleteOlderThan(ctx, daysOld)
		if err != nil {
			return ActionResult{}, fmt.Errorf("admin: clear_old_events: %w", err)
		}
		return ActionResult{Success: true, Message: "cleared old events", Result: map[string]int{"deleted": n}}, nil

	case "reset_ratelimit":
		ip, _ := req.Params["ip"].(string)
		if ip == "" {
			return ActionResult{Success: false, Message: "ip is required"}, nil
		}
		if err := a.limiter.Reset(ctx, ip, ""); err != nil {
			return ActionResult{}, fmt.Errorf("admin: reset_ratelimit: %w", err)
		}
		return ActionResult{Success: true, Message: "rate limit reset for " + ip}, nil

	case "trigger_rollup":
		if err := a.metrics.PerformRollup(ctx); err != nil {
			return ActionResult{}, fmt.Errorf("admin: trigger_rollup: %w", err)
		}
		return ActionResult{Success: true, Message: "rollup performed"}, nil

	case "cleanup_now":
		if err := a.metrics.PerformCleanup(ctx); err != nil {
			return ActionResult{}, fmt.Errorf("admin: cleanup_now (metrics): %w", err)
		}
		if err := a.limiter.Cleanup(ctx); err != nil {
			return ActionResult{}, fmt.Errorf("admin: cleanup_now (ratelimit): %w", err)
		}
		return ActionResult{Success: true, Message: "cleanup performed"}, nil

	default:
		return ActionResult{Success: false, Message: "unknown action: " + req.Action}, nil
	}
}
