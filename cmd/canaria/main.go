// Command canaria runs the Canaria earthquake-bulletin aggregation
// service: two upstream feed connectors, the embedded SQLite store,
// the signed event fan-out hub, and the HTTP/WebSocket API. An errgroup
// (processor/graph/processor.go's background-module pattern) supervises
// the HTTP listener and the hub's keepalive pings; the feed connectors
// are started lazily by the API on its first request.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MercuriusDream/Canaria/internal/admin"
	"github.com/MercuriusDream/Canaria/internal/api"
	"github.com/MercuriusDream/Canaria/internal/backup"
	"github.com/MercuriusDream/Canaria/internal/config"
	"github.com/MercuriusDream/Canaria/internal/feed"
	"github.com/MercuriusDream/Canaria/internal/feed/jma"
	"github.com/MercuriusDream/Canaria/internal/feed/p2p"
	"github.com/MercuriusDream/Canaria/internal/hub"
	"github.com/MercuriusDream/Canaria/internal/ingest"
	"github.com/MercuriusDream/Canaria/internal/metrics"
	"github.com/MercuriusDream/Canaria/internal/model"
	"github.com/MercuriusDream/Canaria/internal/ratelimit"
	"github.com/MercuriusDream/Canaria/internal/signer"
	"github.com/MercuriusDream/Canaria/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("canaria: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPath := envOr("CANARIA_DB_PATH", "./data/canaria.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	cfg, err := config.New(ctx, st.DB())
	if err != nil {
		return err
	}

	sg, err := loadSigner()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(st.DB(), cfg, registry)
	limiter := ratelimit.New(st.DB(), cfg)

	h := hub.New(func(n int) { m.SetWSClientCount(n) })

	uploader, err := maybeBackupUploader(ctx)
	if err != nil {
		return err
	}

	ing := ingest.New(ctx, st, sg, h, uploader, func(source string, n int) {
		m.RecordEventsInserted(source, n)
	})

	handleEvent := func(source string, events []model.Event) {
		ing.HandleEvent(ctx, source, events)
	}

	jmaConn := feed.New("jma", envOr("JMA_FEED_URL", "wss://jma-relay.example/ws"),
		jma.New(envOr("JMA_BACKFILL_URL", "https://jma-relay.example/backfill")),
		handleEvent, feedStateHandler(m, "jma"))
	p2pConn := feed.New("p2p", envOr("P2P_FEED_URL", "wss://p2pquake-relay.example/ws"),
		p2p.New(envOr("P2P_BACKFILL_URL", "https://p2pquake-relay.example/backfill")),
		handleEvent, feedStateHandler(m, "p2p"))

	feeds := feed.NewRegistry(jmaConn, p2pConn)
	adm := admin.New(st, cfg, ing, m, limiter, h, feeds)

	bindAddr := envOr("CANARIA_BIND_ADDR", ":8080")
	a := &api.API{
		Store: st, Config: cfg, Ingest: ing, Metrics: m, Limiter: limiter,
		Hub: h, Admin: adm, Feeds: feeds, Registry: registry,
		AdminAuth: os.Getenv("CANARIA_ADMIN_TOKEN"),
	}
	a.StartFeeds = func() { feeds.Run(ctx) }

	server := &http.Server{
		Addr:              bindAddr,
		Handler:           a.NewRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		h.StartPings(gctx)
		return nil
	})

	g.Go(func() error {
		slog.Info("canaria listening", "addr", bindAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	<-ctx.Done()
	slog.Info("canaria shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("canaria: shutdown error", "error", err)
	}

	return g.Wait()
}

// feedStateHandler wires a connector's state transitions into the
// per-feed connection gauge, spec.md §4.9's "feeds healthy" signal.
func feedStateHandler(m *metrics.Metrics, name string) func(model.FeedState) {
	return func(state model.FeedState) {
		m.SetFeedConnected(name, state.Status == model.StatusConnected)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// loadSigner reads CANARIA_SIGNING_SEED (hex-encoded 32 bytes) if set,
// falling back to the fixed development seed so a freshly cloned
// checkout runs without any configuration. Production deployments must
// set the env var; the dev seed is never appropriate there (spec.md
// §4.6).
func loadSigner() (*signer.Signer, error) {
	if raw := os.Getenv("CANARIA_SIGNING_SEED"); raw != "" {
		seed, err := hex.DecodeString(raw)
		if err != nil {
			return nil, errors.New("canaria: CANARIA_SIGNING_SEED is not valid hex")
		}
		return signer.NewFromSeed(seed)
	}
	slog.Warn("canaria: CANARIA_SIGNING_SEED not set, using development signing key")
	seed := signer.DevSeed
	return signer.NewFromSeed(seed[:])
}

// maybeBackupUploader builds the S3-compatible backup uploader if
// CANARIA_BACKUP_ENDPOINT is configured; otherwise the backup
// projection step is skipped entirely (spec.md §4.8 permits this for
// deployments without an object store).
func maybeBackupUploader(ctx context.Context) (ingest.Uploader, error) {
	endpoint := os.Getenv("CANARIA_BACKUP_ENDPOINT")
	if endpoint == "" {
		return nil, nil
	}
	bucket := envOr("CANARIA_BACKUP_BUCKET", "canaria-events")
	u, err := backup.New(endpoint, os.Getenv("CANARIA_BACKUP_ACCESS_KEY"), os.Getenv("CANARIA_BACKUP_SECRET_KEY"),
		envBool("CANARIA_BACKUP_USE_TLS", true), bucket)
	if err != nil {
		return nil, err
	}
	if err := u.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return u, nil
}
