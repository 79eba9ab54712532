package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jakobscode/gnss-tracker/pkg/authclient"
	"github.com/jakobscode/gnss-tracker/pkg/derive"
	"github.com/jakobscode/gnss-tracker/pkg/history"
	"github.com/jakobscode/gnss-tracker/pkg/ingest"
	"github.com/jakobscode/gnss-tracker/pkg/keyring"
	"github.com/jakobscode/gnss-tracker/pkg/session"
)

var version = "dev"

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_http_requests_total",
		Help: "Total number of HTTP requests by method, route, and status code.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tracker_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// ingestResultsTotal counts ingestion outcomes by result class.
	ingestResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_ingest_results_total",
		Help: "Telemetry submissions by outcome (accepted, unauthorized, malformed, invalid, auth_unavailable, storage_unavailable).",
	}, []string{"result"})

	historyQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_history_queries_total",
		Help: "History queries by outcome.",
	}, []string{"result"})

	// lastTelemetryTimestamp is the server receive time of the newest accepted
	// reading. 0 until the first one arrives.
	lastTelemetryTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_last_telemetry_timestamp_seconds",
		Help: "Unix timestamp (seconds) of the last accepted tracker reading. 0 if none received yet.",
	})

	dbUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_db_up",
		Help: "1 if the ingestor SQLite database is reachable, 0 otherwise.",
	})

	dbWriteFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_db_write_fail_total",
		Help: "Total number of failed reading INSERT operations.",
	})

	dbRowsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_db_rows_total",
		Help: "Current number of rows in the readings table.",
	})

	// dbFileBytes is 0 for :memory: databases.
	dbFileBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_db_file_bytes",
		Help: "Size of the SQLite database file in bytes. 0 for in-memory databases.",
	})

	dbLastWriteUnix = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_db_last_write_unix",
		Help: "Unix timestamp (seconds) of the most-recent stored reading. 0 if none.",
	})
)

// authService is what the ingestor needs from the credential authority,
// served either by a local keyring or the remote auth service.
type authService interface {
	ingest.Authorizer
	history.OwnerResolver
	credentialLister
}

func refreshDBGauges(ctx context.Context, st *store) {
	if st == nil {
		return
	}
	snap, err := st.statsSnapshot(ctx)
	if err != nil {
		logger.Warn("db stats failed", "error", err)
		return
	}
	dbRowsTotal.Set(float64(snap.RowsTotal))
	dbLastWriteUnix.Set(float64(snap.LastWriteUnix))
	dbFileBytes.Set(float64(snap.FileBytes))
}

// responseRecorder wraps ResponseWriter to capture the written status code.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

// routeLabel returns a stable Prometheus label for the request path,
// avoiding cardinality explosion from credential ids in the URL.
func routeLabel(r *http.Request) string {
	p := r.URL.Path
	switch p {
	case "/healthz", "/api/v1/telemetry", "/api/v1/telemetry/stats", "/api/v1/trackers":
		return p
	}
	if strings.HasPrefix(p, "/api/v1/trackers/") && strings.HasSuffix(p, "/history") {
		return "/api/v1/trackers/{id}/history"
	}
	return "other"
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeLabel(r)
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rr, r)

		duration := time.Since(start)
		logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"route", route,
			"status", rr.status,
			"remote", r.RemoteAddr,
			"duration_ms", duration.Milliseconds(),
		)

		status := strconv.Itoa(rr.status)
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
	})
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

func newAuthService(cfg config) (authService, error) {
	switch cfg.authMode {
	case authModeKeyring:
		kr, err := keyring.Load(cfg.keyringPath)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded keyring", "path", cfg.keyringPath, "credentials", kr.Len())
		return kr, nil
	case authModeRemote:
		return authclient.NewClient(cfg.authServiceURL, cfg.authServiceToken,
			&http.Client{Timeout: cfg.authTimeout}, cfg.authCacheTTL)
	default:
		return nil, fmt.Errorf("unknown AUTH_MODE %q (want %s or %s)", cfg.authMode, authModeKeyring, authModeRemote)
	}
}

// serve runs srv until ctx is cancelled, then drains it.
func serve(ctx context.Context, g *errgroup.Group, srv *http.Server, name string) {
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Error("graceful shutdown failed", "server", name, "error", err)
		}
		return nil
	})
}

func run(cfg config) error {
	engine, err := derive.New(cfg.derive)
	if err != nil {
		return err
	}
	sessions, err := session.NewVerifier([]byte(cfg.sessionSecret), cfg.sessionIssuer)
	if err != nil {
		return fmt.Errorf("SESSION_SECRET: %w", err)
	}
	auth, err := newAuthService(cfg)
	if err != nil {
		return err
	}

	st, err := openStore(cfg.dbPath)
	if err != nil {
		dbUp.Set(0)
		return err
	}
	defer st.close()
	dbUp.Set(1)
	refreshDBGauges(context.Background(), st)

	mux := newMux(deps{
		pipeline: ingest.New(auth, st, ingest.Options{
			AuthTimeout:  cfg.authTimeout,
			StoreTimeout: cfg.storeTimeout,
			Logger:       logger,
		}),
		query: history.New(auth, st, history.Options{
			Limit:        cfg.historyLimit,
			AuthTimeout:  cfg.authTimeout,
			StoreTimeout: cfg.storeTimeout,
			Logger:       logger,
		}),
		engine:   engine,
		sessions: sessions,
		lister:   auth,
		store:    st,
	})

	srv := &http.Server{
		Addr:         cfg.addr,
		Handler:      loggingMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	serve(gctx, g, srv, "http")
	serve(gctx, g, newMetricsServer(cfg.metricsAddr), "metrics")

	err = g.Wait()
	logger.Info("ingestor stopped")
	return err
}

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Probe the HTTP server and exit 0/1.")
	flag.Parse()

	cfg := newConfig()

	if *healthcheck {
		host := cfg.addr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		conn, err := net.DialTimeout("tcp", host, 3*time.Second)
		if err != nil {
			os.Exit(1)
		}
		conn.Close()
		os.Exit(0)
	}

	logger.Info("starting ingestor",
		"version", version,
		"addr", cfg.addr,
		"metrics_addr", cfg.metricsAddr,
		"db_path", cfg.dbPath,
		"auth_mode", cfg.authMode,
		"history_limit", cfg.historyLimit,
	)

	if err := run(cfg); err != nil {
		logger.Error("ingestor failed", "error", err)
		os.Exit(1)
	}
}
