package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jakobscode/gnss-tracker/pkg/models"
)

var version = "dev"

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

var (
	messagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_messages_received_total",
		Help: "Total MQTT messages received by the bridge.",
	})
	messagesInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_messages_invalid_total",
		Help: "Total messages that were not a usable {api_key, reading} envelope.",
	})
	forwardSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_forward_success_total",
		Help: "Total readings accepted by the ingestor.",
	})
	// forwardRejected is split by status so auth problems (401) stand out
	// from bad readings (400/422).
	forwardRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_forward_rejected_total",
		Help: "Total readings the ingestor rejected with a 4xx status, by status code.",
	}, []string{"status"})
	forwardFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_forward_failure_total",
		Help: "Total readings that could not be delivered after all retries.",
	})
	forwardRetry = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_forward_retry_total",
		Help: "Total individual retry attempts (not counting first attempt).",
	})
	forwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_forward_duration_seconds",
		Help:    "End-to-end HTTP POST latency in seconds, including all retries.",
		Buckets: prometheus.DefBuckets,
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_queue_depth",
		Help: "Current number of messages waiting in the processing queue.",
	})
	queueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_queue_dropped_total",
		Help: "Total messages dropped because the queue was full.",
	})
)

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

type config struct {
	mqttBroker      string
	mqttClientID    string
	mqttTopic       string
	ingestorURL     string
	metricsAddr     string
	queueSize       int
	workers         int
	maxAttempts     int
	baseDelay       time.Duration
	shutdownTimeout time.Duration
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		logger.Warn("invalid env var, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return v
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logger.Warn("invalid env var, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return d
}

func newConfig() config {
	return config{
		mqttBroker:      getEnv("MQTT_BROKER", "tcp://mosquitto:1883"),
		mqttClientID:    getEnv("MQTT_CLIENT_ID", "tracker-mqtt-bridge"),
		mqttTopic:       getEnv("MQTT_TOPIC", "trackers/telemetry"),
		ingestorURL:     getEnv("INGESTOR_URL", "http://ingestor:8080/api/v1/telemetry"),
		metricsAddr:     getEnv("METRICS_ADDR", ":9092"),
		queueSize:       getEnvInt("BRIDGE_QUEUE_SIZE", 1000),
		workers:         getEnvInt("BRIDGE_WORKERS", 16),
		maxAttempts:     getEnvInt("FORWARD_MAX_ATTEMPTS", 5),
		baseDelay:       getEnvDuration("FORWARD_BASE_DELAY", 200*time.Millisecond),
		shutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// ---------------------------------------------------------------------------
// Bridge
// ---------------------------------------------------------------------------

// bridge owns all runtime state. Fields are set once in newBridge; only
// the dropLogAt atomic is mutated afterwards (by the MQTT handler goroutine).
type bridge struct {
	cfg       config
	transport *http.Transport
	client    *http.Client
	queue     chan []byte

	// dropLogAt holds the Unix nanosecond timestamp of the last drop log line.
	dropLogAt atomic.Int64
}

func newBridge(cfg config) *bridge {
	t := &http.Transport{
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	if cfg.maxAttempts <= 0 {
		cfg.maxAttempts = 1
	}
	return &bridge{
		cfg:       cfg,
		transport: t,
		client: &http.Client{
			Timeout:   5 * time.Second,
			Transport: t,
		},
		queue: make(chan []byte, cfg.queueSize),
	}
}

// ---------------------------------------------------------------------------
// MQTT handler (runs on paho's goroutine, must not block)
// ---------------------------------------------------------------------------

// mqttHandler copies the payload (paho reuses the buffer) and enqueues it
// without blocking. A full queue drops the message.
func (b *bridge) mqttHandler() mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		messagesReceived.Inc()

		payload := msg.Payload()
		data := make([]byte, len(payload))
		copy(data, payload)

		select {
		case b.queue <- data:
			queueDepth.Inc()
		default:
			queueDropped.Inc()
			b.logDropRateLimited()
		}
	}
}

// logDropRateLimited emits at most one warning per second.
func (b *bridge) logDropRateLimited() {
	now := time.Now().UnixNano()
	last := b.dropLogAt.Load()
	if now-last >= int64(time.Second) && b.dropLogAt.CompareAndSwap(last, now) {
		logger.Warn("queue full, message dropped; consider increasing BRIDGE_QUEUE_SIZE or BRIDGE_WORKERS")
	}
}

// ---------------------------------------------------------------------------
// Worker pool
// ---------------------------------------------------------------------------

// startWorkers launches cfg.workers goroutines that drain b.queue until it is
// closed. The caller must Wait on the result before shutting down.
func (b *bridge) startWorkers(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	for range b.cfg.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for data := range b.queue {
				queueDepth.Dec()
				b.process(ctx, data)
			}
		}()
	}
	return &wg
}

// ---------------------------------------------------------------------------
// Processing
// ---------------------------------------------------------------------------

// process unwraps one envelope and forwards the reading. The reading is not
// validated here; the ingestor authorizes the key before it parses anything.
func (b *bridge) process(ctx context.Context, data []byte) {
	env, err := models.DecodeEnvelope(data)
	if err != nil {
		messagesInvalid.Inc()
		logger.Warn("dropping MQTT message", "error", err)
		return
	}

	err = b.forward(ctx, env)
	var rej *rejectedError
	switch {
	case err == nil:
		forwardSuccess.Inc()
	case errors.As(err, &rej):
		forwardRejected.WithLabelValues(strconv.Itoa(rej.status)).Inc()
		logger.Warn("ingestor rejected reading", "status", rej.status, "error_code", rej.code)
	default:
		forwardFailure.Inc()
		logger.Error("forward failed after all retries", "error", err)
	}
}

// ---------------------------------------------------------------------------
// HTTP forwarding with exponential backoff
// ---------------------------------------------------------------------------

// rejectedError is a non-retryable 4xx answer from the ingestor.
type rejectedError struct {
	status int
	code   string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("ingestor rejected reading: HTTP %d %s (non-retryable)", e.status, e.code)
}

// backoff returns the delay before retry n (n >= 1): base, 2*base, 4*base...
func backoff(base time.Duration, n int) time.Duration {
	return time.Duration(float64(base) * math.Pow(2, float64(n-1)))
}

// forward POSTs the reading to the ingestor with the envelope's key. It
// retries on network errors and 5xx, never on 4xx, and every backoff sleep
// is cancellable via ctx.
func (b *bridge) forward(ctx context.Context, env models.Envelope) error {
	start := time.Now()
	defer func() { forwardDuration.Observe(time.Since(start).Seconds()) }()
	var lastErr error

	for attempt := range b.cfg.maxAttempts {
		if ctx.Err() != nil {
			return fmt.Errorf("context cancelled before attempt %d: %w", attempt, ctx.Err())
		}

		if attempt > 0 {
			forwardRetry.Inc()
			delay := backoff(b.cfg.baseDelay, attempt)
			logger.Info("retrying forward", "retry_count", attempt, "delay", delay.String())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.ingestorURL,
			bytes.NewReader(env.Reading))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", env.APIKey)

		resp, err := b.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http do attempt %d: %w", attempt, err)
			logger.Warn("forward attempt failed", "attempt", attempt, "error", err)
			continue
		}
		code := errorCode(resp)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusAccepted:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return &rejectedError{status: resp.StatusCode, code: code}
		default:
			lastErr = fmt.Errorf("ingestor returned HTTP %d %s on attempt %d", resp.StatusCode, code, attempt)
			logger.Warn("forward attempt got unexpected status",
				"attempt", attempt,
				"status", resp.StatusCode,
				"error_code", code,
			)
		}
	}

	return fmt.Errorf("all %d attempts failed, last error: %w", b.cfg.maxAttempts, lastErr)
}

// errorCode reads the "error" field of an ingestor error body, if any.
func errorCode(resp *http.Response) string {
	if resp.StatusCode < 400 {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, 4<<10))
	if err := dec.Decode(&body); err != nil {
		return ""
	}
	return body.Error
}

// ---------------------------------------------------------------------------
// MQTT client
// ---------------------------------------------------------------------------

// newMQTTClient dials the broker and returns a connected client. The handler
// is re-subscribed in OnConnectHandler since paho's AutoReconnect does not
// restore subscriptions.
func newMQTTClient(cfg config, handler mqtt.MessageHandler) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.mqttBroker).
		SetClientID(cfg.mqttClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.Info("connected to MQTT broker", "broker", cfg.mqttBroker)
			tok := c.Subscribe(cfg.mqttTopic, 1, handler)
			if ok := tok.WaitTimeout(10 * time.Second); !ok {
				logger.Warn("subscribe timed out after reconnect", "topic", cfg.mqttTopic)
				return
			}
			if err := tok.Error(); err != nil {
				logger.Error("subscribe failed after reconnect", "topic", cfg.mqttTopic, "error", err)
				return
			}
			logger.Info("subscribed to MQTT topic", "topic", cfg.mqttTopic, "qos", 1)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost, will reconnect", "error", err)
		})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if ok := tok.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("MQTT connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect: %w", err)
	}
	return client, nil
}

// ---------------------------------------------------------------------------
// Metrics server
// ---------------------------------------------------------------------------

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

// ---------------------------------------------------------------------------
// main
// ---------------------------------------------------------------------------

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Probe the metrics server and exit 0/1.")
	flag.Parse()

	cfg := newConfig()

	if *healthcheck {
		conn, err := net.DialTimeout("tcp", "localhost"+cfg.metricsAddr, 3*time.Second)
		if err != nil {
			os.Exit(1)
		}
		conn.Close()
		os.Exit(0)
	}

	logger.Info("starting mqtt-bridge",
		"version", version,
		"broker", cfg.mqttBroker,
		"topic", cfg.mqttTopic,
		"ingestor_url", cfg.ingestorURL,
		"metrics_addr", cfg.metricsAddr,
		"queue_size", cfg.queueSize,
		"workers", cfg.workers,
		"max_attempts", cfg.maxAttempts,
		"shutdown_timeout", cfg.shutdownTimeout.String(),
	)

	metricsSrv := startMetricsServer(cfg.metricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := newBridge(cfg)

	// Workers start before the subscription so the first messages have
	// somewhere to go.
	wg := b.startWorkers(ctx)

	mqttClient, err := newMQTTClient(cfg, b.mqttHandler())
	if err != nil {
		logger.Error("initial MQTT connect failed, shutting down", "error", err)
		close(b.queue)
		wg.Wait()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutCtx)
		return
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining queue")

	// Disconnect first so nothing is sent on b.queue after it is closed.
	// The 500 ms quiesce lets paho deliver already-received QoS-1 messages.
	mqttClient.Disconnect(500)
	close(b.queue)

	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	select {
	case <-workersDone:
		logger.Info("all workers finished cleanly")
	case <-time.After(cfg.shutdownTimeout):
		logger.Warn("shutdown timeout reached before workers finished",
			"timeout", cfg.shutdownTimeout.String())
	}

	b.transport.CloseIdleConnections()

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutCtx)

	logger.Info("mqtt-bridge stopped")
}
