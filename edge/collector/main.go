package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
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

var (
	publishSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_publish_success_total",
		Help: "Total number of tracker envelopes successfully published to MQTT.",
	})
	publishFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_publish_failure_total",
		Help: "Total number of publish attempts that returned an error.",
	})
	publishTimeout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_publish_timeout_total",
		Help: "Total number of publish attempts that timed out waiting for ack.",
	})
)

type config struct {
	broker          string
	clientID        string
	topic           string
	apiKey          string
	metricsAddr     string
	publishInterval time.Duration
	startLat        float64
	startLon        float64
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn("invalid env var, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return v
}

func newConfig() config {
	intervalRaw := getEnv("PUBLISH_INTERVAL", "30s")
	interval, err := time.ParseDuration(intervalRaw)
	if err != nil || interval <= 0 {
		logger.Warn("invalid PUBLISH_INTERVAL, using default 30s", "value", intervalRaw)
		interval = 30 * time.Second
	}
	return config{
		broker:          getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		clientID:        getEnv("MQTT_CLIENT_ID", "tracker-sim-1"),
		topic:           getEnv("MQTT_TOPIC", "trackers/telemetry"),
		apiKey:          getEnv("TRACKER_API_KEY", ""),
		metricsAddr:     getEnv("METRICS_ADDR", ":9090"),
		publishInterval: interval,
		startLat:        getEnvFloat("START_LAT", 48.137154),
		startLon:        getEnvFloat("START_LON", 11.576124),
	}
}

// envelope wraps a reading the way the bridge expects it.
func envelope(apiKey string, r models.Reading) ([]byte, error) {
	reading, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.Envelope{APIKey: apiKey, Reading: reading})
}

func newMQTTClient(cfg config) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.broker).
		SetClientID(cfg.clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Info("connected to MQTT broker", "broker", cfg.broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost, reconnecting", "error", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("MQTT connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect failed: %w", err)
	}
	return client, nil
}

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

	if cfg.apiKey == "" {
		logger.Error("TRACKER_API_KEY is required")
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sim := newSimulator(rng, cfg.startLat, cfg.startLon)

	logger.Info("starting tracker simulator",
		"version", version,
		"broker", cfg.broker,
		"client_id", cfg.clientID,
		"topic", cfg.topic,
		"publish_interval", cfg.publishInterval.String(),
	)

	metricsSrv := startMetricsServer(cfg.metricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := newMQTTClient(cfg)
	if err != nil {
		logger.Error("initial MQTT connect failed, shutting down", "error", err)
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutCtx)
		return
	}

	ticker := time.NewTicker(cfg.publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down tracker simulator")
			client.Disconnect(500)
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutCtx)
			return

		case now := <-ticker.C:
			reading := sim.next(now, cfg.publishInterval)
			payload, err := envelope(cfg.apiKey, reading)
			if err != nil {
				logger.Error("failed to marshal reading", "error", err)
				continue
			}
			token := client.Publish(cfg.topic, 1, false, payload)
			if ok := token.WaitTimeout(3 * time.Second); !ok {
				logger.Warn("publish timed out")
				publishTimeout.Inc()
				continue
			}
			if err := token.Error(); err != nil {
				logger.Error("publish failed", "error", err)
				publishFailure.Inc()
				continue
			}
			logger.Debug("published reading",
				"topic", cfg.topic,
				"fix", int(reading.FixQuality),
				"latitude", reading.Latitude,
				"longitude", reading.Longitude,
				"batt_mv", reading.BattMillivolts,
			)
			publishSuccess.Inc()
		}
	}
}
