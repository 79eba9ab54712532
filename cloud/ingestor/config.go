package main

import (
	"os"
	"strconv"
	"time"

	"github.com/jakobscode/gnss-tracker/pkg/derive"
	"github.com/jakobscode/gnss-tracker/pkg/history"
)

const (
	authModeKeyring = "keyring"
	authModeRemote  = "remote"
)

type config struct {
	addr        string
	metricsAddr string
	dbPath      string

	authMode         string
	keyringPath      string
	authServiceURL   string
	authServiceToken string
	authCacheTTL     time.Duration

	sessionSecret string
	sessionIssuer string

	authTimeout  time.Duration
	storeTimeout time.Duration
	historyLimit int
	derive       derive.Config
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

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		logger.Warn("invalid env var, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return d
}

func newConfig() config {
	def := derive.DefaultConfig()
	return config{
		addr:             getEnv("INGESTOR_ADDR", ":8080"),
		metricsAddr:      getEnv("METRICS_ADDR", ":9091"),
		dbPath:           getEnv("INGESTOR_DB_PATH", "/tmp/trackers.db"),
		authMode:         getEnv("AUTH_MODE", authModeKeyring),
		keyringPath:      getEnv("KEYRING_PATH", "/etc/tracker/keyring.yaml"),
		authServiceURL:   getEnv("AUTH_SERVICE_URL", "http://auth:3000/api/auth"),
		authServiceToken: getEnv("AUTH_SERVICE_TOKEN", ""),
		authCacheTTL:     getEnvDuration("AUTH_CACHE_TTL", 30*time.Second),
		sessionSecret:    getEnv("SESSION_SECRET", ""),
		sessionIssuer:    getEnv("SESSION_ISSUER", ""),
		authTimeout:      getEnvDuration("AUTH_TIMEOUT", 3*time.Second),
		storeTimeout:     getEnvDuration("STORE_TIMEOUT", 5*time.Second),
		historyLimit:     getEnvInt("HISTORY_LIMIT", history.DefaultLimit),
		derive: derive.Config{
			UEREMeters:             getEnvFloat("DERIVE_UERE_M", def.UEREMeters),
			BatteryEmptyMillivolts: getEnvFloat("BATTERY_EMPTY_MV", def.BatteryEmptyMillivolts),
			BatteryFullMillivolts:  getEnvFloat("BATTERY_FULL_MV", def.BatteryFullMillivolts),
			SensorOffsetMillivolts: getEnvFloat("BATTERY_SENSOR_OFFSET_MV", def.SensorOffsetMillivolts),
		},
	}
}
