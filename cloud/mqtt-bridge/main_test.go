package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jakobscode/gnss-tracker/pkg/models"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func testConfig(ingestorURL string) config {
	return config{
		mqttBroker:      "tcp://localhost:1883",
		mqttClientID:    "bridge-test",
		mqttTopic:       "trackers/telemetry",
		ingestorURL:     ingestorURL,
		metricsAddr:     ":0",
		queueSize:       64,
		workers:         2,
		maxAttempts:     5,
		baseDelay:       10 * time.Millisecond,
		shutdownTimeout: 2 * time.Second,
	}
}

func testBridge(ingestorURL string) *bridge {
	return newBridge(testConfig(ingestorURL))
}

const readingJSON = `{"isFix":3,"latitude":48.1,"batt_mv":4012}`

func testEnvelope() models.Envelope {
	return models.Envelope{APIKey: "device-key", Reading: []byte(readingJSON)}
}

func statusServer(t *testing.T, calls *atomic.Int32, status func(n int32) int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		w.WriteHeader(status(n))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ---------------------------------------------------------------------------
// config parsing
// ---------------------------------------------------------------------------

func TestGetEnvInt_Defaults(t *testing.T) {
	if got := getEnvInt("BRIDGE_QUEUE_SIZE_UNSET_XYZ", 1000); got != 1000 {
		t.Fatalf("expected 1000, got %d", got)
	}
}

func TestGetEnvInt_Invalid(t *testing.T) {
	t.Setenv("BRIDGE_QUEUE_SIZE_TEST", "not-a-number")
	if got := getEnvInt("BRIDGE_QUEUE_SIZE_TEST", 42); got != 42 {
		t.Fatalf("expected fallback 42, got %d", got)
	}
}

func TestGetEnvInt_Zero(t *testing.T) {
	t.Setenv("BRIDGE_WORKERS_TEST", "0")
	if got := getEnvInt("BRIDGE_WORKERS_TEST", 16); got != 16 {
		t.Fatalf("expected fallback 16 for zero value, got %d", got)
	}
}

func TestGetEnvDuration_Invalid(t *testing.T) {
	t.Setenv("SHUTDOWN_TIMEOUT_TEST", "notaduration")
	if got := getEnvDuration("SHUTDOWN_TIMEOUT_TEST", 10*time.Second); got != 10*time.Second {
		t.Fatalf("expected fallback 10s, got %v", got)
	}
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg := newConfig()
	if cfg.mqttTopic != "trackers/telemetry" || cfg.maxAttempts != 5 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestBackoff(t *testing.T) {
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, 1600 * time.Millisecond}
	for i, w := range want {
		if got := backoff(200*time.Millisecond, i+1); got != w {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

// ---------------------------------------------------------------------------
// process: envelope handling
// ---------------------------------------------------------------------------

func TestProcess_BadEnvelopeNotForwarded(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, &calls, func(int32) int { return http.StatusAccepted })
	b := testBridge(srv.URL)

	before := testutil.ToFloat64(messagesInvalid)
	for _, msg := range []string{"{not json}", `{"reading":{}}`, `{"api_key":"k","reading":[1]}`} {
		b.process(context.Background(), []byte(msg))
	}
	if got := testutil.ToFloat64(messagesInvalid) - before; got != 3 {
		t.Fatalf("want 3 invalid messages counted, got %v", got)
	}
	if calls.Load() != 0 {
		t.Fatalf("bad envelopes must not reach the ingestor, got %d calls", calls.Load())
	}
}

// The reading is forwarded byte for byte with the envelope key as X-API-Key.
func TestProcess_ForwardsReadingWithKey(t *testing.T) {
	var (
		gotKey  string
		gotBody string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	b := testBridge(srv.URL)
	before := testutil.ToFloat64(forwardSuccess)
	b.process(context.Background(), []byte(`{"api_key":"device-key","reading":`+readingJSON+`}`))

	if gotKey != "device-key" {
		t.Fatalf("want X-API-Key device-key, got %q", gotKey)
	}
	if gotBody != readingJSON {
		t.Fatalf("want body %s, got %s", readingJSON, gotBody)
	}
	if got := testutil.ToFloat64(forwardSuccess) - before; got != 1 {
		t.Fatalf("want 1 forward success, got %v", got)
	}
}

func TestProcess_RejectionCountedByStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"unauthorized","message":"missing or invalid credential"}`)
	}))
	defer srv.Close()

	b := testBridge(srv.URL)
	before := testutil.ToFloat64(forwardRejected.WithLabelValues("401"))
	b.process(context.Background(), []byte(`{"api_key":"bad","reading":{}}`))
	if got := testutil.ToFloat64(forwardRejected.WithLabelValues("401")) - before; got != 1 {
		t.Fatalf("want 1 rejection with status 401, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// forward: HTTP status classification
// ---------------------------------------------------------------------------

func TestForward_SuccessOn202(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, &calls, func(int32) int { return http.StatusAccepted })

	if err := testBridge(srv.URL).forward(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("expected nil error on 202, got: %v", err)
	}
}

func TestForward_NonRetryableOn4xx(t *testing.T) {
	for _, status := range []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusUnprocessableEntity,
	} {
		var calls atomic.Int32
		srv := statusServer(t, &calls, func(int32) int { return status })

		err := testBridge(srv.URL).forward(context.Background(), testEnvelope())
		var rej *rejectedError
		if !errors.As(err, &rej) || rej.status != status {
			t.Fatalf("status %d: want rejectedError, got %v", status, err)
		}
		if calls.Load() != 1 {
			t.Fatalf("%d should not be retried, got %d calls", status, calls.Load())
		}
	}
}

func TestForward_RejectionCarriesErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"error":"validation_failed","message":"x","issues":[]}`)
	}))
	defer srv.Close()

	err := testBridge(srv.URL).forward(context.Background(), testEnvelope())
	var rej *rejectedError
	if !errors.As(err, &rej) || rej.code != "validation_failed" {
		t.Fatalf("want validation_failed rejection, got %v", err)
	}
}

func TestForward_RetriesOn503(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, &calls, func(int32) int { return http.StatusServiceUnavailable })

	b := testBridge(srv.URL)
	err := b.forward(context.Background(), testEnvelope())
	if err == nil {
		t.Fatal("expected error after exhausting retries on 503")
	}
	if got := calls.Load(); int(got) != b.cfg.maxAttempts {
		t.Fatalf("expected %d attempts on 503, got %d", b.cfg.maxAttempts, got)
	}
}

func TestForward_RetriesOn500ThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, &calls, func(n int32) int {
		if n < 3 {
			return http.StatusInternalServerError
		}
		return http.StatusAccepted
	})

	if err := testBridge(srv.URL).forward(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls (2 failures + 1 success), got %d", got)
	}
}

func TestForward_ContextCancelledDuringBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, &calls, func(int32) int { return http.StatusServiceUnavailable })

	cfg := testConfig(srv.URL)
	cfg.baseDelay = time.Second
	b := newBridge(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel while the first backoff sleep is in progress.
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if err := b.forward(ctx, testEnvelope()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 call before cancel, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// queue drop rate limiting
// ---------------------------------------------------------------------------

func TestDropLog_RateLimited(t *testing.T) {
	b := testBridge("http://127.0.0.1:0")

	b.logDropRateLimited()
	first := b.dropLogAt.Load()
	if first == 0 {
		t.Fatal("expected dropLogAt to be set after first call")
	}

	b.logDropRateLimited()
	if b.dropLogAt.Load() != first {
		t.Fatal("dropLogAt must not change within the 1-second rate-limit window")
	}
}

// ---------------------------------------------------------------------------
// worker pool drains queue on close
// ---------------------------------------------------------------------------

func TestWorkers_DrainOnClose(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, &calls, func(int32) int { return http.StatusAccepted })

	cfg := testConfig(srv.URL)
	cfg.workers = 4
	b := newBridge(cfg)

	wg := b.startWorkers(context.Background())

	const n = 10
	msg := []byte(`{"api_key":"device-key","reading":` + readingJSON + `}`)
	for range n {
		b.queue <- msg
		queueDepth.Inc()
	}
	close(b.queue)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not finish draining within 5 s")
	}
	if got := calls.Load(); got != n {
		t.Fatalf("want %d forwards, got %d", n, got)
	}
}
