package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jakobscode/gnss-tracker/pkg/models"
)

type fakeAuth struct {
	keys  map[string]models.Verification
	err   error
	delay time.Duration
	calls int
}

func (f *fakeAuth) VerifyCapability(ctx context.Context, presented string, c models.Capability) (models.Verification, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return models.Verification{}, ctx.Err()
		}
	}
	if f.err != nil {
		return models.Verification{}, f.err
	}
	if c != models.CapabilitySubmitTelemetry {
		return models.Verification{}, nil
	}
	return f.keys[presented], nil
}

type fakeStore struct {
	mu   sync.Mutex
	rows []models.StoredReading
	err  error
}

func (f *fakeStore) Append(_ context.Context, r models.StoredReading) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.rows = append(f.rows, r)
	return int64(len(f.rows)), nil
}

var fixedNow = time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)

func newTestPipeline(auth *fakeAuth, store *fakeStore) *Pipeline {
	return New(auth, store, Options{Now: func() time.Time { return fixedNow }})
}

func validAuth() *fakeAuth {
	return &fakeAuth{keys: map[string]models.Verification{
		"secret-key": {Valid: true, CredentialID: "trk_1", PrincipalID: "user_1"},
	}}
}

func validPayload(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"isFix": 3, "gps_satellite_num": 8, "beidou_satellite_num": 3,
		"glonass_satellite_num": 5, "galileo_satellite_num": 4,
		"latitude": 52.52, "NS_indicator": "N", "longitude": 13.405, "EW_indicator": "E",
		"year": 2025, "month": 6, "day": 14, "hour": 11, "minute": 59, "second": 58,
		"altitude": 34, "speed": 0.4, "course": 90,
		"PDOP": 1.6, "HDOP": 0.8, "VDOP": 1.4, "GSV": 20, "GSU": 14,
		"batt_mv": 4100, "solar_mv": 5300,
		// Client-supplied provenance must be ignored.
		"credential_id": "someone-else", "recorded_at": "2001-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	return b
}

func TestIngest_Success(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(validAuth(), store)

	got, err := p.Ingest(context.Background(), "secret-key", validPayload(t))
	require.NoError(t, err)
	require.Equal(t, int64(1), got.ID)
	require.Equal(t, "trk_1", got.CredentialID)
	require.Equal(t, fixedNow, got.RecordedAt)
	require.Equal(t, 52.52, got.Latitude)
	require.Len(t, store.rows, 1)
	require.Equal(t, "trk_1", store.rows[0].CredentialID)
}

func TestIngest_NoDeduplication(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(validAuth(), store)

	a, err := p.Ingest(context.Background(), "secret-key", validPayload(t))
	require.NoError(t, err)
	b, err := p.Ingest(context.Background(), "secret-key", validPayload(t))
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
	require.Len(t, store.rows, 2)
}

func TestIngest_UnauthorizedBeforeParsing(t *testing.T) {
	for _, key := range []string{"", "wrong-key"} {
		store := &fakeStore{}
		p := newTestPipeline(validAuth(), store)

		// Garbage payload: an unauthenticated caller must see Unauthorized,
		// not a schema error.
		_, err := p.Ingest(context.Background(), key, []byte("{garbage"))
		require.ErrorIs(t, err, models.ErrUnauthorized, "key=%q", key)
		require.Empty(t, store.rows)
	}
}

func TestIngest_WrongCapabilityIsUnauthorized(t *testing.T) {
	auth := &fakeAuth{keys: map[string]models.Verification{"k": {Valid: false}}}
	_, err := newTestPipeline(auth, &fakeStore{}).Ingest(context.Background(), "k", validPayload(t))
	require.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestIngest_Malformed(t *testing.T) {
	store := &fakeStore{}
	_, err := newTestPipeline(validAuth(), store).Ingest(context.Background(), "secret-key", []byte(`[1,2]`))
	require.ErrorIs(t, err, models.ErrMalformedPayload)
	require.Equal(t, "malformed", Classify(err))
	require.Empty(t, store.rows)
}

func TestIngest_ValidationFailed(t *testing.T) {
	var m map[string]any
	require.NoError(t, json.Unmarshal(validPayload(t), &m))
	m["latitude"] = 200
	m["month"] = 13
	m["PDOP"] = -1
	body, err := json.Marshal(m)
	require.NoError(t, err)

	store := &fakeStore{}
	_, err = newTestPipeline(validAuth(), store).Ingest(context.Background(), "secret-key", body)
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Issues, 3)
	require.Equal(t, "invalid", Classify(err))
	require.Empty(t, store.rows)
}

func TestIngest_AuthUnavailable(t *testing.T) {
	auth := &fakeAuth{err: errors.New("connection refused")}
	_, err := newTestPipeline(auth, &fakeStore{}).Ingest(context.Background(), "secret-key", validPayload(t))
	require.ErrorIs(t, err, models.ErrAuthUnavailable)
	require.NotErrorIs(t, err, models.ErrUnauthorized)
	require.True(t, models.Retryable(err))
}

func TestIngest_AuthTimeoutIsUnavailable(t *testing.T) {
	auth := validAuth()
	auth.delay = time.Second
	p := New(auth, &fakeStore{}, Options{AuthTimeout: 10 * time.Millisecond})

	_, err := p.Ingest(context.Background(), "secret-key", validPayload(t))
	require.ErrorIs(t, err, models.ErrAuthUnavailable)
}

func TestIngest_StorageUnavailable(t *testing.T) {
	store := &fakeStore{err: errors.New("disk I/O error")}
	got, err := newTestPipeline(validAuth(), store).Ingest(context.Background(), "secret-key", validPayload(t))
	require.ErrorIs(t, err, models.ErrStorageUnavailable)
	require.Equal(t, "storage_unavailable", Classify(err))
	require.Zero(t, got.ID)
}

func TestClassify(t *testing.T) {
	require.Equal(t, "accepted", Classify(nil))
	require.Equal(t, "unauthorized", Classify(models.ErrUnauthorized))
	require.Equal(t, "auth_unavailable", Classify(models.ErrAuthUnavailable))
	require.Equal(t, "error", Classify(errors.New("boom")))
}
