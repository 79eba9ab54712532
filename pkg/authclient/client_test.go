package authclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jakobscode/gnss-tracker/pkg/models"
)

type fakeService struct {
	verifyCalls atomic.Int32
	getCalls    atomic.Int32
	failing     atomic.Bool
}

func (f *fakeService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/api-key/verify", func(w http.ResponseWriter, r *http.Request) {
		f.verifyCalls.Add(1)
		if f.failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		require.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))
		var req verifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []string{"submit"}, req.Permissions["telemetry"])

		resp := verifyResponse{}
		if req.Key == "good-key" {
			resp = verifyResponse{Valid: true, Key: &apiKey{ID: "trk_1", UserID: "alice"}}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("GET /auth/api-key/get", func(w http.ResponseWriter, r *http.Request) {
		f.getCalls.Add(1)
		switch r.URL.Query().Get("id") {
		case "trk_1":
			_ = json.NewEncoder(w).Encode(apiKey{ID: "trk_1", UserID: "alice", Enabled: true})
		case "trk_2":
			_ = json.NewEncoder(w).Encode(apiKey{ID: "trk_2", UserID: "bob", Enabled: true})
		default:
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		}
	})
	mux.HandleFunc("GET /auth/api-key/list", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "alice", r.URL.Query().Get("userId"))
		_ = json.NewEncoder(w).Encode([]apiKey{
			{ID: "trk_1", Name: "Boat", UserID: "alice", Enabled: true},
			{ID: "trk_x", Name: "Leak", UserID: "mallory", Enabled: true},
		})
	})
	return mux
}

func newTestClient(t *testing.T, ttl time.Duration) (*Client, *fakeService) {
	t.Helper()
	svc := &fakeService{}
	srv := httptest.NewServer(svc.handler(t))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL+"/auth", "svc-token", srv.Client(), ttl)
	require.NoError(t, err)
	return c, svc
}

func TestVerifyCapability(t *testing.T) {
	c, svc := newTestClient(t, time.Minute)
	ctx := context.Background()

	v, err := c.VerifyCapability(ctx, "good-key", models.CapabilitySubmitTelemetry)
	require.NoError(t, err)
	require.Equal(t, models.Verification{Valid: true, CredentialID: "trk_1", PrincipalID: "alice"}, v)

	// Second call is served from the cache.
	_, err = c.VerifyCapability(ctx, "good-key", models.CapabilitySubmitTelemetry)
	require.NoError(t, err)
	require.Equal(t, int32(1), svc.verifyCalls.Load())

	// Negative answers are not cached.
	for range 2 {
		v, err = c.VerifyCapability(ctx, "bad-key", models.CapabilitySubmitTelemetry)
		require.NoError(t, err)
		require.False(t, v.Valid)
	}
	require.Equal(t, int32(3), svc.verifyCalls.Load())
}

func TestVerifyCapability_ServiceFailure(t *testing.T) {
	c, svc := newTestClient(t, 0)
	svc.failing.Store(true)

	_, err := c.VerifyCapability(context.Background(), "good-key", models.CapabilitySubmitTelemetry)
	require.Error(t, err)
	require.Contains(t, err.Error(), "HTTP 502")
}

func TestResolveOwner(t *testing.T) {
	c, svc := newTestClient(t, time.Minute)
	ctx := context.Background()

	owner, err := c.ResolveOwner(ctx, "trk_2")
	require.NoError(t, err)
	require.Equal(t, "bob", owner)

	owner, err = c.ResolveOwner(ctx, "trk_2")
	require.NoError(t, err)
	require.Equal(t, "bob", owner)
	require.Equal(t, int32(1), svc.getCalls.Load())

	_, err = c.ResolveOwner(ctx, "trk_missing")
	require.ErrorIs(t, err, models.ErrCredentialNotFound)
}

func TestResolveOwner_PrimedByVerify(t *testing.T) {
	c, svc := newTestClient(t, time.Minute)
	ctx := context.Background()

	_, err := c.VerifyCapability(ctx, "good-key", models.CapabilitySubmitTelemetry)
	require.NoError(t, err)
	owner, err := c.ResolveOwner(ctx, "trk_1")
	require.NoError(t, err)
	require.Equal(t, "alice", owner)
	require.Zero(t, svc.getCalls.Load())
}

func TestCredentialsOf_FiltersForeignKeys(t *testing.T) {
	c, _ := newTestClient(t, 0)

	creds, err := c.CredentialsOf(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, []models.Credential{{ID: "trk_1", Name: "Boat", OwnerID: "alice", Enabled: true}}, creds)
}

func TestNewClient_NilHTTPClient(t *testing.T) {
	_, err := NewClient("http://auth.local", "", nil, time.Minute)
	require.Error(t, err)
}
