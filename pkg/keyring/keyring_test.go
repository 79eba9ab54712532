package keyring

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jakobscode/gnss-tracker/pkg/models"
)

func testYAML() string {
	return fmt.Sprintf(`
credentials:
  - id: trk_boat
    name: Boat
    owner: alice
    keySha256: %s
    capabilities: ["telemetry:submit"]
  - id: trk_bike
    name: Bike
    owner: alice
    keySha256: %s
    capabilities: ["telemetry:submit"]
    disabled: true
  - id: trk_ro
    owner: bob
    keySha256: %s
    capabilities: []
`, HashKey("boat-key"), HashKey("bike-key"), HashKey("readonly-key"))
}

func TestVerifyCapability(t *testing.T) {
	k, err := Parse([]byte(testYAML()))
	require.NoError(t, err)
	require.Equal(t, 3, k.Len())
	ctx := context.Background()

	v, err := k.VerifyCapability(ctx, "boat-key", models.CapabilitySubmitTelemetry)
	require.NoError(t, err)
	require.Equal(t, models.Verification{Valid: true, CredentialID: "trk_boat", PrincipalID: "alice"}, v)

	for _, key := range []string{"bike-key", "readonly-key", "unknown", ""} {
		v, err := k.VerifyCapability(ctx, key, models.CapabilitySubmitTelemetry)
		require.NoError(t, err)
		require.False(t, v.Valid, "key %q", key)
	}
}

func TestResolveOwner(t *testing.T) {
	k, err := Parse([]byte(testYAML()))
	require.NoError(t, err)

	owner, err := k.ResolveOwner(context.Background(), "trk_ro")
	require.NoError(t, err)
	require.Equal(t, "bob", owner)

	_, err = k.ResolveOwner(context.Background(), "nope")
	require.ErrorIs(t, err, models.ErrCredentialNotFound)
}

func TestCredentialsOf(t *testing.T) {
	k, err := Parse([]byte(testYAML()))
	require.NoError(t, err)

	creds, err := k.CredentialsOf(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, []models.Credential{
		{ID: "trk_bike", Name: "Bike", OwnerID: "alice", Enabled: false},
		{ID: "trk_boat", Name: "Boat", OwnerID: "alice", Enabled: true},
	}, creds)

	none, err := k.CredentialsOf(context.Background(), "carol")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestNew_RejectsBadEntries(t *testing.T) {
	h := HashKey("x")
	cases := map[string][]Entry{
		"missing id":    {{Owner: "a", KeySHA256: h}},
		"missing owner": {{ID: "a", KeySHA256: h}},
		"short hash":    {{ID: "a", Owner: "a", KeySHA256: "abc"}},
		"non-hex hash":  {{ID: "a", Owner: "a", KeySHA256: "zz" + h[2:]}},
		"duplicate id":  {{ID: "a", Owner: "a", KeySHA256: h}, {ID: "a", Owner: "a", KeySHA256: HashKey("y")}},
		"duplicate key": {{ID: "a", Owner: "a", KeySHA256: h}, {ID: "b", Owner: "a", KeySHA256: h}},
	}
	for name, entries := range cases {
		_, err := New(entries)
		require.Error(t, err, name)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML()), 0o600))

	k, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, k.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_ExampleKeyring(t *testing.T) {
	k, err := Load(filepath.Join("..", "..", "deploy", "keyring.example.yaml"))
	require.NoError(t, err)
	require.Equal(t, 2, k.Len())

	v, err := k.VerifyCapability(context.Background(), "test", models.CapabilitySubmitTelemetry)
	require.NoError(t, err)
	require.True(t, v.Valid)
	require.Equal(t, "trk-0001", v.CredentialID)

	v, err = k.VerifyCapability(context.Background(), "test2", models.CapabilitySubmitTelemetry)
	require.NoError(t, err)
	require.False(t, v.Valid, "disabled credential must not verify")
}
