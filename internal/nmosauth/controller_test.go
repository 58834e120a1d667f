package nmosauth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmos-node/core/internal/discovery"
)

func TestClientRegistration_Expired(t *testing.T) {
	reg := &ClientRegistration{}
	assert.False(t, reg.Expired(), "zero ExpiresAt means never expires")

	reg.ExpiresAt = time.Now().Add(-time.Hour)
	assert.True(t, reg.Expired())

	reg.ExpiresAt = time.Now().Add(time.Hour)
	assert.False(t, reg.Expired())
}

func TestWriteAndReadRegistration_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.json")

	reg := &ClientRegistration{
		ClientID:         "nmos-node-seed",
		ClientSecretHash: "hashed",
		ExpiresAt:        time.Now().Add(time.Hour).Truncate(time.Second),
	}
	require.NoError(t, writeRegistration(path, reg))

	loaded, err := readRegistration(path)
	require.NoError(t, err)
	assert.Equal(t, reg.ClientID, loaded.ClientID)
	assert.Equal(t, reg.ClientSecretHash, loaded.ClientSecretHash)
	assert.True(t, reg.ExpiresAt.Equal(loaded.ExpiresAt))
}

func TestReadRegistration_MissingFile(t *testing.T) {
	_, err := readRegistration(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestRandomInterval_WithinBounds(t *testing.T) {
	min, max := time.Second, 5*time.Second
	for i := 0; i < 50; i++ {
		d := randomInterval(min, max)
		assert.GreaterOrEqual(t, d, min)
		assert.Less(t, d, max)
	}
}

func TestRandomInterval_MaxNotGreaterThanMin(t *testing.T) {
	assert.Equal(t, time.Second, randomInterval(time.Second, time.Second))
	assert.Equal(t, 2*time.Second, randomInterval(2*time.Second, time.Second))
}

func TestAuthServerURL(t *testing.T) {
	http := discovery.Instance{Host: "auth.example.com", Port: 443, TXT: map[string]string{}}
	assert.Equal(t, "http://auth.example.com:443", authServerURL(http))

	https := discovery.Instance{Host: "auth.example.com", Port: 443, TXT: map[string]string{"api_proto": "https"}}
	assert.Equal(t, "https://auth.example.com:443", authServerURL(https))
}

func TestController_RequestIssuerKeys_DoesNotBlockWhenFull(t *testing.T) {
	c := New(discovery.NewFake(), nil, nil, Config{SeedID: "seed", RegistrationDir: t.TempDir()})
	for i := 0; i < 16; i++ {
		c.RequestIssuerKeys("https://issuer.example.com")
	}
	// Should not block or panic even once the channel buffer is exceeded.
}
