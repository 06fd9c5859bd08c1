package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestLoadOrCreate(t *testing.T) {
	t.Run("missing file yields empty config", func(t *testing.T) {
		cfg, err := LoadOrCreate(filepath.Join(t.TempDir(), "config.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Version, cfg.Version)
		assert.Empty(t, cfg.Profiles)
		assert.Equal(t, "table", cfg.Defaults.Output)
	})

	t.Run("invalid yaml is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("profiles: [\n"), 0600))

		_, err := LoadOrCreate(path)
		assert.ErrorContains(t, err, "failed to parse config file")
	})
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := New()
	cfg.SetProfile(&Profile{
		Name:            "dev",
		Server:          "http://localhost:8080",
		CredentialStore: StoreFile,
		Credentials:     &Credentials{Token: "tok"},
	})
	cfg.CurrentProfile = "dev"
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	profile, err := loaded.GetProfile("")
	require.NoError(t, err)
	assert.Equal(t, "dev", profile.Name)
	assert.Equal(t, "tok", profile.Credentials.Token)
}

func TestProfiles(t *testing.T) {
	cfg := New()

	_, err := cfg.GetProfile("")
	assert.ErrorIs(t, err, ErrNoProfile)

	cfg.SetProfile(&Profile{Name: "b"})
	cfg.SetProfile(&Profile{Name: "a"})
	cfg.CurrentProfile = "b"
	assert.Equal(t, []string{"a", "b"}, cfg.ListProfiles())

	require.NoError(t, cfg.DeleteProfile("b"))
	assert.Equal(t, "a", cfg.CurrentProfile)
	assert.Error(t, cfg.DeleteProfile("missing"))

	_, err = cfg.GetProfile("missing")
	assert.ErrorContains(t, err, "not found")
}

func TestProfile_BaseURL(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		want    string
	}{
		{"default prefix", Profile{Server: "http://localhost:8080"}, "http://localhost:8080/api/v1"},
		{"trailing slash", Profile{Server: "http://localhost:8080/"}, "http://localhost:8080/api/v1"},
		{"custom prefix", Profile{Server: "https://gw.example.com", APIPrefix: "/v2/"}, "https://gw.example.com/v2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.profile.BaseURL())
		})
	}
}

func TestNormalizeServer(t *testing.T) {
	assert.Equal(t, "https://example.com", NormalizeServer(" example.com/ "))
	assert.Equal(t, "http://localhost:8080", NormalizeServer("http://localhost:8080/"))
}

func TestCredentials_IsTokenExpired(t *testing.T) {
	var nilCreds *Credentials
	assert.False(t, nilCreds.IsTokenExpired())
	assert.False(t, (&Credentials{Token: "t"}).IsTokenExpired())
	assert.True(t, (&Credentials{ExpiresAt: time.Now().Add(-time.Minute).Unix()}).IsTokenExpired())
	assert.False(t, (&Credentials{ExpiresAt: time.Now().Add(time.Hour).Unix()}).IsTokenExpired())
}

func TestCredentialManager(t *testing.T) {
	t.Run("keychain when available", func(t *testing.T) {
		keyring.MockInit()

		cfg := New()
		cfg.SetProfile(&Profile{Name: "dev"})
		m := NewCredentialManager(cfg)

		store, err := m.SaveCredentials("dev", &Credentials{Token: "secret"}, true)
		require.NoError(t, err)
		assert.Equal(t, StoreKeychain, store)
		assert.Nil(t, cfg.Profiles["dev"].Credentials, "token must not be written to the file")

		creds, err := m.GetCredentials("dev")
		require.NoError(t, err)
		assert.Equal(t, "secret", creds.Token)

		require.NoError(t, m.DeleteCredentials("dev"))
		creds, err = m.GetCredentials("dev")
		require.NoError(t, err)
		assert.Nil(t, creds)
	})

	t.Run("falls back to file without keychain", func(t *testing.T) {
		keyring.MockInitWithError(errors.New("no secret service"))

		cfg := New()
		cfg.SetProfile(&Profile{Name: "dev"})
		m := NewCredentialManager(cfg)

		store, err := m.SaveCredentials("dev", &Credentials{Token: "secret"}, true)
		require.NoError(t, err)
		assert.Equal(t, StoreFile, store)
		assert.Equal(t, "secret", cfg.Profiles["dev"].Credentials.Token)

		creds, err := m.GetCredentials("dev")
		require.NoError(t, err)
		assert.Equal(t, "secret", creds.Token)
	})

	t.Run("unknown profile", func(t *testing.T) {
		m := NewCredentialManager(New())
		_, err := m.SaveCredentials("nope", &Credentials{}, false)
		assert.Error(t, err)
	})
}
