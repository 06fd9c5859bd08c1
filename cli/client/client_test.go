package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fluxbase-eu/fluxgate/cli/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   string
}

func newTestServer(t *testing.T, status int, response string, headers map[string]string) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.method = r.Method
		rec.path = r.URL.EscapedPath()
		rec.auth = r.Header.Get("Authorization")
		rec.body = string(body)

		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestRateLimitStatus(t *testing.T) {
	srv, rec := newTestServer(t, http.StatusOK,
		`{"key":"user:1","allowed":true,"current":2,"limit":10,"remaining":8,"resetAt":"2026-01-01T00:00:00Z","strategy":"sliding-window"}`, nil)

	c := NewClient(srv.URL+"/api/v1", WithToken("tok"))

	status, err := c.RateLimitStatus(t.Context(), "user:1")
	require.NoError(t, err)
	assert.Equal(t, "GET", rec.method)
	assert.Equal(t, "/api/v1/rate-limit/status/user:1", rec.path)
	assert.Equal(t, "Bearer tok", rec.auth)
	assert.Equal(t, int64(8), status.Remaining)
	assert.Equal(t, "sliding-window", status.Strategy)
	assert.Equal(t, 2026, status.ResetAt.Year())

	_, err = c.RateLimitStatus(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/rate-limit/status", rec.path)

	_, err = c.RateLimitStatus(t.Context(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/rate-limit/status/a%2Fb", rec.path)
}

func TestClearRateLimit(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv, rec := newTestServer(t, http.StatusNoContent, "", nil)
		c := NewClient(srv.URL + "/api/v1")

		require.NoError(t, c.ClearRateLimit(t.Context(), "login"))
		assert.Equal(t, "DELETE", rec.method)
		assert.Equal(t, "/api/v1/rate-limit/clear/login", rec.path)
		assert.Empty(t, rec.auth)
	})

	t.Run("api error", func(t *testing.T) {
		srv, _ := newTestServer(t, http.StatusUnauthorized,
			`{"error":"Authentication required","code":"UNAUTHENTICATED","request_id":"r1"}`, nil)
		c := NewClient(srv.URL + "/api/v1")

		err := c.ClearRateLimit(t.Context(), "login")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
		assert.Equal(t, "UNAUTHENTICATED", apiErr.Code)
		assert.Equal(t, "r1", apiErr.RequestID)
		assert.Equal(t, "Authentication required (UNAUTHENTICATED)", apiErr.Error())
	})
}

func TestUpdateRateLimitConfig(t *testing.T) {
	srv, rec := newTestServer(t, http.StatusOK, `{"strategy":"token-bucket","windowMs":1000,"maxRequests":5}`, nil)
	c := NewClient(srv.URL + "/api/v1/")

	strategy := "token-bucket"
	maxRequests := int64(5)
	d, err := c.UpdateRateLimitConfig(t.Context(), LimitDefaultsUpdate{Strategy: &strategy, MaxRequests: &maxRequests})
	require.NoError(t, err)

	assert.Equal(t, "PUT", rec.method)
	assert.Equal(t, "/api/v1/rate-limit/config", rec.path)

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(rec.body), &sent))
	assert.Equal(t, map[string]interface{}{"strategy": "token-bucket", "maxRequests": float64(5)}, sent)

	assert.Equal(t, int64(1000), d.WindowMs)
}

func TestAPIError(t *testing.T) {
	t.Run("rate limited carries retry after", func(t *testing.T) {
		srv, _ := newTestServer(t, http.StatusTooManyRequests,
			`{"error":"Rate limit exceeded","code":"RATE_LIMITED"}`, map[string]string{"Retry-After": "12"})
		c := NewClient(srv.URL)

		_, err := c.RateLimitConfig(t.Context())
		assert.EqualError(t, err, "Rate limit exceeded (RATE_LIMITED), retry after 12s")
	})

	t.Run("non json body", func(t *testing.T) {
		srv, _ := newTestServer(t, http.StatusBadGateway, "upstream down\n", nil)
		c := NewClient(srv.URL)

		_, err := c.RateLimitConfig(t.Context())
		assert.EqualError(t, err, "upstream down")
	})
}

func TestNewProfileClient(t *testing.T) {
	cfg := config.New()
	profile := &config.Profile{
		Name:            "dev",
		Server:          "http://localhost:8080",
		CredentialStore: config.StoreFile,
		Credentials:     &config.Credentials{Token: "file-token"},
	}
	cfg.SetProfile(profile)

	c, err := NewProfileClient(cfg, profile)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api/v1", c.BaseURL)
	assert.Equal(t, "file-token", c.Token)

	c, err = NewProfileClient(cfg, profile, WithToken("env-token"))
	require.NoError(t, err)
	assert.Equal(t, "env-token", c.Token)
}

func TestNewProfileClient_ExpiredToken(t *testing.T) {
	cfg := config.New()
	profile := &config.Profile{
		Name:            "dev",
		Server:          "http://localhost:8080",
		CredentialStore: config.StoreFile,
		Credentials:     &config.Credentials{Token: "old", ExpiresAt: time.Now().Add(-time.Minute).Unix()},
	}
	cfg.SetProfile(profile)

	_, err := NewProfileClient(cfg, profile)
	assert.ErrorIs(t, err, ErrTokenExpired)

	c, err := NewProfileClient(cfg, profile, WithToken("fresh"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", c.Token)
}
