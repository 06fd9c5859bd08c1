package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fluxbase-eu/fluxgate/internal/auth"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identityApp(handlers ...fiber.Handler) *fiber.App {
	app := fiber.New()
	for _, h := range handlers {
		app.Use(h)
	}
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(ScopeFromContext(c))
	})
	return app
}

func getScope(t *testing.T, app *fiber.App, header string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(fiber.HeaderAuthorization, header)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestOptionalAuth(t *testing.T) {
	manager := auth.NewJWTManager("secret", "fluxgate", time.Hour)
	app := identityApp(OptionalAuth(manager))

	token, _, err := manager.GenerateToken("alice", "acme", "")
	require.NoError(t, err)

	t.Run("valid bearer token", func(t *testing.T) {
		status, scope := getScope(t, app, "Bearer "+token)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "alice", scope["UserID"])
		assert.Equal(t, "acme", scope["TenantID"])
	})

	t.Run("scheme is case insensitive", func(t *testing.T) {
		_, scope := getScope(t, app, "bearer "+token)
		assert.Equal(t, "alice", scope["UserID"])
	})

	t.Run("no token is anonymous", func(t *testing.T) {
		status, scope := getScope(t, app, "")
		assert.Equal(t, http.StatusOK, status)
		assert.Empty(t, scope["UserID"])
		assert.NotEmpty(t, scope["IPAddress"])
	})

	t.Run("invalid token is anonymous", func(t *testing.T) {
		status, scope := getScope(t, app, "Bearer nope")
		assert.Equal(t, http.StatusOK, status)
		assert.Empty(t, scope["UserID"])
	})
}

func TestRequireAuth(t *testing.T) {
	manager := auth.NewJWTManager("secret", "fluxgate", time.Hour)
	app := identityApp(RequireAuth(manager))

	t.Run("missing token", func(t *testing.T) {
		status, body := getScope(t, app, "")
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "UNAUTHENTICATED", body["code"])
	})

	t.Run("invalid token", func(t *testing.T) {
		status, body := getScope(t, app, "Bearer invalid")
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "Invalid or expired token", body["error"])
	})

	t.Run("valid token", func(t *testing.T) {
		token, _, err := manager.GenerateToken("bob", "", "")
		require.NoError(t, err)

		status, scope := getScope(t, app, "Bearer "+token)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "bob", scope["UserID"])
	})
}
