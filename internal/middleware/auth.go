package middleware

import (
	"strings"

	"github.com/fluxbase-eu/fluxgate/internal/auth"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// Locals keys set by the auth middleware
const (
	LocalUserID   = "user_id"
	LocalTenantID = "tenant_id"
	LocalUserRole = "user_role"
)

// TokenValidator verifies a bearer token. *auth.JWTManager implements it.
type TokenValidator interface {
	ValidateToken(token string) (*auth.TokenClaims, error)
}

func bearerToken(c *fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	if header == "" {
		return ""
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

func storeClaims(c *fiber.Ctx, claims *auth.TokenClaims) {
	c.Locals(LocalUserID, claims.UserID)
	c.Locals(LocalTenantID, claims.TenantID)
	c.Locals(LocalUserRole, claims.Role)
}

// OptionalAuth validates a bearer token when one is present. Requests
// without a valid token continue anonymously.
func OptionalAuth(validator TokenValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c)
		if token == "" {
			return c.Next()
		}

		claims, err := validator.ValidateToken(token)
		if err != nil {
			log.Debug().Err(err).Str("path", c.Path()).Msg("Invalid token in optional auth")
			return c.Next()
		}

		storeClaims(c, claims)
		return c.Next()
	}
}

// RequireAuth rejects requests without a valid bearer token
func RequireAuth(validator TokenValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c)
		if token == "" {
			return unauthorized(c, "Missing authorization header")
		}

		claims, err := validator.ValidateToken(token)
		if err != nil {
			log.Debug().Err(err).Str("path", c.Path()).Msg("Invalid token")
			return unauthorized(c, "Invalid or expired token")
		}

		storeClaims(c, claims)
		return c.Next()
	}
}

func unauthorized(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error":      message,
		"code":       "UNAUTHENTICATED",
		"request_id": requestID(c),
	})
}

// GetUserID returns the authenticated user id, if any
func GetUserID(c *fiber.Ctx) (string, bool) {
	id, ok := c.Locals(LocalUserID).(string)
	return id, ok && id != ""
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok && id != "" {
		return id
	}
	return c.Get(fiber.HeaderXRequestID)
}
