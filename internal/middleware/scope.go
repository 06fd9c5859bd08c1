package middleware

import (
	"github.com/fluxbase-eu/fluxgate/internal/ratelimit"
	"github.com/gofiber/fiber/v2"
)

// ScopeFromContext builds the rate limit scope of a request from the
// identity stored by the auth middleware and the client IP. Requests without
// a user are anonymous.
func ScopeFromContext(c *fiber.Ctx) ratelimit.Scope {
	scope := ratelimit.Scope{IPAddress: c.IP()}
	if userID, ok := GetUserID(c); ok {
		scope.UserID = userID
		if tenantID, ok := c.Locals(LocalTenantID).(string); ok {
			scope.TenantID = tenantID
		}
	}
	return scope
}
