package ratelimit

import (
	"encoding/json"
	"errors"
	"net/url"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// ScopeFunc extracts the caller's scope from a request
type ScopeFunc func(c *fiber.Ctx) Scope

// Handler exposes the rate limit service over HTTP
type Handler struct {
	service *Service
	scope   ScopeFunc
}

// NewHandler creates a rate limit handler. scope resolves the caller
// identity; nil treats every caller as anonymous and keyed by IP.
func NewHandler(service *Service, scope ScopeFunc) *Handler {
	if scope == nil {
		scope = func(c *fiber.Ctx) Scope { return Scope{IPAddress: c.IP()} }
	}
	return &Handler{service: service, scope: scope}
}

// RegisterRoutes mounts the handler on router
func (h *Handler) RegisterRoutes(router fiber.Router) {
	router.Get("/status", h.GetStatus)
	router.Get("/status/:key", h.GetStatus)
	router.Delete("/clear/:key", h.ClearLimit)
	router.Get("/config", h.GetConfig)
	router.Put("/config", h.UpdateConfig)
}

// DefaultKey is the limit key used when a request names none: the user for
// authenticated callers, otherwise the client IP.
func DefaultKey(scope Scope) string {
	if !scope.Anonymous() {
		return "user:" + scope.UserID
	}
	return "ip:" + scope.IPAddress
}

// GetStatus reports the current limit state without consuming anything.
// GET /status[/:key]
func (h *Handler) GetStatus(c *fiber.Ctx) error {
	scope := h.scope(c)

	key, err := keyParam(c)
	if err != nil {
		return h.fail(c, err)
	}
	if key == "" {
		key = DefaultKey(scope)
	}

	result, err := h.service.CheckLimit(c.UserContext(), key, CheckOptions{Scope: scope})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(result)
}

// ClearLimit deletes the caller's records for a key.
// DELETE /clear/:key
func (h *Handler) ClearLimit(c *fiber.Ctx) error {
	scope := h.scope(c)
	if scope.Anonymous() {
		return h.fail(c, ErrUnauthenticated)
	}

	key, err := keyParam(c)
	if err != nil {
		return h.fail(c, err)
	}

	if _, err := h.service.ClearLimit(c.UserContext(), key, scope); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// GetConfig returns the runtime defaults.
// GET /config
func (h *Handler) GetConfig(c *fiber.Ctx) error {
	return c.JSON(h.service.GetDefaults())
}

// UpdateConfig validates and applies a partial update of the defaults.
// PUT /config
func (h *Handler) UpdateConfig(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) == 0 {
		return h.fail(c, newConfigError("", "request body is required"))
	}

	var update DefaultsUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return h.fail(c, decodeError(err))
	}

	defaults, err := h.service.SetDefaults(c.UserContext(), update)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(defaults)
}

func keyParam(c *fiber.Ctx) (string, error) {
	raw := c.Params("key")
	key, err := url.PathUnescape(raw)
	if err != nil {
		return "", newConfigError("key", "invalid escaping in %q", raw)
	}
	return key, nil
}

// decodeError turns JSON decoding failures into client errors
func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		switch typeErr.Field {
		case "windowMs", "maxRequests":
			return newConfigError(typeErr.Field, "must be a positive number")
		case "":
			return newConfigError("", "request body must be a JSON object")
		default:
			return newConfigError(typeErr.Field, "must be a %s", typeErr.Type.Kind())
		}
	}
	return newConfigError("", "invalid JSON body: %v", err)
}

// errorResponse mirrors the API-wide error body
type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok && id != "" {
		return id
	}
	return c.Get(fiber.HeaderXRequestID)
}

// fail maps service errors to HTTP responses. Scope violations surface as
// not found so keys cannot be enumerated.
func (h *Handler) fail(c *fiber.Ctx, err error) error {
	resp := errorResponse{RequestID: requestID(c)}
	status := fiber.StatusInternalServerError

	var cfgErr *ConfigError
	switch {
	case errors.As(err, &cfgErr):
		status = fiber.StatusBadRequest
		resp.Error = "Invalid rate limit request"
		resp.Code = "INVALID_CONFIG"
		resp.Message = cfgErr.Error()
	case errors.Is(err, ErrUnauthenticated):
		status = fiber.StatusUnauthorized
		resp.Error = "Authentication required"
		resp.Code = "UNAUTHENTICATED"
	case errors.Is(err, ErrNotFound):
		status = fiber.StatusNotFound
		resp.Error = "Rate limit not found"
		resp.Code = "NOT_FOUND"
	case errors.Is(err, ErrStoreUnavailable):
		status = fiber.StatusServiceUnavailable
		resp.Error = "Rate limit store unavailable"
		resp.Code = "STORE_UNAVAILABLE"
	default:
		resp.Error = "Internal server error"
		resp.Code = "INTERNAL_ERROR"
	}

	if status >= fiber.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("path", c.Path()).
			Str("request_id", resp.RequestID).
			Int("status", status).
			Msg("Rate limit request failed")
	}
	return c.Status(status).JSON(resp)
}
