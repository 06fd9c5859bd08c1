package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type entry struct {
	plugin Plugin
	status Status
}

// Host owns the registered plugins. Plugins start in registration order
// and stop in reverse.
type Host struct {
	mu      sync.RWMutex
	entries []*entry
	started bool
}

// NewHost creates an empty host
func NewHost() *Host {
	return &Host{}
}

// Register adds a plugin. Names must be unique.
func (h *Host) Register(p Plugin) error {
	if p == nil || p.Name() == "" {
		return ErrInvalidPlugin
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return &PluginError{PluginName: p.Name(), Operation: "register", Err: ErrHostStarted}
	}
	for _, e := range h.entries {
		if e.plugin.Name() == p.Name() {
			return &PluginError{PluginName: p.Name(), Operation: "register", Err: ErrPluginAlreadyRegistered}
		}
	}

	h.entries = append(h.entries, &entry{plugin: p, status: StatusRegistered})
	log.Debug().Str("plugin", p.Name()).Msg("Plugin registered")
	return nil
}

// RegisterRoutes mounts each plugin under router.Group("/<name>"), or under
// its own prefix when it implements RoutePrefixer
func (h *Host) RegisterRoutes(router fiber.Router, middleware ...fiber.Handler) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, e := range h.entries {
		handlers := make([]fiber.Handler, len(middleware))
		copy(handlers, middleware)
		prefix := "/" + e.plugin.Name()
		if rp, ok := e.plugin.(RoutePrefixer); ok && rp.RoutePrefix() != "" {
			prefix = rp.RoutePrefix()
		}
		e.plugin.RegisterRoutes(router.Group(prefix, handlers...))
	}
}

// Start starts every plugin in order. If one fails, the plugins already
// started are stopped again and the failure is returned.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return ErrHostStarted
	}

	for i, e := range h.entries {
		if err := e.plugin.Start(ctx); err != nil {
			e.status = StatusFailed
			log.Error().Err(err).Str("plugin", e.plugin.Name()).Msg("Plugin failed to start")

			for j := i - 1; j >= 0; j-- {
				h.stopEntry(ctx, h.entries[j])
			}
			return &PluginError{PluginName: e.plugin.Name(), Operation: "start", Err: err}
		}
		e.status = StatusRunning
		log.Info().Str("plugin", e.plugin.Name()).Msg("Plugin started")
	}

	h.started = true
	return nil
}

// Stop stops running plugins in reverse order and joins their errors
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for i := len(h.entries) - 1; i >= 0; i-- {
		if err := h.stopEntry(ctx, h.entries[i]); err != nil {
			errs = append(errs, err)
		}
	}
	h.started = false
	return errors.Join(errs...)
}

func (h *Host) stopEntry(ctx context.Context, e *entry) error {
	if e.status != StatusRunning {
		return nil
	}
	if err := e.plugin.Stop(ctx); err != nil {
		e.status = StatusFailed
		log.Error().Err(err).Str("plugin", e.plugin.Name()).Msg("Plugin failed to stop")
		return &PluginError{PluginName: e.plugin.Name(), Operation: "stop", Err: err}
	}
	e.status = StatusStopped
	log.Info().Str("plugin", e.plugin.Name()).Msg("Plugin stopped")
	return nil
}

// Status returns the lifecycle state of each plugin by name
func (h *Host) Status() map[string]Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]Status, len(h.entries))
	for _, e := range h.entries {
		out[e.plugin.Name()] = e.status
	}
	return out
}

// Health runs the health check of every plugin that has one, concurrently.
// The map holds nil for healthy plugins.
func (h *Host) Health(ctx context.Context) map[string]error {
	h.mu.RLock()
	var checkers []Plugin
	for _, e := range h.entries {
		if _, ok := e.plugin.(HealthChecker); ok {
			checkers = append(checkers, e.plugin)
		}
	}
	h.mu.RUnlock()

	results := make([]error, len(checkers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range checkers {
		g.Go(func() error {
			if err := p.(HealthChecker).Health(gctx); err != nil {
				results[i] = fmt.Errorf("%s: %w", p.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]error, len(checkers))
	for i, p := range checkers {
		out[p.Name()] = results[i]
	}
	return out
}
