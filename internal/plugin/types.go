// Package plugin hosts the pluggable feature modules of a fluxgate server.
package plugin

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Plugin is a feature module with its own lifecycle and routes
type Plugin interface {
	// Name identifies the plugin in logs and is its route group.
	Name() string

	Start(ctx context.Context) error

	Stop(ctx context.Context) error

	// RegisterRoutes mounts the plugin's HTTP surface. It is called once,
	// before Start.
	RegisterRoutes(router fiber.Router)
}

// RoutePrefixer overrides the default "/<name>" route group
type RoutePrefixer interface {
	RoutePrefix() string
}

// HealthChecker is implemented by plugins that can report their health
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Status is the lifecycle state of a registered plugin
type Status string

const (
	StatusRegistered Status = "registered"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
)

// PluginError wraps a failed lifecycle operation
type PluginError struct {
	PluginName string
	Operation  string
	Err        error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s: %s failed: %v", e.PluginName, e.Operation, e.Err)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

var (
	ErrPluginAlreadyRegistered = errors.New("plugin already registered")
	ErrHostStarted             = errors.New("plugin host already started")
	ErrInvalidPlugin           = errors.New("invalid plugin")
)
