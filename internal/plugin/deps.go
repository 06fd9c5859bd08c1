package plugin

import (
	"github.com/fluxbase-eu/fluxgate/internal/config"
	"github.com/fluxbase-eu/fluxgate/internal/database"
	"github.com/fluxbase-eu/fluxgate/internal/observability"
	"github.com/fluxbase-eu/fluxgate/internal/pubsub"
)

// LeaderChecker reports whether this instance should run singleton tasks
type LeaderChecker interface {
	IsLeader() bool
}

// Deps carries the shared infrastructure handed to plugin constructors.
// DB is nil when no database is configured; Metrics is nil when metrics are
// disabled.
type Deps struct {
	Config  *config.Config
	DB      *database.Connection
	PubSub  pubsub.PubSub
	Metrics *observability.Metrics
	Leader  LeaderChecker
}
