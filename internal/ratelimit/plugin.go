package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fluxbase-eu/fluxgate/internal/config"
	"github.com/fluxbase-eu/fluxgate/internal/database"
	"github.com/fluxbase-eu/fluxgate/internal/plugin"
	"github.com/fluxbase-eu/fluxgate/internal/pubsub"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// PluginName is the rate limit plugin's registered name
const PluginName = "rate-limit"

// Plugin bundles the rate limit store, cache, service, cleanup job and HTTP
// handler into a host plugin. It also keeps the defaults of every instance
// in sync over pub/sub.
type Plugin struct {
	cfg        config.RateLimitConfig
	db         *database.Connection
	store      Store
	cache      Cache
	service    *Service
	cleanup    *CleanupJob
	handler    *Handler
	pubsub     pubsub.PubSub
	instanceID string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var (
	_ plugin.Plugin        = (*Plugin)(nil)
	_ plugin.HealthChecker = (*Plugin)(nil)
	_ plugin.RoutePrefixer = (*Plugin)(nil)
	_ Broadcaster          = (*Plugin)(nil)
)

// NewPlugin builds the rate limit plugin from the shared dependencies.
// scope resolves the caller identity for the HTTP handler.
func NewPlugin(deps plugin.Deps, scope ScopeFunc) (*Plugin, error) {
	if deps.Config == nil {
		return nil, errors.New("rate limit plugin requires configuration")
	}
	cfg := deps.Config

	defaults, err := DefaultsFromConfig(&cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit defaults: %w", err)
	}

	var db database.TxBeginner
	if deps.DB != nil {
		db = deps.DB
	}
	store, err := NewStore(&cfg.RateLimit, db)
	if err != nil {
		return nil, err
	}

	cache, err := NewCache(&cfg.Cache)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var metrics MetricsRecorder
	if deps.Metrics != nil {
		metrics = deps.Metrics
	}

	service, err := NewService(store, cache, Options{
		Defaults: defaults,
		CacheTTL: cfg.Cache.TTL,
		Metrics:  metrics,
	})
	if err != nil {
		_ = cache.Close()
		_ = store.Close()
		return nil, err
	}

	p := &Plugin{
		cfg:        cfg.RateLimit,
		db:         deps.DB,
		store:      store,
		cache:      cache,
		service:    service,
		handler:    NewHandler(service, scope),
		pubsub:     deps.PubSub,
		instanceID: pubsub.NewInstanceID(),
	}

	if p.pubsub != nil {
		service.SetBroadcaster(p)
	}

	if cfg.RateLimit.CleanupEnabled {
		p.cleanup = NewCleanupJob(store, cfg.RateLimit.CleanupInterval, metrics)
		if deps.Leader != nil {
			p.cleanup.SetLeader(deps.Leader)
		}
	}

	log.Info().
		Str("store", cfg.RateLimit.Store).
		Str("cache", cfg.Cache.Type).
		Str("strategy", defaults.Strategy.String()).
		Int64("window_ms", defaults.WindowMs).
		Int64("max_requests", defaults.MaxRequests).
		Bool("cleanup", p.cleanup != nil).
		Msg("Rate limit plugin configured")

	return p, nil
}

// Name returns PluginName
func (p *Plugin) Name() string { return PluginName }

// RoutePrefix returns the configured route group
func (p *Plugin) RoutePrefix() string { return p.cfg.RoutePrefix }

// Service returns the rate limit service, for the enforcement middleware
func (p *Plugin) Service() *Service { return p.service }

// Cleanup returns the cleanup job, or nil when cleanup is disabled
func (p *Plugin) Cleanup() *CleanupJob { return p.cleanup }

// RegisterRoutes mounts the status, clear and config endpoints
func (p *Plugin) RegisterRoutes(router fiber.Router) {
	p.handler.RegisterRoutes(router)
}

// Start subscribes to peer default changes and starts the cleanup schedule.
func (p *Plugin) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pubsub != nil {
		subCtx, cancel := context.WithCancel(context.Background())
		msgs, err := p.pubsub.Subscribe(subCtx, pubsub.RateLimitConfigChannel)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to subscribe to rate limit config: %w", err)
		}
		p.cancel = cancel
		p.done = make(chan struct{})
		go p.listen(msgs, p.done)
	}

	if p.cleanup != nil {
		if err := p.cleanup.Start(); err != nil {
			p.stopListener()
			return err
		}
	}
	return nil
}

// Stop halts background work and releases the store and cache
func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopListener()
	if p.cleanup != nil {
		p.cleanup.Stop()
	}

	return errors.Join(p.cache.Close(), p.store.Close())
}

func (p *Plugin) stopListener() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
}

// Health reports whether the persistent store is reachable. The cache is
// optional and never makes the plugin unhealthy.
func (p *Plugin) Health(ctx context.Context) error {
	if p.cfg.Store == "postgres" && p.db != nil {
		return p.db.Health(ctx)
	}
	return nil
}

// BroadcastDefaults publishes new defaults to peer instances
func (p *Plugin) BroadcastDefaults(ctx context.Context, d Defaults) error {
	payload, err := pubsub.Encode(p.instanceID, d)
	if err != nil {
		return err
	}
	return p.pubsub.Publish(ctx, pubsub.RateLimitConfigChannel, payload)
}

func (p *Plugin) listen(msgs <-chan pubsub.Message, done chan struct{}) {
	defer close(done)

	for msg := range msgs {
		var d Defaults
		source, err := pubsub.Decode(msg.Payload, &d)
		if source == p.instanceID {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("source", source).Msg("Ignoring malformed rate limit config message")
			continue
		}
		if err := p.service.ApplyRemoteDefaults(d); err != nil {
			log.Warn().Err(err).Str("source", source).Msg("Ignoring invalid rate limit defaults from peer")
		}
	}
}
