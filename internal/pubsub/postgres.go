package pubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// maxNotifyPayload is the PostgreSQL NOTIFY payload limit
const maxNotifyPayload = 8000

// PostgresPubSub implements PubSub using PostgreSQL LISTEN/NOTIFY.
// This is the default backend for multi-instance deployments that already
// share a database.
//
// Messages are not persisted: an instance that is reconnecting misses what
// was published in the meantime.
type PostgresPubSub struct {
	pool *pgxpool.Pool
	subs *fanout
	mu   sync.Mutex

	// wake interrupts the current wait so new channels are LISTENed promptly
	wake   context.CancelFunc
	wakeMu sync.Mutex

	reconnect *rate.Limiter
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
}

// NewPostgresPubSub creates a new PostgreSQL-backed pub/sub.
func NewPostgresPubSub(pool *pgxpool.Pool) *PostgresPubSub {
	ctx, cancel := context.WithCancel(context.Background())
	return &PostgresPubSub{
		pool:      pool,
		subs:      newFanout(),
		reconnect: rate.NewLimiter(rate.Every(time.Second), 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the listener. Subscribe calls it on first use.
func (p *PostgresPubSub) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.listenLoop()

	log.Info().Msg("PostgreSQL pub/sub started")
	return nil
}

func (p *PostgresPubSub) listenLoop() {
	defer p.wg.Done()

	for {
		if err := p.reconnect.Wait(p.ctx); err != nil {
			return
		}

		conn, err := p.pool.Acquire(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Failed to acquire connection for pub/sub LISTEN")
			continue
		}

		err = p.listen(conn)
		conn.Release()
		if p.ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("Pub/sub listener lost its connection, reconnecting")
	}
}

// listen serves notifications on conn until it fails or the pub/sub closes
func (p *PostgresPubSub) listen(conn *pgxpool.Conn) error {
	listening := make(map[string]bool)

	for {
		for _, ch := range p.subs.channels() {
			if listening[ch] {
				continue
			}
			ident := pgx.Identifier{sanitizeChannelName(ch)}.Sanitize()
			if _, err := conn.Exec(p.ctx, "LISTEN "+ident); err != nil {
				return fmt.Errorf("failed to LISTEN on %s: %w", ch, err)
			}
			listening[ch] = true
			log.Debug().Str("channel", ch).Msg("Listening for pub/sub notifications")
		}

		waitCtx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
		p.setWake(cancel)
		notification, err := conn.Conn().WaitForNotification(waitCtx)
		p.setWake(nil)
		cancel()

		if err != nil {
			if p.ctx.Err() != nil {
				return p.ctx.Err()
			}
			// Timed out or woken for a new channel
			if waitCtx.Err() != nil {
				continue
			}
			return err
		}

		p.deliver(Message{
			Channel: unsanitizeChannelName(notification.Channel),
			Payload: []byte(notification.Payload),
		})
	}
}

func (p *PostgresPubSub) setWake(cancel context.CancelFunc) {
	p.wakeMu.Lock()
	p.wake = cancel
	p.wakeMu.Unlock()
}

func (p *PostgresPubSub) wakeListener() {
	p.wakeMu.Lock()
	if p.wake != nil {
		p.wake()
	}
	p.wakeMu.Unlock()
}

func (p *PostgresPubSub) deliver(msg Message) {
	if dropped := p.subs.deliver(msg); dropped > 0 {
		log.Warn().Str("channel", msg.Channel).Int("dropped", dropped).Msg("Pub/sub subscribers full, dropping message")
	}
}

// Publish sends a message to all subscribers of a channel on every instance.
func (p *PostgresPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("payload too large for PostgreSQL NOTIFY: %d bytes (max %d)", len(payload), maxNotifyPayload)
	}

	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", sanitizeChannelName(channel), string(payload)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe returns a channel that receives messages published to the given channel.
func (p *PostgresPubSub) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	if p.ctx.Err() != nil {
		return nil, errClosed
	}

	id, ch, err := p.subs.add(channel)
	if err != nil {
		return nil, err
	}

	if err := p.Start(); err != nil {
		p.subs.remove(channel, id)
		return nil, err
	}
	p.wakeListener()

	context.AfterFunc(ctx, func() { p.subs.remove(channel, id) })
	return ch, nil
}

// Close stops the listener and closes all subscriptions.
func (p *PostgresPubSub) Close() error {
	p.cancel()
	p.wg.Wait()
	p.subs.shutdown()

	log.Info().Msg("PostgreSQL pub/sub closed")
	return nil
}

// sanitizeChannelName maps colons, which NOTIFY channel names cannot
// contain unquoted, to double underscores
func sanitizeChannelName(channel string) string {
	return strings.ReplaceAll(channel, ":", "__")
}

func unsanitizeChannelName(pgChannel string) string {
	return strings.ReplaceAll(pgChannel, "__", ":")
}
