// Package eventbus fans user-addressed events out to every server process.
// Each node delivers to its own connections immediately and relays the
// encoded event over Redis pub/sub so that other nodes can deliver it to the
// connections they hold.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/ehr/chat/internal/platform/metrics"
	"github.com/ehr/chat/internal/platform/websocket"
)

// Envelope is the wire format published on the Redis channel.
type Envelope struct {
	Origin  string          `json:"origin"`
	UserID  string          `json:"userId"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Deliverer hands an encoded event to local connections.
type Deliverer interface {
	Deliver(userID, event string, payload []byte) int
}

// Publisher relays an envelope to other nodes.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Emitter delivers locally and, when a publisher is configured, relays.
type Emitter struct {
	node    string
	local   Deliverer
	remote  Publisher
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewEmitter returns an emitter for node. remote may be nil for a
// single-process deployment.
func NewEmitter(node string, local Deliverer, remote Publisher, logger zerolog.Logger, m *metrics.Metrics) *Emitter {
	return &Emitter{node: node, local: local, remote: remote, logger: logger, metrics: m}
}

func (e *Emitter) EmitToUser(ctx context.Context, userID, event string, data interface{}) error {
	payload, err := websocket.Encode(event, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	e.local.Deliver(userID, event, payload)

	if e.remote == nil {
		return nil
	}
	env := Envelope{Origin: e.node, UserID: userID, Event: event, Payload: payload}
	if err := e.remote.Publish(ctx, env); err != nil {
		// Local delivery already happened; remote nodes recover on refetch.
		e.logger.Warn().Err(err).Str("user_id", userID).Str("event", event).Msg("relay publish failed")
		return nil
	}
	e.metrics.Bus("out")
	return nil
}

// RedisBus publishes and consumes envelopes on one Redis channel.
type RedisBus struct {
	client  *redis.Client
	channel string
	node    string
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewRedisBus(client *redis.Client, channel, node string, logger zerolog.Logger, m *metrics.Metrics) *RedisBus {
	return &RedisBus{
		client:  client,
		channel: channel,
		node:    node,
		logger:  logger.With().Str("component", "eventbus").Logger(),
		metrics: m,
	}
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, raw).Err()
}

// Run consumes the channel until ctx is cancelled, delivering envelopes that
// originated on other nodes.
func (b *RedisBus) Run(ctx context.Context, local Deliverer) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info().Str("channel", b.channel).Str("node", b.node).Msg("event bus subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(local, msg.Payload)
		}
	}
}

func (b *RedisBus) handle(local Deliverer, raw string) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.logger.Warn().Err(err).Msg("discarding malformed envelope")
		return
	}
	if env.Origin == b.node || env.UserID == "" {
		return
	}
	b.metrics.Bus("in")
	local.Deliver(env.UserID, env.Event, env.Payload)
}
