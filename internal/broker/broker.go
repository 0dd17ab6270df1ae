// Package broker is the typed adapter over the Redis key-value / pub-sub
// broker. All values are JSON-encoded, all keys are namespaced by purpose,
// and no method blocks past the configured connect and command timeouts.
//
// The command-queue atomic primitives (claim, verify-and-complete, extend,
// expire) live in queue.go as server-side Lua scripts.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetgate/backend/internal/config"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("broker: key not found")

// Channel catalog. Stable across implementations — devices and portals
// address each other through these names.
func DeviceControlChannel(deviceID string) string { return "device:" + deviceID + ":control" }
func DeviceUpdatesChannel(deviceID string) string { return "device:" + deviceID + ":updates" }
func ChatChannel(sessionID string) string         { return "chat:" + sessionID }
func SessionKey(token string) string              { return "session:" + token }

// Client wraps go-redis v9. Every call runs under the command timeout so a
// wedged broker cannot stall a request handler indefinitely.
type Client struct {
	rdb        *redis.Client
	cmdTimeout time.Duration
}

// New connects to the broker and verifies connectivity with a ping.
func New(cfg config.BrokerConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  cfg.CommandTimeout,
		WriteTimeout: cfg.CommandTimeout,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("broker ping failed (%s): %w", cfg.Addr, err)
	}

	slog.Info("Broker connected", "addr", cfg.Addr, "db", cfg.DB)
	return &Client{rdb: rdb, cmdTimeout: cfg.CommandTimeout}, nil
}

// NewFromClient wraps an existing redis client. Used by tests with miniredis.
func NewFromClient(rdb *redis.Client, cmdTimeout time.Duration) *Client {
	if cmdTimeout == 0 {
		cmdTimeout = 5 * time.Second
	}
	return &Client{rdb: rdb, cmdTimeout: cmdTimeout}
}

// Close shuts down the underlying client. Must run after the connection
// manager has closed all sessions, otherwise in-flight publishes race it.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies broker reachability. Used by the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cmdTimeout)
}

// Publish JSON-encodes value and sends it to the channel. Fire-and-forget:
// there may be zero subscribers.
func (c *Client) Publish(ctx context.Context, channel string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal for %s: %w", channel, err)
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.rdb.Publish(ctx, channel, data).Err()
}

// Set stores value as JSON under key. A zero ttl means no expiry.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal for %s: %w", key, err)
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// Get loads the JSON value at key into dst. Returns ErrNotFound for a
// missing key.
func (c *Client) Get(ctx context.Context, key string, dst any) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.rdb.Del(ctx, keys...).Err()
}

// ListPush appends the JSON-encoded value to the list at key.
func (c *Client) ListPush(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal for %s: %w", key, err)
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.rdb.RPush(ctx, key, data).Err()
}

// Handler receives the raw JSON payload of one published message.
type Handler func(payload json.RawMessage)

// Subscription is a single-channel durable subscription.
type Subscription struct {
	pubsub *redis.PubSub
	once   sync.Once
}

// Unsubscribe tears the subscription down. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.pubsub.Close() })
}

// Subscribe registers a handler for one channel. Parse failures are logged
// and swallowed — a malformed publish must not kill the consumer loop.
func (c *Client) Subscribe(ctx context.Context, channel string, handler Handler) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, channel)

	confirmCtx, cancel := c.bound(ctx)
	defer cancel()
	if _, err := pubsub.Receive(confirmCtx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			dispatch(msg.Channel, []byte(msg.Payload), handler)
		}
	}()

	return &Subscription{pubsub: pubsub}, nil
}

// ChannelConfig names one channel of a multiplexed subscription.
type ChannelConfig struct {
	Channel string
	Handler Handler
}

// MultiSubscription multiplexes N channels over a single broker connection.
// A customer following hundreds of device-update channels uses one of these
// instead of hundreds of connections.
type MultiSubscription struct {
	pubsub *redis.PubSub

	mu       sync.RWMutex
	handlers map[string]Handler
	once     sync.Once
}

// SubscribeMany opens one underlying subscription across all configs.
func (c *Client) SubscribeMany(ctx context.Context, configs []ChannelConfig) (*MultiSubscription, error) {
	handlers := make(map[string]Handler, len(configs))
	channels := make([]string, 0, len(configs))
	for _, cc := range configs {
		handlers[cc.Channel] = cc.Handler
		channels = append(channels, cc.Channel)
	}

	pubsub := c.rdb.Subscribe(ctx, channels...)
	if len(channels) > 0 {
		confirmCtx, cancel := c.bound(ctx)
		defer cancel()
		if _, err := pubsub.Receive(confirmCtx); err != nil {
			pubsub.Close()
			return nil, fmt.Errorf("subscribe %d channels: %w", len(channels), err)
		}
	}

	ms := &MultiSubscription{pubsub: pubsub, handlers: handlers}

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			ms.mu.RLock()
			handler := ms.handlers[msg.Channel]
			ms.mu.RUnlock()
			if handler != nil {
				dispatch(msg.Channel, []byte(msg.Payload), handler)
			}
		}
	}()

	return ms, nil
}

// Add joins one more channel on the same underlying connection.
func (ms *MultiSubscription) Add(ctx context.Context, channel string, handler Handler) error {
	ms.mu.Lock()
	ms.handlers[channel] = handler
	ms.mu.Unlock()
	return ms.pubsub.Subscribe(ctx, channel)
}

// Remove leaves a channel.
func (ms *MultiSubscription) Remove(ctx context.Context, channel string) error {
	ms.mu.Lock()
	delete(ms.handlers, channel)
	ms.mu.Unlock()
	return ms.pubsub.Unsubscribe(ctx, channel)
}

// Disconnect tears down all channels at once. Idempotent.
func (ms *MultiSubscription) Disconnect() {
	ms.once.Do(func() { ms.pubsub.Close() })
}

// dispatch validates the payload is JSON before invoking the handler.
func dispatch(channel string, payload []byte, handler Handler) {
	if !json.Valid(payload) {
		slog.Warn("Dropping malformed broker message", "channel", channel)
		return
	}
	handler(json.RawMessage(payload))
}
