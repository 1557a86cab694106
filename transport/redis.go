package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/planora/planora-go/filter"
)

// redisChannelPrefix namespaces the per-resource change feeds.
const redisChannelPrefix = "planora:changes:"

// Redis is a transport backed by Redis pub/sub. The backend publishes one
// JSON change event per row change to planora:changes:<resource>; topic
// filters are evaluated client-side because Redis channels are unfiltered.
//
// Any Redis-compatible server works (Redis, Valkey, KeyDB, Dragonfly).
type Redis struct {
	client *redis.Client

	// ctx is the transport-level context; cancelling it stops every
	// channel's consume goroutine so Close never blocks on wg.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRedis connects to a Redis-compatible backend.
// url format: redis://[password@]host:port[/db]
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	log.Info().Str("addr", opts.Addr).Msg("Connected to Redis backend for realtime changes")

	ctx, cancel := context.WithCancel(context.Background())
	return &Redis{client: client, ctx: ctx, cancel: cancel}, nil
}

// Open creates a channel for the topic. The topic filter is parsed here so
// an invalid expression fails fast.
func (r *Redis) Open(topic Topic) (Channel, error) {
	expr, err := filter.Parse(topic.Filter)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", topic, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("open %s: transport closed", topic)
	}

	return &redisChannel{parent: r, topic: topic, expr: expr}, nil
}

// Close waits for all subscription goroutines and releases the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	return r.client.Close()
}

// redisChannel is one topic subscription on the Redis transport. Each
// subscribe opens its own Redis subscription; the consuming goroutine
// delivers events serially so per-topic ordering holds.
type redisChannel struct {
	parent *Redis
	topic  Topic
	expr   *filter.Expression

	mu       sync.Mutex
	cancel   context.CancelFunc
	closed   bool
	onEvent  EventHandler
	onStatus StatusHandler
}

func (c *redisChannel) Topic() Topic { return c.topic }

func (c *redisChannel) OnEvent(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = h
}

func (c *redisChannel) OnStatus(h StatusHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = h
}

func (c *redisChannel) Subscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: channel closed", c.topic)
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(c.parent.ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.emitStatus(StatusConnecting, nil)

	pubsub := c.parent.client.Subscribe(ctx, redisChannelPrefix+c.topic.Resource)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		c.emitStatus(StatusChannelError, fmt.Errorf("subscribe %s: %w", c.topic, err))
		return nil
	}

	c.emitStatus(StatusSubscribed, nil)

	c.parent.wg.Add(1)
	go c.consume(ctx, pubsub)
	return nil
}

// consume reads the Redis subscription until it is cancelled or closed.
func (c *redisChannel) consume(ctx context.Context, pubsub *redis.PubSub) {
	defer c.parent.wg.Done()
	defer func() { _ = pubsub.Close() }()

	msgCh := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				c.emitStatus(StatusChannelError, fmt.Errorf("subscription %s: redis channel closed", c.topic))
				return
			}
			c.deliver([]byte(msg.Payload))
		}
	}
}

// deliver decodes one published change event and hands it to the handler
// if the topic filter matches.
func (c *redisChannel) deliver(payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Error().Err(err).Str("topic", c.topic.String()).Msg("Failed to parse change event")
		return
	}

	record := ev.Record
	if record == nil {
		record = ev.OldRecord
	}
	if !c.expr.Matches(record) {
		return
	}

	c.mu.Lock()
	handler := c.onEvent
	c.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func (c *redisChannel) Unsubscribe() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	c.emitStatus(StatusClosed, nil)
	return nil
}

func (c *redisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		c.emitStatus(StatusClosed, nil)
	}
	return nil
}

func (c *redisChannel) emitStatus(status Status, err error) {
	c.mu.Lock()
	handler := c.onStatus
	c.mu.Unlock()
	if handler != nil {
		handler(status, err)
	}
}
