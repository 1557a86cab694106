// Package realtime implements the pooled subscription multiplexer for the
// Planora change feed. An unbounded number of logical "notify me about
// changes to resource X" requests collapse into at most one live transport
// channel per (resource, filter) topic; change events fan out to every
// listener of the topic, channels pause and resume with host visibility,
// and one aggregate connection health value is tracked independently of
// subscribe/unsubscribe churn.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/planora/planora-go/store"
	"github.com/planora/planora-go/transport"
)

// DefaultQuietPeriod is the debounce window for membership rebuilds.
const DefaultQuietPeriod = 250 * time.Millisecond

// topicEntry pairs one topic's channel with its interested listeners.
// The entry exists exactly as long as its listener set is non-empty.
type topicEntry struct {
	topic     transport.Topic
	channel   transport.Channel
	listeners map[string]*listener
}

// Provider owns the topic registry and all channel lifecycle. It is the
// only component that opens transport channels, which is what guarantees
// at-most-one-subscription-per-topic. All methods are safe for concurrent
// use.
type Provider struct {
	tr        transport.Transport
	health    *healthTracker
	enrichers map[string]Enricher
	store     store.Store
	quiet     time.Duration
	metrics   *Metrics

	mu      sync.Mutex
	entries map[string]*topicEntry
	visible bool
	seq     uint64
	closed  bool
}

// Option configures a Provider.
type Option func(*Provider)

// WithEnricher registers an enrichment fetch for a resource kind. Events
// for that resource are replaced with the fetched record before fan-out.
func WithEnricher(resource string, e Enricher) Option {
	return func(p *Provider) { p.enrichers[resource] = e }
}

// WithStore registers a point-read store used to enrich events for every
// resource that has no dedicated enricher.
func WithStore(s store.Store) Option {
	return func(p *Provider) { p.store = s }
}

// WithQuietPeriod sets the debounce window for membership rebuilds.
func WithQuietPeriod(d time.Duration) Option {
	return func(p *Provider) { p.quiet = d }
}

// WithVisible sets the initial visibility. Defaults to visible.
func WithVisible(visible bool) Option {
	return func(p *Provider) { p.visible = visible }
}

// New creates a Provider on top of a transport.
func New(tr transport.Transport, opts ...Option) *Provider {
	p := &Provider{
		tr:        tr,
		health:    newHealthTracker(),
		enrichers: make(map[string]Enricher),
		quiet:     DefaultQuietPeriod,
		entries:   make(map[string]*topicEntry),
		visible:   true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetMetrics sets the metrics instance for recording multiplexer metrics.
func (p *Provider) SetMetrics(m *Metrics) {
	p.metrics = m
	p.updateMetrics()
}

// SubscribeOption configures a single Subscribe call.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	disabled bool
}

// Disabled gates the subscription off: no channel is created and the
// returned handle is inert. Callers use this while a required filter
// input is not yet known.
func Disabled() SubscribeOption {
	return func(c *subscribeConfig) { c.disabled = true }
}

// Subscription is the handle returned by Subscribe. Unsubscribing is the
// only way a listener is ever removed.
type Subscription struct {
	p          *Provider
	key        string
	listener   *listener
	mu         sync.Mutex
	terminated bool
}

// Subscribe registers a listener for (resource, filter). The first
// listener for a topic opens and wires a channel; later listeners reuse
// it with no network activity. Transport failures are never returned to
// the caller; they surface through Health.
func (p *Provider) Subscribe(resource, filterExpr string, cb Callbacks, opts ...SubscribeOption) *Subscription {
	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.disabled || resource == "" {
		return &Subscription{terminated: true}
	}

	topic := transport.Topic{Resource: resource, Filter: filterExpr}
	key := topic.String()

	l := &listener{id: uuid.NewString()}
	l.cb.Store(&cb)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return &Subscription{terminated: true}
	}
	l.seq = p.seq
	p.seq++

	entry, exists := p.entries[key]
	if !exists {
		entry = &topicEntry{topic: topic, listeners: make(map[string]*listener)}
		p.entries[key] = entry
	}
	entry.listeners[l.id] = l
	p.mu.Unlock()

	if !exists {
		p.openChannel(entry)
	}

	log.Debug().
		Str("topic", key).
		Str("listener_id", l.id).
		Bool("channel_reused", exists).
		Msg("Listener subscribed")

	p.updateMetrics()
	return &Subscription{p: p, key: key, listener: l}
}

// openChannel opens and wires the channel for a fresh entry. The
// dispatcher and health tracker are attached exactly once, before the
// channel is subscribed.
func (p *Provider) openChannel(entry *topicEntry) {
	key := entry.topic.String()

	ch, err := p.tr.Open(entry.topic)
	if err != nil {
		log.Error().Err(err).Str("topic", key).Msg("Failed to open realtime channel")
		p.health.record(key, transport.StatusChannelError, err)
		return
	}

	ch.OnEvent(func(ev transport.Event) { p.dispatch(key, ev) })
	ch.OnStatus(func(s transport.Status, err error) { p.health.record(key, s, err) })

	p.mu.Lock()
	if p.entries[key] != entry {
		// Torn down while opening; nobody is interested anymore.
		p.mu.Unlock()
		_ = ch.Close()
		return
	}
	entry.channel = ch
	// Visibility may have flipped while the transport open was in
	// flight; SetVisible skips entries without a channel, so the
	// decision must use the value current at attach time.
	visible := p.visible
	p.mu.Unlock()

	p.health.record(key, transport.StatusConnecting, nil)

	if visible {
		if err := ch.Subscribe(); err != nil {
			log.Error().Err(err).Str("topic", key).Msg("Failed to subscribe realtime channel")
			p.health.record(key, transport.StatusChannelError, err)
		}
	}
}

// Unsubscribe removes this listener. If it was the topic's last listener
// the channel is closed and the registry entry deleted. Idempotent, and
// synchronous for the caller even when channel teardown completes
// asynchronously inside the transport.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.mu.Unlock()

	p := s.p
	p.mu.Lock()
	entry, ok := p.entries[s.key]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(entry.listeners, s.listener.id)
	last := len(entry.listeners) == 0
	var ch transport.Channel
	if last {
		delete(p.entries, s.key)
		ch = entry.channel
	}
	p.mu.Unlock()

	if last {
		if ch != nil {
			_ = ch.Close()
		}
		p.health.forget(s.key)
		log.Debug().Str("topic", s.key).Msg("Last listener detached, channel closed")
	}

	p.updateMetrics()
}

// UpdateCallbacks swaps the listener's callbacks without recreating the
// subscription. The dispatcher always invokes the latest set.
func (s *Subscription) UpdateCallbacks(cb Callbacks) {
	s.mu.Lock()
	terminated := s.terminated
	s.mu.Unlock()
	if terminated {
		return
	}
	s.listener.cb.Store(&cb)
}

// SetVisible pauses or resumes every live channel. Hidden channels keep
// their registry entries and listener sets; only delivery stops. No gap
// reconciliation is performed on resume; callers needing exact catch-up
// must refetch themselves.
func (p *Provider) SetVisible(visible bool) {
	p.mu.Lock()
	if p.visible == visible || p.closed {
		p.mu.Unlock()
		return
	}
	p.visible = visible
	channels := make([]transport.Channel, 0, len(p.entries))
	for _, entry := range p.entries {
		if entry.channel != nil {
			channels = append(channels, entry.channel)
		}
	}
	p.mu.Unlock()

	log.Debug().
		Bool("visible", visible).
		Int("channels", len(channels)).
		Msg("Visibility changed")

	for _, ch := range channels {
		if visible {
			if err := ch.Subscribe(); err != nil {
				log.Error().Err(err).Str("topic", ch.Topic().String()).Msg("Failed to resume channel")
			}
		} else {
			if err := ch.Unsubscribe(); err != nil {
				log.Error().Err(err).Str("topic", ch.Topic().String()).Msg("Failed to pause channel")
			}
		}
	}
}

// Health returns the current aggregate connection health.
func (p *Provider) Health() HealthStatus {
	return p.health.snapshot()
}

// WatchHealth returns a channel of aggregate health transitions, seeded
// with the current value. This is the observation point for status
// indicators; it never fires on listener add/remove.
func (p *Provider) WatchHealth(ctx context.Context) <-chan HealthStatus {
	return p.health.watch(ctx)
}

// Stats returns registry counters, mostly for logging and debugging.
func (p *Provider) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	listeners := 0
	channels := 0
	for _, entry := range p.entries {
		listeners += len(entry.listeners)
		if entry.channel != nil {
			channels++
		}
	}
	return map[string]int{
		"topics":    len(p.entries),
		"channels":  channels,
		"listeners": listeners,
	}
}

// Close tears down every channel and rejects further subscribes. Existing
// Subscription handles become no-ops.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	channels := make([]transport.Channel, 0, len(p.entries))
	keys := make([]string, 0, len(p.entries))
	for key, entry := range p.entries {
		if entry.channel != nil {
			channels = append(channels, entry.channel)
		}
		keys = append(keys, key)
	}
	p.entries = make(map[string]*topicEntry)
	p.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	for _, key := range keys {
		p.health.forget(key)
	}

	log.Info().Int("channels", len(channels)).Msg("Realtime provider closed")
	p.updateMetrics()
}

// updateMetrics refreshes the registry gauges.
func (p *Provider) updateMetrics() {
	if p.metrics == nil {
		return
	}
	stats := p.Stats()
	p.metrics.updateRegistryStats(stats["channels"], stats["listeners"])
}
