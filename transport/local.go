package transport

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/planora/planora-go/filter"
)

// Local is an in-process transport. Events handed to Publish are delivered
// synchronously, in call order, to every subscribed channel whose topic
// filter matches. It is the reference transport for tests and for
// single-process deployments that generate their own change feed.
type Local struct {
	mu       sync.RWMutex
	channels map[string][]*localChannel // resource -> open channels
	closed   bool
}

// NewLocal creates a new in-process transport.
func NewLocal() *Local {
	return &Local{
		channels: make(map[string][]*localChannel),
	}
}

// Open registers a channel for the topic. The topic filter is parsed here
// so an invalid expression fails fast.
func (l *Local) Open(topic Topic) (Channel, error) {
	expr, err := filter.Parse(topic.Filter)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", topic, err)
	}

	ch := &localChannel{parent: l, topic: topic, expr: expr}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fmt.Errorf("open %s: transport closed", topic)
	}
	l.channels[topic.Resource] = append(l.channels[topic.Resource], ch)

	return ch, nil
}

// Publish delivers one change event to all subscribed channels for the
// resource whose filter matches the event's record.
func (l *Local) Publish(resource string, ev Event) {
	ev.Resource = resource

	l.mu.RLock()
	// Snapshot so handlers never run under the transport lock.
	channels := make([]*localChannel, len(l.channels[resource]))
	copy(channels, l.channels[resource])
	l.mu.RUnlock()

	for _, ch := range channels {
		ch.deliver(ev)
	}
}

// Close releases all channels.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	var all []*localChannel
	for _, channels := range l.channels {
		all = append(all, channels...)
	}
	l.channels = make(map[string][]*localChannel)
	l.mu.Unlock()

	for _, ch := range all {
		ch.shutdown()
	}
	return nil
}

// remove detaches a channel after Close.
func (l *Local) remove(ch *localChannel) {
	l.mu.Lock()
	defer l.mu.Unlock()

	channels := l.channels[ch.topic.Resource]
	for i, c := range channels {
		if c == ch {
			l.channels[ch.topic.Resource] = append(channels[:i], channels[i+1:]...)
			break
		}
	}
	if len(l.channels[ch.topic.Resource]) == 0 {
		delete(l.channels, ch.topic.Resource)
	}
}

// localChannel is one open subscription on a Local transport.
type localChannel struct {
	parent *Local
	topic  Topic
	expr   *filter.Expression

	mu         sync.Mutex
	subscribed bool
	closed     bool
	onEvent    EventHandler
	onStatus   StatusHandler
}

func (c *localChannel) Topic() Topic { return c.topic }

func (c *localChannel) OnEvent(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = h
}

func (c *localChannel) OnStatus(h StatusHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = h
}

func (c *localChannel) Subscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: channel closed", c.topic)
	}
	c.subscribed = true
	status := c.onStatus
	c.mu.Unlock()

	if status != nil {
		status(StatusSubscribed, nil)
	}
	return nil
}

func (c *localChannel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed || !c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = false
	status := c.onStatus
	c.mu.Unlock()

	if status != nil {
		status(StatusClosed, nil)
	}
	return nil
}

func (c *localChannel) Close() error {
	c.parent.remove(c)
	c.shutdown()
	return nil
}

// shutdown marks the channel closed and reports the final status.
func (c *localChannel) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasSubscribed := c.subscribed
	c.closed = true
	c.subscribed = false
	status := c.onStatus
	c.mu.Unlock()

	if wasSubscribed && status != nil {
		status(StatusClosed, nil)
	}
}

// deliver hands one event to the channel if it is subscribed and the
// event matches the topic filter.
func (c *localChannel) deliver(ev Event) {
	c.mu.Lock()
	handler := c.onEvent
	active := c.subscribed && !c.closed
	c.mu.Unlock()

	if !active || handler == nil {
		return
	}

	record := ev.Record
	if record == nil {
		record = ev.OldRecord
	}
	if !c.expr.Matches(record) {
		return
	}

	log.Debug().
		Str("topic", c.topic.String()).
		Str("type", string(ev.Type)).
		Msg("Delivering local change event")

	handler(ev)
}
