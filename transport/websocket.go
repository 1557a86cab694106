package transport

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocket message types exchanged with the realtime endpoint.
const (
	wsMsgSubscribe   = "subscribe"
	wsMsgUnsubscribe = "unsubscribe"
	wsMsgHeartbeat   = "heartbeat"
	wsMsgChange      = "change"
	wsMsgAck         = "ack"
	wsMsgError       = "error"
)

// wsClientMessage is a message sent to the server.
type wsClientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// wsServerMessage is a message received from the server.
type wsServerMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// wsAckPayload is the payload of an ack message.
type wsAckPayload struct {
	Subscribed bool `json:"subscribed"`
}

// WebSocketConfig configures a WebSocket transport.
type WebSocketConfig struct {
	// URL is the realtime endpoint, e.g. wss://api.example.com/realtime.
	URL string

	// Token is an optional bearer token passed as a query parameter.
	Token string

	// AckTimeout bounds the wait for a subscribe acknowledgement.
	// Defaults to 10 seconds.
	AckTimeout time.Duration

	// MaxReconnectAttempts bounds reconnection after a dropped
	// connection. Defaults to 5, with exponential backoff.
	MaxReconnectAttempts int
}

// WebSocket multiplexes any number of topic channels over one websocket
// connection. The connection is dialed lazily on the first channel
// subscribe and redialed with exponential backoff if it drops; channels
// that were subscribed are resubscribed after a successful redial.
type WebSocket struct {
	cfg WebSocketConfig

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]*wsChannel // topic string -> channel
	closed   bool
	done     chan struct{}

	writeMu sync.Mutex
}

// NewWebSocket creates a WebSocket transport. The endpoint is not dialed
// until a channel subscribes.
func NewWebSocket(cfg WebSocketConfig) (*WebSocket, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid realtime URL scheme: %s", u.Scheme)
	}

	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}

	return &WebSocket{
		cfg:      cfg,
		channels: make(map[string]*wsChannel),
		done:     make(chan struct{}),
	}, nil
}

// Open registers a channel for the topic. At most one channel per topic
// may be open at a time.
func (w *WebSocket) Open(topic Topic) (Channel, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, fmt.Errorf("open %s: transport closed", topic)
	}
	key := topic.String()
	if _, exists := w.channels[key]; exists {
		return nil, fmt.Errorf("open %s: channel already open", topic)
	}

	ch := &wsChannel{parent: w, topic: topic}
	w.channels[key] = ch
	return ch, nil
}

// Close tears down the connection and all channels.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.done)
	conn := w.conn
	w.conn = nil
	channels := make([]*wsChannel, 0, len(w.channels))
	for _, ch := range w.channels {
		channels = append(channels, ch)
	}
	w.channels = make(map[string]*wsChannel)
	w.mu.Unlock()

	for _, ch := range channels {
		ch.emitStatus(StatusClosed, nil)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ensureConn dials the endpoint if no connection is active and starts the
// read loop. Must not be called with w.mu held.
func (w *WebSocket) ensureConn() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	if w.conn != nil {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	return w.dial()
}

// dial establishes the websocket connection and starts the read loop.
func (w *WebSocket) dial() error {
	endpoint := w.cfg.URL
	if w.cfg.Token != "" {
		u, _ := url.Parse(endpoint)
		q := u.Query()
		q.Set("token", w.cfg.Token)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial realtime endpoint: %w", err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("transport closed")
	}
	w.conn = conn
	w.mu.Unlock()

	log.Debug().Str("url", w.cfg.URL).Msg("Realtime websocket connected")

	go w.readLoop(conn)
	return nil
}

// send writes one message. Writes are serialized; gorilla connections do
// not allow concurrent writers.
func (w *WebSocket) send(msg wsClientMessage) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// readLoop processes server messages until the connection drops.
func (w *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		var msg wsServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			w.handleDisconnect(conn, err)
			return
		}

		switch msg.Type {
		case wsMsgHeartbeat:
			_ = w.send(wsClientMessage{Type: wsMsgHeartbeat})

		case wsMsgAck:
			var ack wsAckPayload
			_ = json.Unmarshal(msg.Payload, &ack)
			if ch := w.channel(msg.Channel); ch != nil {
				ch.handleAck(ack.Subscribed)
			}

		case wsMsgChange:
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Error().Err(err).Str("channel", msg.Channel).Msg("Failed to parse change event")
				continue
			}
			if ch := w.channel(msg.Channel); ch != nil {
				ch.handleEvent(ev)
			}

		case wsMsgError:
			if ch := w.channel(msg.Channel); ch != nil {
				ch.handleError(fmt.Errorf("%s", msg.Error))
			} else {
				log.Error().Str("error", msg.Error).Msg("Realtime server error")
			}
		}
	}
}

// channel looks up an open channel by its wire name.
func (w *WebSocket) channel(name string) *wsChannel {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.channels[name]
}

// handleDisconnect redials with exponential backoff and resubscribes the
// channels that were active. Channels report channel_error if the
// transport cannot recover.
func (w *WebSocket) handleDisconnect(conn *websocket.Conn, cause error) {
	w.mu.Lock()
	if w.closed || w.conn != conn {
		w.mu.Unlock()
		return
	}
	w.conn = nil
	pending := make([]*wsChannel, 0, len(w.channels))
	for _, ch := range w.channels {
		if ch.wants() {
			pending = append(pending, ch)
		}
	}
	w.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	log.Warn().Err(cause).Int("channels", len(pending)).Msg("Realtime websocket dropped, reconnecting")
	for _, ch := range pending {
		ch.emitStatus(StatusConnecting, nil)
	}

	baseDelay := time.Second
	for attempt := 1; attempt <= w.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-w.done:
			return
		case <-time.After(baseDelay * time.Duration(1<<(attempt-1))):
		}

		if err := w.dial(); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("Realtime reconnect failed")
			continue
		}

		for _, ch := range pending {
			if ch.wants() {
				_ = ch.resubscribe()
			}
		}
		return
	}

	err := fmt.Errorf("reconnect failed after %d attempts: %w", w.cfg.MaxReconnectAttempts, cause)
	for _, ch := range pending {
		ch.handleError(err)
	}
}

// wsChannel is one topic subscription multiplexed over the shared
// connection.
type wsChannel struct {
	parent *WebSocket
	topic  Topic

	mu       sync.Mutex
	wantSub  bool
	closed   bool
	ackTimer *time.Timer
	onEvent  EventHandler
	onStatus StatusHandler
}

func (c *wsChannel) Topic() Topic { return c.topic }

func (c *wsChannel) OnEvent(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = h
}

func (c *wsChannel) OnStatus(h StatusHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = h
}

func (c *wsChannel) Subscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: channel closed", c.topic)
	}
	c.wantSub = true
	c.mu.Unlock()

	c.emitStatus(StatusConnecting, nil)

	if err := c.parent.ensureConn(); err != nil {
		c.handleError(err)
		return nil
	}
	return c.resubscribe()
}

// resubscribe sends the subscribe frame and arms the ack timeout.
func (c *wsChannel) resubscribe() error {
	if err := c.parent.send(wsClientMessage{Type: wsMsgSubscribe, Channel: c.topic.String()}); err != nil {
		c.handleError(err)
		return nil
	}

	c.mu.Lock()
	c.stopAckTimerLocked()
	c.ackTimer = time.AfterFunc(c.parent.cfg.AckTimeout, func() {
		c.emitStatus(StatusTimedOut, fmt.Errorf("subscribe %s: no ack within %s", c.topic, c.parent.cfg.AckTimeout))
	})
	c.mu.Unlock()
	return nil
}

func (c *wsChannel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed || !c.wantSub {
		c.mu.Unlock()
		return nil
	}
	c.wantSub = false
	c.stopAckTimerLocked()
	c.mu.Unlock()

	// Best effort: a dropped connection already unsubscribed us.
	_ = c.parent.send(wsClientMessage{Type: wsMsgUnsubscribe, Channel: c.topic.String()})
	return nil
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	wasSub := c.wantSub
	c.closed = true
	c.wantSub = false
	c.stopAckTimerLocked()
	c.mu.Unlock()

	if wasSub {
		_ = c.parent.send(wsClientMessage{Type: wsMsgUnsubscribe, Channel: c.topic.String()})
	}

	c.parent.mu.Lock()
	delete(c.parent.channels, c.topic.String())
	c.parent.mu.Unlock()

	c.emitStatus(StatusClosed, nil)
	return nil
}

// wants reports whether the channel should be subscribed after reconnect.
func (c *wsChannel) wants() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wantSub && !c.closed
}

func (c *wsChannel) handleAck(subscribed bool) {
	c.mu.Lock()
	c.stopAckTimerLocked()
	c.mu.Unlock()

	if subscribed {
		c.emitStatus(StatusSubscribed, nil)
	} else {
		c.emitStatus(StatusClosed, nil)
	}
}

func (c *wsChannel) handleEvent(ev Event) {
	c.mu.Lock()
	handler := c.onEvent
	active := c.wantSub && !c.closed
	c.mu.Unlock()

	if active && handler != nil {
		handler(ev)
	}
}

func (c *wsChannel) handleError(err error) {
	c.mu.Lock()
	c.stopAckTimerLocked()
	c.mu.Unlock()

	log.Error().Err(err).Str("topic", c.topic.String()).Msg("Realtime channel error")
	c.emitStatus(StatusChannelError, err)
}

func (c *wsChannel) emitStatus(status Status, err error) {
	c.mu.Lock()
	handler := c.onStatus
	c.mu.Unlock()

	if handler != nil {
		handler(status, err)
	}
}

func (c *wsChannel) stopAckTimerLocked() {
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
}
