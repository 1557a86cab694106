// Package transport defines the change-data transport used by the realtime
// multiplexer: a publish/subscribe primitive keyed by (resource, filter)
// that pushes change events and reports channel-level status transitions.
//
// Three implementations are provided: Local (in-process, used for tests and
// embedded setups), WebSocket (the Planora realtime endpoint) and Redis
// (server-side consumers subscribing to the change firehose).
package transport

// EventType identifies the kind of row change carried by an Event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is one change notification delivered on a channel.
// Record holds the new row (INSERT/UPDATE); OldRecord holds the previous
// row (UPDATE/DELETE).
type Event struct {
	Type      EventType      `json:"type"`
	Resource  string         `json:"resource"`
	Record    map[string]any `json:"record,omitempty"`
	OldRecord map[string]any `json:"old_record,omitempty"`
}

// Status is a channel-level lifecycle status reported via OnStatus.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusSubscribed   Status = "subscribed"
	StatusChannelError Status = "channel_error"
	StatusTimedOut     Status = "timed_out"
	StatusClosed       Status = "closed"
)

// Topic identifies one deduplicated subscription: a resource kind plus an
// optional filter expression in column=operator.value form.
type Topic struct {
	Resource string
	Filter   string
}

// String renders the topic as its wire channel name, which doubles as the
// subscription key: "tasks" or "tasks:project_id=eq.p1".
func (t Topic) String() string {
	if t.Filter == "" {
		return t.Resource
	}
	return t.Resource + ":" + t.Filter
}

// EventHandler receives change events in transport delivery order.
type EventHandler func(Event)

// StatusHandler receives channel status transitions. The error is non-nil
// only for StatusChannelError and StatusTimedOut.
type StatusHandler func(Status, error)

// Channel owns one live subscription for one topic. Handlers must be set
// before Subscribe is called; implementations invoke OnEvent serially from
// a single goroutine so per-topic ordering is preserved.
type Channel interface {
	// Topic returns the topic this channel was opened for.
	Topic() Topic

	// Subscribe activates delivery. Safe to call again after Unsubscribe.
	Subscribe() error

	// Unsubscribe pauses delivery without releasing the channel.
	Unsubscribe() error

	// OnEvent registers the event handler.
	OnEvent(EventHandler)

	// OnStatus registers the status handler.
	OnStatus(StatusHandler)

	// Close releases the channel. A closed channel cannot be resubscribed.
	Close() error
}

// Transport opens channels. Implementations must support many concurrently
// open channels over one underlying connection.
type Transport interface {
	Open(topic Topic) (Channel, error)
	Close() error
}
