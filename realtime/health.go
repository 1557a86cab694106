package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/planora/planora-go/transport"
)

// State is the aggregate connection state across all live channels.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// HealthStatus is the aggregate connection health: one coarse state plus
// the last channel error observed. LastError is sticky; it survives
// recovery so a status banner can show what went wrong most recently.
type HealthStatus struct {
	Connected bool
	State     State
	LastError string
}

// healthTracker folds per-channel status transitions into one aggregate
// value. It is keyed by subscription key but deliberately independent of
// the registry: status flicker never touches listener bookkeeping, and
// subscribe churn never forces health watchers to re-evaluate.
type healthTracker struct {
	mu       sync.Mutex
	statuses map[string]transport.Status
	current  HealthStatus
	watchers map[chan HealthStatus]struct{}
}

func newHealthTracker() *healthTracker {
	return &healthTracker{
		statuses: make(map[string]transport.Status),
		current:  HealthStatus{State: StateDisconnected},
		watchers: make(map[chan HealthStatus]struct{}),
	}
}

// record notes one channel's status transition and recomputes the
// aggregate.
func (h *healthTracker) record(key string, status transport.Status, err error) {
	h.mu.Lock()
	h.statuses[key] = status
	if err != nil {
		h.current.LastError = err.Error()
		log.Error().
			Err(err).
			Str("topic", key).
			Str("status", string(status)).
			Msg("Realtime channel reported an error")
	}
	h.recomputeLocked()
	h.mu.Unlock()
}

// forget drops a torn-down channel from the aggregate.
func (h *healthTracker) forget(key string) {
	h.mu.Lock()
	delete(h.statuses, key)
	h.recomputeLocked()
	h.mu.Unlock()
}

// recomputeLocked folds the per-channel statuses: error dominates, else
// connected if any channel is actively subscribed, else connecting, else
// disconnected. A closed channel only drags the aggregate down when no
// other channel remains active.
func (h *healthTracker) recomputeLocked() {
	var hasError, hasSubscribed, hasConnecting bool
	for _, status := range h.statuses {
		switch status {
		case transport.StatusChannelError, transport.StatusTimedOut:
			hasError = true
		case transport.StatusSubscribed:
			hasSubscribed = true
		case transport.StatusConnecting:
			hasConnecting = true
		}
	}

	state := StateDisconnected
	switch {
	case hasError:
		state = StateError
	case hasSubscribed:
		state = StateConnected
	case hasConnecting:
		state = StateConnecting
	}

	if state == h.current.State {
		return
	}

	h.current.State = state
	h.current.Connected = state == StateConnected
	snapshot := h.current

	for w := range h.watchers {
		select {
		case w <- snapshot:
		default:
			// Watcher not keeping up; it will see the next transition.
		}
	}
}

// snapshot returns the current aggregate.
func (h *healthTracker) snapshot() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// watch registers a watcher seeded with the current aggregate. The channel
// is closed when ctx is cancelled.
func (h *healthTracker) watch(ctx context.Context) <-chan HealthStatus {
	ch := make(chan HealthStatus, 8)

	h.mu.Lock()
	h.watchers[ch] = struct{}{}
	ch <- h.current
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.watchers, ch)
		h.mu.Unlock()
		close(ch)
	}()

	return ch
}
