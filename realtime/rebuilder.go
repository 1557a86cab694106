package realtime

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/planora/planora-go/filter"
)

// MembershipSubscription tracks a topic whose filter is a membership list
// that changes frequently (e.g. "these N comment ids"). Every SetMembers
// call schedules a channel rebuild after the provider's quiet period; a
// call arriving before the timer fires cancels and reschedules it, so a
// burst of mutations costs one rebuild using the final member set.
//
// Only channel reconstruction is debounced; events on the current channel
// are delivered live throughout.
type MembershipSubscription struct {
	p        *Provider
	resource string
	column   string
	cb       Callbacks

	mu      sync.Mutex
	timer   *time.Timer
	pending []string
	inner   *Subscription
	closed  bool
}

// SubscribeMembership creates a membership subscription for a resource
// keyed by column. No channel exists until the first non-empty SetMembers
// takes effect.
func (p *Provider) SubscribeMembership(resource, column string, cb Callbacks, opts ...SubscribeOption) *MembershipSubscription {
	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &MembershipSubscription{
		p:        p,
		resource: resource,
		column:   column,
		cb:       cb,
	}
	if cfg.disabled || resource == "" {
		m.closed = true
	}
	return m
}

// SetMembers replaces the member id set. The rebuild is debounced: the
// previous timer is cancelled and a new one armed for the quiet period.
func (m *MembershipSubscription) SetMembers(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	m.pending = append([]string(nil), ids...)
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.p.quiet, m.rebuild)
}

// rebuild tears down the old channel and subscribes with the member set
// as of the last mutation. Runs on the debounce timer's goroutine.
func (m *MembershipSubscription) rebuild() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	ids := m.pending
	old := m.inner
	m.inner = nil
	m.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}
	if len(ids) == 0 {
		return
	}

	sub := m.p.Subscribe(m.resource, filter.In(m.column, ids...), m.cb)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	m.inner = sub
	m.mu.Unlock()

	if m.p.metrics != nil {
		m.p.metrics.recordRebuild()
	}

	log.Debug().
		Str("resource", m.resource).
		Str("column", m.column).
		Int("members", len(ids)).
		Msg("Membership channel rebuilt")
}

// UpdateCallbacks swaps the callbacks for current and future channels.
func (m *MembershipSubscription) UpdateCallbacks(cb Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = cb
	if m.inner != nil {
		m.inner.UpdateCallbacks(cb)
	}
}

// Close cancels any pending rebuild and unsubscribes. A closed
// subscription ignores further SetMembers calls.
func (m *MembershipSubscription) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	inner := m.inner
	m.inner = nil
	m.mu.Unlock()

	if inner != nil {
		inner.Unsubscribe()
	}
}
