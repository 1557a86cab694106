package realtime

import (
	"context"
	"sync"
)

// VisibilitySensor reports whether the host surface is visible to the
// user. Implementations wrap whatever the host environment provides: a
// desktop app's focus events, a headless worker's always-visible stub, or
// the ManualSensor below.
type VisibilitySensor interface {
	// Visible returns the current visibility.
	Visible() bool

	// Watch returns a channel of visibility transitions. The channel is
	// closed when ctx is cancelled.
	Watch(ctx context.Context) <-chan bool
}

// ManualSensor is a VisibilitySensor driven by explicit Set calls.
type ManualSensor struct {
	mu       sync.Mutex
	visible  bool
	watchers map[chan bool]struct{}
}

// NewManualSensor creates a sensor with the given initial visibility.
func NewManualSensor(visible bool) *ManualSensor {
	return &ManualSensor{
		visible:  visible,
		watchers: make(map[chan bool]struct{}),
	}
}

// Visible returns the current visibility.
func (s *ManualSensor) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Set updates the visibility and notifies watchers on change.
func (s *ManualSensor) Set(visible bool) {
	s.mu.Lock()
	if s.visible == visible {
		s.mu.Unlock()
		return
	}
	s.visible = visible
	for w := range s.watchers {
		select {
		case w <- visible:
		default:
		}
	}
	s.mu.Unlock()
}

// Watch returns a channel of visibility transitions.
func (s *ManualSensor) Watch(ctx context.Context) <-chan bool {
	ch := make(chan bool, 4)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
		close(ch)
	}()

	return ch
}

// ObserveVisibility drives the provider's pause/resume from a sensor
// until ctx is cancelled. The provider adopts the sensor's current state
// immediately. The watcher is registered before the state is sampled so
// a transition between the two is never lost.
func (p *Provider) ObserveVisibility(ctx context.Context, sensor VisibilitySensor) {
	updates := sensor.Watch(ctx)
	p.SetVisible(sensor.Visible())

	go func() {
		for visible := range updates {
			p.SetVisible(visible)
		}
	}()
}
