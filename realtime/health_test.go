package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planora/planora-go/transport"
)

func TestHealth_AggregatesAcrossChannels(t *testing.T) {
	tr := &fakeTransport{}
	p := New(tr)

	p.Subscribe("tasks", "", Callbacks{})
	p.Subscribe("projects", "", Callbacks{})
	assert.Equal(t, StateConnecting, p.Health().State)

	tr.channelFor("tasks").status(transport.StatusSubscribed, nil)
	h := p.Health()
	assert.Equal(t, StateConnected, h.State)
	assert.True(t, h.Connected)

	// One healthy channel keeps the aggregate connected even while the
	// other churns.
	tr.channelFor("projects").status(transport.StatusClosed, nil)
	assert.Equal(t, StateConnected, p.Health().State)

	tr.channelFor("tasks").status(transport.StatusClosed, nil)
	h = p.Health()
	assert.Equal(t, StateDisconnected, h.State)
	assert.False(t, h.Connected)
}

func TestHealth_ErrorDominates(t *testing.T) {
	tr := &fakeTransport{}
	p := New(tr)

	p.Subscribe("tasks", "", Callbacks{})
	p.Subscribe("projects", "", Callbacks{})

	tr.channelFor("tasks").status(transport.StatusSubscribed, nil)
	tr.channelFor("projects").status(transport.StatusChannelError, errors.New("subscription rejected"))

	h := p.Health()
	assert.Equal(t, StateError, h.State)
	assert.False(t, h.Connected)
	assert.Equal(t, "subscription rejected", h.LastError)
}

func TestHealth_TimedOutIsError(t *testing.T) {
	tr := &fakeTransport{}
	p := New(tr)

	p.Subscribe("tasks", "", Callbacks{})
	tr.channelFor("tasks").status(transport.StatusTimedOut, errors.New("ack timeout"))

	assert.Equal(t, StateError, p.Health().State)
}

func TestHealth_LastErrorIsSticky(t *testing.T) {
	tr := &fakeTransport{}
	p := New(tr)

	p.Subscribe("tasks", "", Callbacks{})
	ch := tr.channelFor("tasks")

	ch.status(transport.StatusChannelError, errors.New("boom"))
	ch.status(transport.StatusSubscribed, nil)

	h := p.Health()
	assert.Equal(t, StateConnected, h.State)
	assert.Equal(t, "boom", h.LastError)
}

func TestHealth_TeardownForgetsChannel(t *testing.T) {
	tr := &fakeTransport{}
	p := New(tr)

	sub := p.Subscribe("tasks", "", Callbacks{})
	tr.channelFor("tasks").status(transport.StatusChannelError, errors.New("boom"))
	require.Equal(t, StateError, p.Health().State)

	// Tearing down the broken channel clears its contribution.
	sub.Unsubscribe()
	assert.Equal(t, StateDisconnected, p.Health().State)
}

func TestWatchHealth_SeedsAndNotifies(t *testing.T) {
	tr := &fakeTransport{}
	p := New(tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := p.WatchHealth(ctx)

	// Seeded with the current aggregate on registration.
	select {
	case h := <-updates:
		assert.Equal(t, StateDisconnected, h.State)
	case <-time.After(time.Second):
		t.Fatal("no seed value received")
	}

	p.Subscribe("tasks", "", Callbacks{})
	select {
	case h := <-updates:
		assert.Equal(t, StateConnecting, h.State)
	case <-time.After(time.Second):
		t.Fatal("no connecting transition received")
	}

	tr.channelFor("tasks").status(transport.StatusSubscribed, nil)
	select {
	case h := <-updates:
		assert.Equal(t, StateConnected, h.State)
		assert.True(t, h.Connected)
	case <-time.After(time.Second):
		t.Fatal("no connected transition received")
	}
}

func TestWatchHealth_ListenerChurnDoesNotFire(t *testing.T) {
	tr := &fakeTransport{}
	p := New(tr)

	first := p.Subscribe("tasks", "", Callbacks{})
	tr.channelFor("tasks").status(transport.StatusSubscribed, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := p.WatchHealth(ctx)
	<-updates // seed

	// Listeners coming and going on a healthy shared channel must not
	// produce health transitions.
	second := p.Subscribe("tasks", "", Callbacks{})
	second.Unsubscribe()
	third := p.Subscribe("tasks", "", Callbacks{})
	third.Unsubscribe()
	_ = first

	select {
	case h := <-updates:
		t.Fatalf("unexpected health transition: %+v", h)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchHealth_ClosedOnContextCancel(t *testing.T) {
	tr := &fakeTransport{}
	p := New(tr)

	ctx, cancel := context.WithCancel(context.Background())
	updates := p.WatchHealth(ctx)
	<-updates // seed
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
