package transport

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis() *Redis {
	ctx, cancel := context.WithCancel(context.Background())
	return &Redis{
		// No server behind this address; only paths that never reach it
		// are exercised.
		client: redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func TestRedis_CloseUnblocksActiveConsumers(t *testing.T) {
	r := newTestRedis()

	// Wire a consume goroutine the way Subscribe does: its context is
	// derived from the transport context.
	ch := &redisChannel{parent: r, topic: Topic{Resource: "tasks"}}
	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()
	pubsub := r.client.Subscribe(ctx, redisChannelPrefix+"tasks")
	r.wg.Add(1)
	go ch.consume(ctx, pubsub)

	done := make(chan struct{})
	go func() {
		_ = r.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked on an active consumer")
	}
}

func TestRedis_CloseIdempotent(t *testing.T) {
	r := newTestRedis()
	require.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}

func TestRedis_OpenAfterCloseFails(t *testing.T) {
	r := newTestRedis()
	require.NoError(t, r.Close())

	_, err := r.Open(Topic{Resource: "tasks"})
	assert.Error(t, err)
}

func TestRedis_OpenRejectsInvalidFilter(t *testing.T) {
	r := newTestRedis()
	defer func() { _ = r.Close() }()

	_, err := r.Open(Topic{Resource: "tasks", Filter: "not a filter"})
	assert.Error(t, err)
}
