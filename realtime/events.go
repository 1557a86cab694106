package realtime

import (
	"context"
	"sync/atomic"

	"github.com/planora/planora-go/store"
	"github.com/planora/planora-go/transport"
)

// Record is one row payload as delivered by the change feed.
type Record = map[string]any

// Callbacks holds the typed callbacks for one listener. Any of them may be
// nil; a nil callback is simply not invoked.
type Callbacks struct {
	OnInsert func(record Record)
	OnUpdate func(record, oldRecord Record)
	OnDelete func(oldRecord Record)
}

// listener is one registered interest in a topic. Callbacks live behind an
// atomic pointer so they can be swapped without touching the channel: the
// dispatcher always reads the latest set.
type listener struct {
	id  string
	seq uint64
	cb  atomic.Pointer[Callbacks]
}

// invoke calls the callback matching the event type.
func (l *listener) invoke(ev transport.Event) {
	cb := l.cb.Load()
	if cb == nil {
		return
	}

	switch ev.Type {
	case transport.EventInsert:
		if cb.OnInsert != nil {
			cb.OnInsert(ev.Record)
		}
	case transport.EventUpdate:
		if cb.OnUpdate != nil {
			cb.OnUpdate(ev.Record, ev.OldRecord)
		}
	case transport.EventDelete:
		if cb.OnDelete != nil {
			cb.OnDelete(ev.OldRecord)
		}
	}
}

// Enricher replaces a raw change payload with the full record listeners
// expect, fetched by the changed row's id. Returning (nil, nil) means the
// row is already gone and the event is silently dropped.
type Enricher interface {
	Fetch(ctx context.Context, id string) (Record, error)
}

// storeEnricher reads the enriched record from a point-read store,
// typically against a view that joins the relations listeners need.
type storeEnricher struct {
	store    store.Store
	resource string
}

// StoreEnricher adapts a point-read store to an Enricher. resource names
// the backend table or view to read from.
func StoreEnricher(s store.Store, resource string) Enricher {
	return &storeEnricher{store: s, resource: resource}
}

func (e *storeEnricher) Fetch(ctx context.Context, id string) (Record, error) {
	return e.store.GetByID(ctx, e.resource, id)
}
