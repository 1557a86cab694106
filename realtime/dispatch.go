package realtime

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/planora/planora-go/transport"
)

// enrichTimeout bounds the point read performed before fan-out.
const enrichTimeout = 5 * time.Second

// dispatch replays one change event to every listener currently
// registered for the topic. The listener set is snapshotted under the
// lock in insertion order, so a listener added after this point never
// sees the event and a listener removed mid-dispatch is simply absent.
func (p *Provider) dispatch(key string, ev transport.Event) {
	p.mu.Lock()
	entry, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	snapshot := make([]*listener, 0, len(entry.listeners))
	for _, l := range entry.listeners {
		snapshot = append(snapshot, l)
	}
	resource := entry.topic.Resource
	p.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].seq < snapshot[j].seq })

	if !p.enrich(resource, &ev) {
		return
	}

	for _, l := range snapshot {
		l.invoke(ev)
	}

	if p.metrics != nil {
		p.metrics.recordEvent(string(ev.Type))
	}

	log.Debug().
		Str("topic", key).
		Str("type", string(ev.Type)).
		Int("listeners", len(snapshot)).
		Msg("Change event dispatched")
}

// enrich replaces the event's record with the full joined row for
// resources that have an enricher registered. Returns false when the
// event should not fan out: the row was deleted between the notification
// and the read ("already gone"), or the read failed.
//
// Delete events never enrich; the row no longer exists and the old record
// fans out as-is.
func (p *Provider) enrich(resource string, ev *transport.Event) bool {
	if ev.Type == transport.EventDelete {
		return true
	}
	enricher, ok := p.enrichers[resource]
	if !ok {
		if p.store == nil {
			return true
		}
		enricher = StoreEnricher(p.store, resource)
	}

	rawID, ok := ev.Record["id"]
	if !ok {
		log.Warn().Str("resource", resource).Msg("Change event has no id, skipping enrichment fan-out")
		return false
	}
	id := fmt.Sprint(rawID)

	ctx, cancel := context.WithTimeout(context.Background(), enrichTimeout)
	defer cancel()

	record, err := enricher.Fetch(ctx, id)
	if err != nil {
		log.Error().
			Err(err).
			Str("resource", resource).
			Str("id", id).
			Msg("Enrichment fetch failed, event not delivered")
		if p.metrics != nil {
			p.metrics.recordEnrichmentMiss()
		}
		return false
	}
	if record == nil {
		// Row already gone; benign.
		log.Debug().
			Str("resource", resource).
			Str("id", id).
			Msg("Enrichment fetch returned nothing, event skipped")
		if p.metrics != nil {
			p.metrics.recordEnrichmentMiss()
		}
		return false
	}

	ev.Record = record
	return true
}
