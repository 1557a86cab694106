package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSubscribed(t *testing.T, tr *Local, topic Topic) (Channel, *[]Event, *[]Status) {
	t.Helper()

	ch, err := tr.Open(topic)
	require.NoError(t, err)

	events := &[]Event{}
	statuses := &[]Status{}
	ch.OnEvent(func(ev Event) { *events = append(*events, ev) })
	ch.OnStatus(func(s Status, _ error) { *statuses = append(*statuses, s) })
	require.NoError(t, ch.Subscribe())

	return ch, events, statuses
}

func TestLocal_DeliverMatchingEvents(t *testing.T) {
	tr := NewLocal()
	defer tr.Close()

	_, events, statuses := openSubscribed(t, tr, Topic{Resource: "tasks", Filter: "project_id=eq.p1"})

	tr.Publish("tasks", Event{Type: EventInsert, Record: map[string]any{"id": "t1", "project_id": "p1"}})
	tr.Publish("tasks", Event{Type: EventInsert, Record: map[string]any{"id": "t2", "project_id": "p2"}})
	tr.Publish("projects", Event{Type: EventInsert, Record: map[string]any{"id": "p1"}})

	require.Len(t, *events, 1)
	assert.Equal(t, "t1", (*events)[0].Record["id"])
	assert.Equal(t, "tasks", (*events)[0].Resource)
	assert.Equal(t, []Status{StatusSubscribed}, *statuses)
}

func TestLocal_UnfilteredTopicMatchesAll(t *testing.T) {
	tr := NewLocal()
	defer tr.Close()

	_, events, _ := openSubscribed(t, tr, Topic{Resource: "tasks"})

	tr.Publish("tasks", Event{Type: EventInsert, Record: map[string]any{"id": "t1", "project_id": "p1"}})
	tr.Publish("tasks", Event{Type: EventUpdate, Record: map[string]any{"id": "t2", "project_id": "p2"}})

	assert.Len(t, *events, 2)
}

func TestLocal_DeleteMatchesOnOldRecord(t *testing.T) {
	tr := NewLocal()
	defer tr.Close()

	_, events, _ := openSubscribed(t, tr, Topic{Resource: "tasks", Filter: "project_id=eq.p1"})

	tr.Publish("tasks", Event{Type: EventDelete, OldRecord: map[string]any{"id": "t1", "project_id": "p1"}})

	require.Len(t, *events, 1)
	assert.Equal(t, EventDelete, (*events)[0].Type)
}

func TestLocal_UnsubscribePausesDelivery(t *testing.T) {
	tr := NewLocal()
	defer tr.Close()

	ch, events, statuses := openSubscribed(t, tr, Topic{Resource: "tasks"})

	require.NoError(t, ch.Unsubscribe())
	tr.Publish("tasks", Event{Type: EventInsert, Record: map[string]any{"id": "t1"}})
	assert.Empty(t, *events)

	require.NoError(t, ch.Subscribe())
	tr.Publish("tasks", Event{Type: EventInsert, Record: map[string]any{"id": "t2"}})
	assert.Len(t, *events, 1)

	assert.Equal(t, []Status{StatusSubscribed, StatusClosed, StatusSubscribed}, *statuses)
}

func TestLocal_CloseChannelStopsDelivery(t *testing.T) {
	tr := NewLocal()
	defer tr.Close()

	ch, events, _ := openSubscribed(t, tr, Topic{Resource: "tasks"})
	require.NoError(t, ch.Close())

	tr.Publish("tasks", Event{Type: EventInsert, Record: map[string]any{"id": "t1"}})
	assert.Empty(t, *events)

	assert.Error(t, ch.Subscribe())
}

func TestLocal_InvalidFilterFailsOpen(t *testing.T) {
	tr := NewLocal()
	defer tr.Close()

	_, err := tr.Open(Topic{Resource: "tasks", Filter: "not a filter"})
	assert.Error(t, err)
}

func TestLocal_ClosedTransportRejectsOpen(t *testing.T) {
	tr := NewLocal()
	require.NoError(t, tr.Close())

	_, err := tr.Open(Topic{Resource: "tasks"})
	assert.Error(t, err)
}

func TestTopic_String(t *testing.T) {
	assert.Equal(t, "tasks", Topic{Resource: "tasks"}.String())
	assert.Equal(t, "tasks:project_id=eq.p1", Topic{Resource: "tasks", Filter: "project_id=eq.p1"}.String())
}
