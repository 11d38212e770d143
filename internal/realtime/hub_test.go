package realtime

import (
	"testing"

	"github.com/bedrockdb/bedrock/internal/testutil"
)

func TestPublishToTableSubscriber(t *testing.T) {
	h := NewHub(testutil.DiscardLogger())
	sub := h.Subscribe("posts", "")
	defer h.Unsubscribe(sub)

	h.Publish(&Event{Action: ActionInsert, Table: "posts", PKKey: "1"})
	h.Publish(&Event{Action: ActionInsert, Table: "other", PKKey: "1"})

	ev := <-sub.Events()
	testutil.Equal(t, ActionInsert, ev.Action)
	testutil.Equal(t, "posts", ev.Table)
	testutil.Equal(t, 0, len(sub.events))
}

func TestPublishFiltersByPK(t *testing.T) {
	h := NewHub(testutil.DiscardLogger())
	sub := h.Subscribe("posts", "42")
	defer h.Unsubscribe(sub)

	h.Publish(&Event{Action: ActionUpdate, Table: "posts", PKKey: "7"})
	h.Publish(&Event{Action: ActionDelete, Table: "posts", PKKey: "42"})

	ev := <-sub.Events()
	testutil.Equal(t, ActionDelete, ev.Action)
	testutil.Equal(t, "42", ev.PKKey)
	testutil.Equal(t, 0, len(sub.events))
}

func TestCommitOrderPreserved(t *testing.T) {
	h := NewHub(testutil.DiscardLogger())
	sub := h.Subscribe("posts", "")
	defer h.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		h.Publish(&Event{Action: ActionInsert, Table: "posts", Record: map[string]any{"n": i}})
	}
	for i := 0; i < 10; i++ {
		ev := <-sub.Events()
		testutil.Equal(t, i, ev.Record["n"].(int))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(testutil.DiscardLogger())
	sub := h.Subscribe("posts", "")
	testutil.Equal(t, 1, h.SubscriberCount())

	h.Unsubscribe(sub)
	testutil.Equal(t, 0, h.SubscriberCount())

	_, open := <-sub.Events()
	testutil.False(t, open, "channel should be closed")

	// Idempotent.
	h.Unsubscribe(sub)
}

func TestFullBufferDropsEvent(t *testing.T) {
	h := NewHub(testutil.DiscardLogger())
	sub := h.Subscribe("posts", "")
	defer h.Unsubscribe(sub)

	for i := 0; i < eventBufferSize+5; i++ {
		h.Publish(&Event{Action: ActionInsert, Table: "posts"})
	}
	testutil.Equal(t, eventBufferSize, len(sub.events))
}

func TestClose(t *testing.T) {
	h := NewHub(testutil.DiscardLogger())
	a := h.Subscribe("posts", "")
	b := h.Subscribe("comments", "")

	h.Close()
	testutil.Equal(t, 0, h.SubscriberCount())

	_, open := <-a.Events()
	testutil.False(t, open, "first channel closed")
	_, open = <-b.Events()
	testutil.False(t, open, "second channel closed")
}
