package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSONRoundTrip(t *testing.T) {
	meta := EventMetadata{ID: uuid.New(), ConversationID: "c-1", CreatedAtMs: 42}

	cases := []Event{
		NewConversationDirtyEvent(meta),
		NewFlushStartedEvent(meta),
		NewFlushSavedEvent(meta, "abc123", 7, true),
		NewFlushSkippedEvent(meta),
		NewFlushFailedEvent(meta, errors.New("disk full"), true),
		NewStorageUnavailableEvent(meta, errors.New("restart budget exhausted")),
	}

	for _, ev := range cases {
		b, err := json.Marshal(ev)
		require.NoError(t, err)

		got, err := NewEventFromJson(b)
		require.NoError(t, err, "event type %s", ev.Type())
		assert.Equal(t, ev.Type(), got.Type())
		assert.Equal(t, "c-1", got.Metadata().ConversationID)
		assert.Equal(t, b, []byte(got.Payload()))
	}
}

func TestFlushSavedEventCarriesCoalescingInfo(t *testing.T) {
	ev := NewFlushSavedEvent(EventMetadata{ID: uuid.New()}, "digest-1", 3, true)
	b, err := json.Marshal(ev)
	require.NoError(t, err)

	got, err := NewEventFromJson(b)
	require.NoError(t, err)
	saved, ok := got.(*EventFlushSaved)
	require.True(t, ok)
	assert.Equal(t, "digest-1", saved.Digest)
	assert.Equal(t, 3, saved.MessageCount)
	assert.True(t, saved.Coalesced)
}

func TestUnknownEventTypeIsRejected(t *testing.T) {
	_, err := NewEventFromJson([]byte(`{"type":"not-a-thing"}`))
	require.Error(t, err)
}

func TestPublisherManagerDeliversThroughRouter(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)
	defer func() {
		_ = router.Close()
	}()

	var mu sync.Mutex
	var received []EventType
	router.AddHandler("collect", TopicPersistence, func(msg *message.Message) error {
		defer msg.Ack()
		ev, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}
		mu.Lock()
		received = append(received, ev.Type())
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = router.Run(ctx)
	}()
	<-router.Running()

	pm := NewPublisherManager()
	pm.SubscribePublisher(TopicPersistence, router.Publisher)

	meta := EventMetadata{ID: uuid.New(), ConversationID: "c-1"}
	require.NoError(t, pm.PublishEvent(NewConversationDirtyEvent(meta)))
	require.NoError(t, pm.PublishEvent(NewFlushSavedEvent(meta, "d", 1, false)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventTypeConversationDirty, EventTypeFlushSaved}, received)
}
