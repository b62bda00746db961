package events

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// Coordinator lifecycle: a conversation was mutated and awaits flushing.
	EventTypeConversationDirty EventType = "conversation-dirty"

	// Flush lifecycle, one started event per debounce firing.
	EventTypeFlushStarted EventType = "flush-started"
	EventTypeFlushSaved   EventType = "flush-saved"
	EventTypeFlushSkipped EventType = "flush-skipped"
	EventTypeFlushFailed  EventType = "flush-failed"

	// The storage engine exhausted its restart budget; writes are lost until
	// the process restarts.
	EventTypeStorageUnavailable EventType = "storage-unavailable"
)

// EventMetadata travels with every event for correlation and logging.
type EventMetadata struct {
	ID             uuid.UUID `json:"message_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAtMs    int64     `json:"created_at_ms,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", em.ID.String())
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
}

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// raw JSON this event was decoded from, set by NewEventFromJson
	payload []byte
}

func (e *EventImpl) Type() EventType         { return e.Type_ }
func (e *EventImpl) Metadata() EventMetadata { return e.Metadata_ }
func (e *EventImpl) Payload() []byte         { return e.payload }

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

// EventConversationDirty is published when an in-memory mutation marks a
// conversation for the next debounced flush.
type EventConversationDirty struct {
	EventImpl
}

func NewConversationDirtyEvent(meta EventMetadata) *EventConversationDirty {
	return &EventConversationDirty{
		EventImpl: EventImpl{Type_: EventTypeConversationDirty, Metadata_: meta},
	}
}

type EventFlushStarted struct {
	EventImpl
}

func NewFlushStartedEvent(meta EventMetadata) *EventFlushStarted {
	return &EventFlushStarted{
		EventImpl: EventImpl{Type_: EventTypeFlushStarted, Metadata_: meta},
	}
}

// EventFlushSaved reports a completed write, including whether the message
// replace-all was coalesced away because content was unchanged.
type EventFlushSaved struct {
	EventImpl

	Digest       string `json:"digest"`
	MessageCount int    `json:"message_count"`
	Coalesced    bool   `json:"coalesced"`
}

func NewFlushSavedEvent(meta EventMetadata, digest string, count int, coalesced bool) *EventFlushSaved {
	return &EventFlushSaved{
		EventImpl:    EventImpl{Type_: EventTypeFlushSaved, Metadata_: meta},
		Digest:       digest,
		MessageCount: count,
		Coalesced:    coalesced,
	}
}

// EventFlushSkipped reports a flush that found the conversation clean again,
// usually because a concurrent flush already wrote it.
type EventFlushSkipped struct {
	EventImpl
}

func NewFlushSkippedEvent(meta EventMetadata) *EventFlushSkipped {
	return &EventFlushSkipped{
		EventImpl: EventImpl{Type_: EventTypeFlushSkipped, Metadata_: meta},
	}
}

type EventFlushFailed struct {
	EventImpl

	ErrorString string `json:"error_string"`
	// Transient failures keep the conversation dirty for a retry; permanent
	// ones escalate to EventTypeStorageUnavailable.
	Transient bool `json:"transient"`
}

func NewFlushFailedEvent(meta EventMetadata, err error, transient bool) *EventFlushFailed {
	return &EventFlushFailed{
		EventImpl:   EventImpl{Type_: EventTypeFlushFailed, Metadata_: meta},
		ErrorString: err.Error(),
		Transient:   transient,
	}
}

type EventStorageUnavailable struct {
	EventImpl

	ErrorString string `json:"error_string"`
}

func NewStorageUnavailableEvent(meta EventMetadata, err error) *EventStorageUnavailable {
	return &EventStorageUnavailable{
		EventImpl:   EventImpl{Type_: EventTypeStorageUnavailable, Metadata_: meta},
		ErrorString: err.Error(),
	}
}

// NewEventFromJson decodes a serialized event back into its concrete type.
func NewEventFromJson(b []byte) (Event, error) {
	var envelope EventImpl
	if err := json.Unmarshal(b, &envelope); err != nil {
		return nil, errors.Wrap(err, "decoding event envelope")
	}

	var ret Event
	var err error
	switch envelope.Type_ {
	case EventTypeConversationDirty:
		e := &EventConversationDirty{}
		err = json.Unmarshal(b, e)
		e.payload = b
		ret = e
	case EventTypeFlushStarted:
		e := &EventFlushStarted{}
		err = json.Unmarshal(b, e)
		e.payload = b
		ret = e
	case EventTypeFlushSaved:
		e := &EventFlushSaved{}
		err = json.Unmarshal(b, e)
		e.payload = b
		ret = e
	case EventTypeFlushSkipped:
		e := &EventFlushSkipped{}
		err = json.Unmarshal(b, e)
		e.payload = b
		ret = e
	case EventTypeFlushFailed:
		e := &EventFlushFailed{}
		err = json.Unmarshal(b, e)
		e.payload = b
		ret = e
	case EventTypeStorageUnavailable:
		e := &EventStorageUnavailable{}
		err = json.Unmarshal(b, e)
		e.payload = b
		ret = e
	default:
		return nil, errors.Errorf("unknown event type %s", envelope.Type_)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s event", envelope.Type_)
	}
	return ret, nil
}
