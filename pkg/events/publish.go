package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// EventSink accepts persistence lifecycle events. The coordinator publishes
// through sinks so callers can observe flushes without coupling to watermill.
type EventSink interface {
	PublishEvent(event Event) error
}

// PublisherManager distributes events to a set of publishers, each subscribed
// on a topic. Outgoing messages carry a sequence number in the order Publish
// handled them.
type PublisherManager struct {
	Publishers     map[string][]message.Publisher
	sequenceNumber uint64
	mutex          sync.Mutex
}

func NewPublisherManager() *PublisherManager {
	return &PublisherManager{
		Publishers: make(map[string][]message.Publisher),
	}
}

func (s *PublisherManager) SubscribePublisher(topic string, pub message.Publisher) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.Publishers[topic] = append(s.Publishers[topic], pub)
}

// Publish serializes the event and distributes it to every subscribed
// publisher across all topics.
func (s *PublisherManager) Publish(payload interface{}) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set("sequence_number", fmt.Sprintf("%d", s.sequenceNumber))
	s.sequenceNumber++

	for topic, pubs := range s.Publishers {
		for _, pub := range pubs {
			if err := pub.Publish(topic, msg); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("failed to publish event")
			}
		}
	}
	return nil
}

func (s *PublisherManager) PublishEvent(event Event) error {
	return s.Publish(event)
}

func (s *PublisherManager) PublishBlind(payload interface{}) {
	if err := s.Publish(payload); err != nil {
		log.Warn().Err(err).Msg("failed to publish")
	}
}

var _ EventSink = &PublisherManager{}

// NullSink drops every event; used when no observer is wired up.
type NullSink struct{}

func (NullSink) PublishEvent(Event) error { return nil }
