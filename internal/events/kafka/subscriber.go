package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models/events"
)

// Subscriber is a ChangeFeed reading the change topic. Messages for other
// users are skipped.
type Subscriber struct {
	brokers []string
	topic   string
	groupID string
	userID  string
	log     zerolog.Logger
}

// NewSubscriber builds a feed for userID. Without a groupID every device gets
// its own consumer group, so each one sees every change.
func NewSubscriber(brokers []string, topic, groupID, userID string, log zerolog.Logger) *Subscriber {
	if topic == "" {
		topic = DefaultTopic
	}
	if groupID == "" {
		groupID = "ledger-sync-" + uuid.NewString()
	}
	return &Subscriber{
		brokers: brokers,
		topic:   topic,
		groupID: groupID,
		userID:  userID,
		log:     log.With().Str("component", "kafka-feed").Logger(),
	}
}

func (s *Subscriber) Subscribe(ctx context.Context) (<-chan events.ChangeEvent, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.brokers,
		Topic:       s.topic,
		GroupID:     s.groupID,
		StartOffset: kafka.LastOffset,
	})

	out := make(chan events.ChangeEvent)
	go func() {
		defer close(out)
		defer reader.Close()
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
					s.log.Error().Err(err).Msg("read change topic")
				}
				return
			}
			ev, ok := s.decode(msg)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Subscriber) decode(msg kafka.Message) (events.ChangeEvent, bool) {
	if len(msg.Key) > 0 && string(msg.Key) != s.userID {
		return events.ChangeEvent{}, false
	}
	var ev events.ChangeEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		s.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("skipping undecodable change event")
		return events.ChangeEvent{}, false
	}
	if ev.UserID != s.userID {
		return events.ChangeEvent{}, false
	}
	return ev, true
}
