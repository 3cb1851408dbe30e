// Package pushbus is the push channel between the answer broker, the server,
// and any cross-process producers. It runs in-process over a Go channel
// pub/sub by default and over Redis Streams when the policy enables it.
package pushbus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"agentdeck/internal/model"
)

const (
	TopicQuestionsSurfaced = "deck.questions.surfaced"
	TopicQuestionsResolved = "deck.questions.resolved"
	TopicAnswersSubmitted  = "deck.answers.submitted"
	TopicDegradations      = "deck.degradations"
)

type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber

	// shared is true when publisher and subscriber are one object, as with
	// the in-process channel transport.
	shared bool
}

func NewInProcess(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	logger := newLoggerAdapter(log.With().Str("component", "pushbus").Logger())
	channel := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(buffer),
	}, logger)
	return &Bus{publisher: channel, subscriber: channel, shared: true}
}

func NewRedis(addr string, consumerGroup string, consumer string) (*Bus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return NewRedisWithClient(client, consumerGroup, consumer)
}

// NewRedisWithClient exists so tests can hand in a miniredis-backed client.
func NewRedisWithClient(client redis.UniversalClient, consumerGroup string, consumer string) (*Bus, error) {
	logger := newLoggerAdapter(log.With().Str("component", "pushbus").Logger())
	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client: client,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "redis publisher")
	}
	subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        client,
		ConsumerGroup: consumerGroup,
		Consumer:      consumer,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "redis subscriber")
	}
	return &Bus{publisher: publisher, subscriber: subscriber}, nil
}

func (b *Bus) Close() error {
	if err := b.publisher.Close(); err != nil {
		return err
	}
	if b.shared {
		return nil
	}
	return b.subscriber.Close()
}

func (b *Bus) PublishQuestionEvent(topic string, event model.QuestionEvent) error {
	return b.publishJSON(topic, event)
}

func (b *Bus) PublishAnswerEvent(event model.AnswerEvent) error {
	return b.publishJSON(TopicAnswersSubmitted, event)
}

func (b *Bus) PublishDegradation(event model.Degradation) error {
	return b.publishJSON(TopicDegradations, event)
}

func (b *Bus) publishJSON(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "marshal %s payload", topic)
	}
	msg := message.NewMessage(watermill.NewUUID(), body)
	return errors.Wrapf(b.publisher.Publish(topic, msg), "publish %s", topic)
}

// SubscribeQuestionEvents decodes one topic's question events. A non-nil
// deduper filters redundant deliveries per this registration only.
func (b *Bus) SubscribeQuestionEvents(ctx context.Context, topic string, dedup *Deduper) (<-chan model.QuestionEvent, error) {
	messages, err := b.subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}
	out := make(chan model.QuestionEvent, 16)
	go func() {
		defer close(out)
		for msg := range messages {
			var event model.QuestionEvent
			if decodeErr := json.Unmarshal(msg.Payload, &event); decodeErr != nil {
				log.Warn().Err(decodeErr).Str("topic", topic).Msg("dropping undecodable question event")
				msg.Ack()
				continue
			}
			if dedup != nil && !dedup.FirstSeen(dedupKey(msg, event.Question.ID)) {
				msg.Ack()
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				msg.Nack()
				return
			}
			msg.Ack()
		}
	}()
	return out, nil
}

func (b *Bus) SubscribeAnswerEvents(ctx context.Context, dedup *Deduper) (<-chan model.AnswerEvent, error) {
	messages, err := b.subscriber.Subscribe(ctx, TopicAnswersSubmitted)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", TopicAnswersSubmitted)
	}
	out := make(chan model.AnswerEvent, 16)
	go func() {
		defer close(out)
		for msg := range messages {
			var event model.AnswerEvent
			if decodeErr := json.Unmarshal(msg.Payload, &event); decodeErr != nil {
				log.Warn().Err(decodeErr).Str("topic", TopicAnswersSubmitted).Msg("dropping undecodable answer event")
				msg.Ack()
				continue
			}
			if dedup != nil && !dedup.FirstSeen(dedupKey(msg, event.QuestionID)) {
				msg.Ack()
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				msg.Nack()
				return
			}
			msg.Ack()
		}
	}()
	return out, nil
}

func (b *Bus) SubscribeDegradations(ctx context.Context) (<-chan model.Degradation, error) {
	messages, err := b.subscriber.Subscribe(ctx, TopicDegradations)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", TopicDegradations)
	}
	out := make(chan model.Degradation, 16)
	go func() {
		defer close(out)
		for msg := range messages {
			var event model.Degradation
			if decodeErr := json.Unmarshal(msg.Payload, &event); decodeErr != nil {
				log.Warn().Err(decodeErr).Str("topic", TopicDegradations).Msg("dropping undecodable degradation event")
				msg.Ack()
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				msg.Nack()
				return
			}
			msg.Ack()
		}
	}()
	return out, nil
}

func dedupKey(msg *message.Message, fallback string) string {
	if msg.UUID != "" {
		return msg.UUID
	}
	return fallback
}
