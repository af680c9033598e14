package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/pageaudit/internal/progress"
)

// Publisher delivers one encoded message to a topic.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) error
	Close() error
}

// TopicPublisher adapts a Pub/Sub topic to Publisher.
type TopicPublisher struct {
	topic *pubsub.Topic
}

// NewTopicPublisher wraps topic.
func NewTopicPublisher(topic *pubsub.Topic) *TopicPublisher {
	return &TopicPublisher{topic: topic}
}

// Publish sends data and waits for the server acknowledgement.
func (p *TopicPublisher) Publish(ctx context.Context, data []byte, attrs map[string]string) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub topic is not configured")
	}
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Close flushes outstanding messages.
func (p *TopicPublisher) Close() error {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
	return nil
}

// PubSubSink forwards terminal progress events to a Pub/Sub topic so other
// services can react to finished tests without holding a channel connection.
type PubSubSink struct {
	publisher Publisher
	logger    *zap.Logger
}

// NewPubSubSink constructs a PubSubSink.
func NewPubSubSink(publisher Publisher, logger *zap.Logger) *PubSubSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{publisher: publisher, logger: logger}
}

type eventMessage struct {
	SessionID  string    `json:"sessionId"`
	TS         time.Time `json:"ts"`
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	URL        string    `json:"url,omitempty"`
	ID         string    `json:"id,omitempty"`
	URLs       int       `json:"urls,omitempty"`
	Multiplier float64   `json:"multiplier,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
	Note       string    `json:"note,omitempty"`
}

// Consume publishes every terminal event in the batch. In-progress events are
// skipped. The first publish error is returned after the batch is attempted.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var firstErr error
	for _, evt := range batch {
		if !evt.Status.Terminal() {
			continue
		}
		msg := eventMessage{
			SessionID:  evt.SessionUUID().String(),
			TS:         evt.TS.UTC(),
			Stage:      string(evt.Stage),
			Status:     string(evt.Status),
			URL:        evt.URL,
			ID:         evt.ID,
			URLs:       evt.URLs,
			Multiplier: evt.Multiplier,
			DurationMs: evt.Dur.Milliseconds(),
			Note:       evt.Note,
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal progress event: %w", err)
		}
		attrs := map[string]string{"stage": msg.Stage, "status": msg.Status}
		if err := s.publisher.Publish(ctx, data, attrs); err != nil {
			s.logger.Warn("progress publish failed",
				zap.String("stage", msg.Stage),
				zap.String("status", msg.Status),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close stops the underlying publisher.
func (s *PubSubSink) Close(context.Context) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	if err := s.publisher.Close(); err != nil {
		return fmt.Errorf("close publisher: %w", err)
	}
	return nil
}
