// Package notify publishes dispatch cycle reports so downstream systems
// (dashboards, job pollers) can react without polling the API.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"cloud.google.com/go/pubsub"

	"github.com/ashita-ai/hikaku/internal/model"
)

// SendFunc publishes one message and returns the server-assigned message ID.
type SendFunc func(ctx context.Context, data []byte, attrs map[string]string) (string, error)

// Publisher is a pipeline.DispatchHook that publishes every
// DispatchReport as a JSON message.
type Publisher struct {
	send   SendFunc
	close  func() error
	logger *slog.Logger
}

// NewPubSubPublisher connects to Google Cloud Pub/Sub and publishes to
// topicID, creating the topic if it does not exist.
func NewPubSubPublisher(ctx context.Context, projectID, topicID string, logger *slog.Logger) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("notify: pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("notify: check topic %s: %w", topicID, err)
	}
	if !exists {
		if topic, err = client.CreateTopic(ctx, topicID); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("notify: create topic %s: %w", topicID, err)
		}
		logger.Info("notify: created pubsub topic", "topic", topicID)
	}

	send := func(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
		return topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	}
	closeFn := func() error {
		topic.Stop()
		return client.Close()
	}
	return &Publisher{send: send, close: closeFn, logger: logger}, nil
}

// NewPublisher creates a Publisher over an arbitrary send function.
func NewPublisher(send SendFunc, logger *slog.Logger) *Publisher {
	return &Publisher{send: send, logger: logger}
}

// OnDispatch publishes report.
func (p *Publisher) OnDispatch(ctx context.Context, report model.DispatchReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("notify: marshal report: %w", err)
	}
	attrs := map[string]string{
		"cycle_id":    report.CycleID,
		"outcome":     string(report.Outcome),
		"event_count": strconv.Itoa(report.EventCount),
	}
	id, err := p.send(ctx, data, attrs)
	if err != nil {
		return fmt.Errorf("notify: publish cycle %s: %w", report.CycleID, err)
	}
	p.logger.Debug("notify: dispatch report published", "cycle_id", report.CycleID, "message_id", id)
	return nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}
