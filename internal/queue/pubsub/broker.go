// Package pubsub implements the task broker on Google Cloud Pub/Sub.
// Each queue maps to one topic and one shared worker subscription.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/site-audit/internal/queue"
	"github.com/JakeFAU/site-audit/internal/scan"
)

// Config controls topic naming and redelivery.
type Config struct {
	ProjectID          string
	TopicPrefix        string
	SubscriptionSuffix string
	CreateMissing      bool
	MaxDeliveries      int
}

// Broker publishes tasks as Pub/Sub messages.
type Broker struct {
	client *pubsub.Client
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New dials Pub/Sub using Application Default Credentials unless opts override them.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Broker, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *pubsub.Client, cfg Config, logger *zap.Logger) *Broker {
	if cfg.SubscriptionSuffix == "" {
		cfg.SubscriptionSuffix = "workers"
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		client: client,
		cfg:    cfg,
		logger: logger,
		topics: make(map[string]*pubsub.Topic),
	}
}

// TopicID returns the topic name backing a queue.
func (b *Broker) TopicID(queueName string) string {
	return b.cfg.TopicPrefix + queueName
}

// SubscriptionID returns the worker subscription for a queue.
func (b *Broker) SubscriptionID(queueName string) string {
	return b.TopicID(queueName) + "-" + b.cfg.SubscriptionSuffix
}

func (b *Broker) topic(ctx context.Context, queueName string) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[queueName]; ok {
		return t, nil
	}
	id := b.TopicID(queueName)
	t := b.client.Topic(id)
	if b.cfg.CreateMissing {
		exists, err := t.Exists(ctx)
		if err != nil {
			return nil, fmt.Errorf("check topic %s: %w", id, err)
		}
		if !exists {
			if t, err = b.client.CreateTopic(ctx, id); err != nil {
				return nil, fmt.Errorf("create topic %s: %w", id, err)
			}
		}
	}
	b.topics[queueName] = t
	return t, nil
}

func (b *Broker) subscription(ctx context.Context, queueName string) (*pubsub.Subscription, error) {
	t, err := b.topic(ctx, queueName)
	if err != nil {
		return nil, err
	}
	id := b.SubscriptionID(queueName)
	sub := b.client.Subscription(id)
	if !b.cfg.CreateMissing {
		return sub, nil
	}
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %s: %w", id, err)
	}
	if exists {
		return sub, nil
	}
	sub, err = b.client.CreateSubscription(ctx, id, pubsub.SubscriptionConfig{
		Topic:       t,
		AckDeadline: 60 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription %s: %w", id, err)
	}
	return sub, nil
}

// Publish sends the task and waits for the server to acknowledge it.
func (b *Broker) Publish(ctx context.Context, queueName string, task scan.Task) error {
	data, err := queue.Encode(task)
	if err != nil {
		return err
	}
	t, err := b.topic(ctx, queueName)
	if err != nil {
		return err
	}
	attrs := map[string]string{
		"job_id":  task.JobID,
		"phase":   string(task.Phase),
		"attempt": strconv.Itoa(task.Attempt),
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))

	result := t.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", t.ID(), err)
	}
	return nil
}

// Consume receives from the queue's subscription until ctx ends. A failed task is
// republished with its attempt incremented until MaxDeliveries is reached, then
// handed to the handler's dead-letter hook.
func (b *Broker) Consume(ctx context.Context, queueName string, concurrency int, handler scan.TaskHandler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	sub, err := b.subscription(ctx, queueName)
	if err != nil {
		return err
	}
	sub.ReceiveSettings.MaxOutstandingMessages = concurrency
	sub.ReceiveSettings.NumGoroutines = 1

	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		b.handle(ctx, queueName, msg, handler)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive %s: %w", sub.ID(), err)
	}
	return nil
}

func (b *Broker) handle(ctx context.Context, queueName string, msg *pubsub.Message, handler scan.TaskHandler) {
	task, err := queue.Decode(msg.Data)
	if err != nil {
		b.logger.Warn("dropping undecodable message", zap.String("queue", queueName), zap.String("message_id", msg.ID), zap.Error(err))
		msg.Ack()
		return
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Attributes))

	herr := handler.HandleTask(ctx, task)
	if herr == nil {
		msg.Ack()
		return
	}
	fields := []zap.Field{
		zap.String("queue", queueName),
		zap.String("job_id", task.JobID),
		zap.Int("attempt", task.Attempt),
		zap.Error(herr),
	}
	if ctx.Err() != nil {
		b.logger.Warn("task interrupted, leaving message for redelivery", fields...)
		msg.Nack()
		return
	}
	if task.Attempt >= b.cfg.MaxDeliveries {
		b.logger.Error("task delivery exhausted", fields...)
		queue.DeadLetter(ctx, handler, task, herr)
		msg.Ack()
		return
	}
	task.Attempt++
	if err := b.Publish(ctx, queueName, task); err != nil {
		b.logger.Warn("republish failed, leaving message for redelivery", append(fields, zap.NamedError("publish_error", err))...)
		msg.Nack()
		return
	}
	b.logger.Warn("task requeued", fields...)
	msg.Ack()
}

// Close flushes publishers and closes the client.
func (b *Broker) Close() error {
	b.mu.Lock()
	for _, t := range b.topics {
		t.Stop()
	}
	b.mu.Unlock()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}
