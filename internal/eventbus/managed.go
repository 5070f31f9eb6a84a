package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"
	"go.uber.org/zap"

	"github.com/aras-services/api-gateway/internal/domain"
)

// managedBus is the Azure Service Bus-backed Bus (spec.md §4.7 "Backend
// B — managed topic bus"): a topic and subscription per event type,
// batched sends with overflow retry, native dead-lettering.
type managedBus struct {
	log      *zap.Logger
	registry *HandlerRegistry

	client       *azservicebus.Client
	adminClient  *admin.Client
	maxDelivery  int32
	batchTimeout time.Duration

	mu        sync.Mutex
	senders   map[string]*azservicebus.Sender
	cancelers map[string]context.CancelFunc
}

// NewManagedBus builds a managedBus over an Azure Service Bus namespace
// connection string.
func NewManagedBus(connectionString string, maxDeliveryCount int32, batchTimeout time.Duration, log *zap.Logger) (*managedBus, error) {
	client, err := azservicebus.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("eventbus: create service bus client: %w", err)
	}
	adminClient, err := admin.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("eventbus: create service bus admin client: %w", err)
	}
	if maxDeliveryCount <= 0 {
		maxDeliveryCount = 5
	}
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Second
	}

	return &managedBus{
		log:          log,
		registry:     NewHandlerRegistry(),
		client:       client,
		adminClient:  adminClient,
		maxDelivery:  maxDeliveryCount,
		batchTimeout: batchTimeout,
		senders:      make(map[string]*azservicebus.Sender),
		cancelers:    make(map[string]context.CancelFunc),
	}, nil
}

func topicName(eventType string) string {
	return strings.ToLower(eventType)
}

func (b *managedBus) ensureTopic(ctx context.Context, eventType string) error {
	name := topicName(eventType)
	_, err := b.adminClient.GetTopic(ctx, name, nil)
	if err == nil {
		return nil
	}
	_, createErr := b.adminClient.CreateTopic(ctx, name, nil)
	if createErr != nil && !isAlreadyExists(createErr) {
		return createErr
	}
	return nil
}

func (b *managedBus) ensureSubscription(ctx context.Context, eventType string) error {
	topic := topicName(eventType)
	sub := "sub-" + topic
	_, err := b.adminClient.GetSubscription(ctx, topic, sub, nil)
	if err == nil {
		return nil
	}
	maxDelivery := b.maxDelivery
	_, createErr := b.adminClient.CreateSubscription(ctx, topic, sub, &admin.CreateSubscriptionOptions{
		Properties: &admin.SubscriptionProperties{
			MaxDeliveryCount:                    &maxDelivery,
			DeadLetteringOnMessageExpiration:    boolPtr(true),
		},
	})
	if createErr != nil && !isAlreadyExists(createErr) {
		return createErr
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }

func isAlreadyExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func (b *managedBus) sender(ctx context.Context, eventType string) (*azservicebus.Sender, error) {
	topic := topicName(eventType)

	b.mu.Lock()
	s, ok := b.senders[topic]
	b.mu.Unlock()
	if ok {
		return s, nil
	}

	if err := b.ensureTopic(ctx, eventType); err != nil {
		return nil, fmt.Errorf("eventbus: ensure topic %q: %w", topic, err)
	}
	s, err := b.client.NewSender(topic, nil)
	if err != nil {
		return nil, fmt.Errorf("eventbus: create sender for %q: %w", topic, err)
	}

	b.mu.Lock()
	b.senders[topic] = s
	b.mu.Unlock()
	return s, nil
}

func toServiceBusMessage(event domain.IntegrationEvent) (*azservicebus.Message, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	contentType := "application/json"
	return &azservicebus.Message{
		MessageID:     &event.EventID,
		CorrelationID: &event.CorrelationID,
		ContentType:   &contentType,
		Body:          body,
		ApplicationProperties: map[string]interface{}{
			"eventType":     event.EventType,
			"source":        event.Source,
			"timestamp":     event.Timestamp.Format(time.RFC3339),
			"correlationId": event.CorrelationID,
		},
	}, nil
}

func (b *managedBus) Publish(ctx context.Context, event domain.IntegrationEvent) error {
	s, err := b.sender(ctx, event.EventType)
	if err != nil {
		return err
	}
	msg, err := toServiceBusMessage(event)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	return s.SendMessage(ctx, msg, nil)
}

// PublishBatch implements spec.md §4.7's batched send: a batch is filled
// until full, flushed, and any message that overflowed starts a new
// batch; a message too large for an empty batch is rejected outright.
func (b *managedBus) PublishBatch(ctx context.Context, events []domain.IntegrationEvent) error {
	if len(events) == 0 {
		return nil
	}

	batchCtx, cancel := context.WithTimeout(ctx, b.batchTimeout)
	defer cancel()

	byType := make(map[string][]domain.IntegrationEvent)
	for _, e := range events {
		byType[e.EventType] = append(byType[e.EventType], e)
	}

	for eventType, group := range byType {
		s, err := b.sender(batchCtx, eventType)
		if err != nil {
			return err
		}
		if err := b.sendBatchForType(batchCtx, s, group); err != nil {
			return err
		}
	}
	return nil
}

func (b *managedBus) sendBatchForType(ctx context.Context, s *azservicebus.Sender, events []domain.IntegrationEvent) error {
	batch, err := s.NewMessageBatch(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventbus: create message batch: %w", err)
	}

	i := 0
	for i < len(events) {
		msg, err := toServiceBusMessage(events[i])
		if err != nil {
			return fmt.Errorf("eventbus: marshal event: %w", err)
		}

		addErr := batch.AddMessage(msg, nil)
		if addErr == nil {
			i++
			continue
		}
		if batch.NumMessages() == 0 {
			return fmt.Errorf("eventbus: event %q too large for an empty batch: %w", events[i].EventType, addErr)
		}
		if err := s.SendMessageBatch(ctx, batch, nil); err != nil {
			return fmt.Errorf("eventbus: send message batch: %w", err)
		}
		batch, err = s.NewMessageBatch(ctx, nil)
		if err != nil {
			return fmt.Errorf("eventbus: create overflow message batch: %w", err)
		}
	}

	if batch.NumMessages() > 0 {
		if err := s.SendMessageBatch(ctx, batch, nil); err != nil {
			return fmt.Errorf("eventbus: send final message batch: %w", err)
		}
	}
	return nil
}

func (b *managedBus) Subscribe(eventType string, handler Handler) error {
	ctx := context.Background()
	if err := b.ensureTopic(ctx, eventType); err != nil {
		return err
	}
	if err := b.ensureSubscription(ctx, eventType); err != nil {
		return err
	}

	topic := topicName(eventType)
	sub := "sub-" + topic
	receiver, err := b.client.NewReceiverForSubscription(topic, sub, nil)
	if err != nil {
		return fmt.Errorf("eventbus: create receiver for %q: %w", sub, err)
	}

	b.registry.Subscribe(eventType, handler)

	runCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancelers[eventType] = cancel
	b.mu.Unlock()

	go b.receiveLoop(runCtx, eventType, receiver)
	return nil
}

func (b *managedBus) receiveLoop(ctx context.Context, eventType string, receiver *azservicebus.Receiver) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("service bus receive failed", zap.String("eventType", eventType), zap.Error(err))
			continue
		}

		for _, msg := range messages {
			b.handleMessage(ctx, eventType, receiver, msg)
		}
	}
}

func (b *managedBus) handleMessage(ctx context.Context, eventType string, receiver *azservicebus.Receiver, msg *azservicebus.ReceivedMessage) {
	var event domain.IntegrationEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		b.log.Warn("dropping malformed message", zap.String("eventType", eventType), zap.Error(err))
		_ = receiver.DeadLetterMessage(ctx, msg, nil)
		return
	}

	err := b.registry.Dispatch(ctx, event, msg.Body)
	if err == nil {
		_ = receiver.CompleteMessage(ctx, msg, nil)
		return
	}

	if int32(msg.DeliveryCount) >= b.maxDelivery {
		b.log.Warn("message exhausted delivery budget, dead-lettering",
			zap.String("eventType", eventType), zap.Error(err))
		_ = receiver.DeadLetterMessage(ctx, msg, nil)
		return
	}
	b.log.Warn("handler failed, abandoning for redelivery",
		zap.String("eventType", eventType), zap.Uint32("deliveryCount", msg.DeliveryCount), zap.Error(err))
	_ = receiver.AbandonMessage(ctx, msg, nil)
}

func (b *managedBus) Unsubscribe(eventType string) error {
	b.mu.Lock()
	cancel, ok := b.cancelers[eventType]
	delete(b.cancelers, eventType)
	b.mu.Unlock()

	if ok {
		cancel()
	}
	b.registry.Unsubscribe(eventType)
	return nil
}

func (b *managedBus) SendCommand(ctx context.Context, queue string, command domain.IntegrationEvent) error {
	s, err := b.client.NewSender(queue, nil)
	if err != nil {
		return fmt.Errorf("eventbus: create sender for queue %q: %w", queue, err)
	}
	defer s.Close(ctx)

	msg, err := toServiceBusMessage(command)
	if err != nil {
		return err
	}
	return s.SendMessage(ctx, msg, nil)
}

// Schedule uses Service Bus's native scheduled-enqueue support rather
// than a delay-queue simulation.
func (b *managedBus) Schedule(ctx context.Context, event domain.IntegrationEvent, deliveryTime time.Time) error {
	s, err := b.sender(ctx, event.EventType)
	if err != nil {
		return err
	}
	msg, err := toServiceBusMessage(event)
	if err != nil {
		return err
	}
	_, err = s.ScheduleMessage(ctx, msg, deliveryTime, nil)
	return err
}

func (b *managedBus) Start(_ context.Context) error {
	return nil
}

func (b *managedBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	for _, cancel := range b.cancelers {
		cancel()
	}
	b.mu.Unlock()

	var firstErr error
	b.mu.Lock()
	for _, s := range b.senders {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.mu.Unlock()

	if err := b.client.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
