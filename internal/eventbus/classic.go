package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/aras-services/api-gateway/internal/domain"
)

// classicBus is the RabbitMQ-backed Bus (spec.md §4.7 "Backend A —
// classic broker"): a durable topic exchange per event type, a durable
// queue per subscription bound by the lowercased type, and a shared
// dead-letter exchange/queue pair.
type classicBus struct {
	log      *zap.Logger
	registry *HandlerRegistry

	prefix           string
	prefetchCount    int
	maxDeliveryCount int
	publishTimeout   time.Duration
	batchTimeout     time.Duration

	conn *amqp.Connection
	ch   *amqp.Channel

	mu          sync.Mutex
	consumers   map[string]context.CancelFunc
	dlxDeclared bool
}

const (
	classicDeadLetterExchange = "gateway.dlx"
	classicDeadLetterQueue    = "gateway.dlq"
	classicDelayExchange      = "gateway.delay"
)

// NewClassicBus dials amqpURL, opens the channel with publisher confirms
// and QoS set, and returns a Bus. Start declares the shared dead-letter
// and delay topology.
func NewClassicBus(amqpURL, topicPrefix string, prefetchCount, maxDeliveryCount int, publishTimeout, batchTimeout time.Duration, log *zap.Logger) (*classicBus, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("eventbus: dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("eventbus: open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("eventbus: enable publisher confirms: %w", err)
	}
	if prefetchCount <= 0 {
		prefetchCount = 10
	}
	if maxDeliveryCount <= 0 {
		maxDeliveryCount = 5
	}
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Second
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("eventbus: set qos: %w", err)
	}

	return &classicBus{
		log:              log,
		registry:         NewHandlerRegistry(),
		prefix:           topicPrefix,
		prefetchCount:    prefetchCount,
		maxDeliveryCount: maxDeliveryCount,
		publishTimeout:   publishTimeout,
		batchTimeout:     batchTimeout,
		conn:             conn,
		ch:               ch,
		consumers:        make(map[string]context.CancelFunc),
	}, nil
}

func (b *classicBus) exchangeName(eventType string) string {
	return b.prefix + strings.ToLower(eventType)
}

func (b *classicBus) ensureDeadLetter() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dlxDeclared {
		return nil
	}
	if err := b.ch.ExchangeDeclare(classicDeadLetterExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := b.ch.QueueDeclare(classicDeadLetterQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := b.ch.QueueBind(classicDeadLetterQueue, "#", classicDeadLetterExchange, false, nil); err != nil {
		return err
	}
	if err := b.ch.ExchangeDeclare(classicDelayExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return err
	}
	b.dlxDeclared = true
	return nil
}

func (b *classicBus) ensureExchange(eventType string) error {
	return b.ch.ExchangeDeclare(b.exchangeName(eventType), amqp.ExchangeTopic, true, false, false, false, nil)
}

// Start declares the shared dead-letter topology; per-event-type
// exchanges and queues are declared lazily as events are
// published/subscribed so startup doesn't need to enumerate every type.
func (b *classicBus) Start(_ context.Context) error {
	return b.ensureDeadLetter()
}

func (b *classicBus) Stop(_ context.Context) error {
	b.mu.Lock()
	for _, cancel := range b.consumers {
		cancel()
	}
	b.mu.Unlock()

	if err := b.ch.Close(); err != nil {
		b.log.Warn("error closing rabbitmq channel", zap.Error(err))
	}
	return b.conn.Close()
}

func (b *classicBus) Publish(ctx context.Context, event domain.IntegrationEvent) error {
	if err := b.ensureExchange(event.EventType); err != nil {
		return fmt.Errorf("eventbus: declare exchange for %q: %w", event.EventType, err)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	confirmation, err := b.ch.PublishWithDeferredConfirmWithContext(publishCtx, b.exchangeName(event.EventType), strings.ToLower(event.EventType), true, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     event.EventID,
		CorrelationId: event.CorrelationID,
		Timestamp:     event.Timestamp,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("eventbus: publish %q: %w", event.EventType, err)
	}
	if confirmation == nil {
		return nil
	}
	ok, err := confirmation.WaitContext(publishCtx)
	if err != nil {
		return fmt.Errorf("eventbus: await publish confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("eventbus: broker nacked publish of %q", event.EventType)
	}
	return nil
}

func (b *classicBus) PublishBatch(ctx context.Context, events []domain.IntegrationEvent) error {
	batchCtx, cancel := context.WithTimeout(ctx, b.batchTimeout)
	defer cancel()

	for _, event := range events {
		if err := b.Publish(batchCtx, event); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe declares a durable queue named prefix+"sub."+eventType,
// bound by the lowercased type, with dead-letter routing to the shared
// DLX, and starts a consumer goroutine that dispatches through the
// handler registry.
func (b *classicBus) Subscribe(eventType string, handler Handler) error {
	if err := b.ensureDeadLetter(); err != nil {
		return err
	}
	if err := b.ensureExchange(eventType); err != nil {
		return err
	}

	queueName := b.prefix + "sub." + strings.ToLower(eventType)
	args := amqp.Table{
		"x-dead-letter-exchange": classicDeadLetterExchange,
	}
	if _, err := b.ch.QueueDeclare(queueName, true, false, false, false, args); err != nil {
		return fmt.Errorf("eventbus: declare queue %q: %w", queueName, err)
	}
	if err := b.ch.QueueBind(queueName, strings.ToLower(eventType), b.exchangeName(eventType), false, nil); err != nil {
		return fmt.Errorf("eventbus: bind queue %q: %w", queueName, err)
	}

	b.registry.Subscribe(eventType, handler)

	deliveries, err := b.ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("eventbus: consume %q: %w", queueName, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.consumers[eventType] = cancel
	b.mu.Unlock()

	go b.consumeLoop(ctx, eventType, deliveries)
	return nil
}

func (b *classicBus) consumeLoop(ctx context.Context, eventType string, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			b.handleDelivery(ctx, eventType, d)
		}
	}
}

func (b *classicBus) handleDelivery(ctx context.Context, eventType string, d amqp.Delivery) {
	var event domain.IntegrationEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		b.log.Warn("dropping malformed delivery", zap.String("eventType", eventType), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	if !b.registry.HasHandlers(event.EventType) {
		b.log.Warn("no handlers registered, dropping delivery", zap.String("eventType", event.EventType))
		_ = d.Nack(false, false)
		return
	}

	err := b.registry.Dispatch(ctx, event, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	deliveryCount := redeliveryCount(d)
	if deliveryCount < b.maxDeliveryCount {
		b.log.Warn("handler failed, requeuing", zap.String("eventType", eventType), zap.Int("attempt", deliveryCount), zap.Error(err))
		_ = d.Nack(false, true)
		return
	}
	b.log.Warn("handler exhausted delivery budget, routing to dead-letter", zap.String("eventType", eventType), zap.Error(err))
	_ = d.Nack(false, false)
}

func redeliveryCount(d amqp.Delivery) int {
	if d.Headers == nil {
		return 0
	}
	if xDeath, ok := d.Headers["x-death"].([]interface{}); ok {
		return len(xDeath)
	}
	if d.Redelivered {
		return 1
	}
	return 0
}

func (b *classicBus) Unsubscribe(eventType string) error {
	b.mu.Lock()
	cancel, ok := b.consumers[eventType]
	delete(b.consumers, eventType)
	b.mu.Unlock()

	if ok {
		cancel()
	}
	b.registry.Unsubscribe(eventType)
	return nil
}

func (b *classicBus) SendCommand(ctx context.Context, queue string, command domain.IntegrationEvent) error {
	body, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("eventbus: marshal command: %w", err)
	}

	if _, err := b.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("eventbus: declare command queue %q: %w", queue, err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	return b.ch.PublishWithContext(publishCtx, "", queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     command.EventID,
		CorrelationId: command.CorrelationID,
		Body:          body,
	})
}

// Schedule implements spec.md §4.7's delay-queue scheduling: the event
// is published to a per-delay queue whose message TTL equals the delay
// and whose dead-letter routing sends it back to the target exchange
// and routing key once the TTL elapses.
//
// CancelScheduledAsync is not implemented — spec.md §9 leaves whether
// cancellation should be tracked by message id an open question, and
// no caller in this gateway currently needs to cancel a scheduled
// event, so the no-op behavior of the source is preserved rather than
// guessed at.
func (b *classicBus) Schedule(ctx context.Context, event domain.IntegrationEvent, deliveryTime time.Time) error {
	if err := b.ensureDeadLetter(); err != nil {
		return err
	}
	if err := b.ensureExchange(event.EventType); err != nil {
		return err
	}

	delay := time.Until(deliveryTime)
	if delay < 0 {
		delay = 0
	}
	routingKey := strings.ToLower(event.EventType)
	delayQueue := fmt.Sprintf("%sdelay.%s.%d", b.prefix, routingKey, delay.Milliseconds())

	args := amqp.Table{
		"x-dead-letter-exchange":    b.exchangeName(event.EventType),
		"x-dead-letter-routing-key": routingKey,
		"x-message-ttl":             delay.Milliseconds(),
		"x-expires":                 delay.Milliseconds() + int64(time.Minute/time.Millisecond),
	}
	if _, err := b.ch.QueueDeclare(delayQueue, true, false, false, false, args); err != nil {
		return fmt.Errorf("eventbus: declare delay queue %q: %w", delayQueue, err)
	}
	if err := b.ch.QueueBind(delayQueue, delayQueue, classicDelayExchange, false, nil); err != nil {
		return fmt.Errorf("eventbus: bind delay queue %q: %w", delayQueue, err)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventbus: marshal scheduled event: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	return b.ch.PublishWithContext(publishCtx, classicDelayExchange, delayQueue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     event.EventID,
		CorrelationId: event.CorrelationID,
		Body:          body,
	})
}
