// Package eventbus implements the C2 message-bus adapter: one Bus
// contract fulfilled by two concrete backends (Design Notes #2),
// selected at startup by a small named-constructor registry adapted
// from the teacher's provider registry pattern.
package eventbus

import (
	"context"
	"time"

	"github.com/aras-services/api-gateway/internal/domain"
)

// Handler processes one delivered event. Returning an error signals a
// failed delivery; the adapter decides between requeue and
// dead-lettering based on the backend's delivery-count bookkeeping.
type Handler func(ctx context.Context, event domain.IntegrationEvent) error

// Bus is the C2 contract, matching spec.md §4.7 exactly.
type Bus interface {
	Publish(ctx context.Context, event domain.IntegrationEvent) error
	PublishBatch(ctx context.Context, events []domain.IntegrationEvent) error
	Subscribe(eventType string, handler Handler) error
	Unsubscribe(eventType string) error
	SendCommand(ctx context.Context, queue string, command domain.IntegrationEvent) error
	Schedule(ctx context.Context, event domain.IntegrationEvent, deliveryTime time.Time) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
