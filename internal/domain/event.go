package domain

import "time"

// IntegrationEvent is the fire-and-forget message the pipeline and other
// subsystems publish via the message bus (C2). It is serialized as
// camel-cased JSON; the topic/exchange a given event lands on is derived
// from EventType.
type IntegrationEvent struct {
	EventID       string                 `json:"eventId"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlationId"`
	Source        string                 `json:"source"`
	EventType     string                 `json:"eventType"`
	Payload       map[string]interface{} `json:"payload"`
}

const (
	EventAPIRequestProcessed = "ApiRequestProcessed"
	EventGatewayError        = "GatewayErrorOccurred"
)

// Gateway-originated error codes, spec.md §6/§7.
const (
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeBadGateway    = "BAD_GATEWAY"
	ErrCodeGatewayTimeout = "GATEWAY_TIMEOUT"
	ErrCodeInternal      = "INTERNAL_ERROR"
)
