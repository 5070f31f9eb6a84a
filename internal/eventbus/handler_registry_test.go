package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aras-services/api-gateway/internal/domain"
)

func TestDispatch_NoHandlersErrors(t *testing.T) {
	r := NewHandlerRegistry()
	err := r.Dispatch(context.Background(), domain.IntegrationEvent{EventType: "X"}, nil)
	require.Error(t, err)
}

func TestDispatch_RunsHandlersInRegistrationOrder(t *testing.T) {
	r := NewHandlerRegistry()
	var order []int
	r.Subscribe("X", func(context.Context, domain.IntegrationEvent) error {
		order = append(order, 1)
		return nil
	})
	r.Subscribe("X", func(context.Context, domain.IntegrationEvent) error {
		order = append(order, 2)
		return nil
	})

	err := r.Dispatch(context.Background(), domain.IntegrationEvent{EventType: "X"}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, order)
}

func TestDispatch_HandlerErrorStopsChain(t *testing.T) {
	r := NewHandlerRegistry()
	called := false
	r.Subscribe("X", func(context.Context, domain.IntegrationEvent) error {
		return errors.New("boom")
	})
	r.Subscribe("X", func(context.Context, domain.IntegrationEvent) error {
		called = true
		return nil
	})

	err := r.Dispatch(context.Background(), domain.IntegrationEvent{EventType: "X"}, []byte(`{}`))
	require.Error(t, err)
	assert.False(t, called)
}

func TestDispatch_DefaultDecoderParsesJSONIntoPayload(t *testing.T) {
	r := NewHandlerRegistry()
	var got map[string]interface{}
	r.Subscribe("X", func(_ context.Context, e domain.IntegrationEvent) error {
		got = e.Payload
		return nil
	})

	err := r.Dispatch(context.Background(), domain.IntegrationEvent{EventType: "X"}, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, float64(1), got["a"])
}

func TestUnsubscribe_ClearsHandlers(t *testing.T) {
	r := NewHandlerRegistry()
	r.Subscribe("X", func(context.Context, domain.IntegrationEvent) error { return nil })
	r.Unsubscribe("X")
	assert.False(t, r.HasHandlers("X"))
}

func TestBackendRegistry_BuildsNamedBackend(t *testing.T) {
	r := NewBackendRegistry()
	require.NoError(t, r.Register(BrokerTypeClassic, func() (Bus, error) { return fakeBus{}, nil }))
	require.NoError(t, r.Register(BrokerTypeManaged, func() (Bus, error) { return fakeBus{}, nil }))

	b, err := r.Build(BrokerTypeManaged)
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestBackendRegistry_UnknownNameErrors(t *testing.T) {
	r := NewBackendRegistry()
	_, err := r.Build("does-not-exist")
	assert.Error(t, err)
}

func TestBackendRegistry_DuplicateRegistrationErrors(t *testing.T) {
	r := NewBackendRegistry()
	require.NoError(t, r.Register(BrokerTypeClassic, func() (Bus, error) { return fakeBus{}, nil }))
	err := r.Register(BrokerTypeClassic, func() (Bus, error) { return fakeBus{}, nil })
	assert.Error(t, err)
}

type fakeBus struct{}

func (fakeBus) Publish(context.Context, domain.IntegrationEvent) error            { return nil }
func (fakeBus) PublishBatch(context.Context, []domain.IntegrationEvent) error     { return nil }
func (fakeBus) Subscribe(string, Handler) error                                   { return nil }
func (fakeBus) Unsubscribe(string) error                                          { return nil }
func (fakeBus) SendCommand(context.Context, string, domain.IntegrationEvent) error { return nil }
func (fakeBus) Schedule(context.Context, domain.IntegrationEvent, time.Time) error { return nil }
func (fakeBus) Start(context.Context) error                                       { return nil }
func (fakeBus) Stop(context.Context) error                                        { return nil }
