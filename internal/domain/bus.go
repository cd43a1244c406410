package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Topic names for redemption events.
const (
	TopicRedemptionSubmitted = "couponguard.redemption.submitted"
	TopicRedemptionDecided   = "couponguard.redemption.decided"
	TopicRedemptionRejected  = "couponguard.redemption.rejected"
	TopicListRemediated      = "couponguard.list.remediated"
)

// Metadata keys set on every published message.
const (
	MetaRequestID = "request_id"
	MetaSource    = "source"
)

// EventBus carries redemption events between the API, the pipeline and the
// async worker. The in-process bus fans every message out to all subscribers;
// the NATS bus load-balances each topic across one queue group.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes one delivered message.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope published on the bus.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// NewMessage wraps payload in an envelope stamped with a fresh id. The
// request id carried by ctx, if any, is copied into the metadata.
func NewMessage(ctx context.Context, topic string, payload []byte) *Message {
	meta := map[string]string{MetaSource: "couponguard"}
	if id := RequestIDFromContext(ctx); id != "" {
		meta[MetaRequestID] = id
	}
	return &Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  meta,
		Timestamp: time.Now().UnixNano(),
	}
}

// RequestID returns the originating request id, falling back to the message id.
func (m *Message) RequestID() string {
	if id := m.Metadata[MetaRequestID]; id != "" {
		return id
	}
	return m.ID
}

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `mapstructure:"type"`

	ChannelBufferSize int `mapstructure:"channel_buffer_size"`

	NATSUrl           string `mapstructure:"nats_url"`
	NATSToken         string `mapstructure:"nats_token"`
	NATSQueueGroup    string `mapstructure:"nats_queue_group"`
	NATSMaxReconnects int    `mapstructure:"nats_max_reconnects"`
	NATSReconnectWait int    `mapstructure:"nats_reconnect_wait"` // seconds
}

type requestIDKey struct{}

// ContextWithRequestID attaches the HTTP request id so events published while
// handling the request can be correlated with it.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id set by ContextWithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
