package xpos

import (
	"context"
)

// Handler processes a single message. Return error to trigger Nack/Retry.
type Handler func(ctx context.Context, msg *Message) error

// TxHandler processes a single message inside a transacted Session. A nil
// return commits the session, an error rolls it back.
type TxHandler func(ctx context.Context, s *Session, msg *Message) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// Delivery encapsulates a received message with Ack/Nack semantics.
type Delivery interface {
	Message() *Message
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Transport is the Strategy interface for message brokers/backends.
type Transport interface {
	// Publish sends messages to a topic/stream.
	Publish(ctx context.Context, topic string, msgs ...*Message) error
	// Subscribe binds a handler to a topic/stream within a consumer group.
	// The transport should drive delivery in background and honor ctx.
	Subscribe(ctx context.Context, topic, group string, handler func(Delivery)) (Subscription, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// TxTransport is a Transport able to back transacted sessions.
type TxTransport interface {
	Transport
	// SubscribeOrdered is Subscribe with a single delivery worker: the handler
	// is never invoked concurrently and sees messages in stream order.
	SubscribeOrdered(ctx context.Context, topic, group string, handler func(Delivery)) (Subscription, error)
	// Commit acknowledges acks and publishes out as one atomic unit: either
	// all of it becomes effective or none of it does.
	Commit(ctx context.Context, acks []Delivery, out []Outbound) error
}

// Codec is the Strategy for encoding/decoding payloads on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e BusEvent)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete xpos bus surface.
type API interface {
	Publish(ctx context.Context, topic, eventName string, payload any, meta map[string]string) error
	PublishBatch(ctx context.Context, topic string, events ...PublishEvent) error
	Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error)
	OpenSession(ctx context.Context, name string, handler TxHandler) (*Session, error)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Bus)(nil)
