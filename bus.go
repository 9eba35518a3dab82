package xpos

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ HealthChecker = (*Bus)(nil)

// Bus is the central Facade handling publish/subscribe and transacted
// sessions against a Transport.
type Bus struct {
	transport    Transport
	codec        Codec
	clock        xclock.Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	ackTimeout   time.Duration
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	baseCtx      context.Context
	metrics      *busMetrics
	closed       atomic.Bool
	closeOnce    sync.Once

	sessionsMu sync.Mutex
	sessions   map[*Session]struct{}
}

// busMetrics uses lock-free atomics.
type busMetrics struct {
	publishCount  atomic.Uint64
	consumeCount  atomic.Uint64
	ackCount      atomic.Uint64
	nackCount     atomic.Uint64
	commitCount   atomic.Uint64
	rollbackCount atomic.Uint64
	errorCount    atomic.Uint64
	processingNs  atomic.Int64
}

// Codec returns the configured codec (Strategy).
func (b *Bus) Codec() Codec { return b.codec }

// Logger returns the bus logger.
func (b *Bus) Logger() *xlog.Logger { return b.logger }

// Transactional reports whether the transport can back sessions.
func (b *Bus) Transactional() bool {
	_, ok := b.transport.(TxTransport)
	return ok
}

// Publish encodes and sends a payload to a topic as an event name. The
// message is visible to consumers as soon as the transport accepts it.
func (b *Bus) Publish(ctx context.Context, topic, eventName string, payload any, meta map[string]string) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	msg, err := b.encode(topic, eventName, payload, meta)
	if err != nil {
		return err
	}

	start := b.clock.Now()
	b.notify(BusEvent{Type: EventPublishStart, Topic: topic, EventName: eventName})

	err = b.transport.Publish(ctx, topic, msg)

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.notify(BusEvent{
		Type:      EventPublishDone,
		Topic:     topic,
		EventName: eventName,
		Duration:  duration,
		Err:       err,
	})
	if err != nil {
		b.metrics.errorCount.Add(1)
	}
	return err
}

// PublishBatch sends multiple events in a single transport call.
func (b *Bus) PublishBatch(ctx context.Context, topic string, events ...PublishEvent) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if len(events) == 0 {
		return nil
	}
	if topic == "" {
		return ErrInvalidTopic
	}

	// validate everything before encoding anything
	for _, evt := range events {
		if evt.Name == "" {
			return ErrInvalidEventName
		}
		if evt.Payload == nil {
			return ErrInvalidPayload
		}
	}

	msgs := make([]*Message, len(events))
	for i := range events {
		msg, err := b.encode(topic, events[i].Name, events[i].Payload, events[i].Meta)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}

	b.notify(BusEvent{Type: EventPublishStart, Topic: topic, EventName: "batch", Staged: len(msgs)})
	start := b.clock.Now()
	err := b.transport.Publish(ctx, topic, msgs...)
	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.notify(BusEvent{
		Type:      EventPublishDone,
		Topic:     topic,
		EventName: "batch",
		Staged:    len(msgs),
		Duration:  duration,
		Err:       err,
	})
	if err != nil {
		b.metrics.errorCount.Add(1)
	}
	return err
}

// encode validates and encodes one payload into a Message.
func (b *Bus) encode(topic, eventName string, payload any, meta map[string]string) (*Message, error) {
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	if eventName == "" {
		return nil, ErrInvalidEventName
	}
	data, err := b.codec.Marshal(payload)
	if err != nil {
		b.metrics.errorCount.Add(1)
		return nil, fmt.Errorf("xpos: encode %s: %w", eventName, err)
	}
	b.metrics.publishCount.Add(1)
	return &Message{
		Name:       eventName,
		Payload:    data,
		Metadata:   meta,
		ProducedAt: b.clock.Now(),
	}, nil
}

// Subscribe registers a non-transacted handler under a consumer group for a
// topic: every message is acked or nacked on its own right after the handler.
func (b *Bus) Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if topic == "" || group == "" || handler == nil {
		return nil, ErrInvalidSubscription
	}

	// recovery always wraps the user handler first
	wh := Chain(RecoveryMiddleware()(handler), b.middlewares...)

	return b.transport.Subscribe(ctx, topic, group, func(d Delivery) {
		b.metrics.consumeCount.Add(1)
		msg := d.Message()
		hctx := b.baseCtx

		b.notify(BusEvent{
			Type:      EventConsumeStart,
			Topic:     topic,
			Group:     group,
			MessageID: msg.ID,
			EventName: msg.Name,
		})

		start := b.clock.Now()
		err := wh(hctx, msg)
		duration := b.clock.Since(start)
		b.recordProcessingTime(duration.Nanoseconds())

		b.ackWithTimeout(hctx, d, err == nil, err)
		b.notify(BusEvent{
			Type:      EventConsumeDone,
			Topic:     topic,
			Group:     group,
			MessageID: msg.ID,
			EventName: msg.Name,
			Duration:  duration,
			Err:       err,
		})
	})
}

// ackWithTimeout handles ack/nack with configurable timeout.
func (b *Bus) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := ctx
	cancel := func() {}
	if b.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, b.ackTimeout)
	}
	defer cancel()

	msg := d.Message()
	if ack {
		if err := d.Ack(actx); err != nil {
			b.metrics.errorCount.Add(1)
			b.notify(BusEvent{Type: EventError, MessageID: msg.ID, EventName: msg.Name, Err: err})
			b.logger.Warn().Err(err).Msg("xpos: ack failed")
			return
		}
		b.metrics.ackCount.Add(1)
		b.notify(BusEvent{Type: EventAck, MessageID: msg.ID, EventName: msg.Name})
		return
	}

	if err := d.Nack(actx, reason); err != nil {
		b.metrics.errorCount.Add(1)
		b.notify(BusEvent{Type: EventError, MessageID: msg.ID, EventName: msg.Name, Err: err})
		b.logger.Warn().Err(err).Msg("xpos: nack failed")
		return
	}
	b.metrics.nackCount.Add(1)
	b.notify(BusEvent{Type: EventNack, MessageID: msg.ID, EventName: msg.Name, Err: reason})
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	m := Metrics{
		Published:           b.metrics.publishCount.Load(),
		Consumed:            b.metrics.consumeCount.Load(),
		Acked:               b.metrics.ackCount.Load(),
		Nacked:              b.metrics.nackCount.Load(),
		Committed:           b.metrics.commitCount.Load(),
		RolledBack:          b.metrics.rollbackCount.Load(),
		Errors:              b.metrics.errorCount.Load(),
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// Health reports bus health for readiness checks.
func (b *Bus) Health(_ context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: b.clock.Now(),
			Message:   "bus is closed",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"

	// degraded above 5% errors per processed message
	if processed := metrics.Published + metrics.Consumed; metrics.Errors > 0 && processed > 0 {
		if float64(metrics.Errors)/float64(processed) > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: b.clock.Now(),
	}
}

// Close shuts down open sessions, the observer pool and the transport.
// It is idempotent.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.closed.Store(true)

		b.sessionsMu.Lock()
		open := make([]*Session, 0, len(b.sessions))
		for s := range b.sessions {
			open = append(open, s)
		}
		b.sessionsMu.Unlock()
		for _, s := range open {
			if err := s.Close(); err != nil {
				b.logger.Warn().Err(err).Str("session", s.Name()).Msg("xpos: session close failed")
				closeErr = err
			}
		}

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xpos: observer pool shutdown timeout")
				closeErr = err
			}
		}

		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xpos: transport close failed")
			closeErr = err
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			break
		}
	}
}

// notify hands a snapshot of the observers to the pool, or calls them
// directly when no pool is configured. Observers never run under observersMu.
func (b *Bus) notify(e BusEvent) {
	if b.closed.Load() && b.observerPool != nil {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	if b.observerPool != nil {
		b.observerPool.Notify(e, observers)
		return
	}
	for _, o := range observers {
		o.OnEvent(e)
	}
}

// recordProcessingTime keeps an exponential moving average of processing time.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	b.metrics.processingNs.Store(newAvg)
}

func (b *Bus) track(s *Session) {
	b.sessionsMu.Lock()
	b.sessions[s] = struct{}{}
	b.sessionsMu.Unlock()
}

func (b *Bus) untrack(s *Session) {
	b.sessionsMu.Lock()
	delete(b.sessions, s)
	b.sessionsMu.Unlock()
}
