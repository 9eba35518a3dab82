package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xpos"
)

// New builds a Bus on the in-memory transport. The caller owns the bus and
// closes it.
//
// Example:
//
//	bus, err := memory.New(memory.Config{
//	    BufferSize:      4096,
//	    MaxRedeliveries: 3,
//	    AssignIDs:       true,
//	},
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
func New(cfg Config, opts ...Option) (*xpos.Bus, error) {
	bb := xpos.NewBusBuilder().
		WithTransport(TransportName, cfg.ToMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		return nil, fmt.Errorf("memory.New: %w", err)
	}
	return bus, nil
}

// ToMap converts Config to the generic map expected by the transport factory.
func (c Config) ToMap() map[string]any {
	return map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
		"max_redeliveries": c.MaxRedeliveries,
		"assign_ids":       c.AssignIDs,
	}
}

// Option configures the xpos.Bus when calling New.
type Option func(*xpos.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xpos.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xpos.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *xpos.BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds middlewares around subscription and session handlers.
func WithMiddleware(mw ...xpos.Middleware) Option {
	return func(b *xpos.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout bounds acks, nacks and session commits (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *xpos.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xpos.Observer) Option {
	return func(b *xpos.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xpos.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
