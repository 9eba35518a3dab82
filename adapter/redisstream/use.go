package redisstream

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xpos"
)

// Option configures the xpos.Bus construction when calling New.
type Option func(*xpos.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xpos.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xpos.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *xpos.BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds middlewares around subscription and session handlers.
func WithMiddleware(mw ...xpos.Middleware) Option {
	return func(b *xpos.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xpos.Observer) Option {
	return func(b *xpos.BusBuilder) { b.WithObserver(obs...) }
}

// WithAckTimeout bounds acks, nacks and session commits.
func WithAckTimeout(d time.Duration) Option {
	return func(b *xpos.BusBuilder) { b.WithAckTimeout(d) }
}

// New builds a Bus on Redis Streams. It fails when Redis is unreachable.
func New(cfg Config, opts ...Option) (*xpos.Bus, error) {
	tr, err := NewTransport(cfg)
	if err != nil {
		return nil, fmt.Errorf("redisstream.New: %w", err)
	}
	bb := xpos.NewBusBuilder().WithTransportInstance(tr)
	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		_ = tr.client.Close()
		return nil, fmt.Errorf("redisstream.New: %w", err)
	}
	return bus, nil
}
