package xpos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Session is a transacted channel session. It consumes one or more topics
// through a single delivery goroutine, so its handler never runs
// concurrently, and it pairs the acknowledgment of every consumed message
// with the publication of every message staged while handling it: Commit
// makes both effective together, Rollback discards the staged messages and
// hands the consumed ones back to the transport.
type Session struct {
	bus     *Bus
	tx      TxTransport
	name    string
	handler Handler
	hctx    context.Context

	ctx      context.Context
	cancel   context.CancelFunc
	inbox    chan *inbound
	loopDone chan struct{}

	mu   sync.Mutex
	acks []Delivery
	out  []Outbound
	subs []Subscription
	// gen counts commits and rollbacks
	gen uint64

	closed    atomic.Bool
	closeOnce sync.Once
}

type inbound struct {
	topic string
	group string
	d     Delivery
	done  chan struct{}
}

// OpenSession starts a transacted session named name. The session does not
// consume anything until Listen is called.
func (b *Bus) OpenSession(ctx context.Context, name string, handler TxHandler) (*Session, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if name == "" || handler == nil {
		return nil, ErrInvalidSubscription
	}
	tx, ok := b.transport.(TxTransport)
	if !ok {
		return nil, ErrTransactionsUnsupported
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		bus:      b,
		tx:       tx,
		name:     name,
		ctx:      sctx,
		cancel:   cancel,
		inbox:    make(chan *inbound),
		loopDone: make(chan struct{}),
	}
	s.hctx = context.WithValue(InjectAll(sctx, b.codec, b.logger, b.clock), sessionCtxKey, s)
	// recovery always wraps the user handler first
	s.handler = Chain(s.discardOnError(RecoveryMiddleware()(func(ctx context.Context, msg *Message) error {
		return handler(ctx, s, msg)
	})), b.middlewares...)

	b.track(s)
	go s.loop()
	return s, nil
}

// discardOnError drops whatever next staged when it fails, so every handler
// attempt starts from the same staged messages.
func (s *Session) discardOnError(next Handler) Handler {
	return func(ctx context.Context, msg *Message) error {
		s.mu.Lock()
		mark, gen := len(s.out), s.gen
		s.mu.Unlock()

		err := next(ctx, msg)
		if err != nil {
			s.mu.Lock()
			if s.gen == gen && len(s.out) > mark {
				s.out = s.out[:mark]
			}
			s.mu.Unlock()
		}
		return err
	}
}

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// Listen adds topic (consumed as group) to the session's inputs.
func (s *Session) Listen(topic, group string) error {
	if s.closed.Load() || s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	if topic == "" || group == "" {
		return ErrInvalidSubscription
	}
	sub, err := s.tx.SubscribeOrdered(s.ctx, topic, group, func(d Delivery) {
		s.deliver(topic, group, d)
	})
	if err != nil {
		return fmt.Errorf("xpos: session %s listen %s: %w", s.name, topic, err)
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

// deliver hands d to the session loop and blocks the transport worker until
// the loop is done with it.
func (s *Session) deliver(topic, group string, d Delivery) {
	in := &inbound{topic: topic, group: group, d: d, done: make(chan struct{})}
	select {
	case s.inbox <- in:
	case <-s.ctx.Done():
		return
	}
	select {
	case <-in.done:
	case <-s.ctx.Done():
	}
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case in := <-s.inbox:
			s.process(in)
			close(in.done)
		}
	}
}

func (s *Session) process(in *inbound) {
	b := s.bus
	msg := in.d.Message()
	b.metrics.consumeCount.Add(1)

	s.mu.Lock()
	s.acks = append(s.acks, in.d)
	s.mu.Unlock()

	b.notify(BusEvent{
		Type:      EventConsumeStart,
		Topic:     in.topic,
		Group:     in.group,
		MessageID: msg.ID,
		EventName: msg.Name,
	})
	start := b.clock.Now()
	err := s.handler(s.hctx, msg)
	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.notify(BusEvent{
		Type:      EventConsumeDone,
		Topic:     in.topic,
		Group:     in.group,
		MessageID: msg.ID,
		EventName: msg.Name,
		Duration:  duration,
		Err:       err,
	})

	// commit/rollback must outlive a Close racing with this delivery
	opCtx, cancel := s.opContext()
	defer cancel()

	if err != nil {
		if rerr := s.rollback(opCtx, err); rerr != nil {
			b.logger.Warn().Err(rerr).Str("session", s.name).Msg("xpos: session rollback failed")
		}
		return
	}
	if cerr := s.commit(opCtx); cerr != nil {
		b.logger.Error().Err(cerr).Str("session", s.name).Msg("xpos: session commit failed")
	}
}

func (s *Session) opContext() (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(s.hctx)
	if s.bus.ackTimeout > 0 {
		return context.WithTimeout(base, s.bus.ackTimeout)
	}
	return base, func() {}
}

// Publish encodes payload and stages it for topic. Nothing is visible to
// consumers before Commit.
func (s *Session) Publish(_ context.Context, topic, eventName string, payload any, meta map[string]string) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	msg, err := s.bus.encode(topic, eventName, payload, meta)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.out = append(s.out, Outbound{Topic: topic, Msg: msg})
	s.mu.Unlock()
	return nil
}

// Pending returns the number of consumed-but-unacknowledged and staged
// messages.
func (s *Session) Pending() (acks, staged int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acks), len(s.out)
}

// Commit acknowledges every message consumed and publishes every message
// staged since the last Commit or Rollback, atomically. When the transport
// refuses the commit nothing became effective; the consumed messages are
// nacked and the staged ones dropped.
func (s *Session) Commit(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.commit(ctx)
}

func (s *Session) commit(ctx context.Context) error {
	s.mu.Lock()
	acks, out := s.acks, s.out
	s.acks, s.out = nil, nil
	s.gen++
	s.mu.Unlock()
	if len(acks) == 0 && len(out) == 0 {
		return nil
	}

	b := s.bus
	if err := s.tx.Commit(ctx, acks, out); err != nil {
		b.metrics.errorCount.Add(1)
		b.notify(BusEvent{Type: EventError, Group: s.name, Staged: len(out), Err: err})
		err = fmt.Errorf("xpos: session %s commit: %w", s.name, err)
		return errors.Join(err, s.nackAll(ctx, acks, err))
	}
	b.metrics.commitCount.Add(1)
	b.metrics.ackCount.Add(uint64(len(acks)))
	b.notify(BusEvent{Type: EventCommit, Group: s.name, Staged: len(out)})
	return nil
}

// Rollback drops every staged message and nacks every consumed one with
// reason. Redelivery of nacked messages is up to the transport.
func (s *Session) Rollback(ctx context.Context, reason error) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.rollback(ctx, reason)
}

func (s *Session) rollback(ctx context.Context, reason error) error {
	s.mu.Lock()
	acks, out := s.acks, s.out
	s.acks, s.out = nil, nil
	s.gen++
	s.mu.Unlock()
	if len(acks) == 0 && len(out) == 0 {
		return nil
	}

	b := s.bus
	err := s.nackAll(ctx, acks, reason)
	b.metrics.rollbackCount.Add(1)
	b.notify(BusEvent{Type: EventRollback, Group: s.name, Staged: len(out), Err: reason})
	return err
}

func (s *Session) nackAll(ctx context.Context, acks []Delivery, reason error) error {
	var errs []error
	for _, d := range acks {
		msg := d.Message()
		if err := d.Nack(ctx, reason); err != nil {
			s.bus.metrics.errorCount.Add(1)
			errs = append(errs, err)
			continue
		}
		s.bus.metrics.nackCount.Add(1)
		s.bus.notify(BusEvent{Type: EventNack, Group: s.name, MessageID: msg.ID, EventName: msg.Name, Err: reason})
	}
	return errors.Join(errs...)
}

// Close stops consuming, waits for the delivery in progress and rolls back
// whatever is still pending. It is idempotent.
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		subs := s.subs
		s.subs = nil
		s.mu.Unlock()

		var errs []error
		for _, sub := range subs {
			if err := sub.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		<-s.loopDone

		opCtx, cancel := s.opContext()
		errs = append(errs, s.rollback(opCtx, ErrSessionClosed))
		cancel()

		s.closed.Store(true)
		s.bus.untrack(s)
		closeErr = errors.Join(errs...)
	})
	return closeErr
}
