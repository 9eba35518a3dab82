// Package dispatch routes decoded events to stateful receivers inside
// transacted sessions.
//
// A receiver declares the closed set of kinds it consumes and handles each
// with one mutator. The dispatcher turns an IllegalState rejection into a
// logged no-op, so the session still commits and the message is consumed
// exactly once. What happens on any other failure is the FailurePolicy.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xpos"
	"github.com/trickstertwo/xpos/event"
	"github.com/trickstertwo/xpos/fsm"
)

// ErrUnhandledEvent is a receiver declaring a kind it has no mutator for,
// or being handed a kind it never declared.
var ErrUnhandledEvent = errors.New("dispatch: unhandled event")

// Unhandled reports e as a programming error in receiver.
func Unhandled(receiver string, e event.Event) error {
	return fmt.Errorf("%w: %s cannot handle %s", ErrUnhandledEvent, receiver, e.Kind())
}

// Receiver is a stateful component consuming a closed set of event kinds.
type Receiver interface {
	// Name identifies the receiver; it doubles as session and consumer group name.
	Name() string
	// Accepts lists the kinds the receiver consumes.
	Accepts() []event.Kind
	// Handle applies e through exactly one mutator and publishes follow-up
	// events on out.
	Handle(ctx context.Context, e event.Event, out event.Publisher) error
}

// FailurePolicy decides what a non-IllegalState handler failure does to the
// enclosing session.
type FailurePolicy int

const (
	// RollbackOnFailure returns the failure so the session rolls back and the
	// transport redelivers or dead-letters the message.
	RollbackOnFailure FailurePolicy = iota
	// CommitOnFailure logs the failure and commits anyway.
	CommitOnFailure
)

func (p FailurePolicy) String() string {
	switch p {
	case RollbackOnFailure:
		return "rollback"
	case CommitOnFailure:
		return "commit"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParsePolicy maps "rollback" and "commit" to a FailurePolicy.
func ParsePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "rollback":
		return RollbackOnFailure, nil
	case "commit":
		return CommitOnFailure, nil
	default:
		return 0, fmt.Errorf("dispatch: unknown failure policy %q", s)
	}
}

// RejectFunc observes absorbed IllegalState rejections.
type RejectFunc func(receiver string, kind event.Kind, err *fsm.IllegalStateError)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithPolicy(p FailurePolicy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

func WithLogger(l *xlog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRejectHook registers fn for every absorbed rejection.
func WithRejectHook(fn RejectFunc) Option {
	return func(d *Dispatcher) { d.onReject = fn }
}

// WithMetadata attaches meta to every event the receiver emits.
func WithMetadata(meta map[string]string) Option {
	return func(d *Dispatcher) { d.meta = meta }
}

// Dispatcher drives one Receiver.
type Dispatcher struct {
	r        Receiver
	accepts  map[event.Kind]struct{}
	policy   FailurePolicy
	logger   *xlog.Logger
	onReject RejectFunc
	meta     map[string]string
}

// New builds a dispatcher for r with RollbackOnFailure.
func New(r Receiver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		r:       r,
		accepts: make(map[event.Kind]struct{}),
		policy:  RollbackOnFailure,
	}
	for _, k := range r.Accepts() {
		d.accepts[k] = struct{}{}
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	return d
}

// Receiver returns the driven receiver.
func (d *Dispatcher) Receiver() Receiver { return d.r }

// Policy returns the failure policy in effect.
func (d *Dispatcher) Policy() FailurePolicy { return d.policy }

// Accepts reports whether the receiver declared k.
func (d *Dispatcher) Accepts(k event.Kind) bool {
	_, ok := d.accepts[k]
	return ok
}

// Dispatch hands e to the receiver. Events the receiver emits reach out only
// when the handler succeeds: a rejected or failed event emits nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, e event.Event, out event.Publisher) error {
	if !d.Accepts(e.Kind()) {
		return Unhandled(d.r.Name(), e)
	}

	buf := &buffer{}
	err := d.r.Handle(ctx, e, buf)
	if err == nil {
		return buf.flush(ctx, out)
	}

	log := d.log(ctx)
	if ise, ok := fsm.AsIllegalState(err); ok {
		log.Warn().
			Str("receiver", d.r.Name()).
			Str("event", string(e.Kind())).
			Str("op", ise.Op).
			Str("state", ise.State).
			Str("reason", ise.Reason).
			Msg("event rejected in current state")
		if d.onReject != nil {
			d.onReject(d.r.Name(), e.Kind(), ise)
		}
		return nil
	}

	if d.policy == CommitOnFailure {
		log.Error().
			Err(err).
			Str("receiver", d.r.Name()).
			Str("event", string(e.Kind())).
			Msg("handler failed, committing anyway")
		return nil
	}
	return fmt.Errorf("dispatch %s to %s: %w", e.Kind(), d.r.Name(), err)
}

// HandleMessage is the session handler. Kinds the receiver did not declare
// are consumed without a handler call; everything else is decoded and
// dispatched with a publisher staging into s.
func (d *Dispatcher) HandleMessage(ctx context.Context, s *xpos.Session, msg *xpos.Message) error {
	if !d.Accepts(event.Kind(msg.Name)) {
		return nil
	}
	e, err := event.Decode(xpos.CodecOrDefault(ctx), msg)
	if err != nil {
		if d.policy == CommitOnFailure {
			d.log(ctx).Error().Err(err).Str("receiver", d.r.Name()).Msg("undecodable event dropped")
			return nil
		}
		return err
	}
	return d.Dispatch(ctx, e, event.SessionPublisher(s, d.meta))
}

func (d *Dispatcher) log(ctx context.Context) *xlog.Logger {
	if d.logger != nil {
		return d.logger
	}
	if l, ok := xpos.LoggerFromContext(ctx); ok {
		return l
	}
	return xlog.Default()
}

// Bind opens a session named after the receiver and listens to every topic
// with the receiver name as consumer group. All of the receiver's channels
// share the session's single delivery goroutine.
func Bind(ctx context.Context, bus *xpos.Bus, d *Dispatcher, topics ...string) (*xpos.Session, error) {
	name := d.r.Name()
	s, err := bus.OpenSession(ctx, name, d.HandleMessage)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", name, err)
	}
	for _, t := range topics {
		if err := s.Listen(t, name); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return s, nil
}

// buffer holds emitted events until the handler outcome is known.
type buffer struct {
	staged []staged
}

type staged struct {
	topic string
	e     event.Event
}

func (b *buffer) Publish(_ context.Context, topic string, e event.Event) error {
	b.staged = append(b.staged, staged{topic: topic, e: e})
	return nil
}

func (b *buffer) flush(ctx context.Context, out event.Publisher) error {
	for _, s := range b.staged {
		if err := out.Publish(ctx, s.topic, s.e); err != nil {
			return fmt.Errorf("publish %s: %w", s.e.Kind(), err)
		}
	}
	return nil
}
