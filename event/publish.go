package event

import (
	"context"
	"fmt"
	"strconv"

	"github.com/trickstertwo/xpos"
)

// MetaDesk is the metadata key carrying the emitting desk, when known.
const MetaDesk = "desk"

// DeskTopic is the channel of one cash desk.
func DeskTopic(store, desk int) string {
	return fmt.Sprintf("xpos.store.%d.desk.%d", store, desk)
}

// StoreTopic is the store-wide channel shared by all desks.
func StoreTopic(store int) string {
	return "xpos.store." + strconv.Itoa(store)
}

// Publisher emits events onto a topic. Receivers publish through it and
// never see whether the events are staged or sent right away.
type Publisher interface {
	Publish(ctx context.Context, topic string, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic string, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, topic string, e Event) error {
	return f(ctx, topic, e)
}

type sessionPublisher struct {
	s    *xpos.Session
	meta map[string]string
}

// SessionPublisher stages events in s; they become visible when s commits.
func SessionPublisher(s *xpos.Session, meta map[string]string) Publisher {
	return sessionPublisher{s: s, meta: meta}
}

func (p sessionPublisher) Publish(ctx context.Context, topic string, e Event) error {
	return p.s.Publish(ctx, topic, string(e.Kind()), e, p.meta)
}

// Producer is the sending side of a channel: device buttons and the
// cashier push events onto one topic, each visible immediately.
type Producer struct {
	bus   *xpos.Bus
	topic string
	meta  map[string]string
}

// NewProducer binds a producer to topic.
func NewProducer(bus *xpos.Bus, topic string, meta map[string]string) *Producer {
	return &Producer{bus: bus, topic: topic, meta: meta}
}

// Topic returns the bound topic.
func (p *Producer) Topic() string { return p.topic }

// Send publishes e on the bound topic.
func (p *Producer) Send(ctx context.Context, e Event) error {
	return p.bus.Publish(ctx, p.topic, string(e.Kind()), e, p.meta)
}

// Publish satisfies Publisher for callers holding a Producer; the topic
// argument overrides the bound one when not empty.
func (p *Producer) Publish(ctx context.Context, topic string, e Event) error {
	if topic == "" {
		topic = p.topic
	}
	return p.bus.Publish(ctx, topic, string(e.Kind()), e, p.meta)
}
