package xpos

import (
	"time"
)

// Message is the envelope traveling the bus. The Payload is encoded via Codec.
type Message struct {
	// ID is a unique message identifier (transport may assign if empty).
	ID string
	// Name is the logical event name; receivers route on it.
	Name string
	// Payload is the encoded bytes of the event.
	Payload []byte
	// Metadata is a bag for headers/tracing/desk routing.
	Metadata map[string]string
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
}

// PublishEvent describes a single event in a batch publish call.
type PublishEvent struct {
	Name    string
	Payload any
	Meta    map[string]string
}

// Outbound is a message staged by a Session and published on commit.
type Outbound struct {
	Topic string
	Msg   *Message
}
