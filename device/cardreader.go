package device

import (
	"context"
	"sync"

	"github.com/trickstertwo/xpos/dispatch"
	"github.com/trickstertwo/xpos/event"
	"github.com/trickstertwo/xpos/fsm"
)

type readerMode string

const (
	readerAll     readerMode = "AcceptingCards"
	readerExpress readerMode = "Express"
)

// CardReader reads cards and PINs. In express mode it refuses cards.
type CardReader struct {
	id   Ident
	name string
	out  event.Publisher

	mu      sync.Mutex
	express bool
}

var _ dispatch.Receiver = (*CardReader)(nil)

func NewCardReader(id Ident, out event.Publisher) *CardReader {
	return &CardReader{id: id, name: id.name("cardreader"), out: out}
}

func (r *CardReader) Name() string { return r.name }

func (r *CardReader) Accepts() []event.Kind {
	return []event.Kind{event.KindExpressModeEnabled, event.KindExpressModeDisabled}
}

func (r *CardReader) Handle(_ context.Context, e event.Event, _ event.Publisher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev := e.(type) {
	case event.ExpressModeEnabled:
		if ev.DeskID == r.id.DeskID {
			r.express = true
		}
		return nil
	case event.ExpressModeDisabled:
		if ev.DeskID == r.id.DeskID {
			r.express = false
		}
		return nil
	default:
		return dispatch.Unhandled(r.name, e)
	}
}

// Express reports whether cards are refused.
func (r *CardReader) Express() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.express
}

func (r *CardReader) mode() readerMode {
	if r.express {
		return readerExpress
	}
	return readerAll
}

// ScanCard reports a card to the desk, unless the desk is in express mode.
func (r *CardReader) ScanCard(ctx context.Context, cardInfo string) error {
	r.mu.Lock()
	mode := r.mode()
	r.mu.Unlock()
	if err := fsm.Require(r.name, "scanCard", mode, readerAll); err != nil {
		return err
	}
	return r.out.Publish(ctx, r.id.deskTopic(), event.CreditCardScanned{CardInfo: cardInfo})
}

func (r *CardReader) EnterPIN(ctx context.Context, pin int) error {
	return r.out.Publish(ctx, r.id.deskTopic(), event.CreditCardPinEntered{PIN: pin})
}
