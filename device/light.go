package device

import (
	"context"
	"sync"

	"github.com/trickstertwo/xpos/dispatch"
	"github.com/trickstertwo/xpos/event"
)

// ExpressLight signals express mode to customers.
type ExpressLight struct {
	id   Ident
	name string

	mu sync.Mutex
	on bool
}

var _ dispatch.Receiver = (*ExpressLight)(nil)

func NewExpressLight(id Ident) *ExpressLight {
	return &ExpressLight{id: id, name: id.name("light")}
}

func (l *ExpressLight) Name() string { return l.name }

func (l *ExpressLight) Accepts() []event.Kind {
	return []event.Kind{event.KindExpressModeEnabled, event.KindExpressModeDisabled}
}

func (l *ExpressLight) Handle(_ context.Context, e event.Event, _ event.Publisher) error {
	switch ev := e.(type) {
	case event.ExpressModeEnabled:
		if ev.DeskID == l.id.DeskID {
			l.TurnOn()
		}
		return nil
	case event.ExpressModeDisabled:
		if ev.DeskID == l.id.DeskID {
			l.TurnOff()
		}
		return nil
	default:
		return dispatch.Unhandled(l.name, e)
	}
}

func (l *ExpressLight) TurnOn() {
	l.mu.Lock()
	l.on = true
	l.mu.Unlock()
}

func (l *ExpressLight) TurnOff() {
	l.mu.Lock()
	l.on = false
	l.mu.Unlock()
}

func (l *ExpressLight) IsOn() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}
