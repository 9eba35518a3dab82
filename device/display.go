package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/trickstertwo/xpos/dispatch"
	"github.com/trickstertwo/xpos/event"
)

// Screen is what the customer display shows.
type Screen struct {
	Text    string `json:"text"`
	Express bool   `json:"express"`
}

// UserDisplay mirrors the desk's progress to the customer. Observers are
// notified after every change, from a snapshot taken outside the lock, so a
// callback may subscribe or unsubscribe.
type UserDisplay struct {
	id   Ident
	name string

	mu        sync.Mutex
	screen    Screen
	observers map[int]func(Screen)
	nextID    int
}

var _ dispatch.Receiver = (*UserDisplay)(nil)

func NewUserDisplay(id Ident) *UserDisplay {
	return &UserDisplay{
		id:        id,
		name:      id.name("display"),
		observers: make(map[int]func(Screen)),
	}
}

func (u *UserDisplay) Name() string { return u.name }

func (u *UserDisplay) Accepts() []event.Kind {
	return []event.Kind{
		event.KindSaleStarted,
		event.KindRunningTotalChanged,
		event.KindProductBarcodeNotValid,
		event.KindChangeAmountCalculated,
		event.KindSaleSuccess,
		event.KindInvalidCreditCard,
		event.KindExpressModeEnabled,
		event.KindExpressModeDisabled,
	}
}

func (u *UserDisplay) Handle(_ context.Context, e event.Event, _ event.Publisher) error {
	switch ev := e.(type) {
	case event.SaleStarted:
		u.update(func(s *Screen) { s.Text = "Welcome" })
	case event.RunningTotalChanged:
		u.update(func(s *Screen) {
			s.Text = fmt.Sprintf("%s %s | total %s", ev.ProductName, ev.ProductPrice.StringFixed(2), ev.RunningTotal.StringFixed(2))
		})
	case event.ProductBarcodeNotValid:
		u.update(func(s *Screen) { s.Text = fmt.Sprintf("Unknown barcode %d", ev.Barcode) })
	case event.ChangeAmountCalculated:
		u.update(func(s *Screen) { s.Text = "Change " + ev.Change.StringFixed(2) })
	case event.SaleSuccess:
		u.update(func(s *Screen) { s.Text = "Thank you | paid " + ev.Total.StringFixed(2) })
	case event.InvalidCreditCard:
		u.update(func(s *Screen) { s.Text = "Card declined: " + ev.Reason })
	case event.ExpressModeEnabled:
		if ev.DeskID == u.id.DeskID {
			u.update(func(s *Screen) { s.Express = true })
		}
	case event.ExpressModeDisabled:
		if ev.DeskID == u.id.DeskID {
			u.update(func(s *Screen) { s.Express = false })
		}
	default:
		return dispatch.Unhandled(u.name, e)
	}
	return nil
}

// Screen returns the current screen.
func (u *UserDisplay) Screen() Screen {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.screen
}

// Subscribe registers fn for every screen change and returns its
// unsubscribe func.
func (u *UserDisplay) Subscribe(fn func(Screen)) (unsubscribe func()) {
	u.mu.Lock()
	id := u.nextID
	u.nextID++
	u.observers[id] = fn
	u.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			u.mu.Lock()
			delete(u.observers, id)
			u.mu.Unlock()
		})
	}
}

func (u *UserDisplay) update(apply func(*Screen)) {
	u.mu.Lock()
	apply(&u.screen)
	screen := u.screen
	fns := make([]func(Screen), 0, len(u.observers))
	for _, fn := range u.observers {
		fns = append(fns, fn)
	}
	u.mu.Unlock()

	for _, fn := range fns {
		fn(screen)
	}
}
