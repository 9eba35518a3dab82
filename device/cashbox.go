package device

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/trickstertwo/xpos/dispatch"
	"github.com/trickstertwo/xpos/event"
	"github.com/trickstertwo/xpos/fsm"
)

// DrawerState is the cash box drawer position.
type DrawerState string

const (
	DrawerClosed DrawerState = "Closed"
	DrawerOpen   DrawerState = "Open"
)

// CashBox is the drawer plus the cashier's keypad. The drawer opens when the
// desk has calculated the change; the cashier closes it.
type CashBox struct {
	id   Ident
	name string
	out  event.Publisher

	mu      sync.Mutex
	state   DrawerState
	change  decimal.Decimal
	closing bool
}

var _ dispatch.Receiver = (*CashBox)(nil)

// NewCashBox returns a closed cash box whose buttons publish on out.
func NewCashBox(id Ident, out event.Publisher) *CashBox {
	return &CashBox{id: id, name: id.name("cashbox"), out: out, state: DrawerClosed}
}

func (c *CashBox) Name() string { return c.name }

func (c *CashBox) Accepts() []event.Kind {
	return []event.Kind{event.KindChangeAmountCalculated}
}

func (c *CashBox) Handle(_ context.Context, e event.Event, _ event.Publisher) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev := e.(type) {
	case event.ChangeAmountCalculated:
		return c.open(ev.Change)
	default:
		return dispatch.Unhandled(c.name, e)
	}
}

func (c *CashBox) open(change decimal.Decimal) error {
	if err := fsm.Require(c.name, "open", c.state, DrawerClosed); err != nil {
		return err
	}
	c.state = DrawerOpen
	c.change = change
	return nil
}

// State returns the drawer position and the change to hand out while open.
func (c *CashBox) State() (DrawerState, decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.change
}

func (c *CashBox) press(ctx context.Context, e event.Event) error {
	return c.out.Publish(ctx, c.id.deskTopic(), e)
}

func (c *CashBox) StartSale(ctx context.Context) error {
	return c.press(ctx, event.SaleStarted{})
}

func (c *CashBox) FinishSale(ctx context.Context) error {
	return c.press(ctx, event.SaleFinished{})
}

func (c *CashBox) SelectPaymentMode(ctx context.Context, mode event.PaymentMode) error {
	return c.press(ctx, event.PaymentModeSelected{Mode: mode})
}

func (c *CashBox) EnterCashAmount(ctx context.Context, amount decimal.Decimal) error {
	return c.press(ctx, event.CashAmountEntered{Amount: amount})
}

// DisableExpressMode asks the desk to leave express mode.
func (c *CashBox) DisableExpressMode(ctx context.Context) error {
	return c.press(ctx, event.ExpressModeDisabled{DeskID: c.id.DeskID})
}

// Close shuts the drawer and reports it to the desk. Closing a closed drawer,
// or one whose close is still being reported, is an IllegalStateError. The
// drawer stays open when the report fails.
func (c *CashBox) Close(ctx context.Context) error {
	c.mu.Lock()
	if err := fsm.Require(c.name, "close", c.state, DrawerOpen); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.closing {
		c.mu.Unlock()
		return fsm.Illegal(c.name, "close", c.state, "already closing")
	}
	c.closing = true
	c.mu.Unlock()

	err := c.press(ctx, event.CashBoxClosed{})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = false
	if err != nil {
		return err
	}
	c.state = DrawerClosed
	c.change = decimal.Zero
	return nil
}
