package device_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xpos/device"
	"github.com/trickstertwo/xpos/dispatch"
	"github.com/trickstertwo/xpos/event"
	"github.com/trickstertwo/xpos/fsm"
)

var id = device.Ident{StoreID: 1, DeskID: 3}

type outbox struct {
	topics []string
	events []event.Event
}

func (o *outbox) Publish(_ context.Context, topic string, e event.Event) error {
	o.topics = append(o.topics, topic)
	o.events = append(o.events, e)
	return nil
}

func TestCashBox_Buttons(t *testing.T) {
	ctx := context.Background()
	out := &outbox{}
	cb := device.NewCashBox(id, out)

	require.NoError(t, cb.StartSale(ctx))
	require.NoError(t, cb.FinishSale(ctx))
	require.NoError(t, cb.SelectPaymentMode(ctx, event.Cash))
	require.NoError(t, cb.EnterCashAmount(ctx, decimal.NewFromInt(20)))
	require.NoError(t, cb.DisableExpressMode(ctx))

	assert.Equal(t, []event.Event{
		event.SaleStarted{},
		event.SaleFinished{},
		event.PaymentModeSelected{Mode: event.Cash},
		event.CashAmountEntered{Amount: decimal.NewFromInt(20)},
		event.ExpressModeDisabled{DeskID: 3},
	}, out.events)
	for _, topic := range out.topics {
		assert.Equal(t, "xpos.store.1.desk.3", topic)
	}
}

func TestCashBox_Drawer(t *testing.T) {
	ctx := context.Background()
	out := &outbox{}
	cb := device.NewCashBox(id, out)

	err := cb.Close(ctx)
	require.ErrorIs(t, err, fsm.ErrIllegalState)
	assert.Empty(t, out.events)

	require.NoError(t, cb.Handle(ctx, event.ChangeAmountCalculated{Change: decimal.NewFromInt(5)}, nil))
	state, change := cb.State()
	assert.Equal(t, device.DrawerOpen, state)
	assert.True(t, change.Equal(decimal.NewFromInt(5)))

	// already open
	err = cb.Handle(ctx, event.ChangeAmountCalculated{Change: decimal.NewFromInt(1)}, nil)
	require.ErrorIs(t, err, fsm.ErrIllegalState)

	require.NoError(t, cb.Close(ctx))
	state, _ = cb.State()
	assert.Equal(t, device.DrawerClosed, state)
	assert.Equal(t, []event.Event{event.CashBoxClosed{}}, out.events)
}

// gate blocks every publish until released and then fails with err.
type gate struct {
	entered chan struct{}
	release chan struct{}
	err     error
}

func (g *gate) Publish(context.Context, string, event.Event) error {
	g.entered <- struct{}{}
	<-g.release
	return g.err
}

func TestCashBox_CloseDoesNotHoldTheDrawerWhilePublishing(t *testing.T) {
	ctx := context.Background()
	g := &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
	cb := device.NewCashBox(id, g)
	require.NoError(t, cb.Handle(ctx, event.ChangeAmountCalculated{Change: decimal.NewFromInt(5)}, nil))

	done := make(chan error, 1)
	go func() { done <- cb.Close(ctx) }()
	<-g.entered

	state, _ := cb.State()
	assert.Equal(t, device.DrawerOpen, state)
	require.ErrorIs(t, cb.Close(ctx), fsm.ErrIllegalState, "a second close while the first is reported")

	close(g.release)
	require.NoError(t, <-done)
	state, change := cb.State()
	assert.Equal(t, device.DrawerClosed, state)
	assert.True(t, change.IsZero())
}

func TestCashBox_FailedCloseLeavesDrawerOpen(t *testing.T) {
	ctx := context.Background()
	g := &gate{entered: make(chan struct{}, 1), release: make(chan struct{}), err: errors.New("bus down")}
	close(g.release)
	cb := device.NewCashBox(id, g)
	require.NoError(t, cb.Handle(ctx, event.ChangeAmountCalculated{Change: decimal.NewFromInt(5)}, nil))

	require.ErrorIs(t, cb.Close(ctx), g.err)
	<-g.entered
	state, change := cb.State()
	assert.Equal(t, device.DrawerOpen, state)
	assert.True(t, change.Equal(decimal.NewFromInt(5)))

	g.err = nil
	require.NoError(t, cb.Close(ctx))
	<-g.entered
	state, _ = cb.State()
	assert.Equal(t, device.DrawerClosed, state)
}

func TestScanner(t *testing.T) {
	out := &outbox{}
	require.NoError(t, device.NewScanner(id, out).Scan(context.Background(), 4006381333931))
	assert.Equal(t, []event.Event{event.ProductBarcodeScanned{Barcode: 4006381333931}}, out.events)
}

func TestCardReader_RefusesCardsInExpressMode(t *testing.T) {
	ctx := context.Background()
	out := &outbox{}
	r := device.NewCardReader(id, out)

	require.NoError(t, r.ScanCard(ctx, "card"))
	require.NoError(t, r.EnterPIN(ctx, 1234))

	require.NoError(t, r.Handle(ctx, event.ExpressModeEnabled{DeskID: 9}, nil))
	assert.False(t, r.Express(), "other desks do not switch this reader")

	require.NoError(t, r.Handle(ctx, event.ExpressModeEnabled{DeskID: 3}, nil))
	assert.True(t, r.Express())
	err := r.ScanCard(ctx, "card")
	require.ErrorIs(t, err, fsm.ErrIllegalState)

	require.NoError(t, r.Handle(ctx, event.ExpressModeDisabled{DeskID: 3}, nil))
	require.NoError(t, r.ScanCard(ctx, "card"))

	assert.Equal(t, []event.Event{
		event.CreditCardScanned{CardInfo: "card"},
		event.CreditCardPinEntered{PIN: 1234},
		event.CreditCardScanned{CardInfo: "card"},
	}, out.events)
}

func TestPrinter_Receipt(t *testing.T) {
	ctx := context.Background()
	p := device.NewPrinter(id)
	d := dispatch.New(p)

	steps := []event.Event{
		event.RunningTotalChanged{Barcode: 1},
		event.SaleStarted{},
		event.RunningTotalChanged{Barcode: 1, ProductName: "Milk", ProductPrice: decimal.NewFromInt(1), RunningTotal: decimal.NewFromInt(1)},
		event.RunningTotalChanged{Barcode: 2, ProductName: "Bread", ProductPrice: decimal.NewFromInt(2), RunningTotal: decimal.NewFromInt(3)},
		event.SaleStarted{},
		event.ChangeAmountCalculated{Change: decimal.NewFromInt(2)},
		event.SaleSuccess{SaleID: "s-1", Total: decimal.NewFromInt(3), Mode: event.Cash},
	}
	for _, e := range steps {
		require.NoError(t, d.Dispatch(ctx, e, nil))
	}

	assert.Equal(t, device.PrinterIdle, p.State())
	receipts := p.Receipts()
	require.Len(t, receipts, 1)
	r := receipts[0]
	assert.Equal(t, "s-1", r.SaleID)
	assert.Len(t, r.Lines, 2)
	assert.True(t, r.Total.Equal(decimal.NewFromInt(3)))
	assert.True(t, r.Change.Equal(decimal.NewFromInt(2)))

	err := p.Handle(ctx, event.SaleSuccess{}, nil)
	assert.ErrorIs(t, err, fsm.ErrIllegalState)
}

func TestExpressLight_Idempotent(t *testing.T) {
	ctx := context.Background()
	l := device.NewExpressLight(id)

	for range 2 {
		require.NoError(t, l.Handle(ctx, event.ExpressModeEnabled{DeskID: 3}, nil))
		assert.True(t, l.IsOn())
	}
	require.NoError(t, l.Handle(ctx, event.ExpressModeDisabled{DeskID: 4}, nil))
	assert.True(t, l.IsOn())
	for range 2 {
		require.NoError(t, l.Handle(ctx, event.ExpressModeDisabled{DeskID: 3}, nil))
		assert.False(t, l.IsOn())
	}
}

func TestUserDisplay_Observers(t *testing.T) {
	ctx := context.Background()
	u := device.NewUserDisplay(id)

	var seen []device.Screen
	unsubscribe := u.Subscribe(func(s device.Screen) { seen = append(seen, s) })

	var once int
	var selfUnsub func()
	selfUnsub = u.Subscribe(func(device.Screen) {
		once++
		selfUnsub()
		// subscribing from a callback must not deadlock either
		u.Subscribe(func(device.Screen) {})()
	})

	require.NoError(t, u.Handle(ctx, event.SaleStarted{}, nil))
	require.NoError(t, u.Handle(ctx, event.RunningTotalChanged{
		ProductName:  "Milk",
		ProductPrice: decimal.RequireFromString("1.19"),
		RunningTotal: decimal.RequireFromString("1.19"),
	}, nil))
	require.NoError(t, u.Handle(ctx, event.ExpressModeEnabled{DeskID: 3}, nil))

	assert.Equal(t, 1, once)
	require.Len(t, seen, 3)
	assert.Equal(t, "Welcome", seen[0].Text)
	assert.Equal(t, "Milk 1.19 | total 1.19", seen[1].Text)
	assert.True(t, seen[2].Express)
	assert.Equal(t, seen[2], u.Screen())

	unsubscribe()
	unsubscribe()
	require.NoError(t, u.Handle(ctx, event.InvalidCreditCard{Reason: "card rejected"}, nil))
	assert.Len(t, seen, 3)
	assert.Equal(t, "Card declined: card rejected", u.Screen().Text)
}
