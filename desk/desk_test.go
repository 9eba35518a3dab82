package desk_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xpos/bank"
	"github.com/trickstertwo/xpos/desk"
	"github.com/trickstertwo/xpos/dispatch"
	"github.com/trickstertwo/xpos/event"
	"github.com/trickstertwo/xpos/fsm"
)

const (
	store = 1
	self  = 2

	nutella = int64(4006381333931)
	milk    = int64(4000417025005)
	card    = "4111-1111"
	pin     = 1234
)

var (
	deskTopic  = event.DeskTopic(store, self)
	storeTopic = event.StoreTopic(store)
)

type emitted struct {
	topic string
	e     event.Event
}

type outbox struct {
	got []emitted
}

func (o *outbox) Publish(_ context.Context, topic string, e event.Event) error {
	o.got = append(o.got, emitted{topic: topic, e: e})
	return nil
}

func (o *outbox) take() []emitted {
	got := o.got
	o.got = nil
	return got
}

func catalog() desk.StaticCatalog {
	return desk.StaticCatalog{
		nutella: {Barcode: nutella, Name: "Nutella 450g", Price: decimal.RequireFromString("3.49")},
		milk:    {Barcode: milk, Name: "Milk 1l", Price: decimal.RequireFromString("1.19")},
	}
}

func newDesk(t *testing.T, b bank.Bank) *desk.Desk {
	t.Helper()
	if b == nil {
		b = bank.NewStub(bank.Account{CardInfo: card, PIN: pin, Balance: decimal.NewFromInt(100)})
	}
	d, err := desk.New(desk.Config{StoreID: store, DeskID: self, Catalog: catalog(), Bank: b})
	require.NoError(t, err)
	return d
}

type harness struct {
	t   *testing.T
	d   *desk.Desk
	dsp *dispatch.Dispatcher
	out *outbox
}

func newHarness(t *testing.T, b bank.Bank) *harness {
	d := newDesk(t, b)
	return &harness{t: t, d: d, dsp: dispatch.New(d), out: &outbox{}}
}

func (h *harness) send(events ...event.Event) {
	h.t.Helper()
	for _, e := range events {
		require.NoError(h.t, h.dsp.Dispatch(context.Background(), e, h.out))
	}
}

func (h *harness) state() desk.State { return h.d.Snapshot().State }

func TestDesk_StartScanThenIllegalCashBoxClosed(t *testing.T) {
	h := newHarness(t, nil)

	h.send(event.SaleStarted{})
	assert.Equal(t, desk.SaleStarted, h.state())
	assert.Empty(t, h.out.take())

	h.send(event.ProductBarcodeScanned{Barcode: nutella})
	got := h.out.take()
	require.Len(t, got, 1)
	assert.Equal(t, deskTopic, got[0].topic)
	rt, ok := got[0].e.(event.RunningTotalChanged)
	require.True(t, ok)
	assert.Equal(t, "Nutella 450g", rt.ProductName)
	assert.True(t, rt.RunningTotal.Equal(decimal.RequireFromString("3.49")))

	before := h.d.Snapshot()
	err := h.d.Handle(context.Background(), event.CashBoxClosed{}, h.out)
	require.ErrorIs(t, err, fsm.ErrIllegalState)

	// through the dispatcher the rejection is absorbed
	h.send(event.CashBoxClosed{})
	assert.Equal(t, before, h.d.Snapshot())
	assert.Empty(t, h.out.take())
}

func TestDesk_UnknownBarcode(t *testing.T) {
	h := newHarness(t, nil)
	h.send(event.SaleStarted{}, event.ProductBarcodeScanned{Barcode: 42})

	got := h.out.take()
	require.Len(t, got, 1)
	assert.Equal(t, event.ProductBarcodeNotValid{Barcode: 42}, got[0].e)
	assert.Zero(t, h.d.Snapshot().ItemCount)
}

func TestDesk_CashFlow(t *testing.T) {
	h := newHarness(t, nil)
	h.send(
		event.SaleStarted{},
		event.ProductBarcodeScanned{Barcode: nutella},
		event.ProductBarcodeScanned{Barcode: milk},
		event.SaleFinished{},
	)
	assert.Equal(t, desk.ExpectingPaymentMode, h.state())
	saleID := h.d.Snapshot().SaleID
	require.NotEmpty(t, saleID)
	h.out.take()

	h.send(event.PaymentModeSelected{Mode: event.Cash})
	assert.Equal(t, desk.ExpectingCashAmount, h.state())

	h.send(event.CashAmountEntered{Amount: decimal.NewFromInt(10)})
	assert.Equal(t, desk.ExpectingCashBoxClosed, h.state())
	got := h.out.take()
	require.Len(t, got, 1)
	change := got[0].e.(event.ChangeAmountCalculated).Change
	assert.True(t, change.Equal(decimal.RequireFromString("5.32")), change.String())

	h.send(event.CashBoxClosed{})
	assert.Equal(t, desk.ExpectingSale, h.state())

	got = h.out.take()
	require.Len(t, got, 3)
	assert.Equal(t, deskTopic, got[0].topic)
	success := got[0].e.(event.SaleSuccess)
	assert.Equal(t, saleID, success.SaleID)
	assert.Equal(t, event.Cash, success.Mode)
	assert.True(t, success.Total.Equal(decimal.RequireFromString("4.68")))

	assert.Equal(t, storeTopic, got[1].topic)
	assert.Equal(t, event.SaleRegistered{DeskID: self, ItemCount: 2, Mode: event.Cash}, got[1].e)

	assert.Equal(t, storeTopic, got[2].topic)
	acc := got[2].e.(event.AccountSale)
	assert.Equal(t, saleID, acc.SaleID)
	assert.Equal(t, []int64{nutella, milk}, acc.Barcodes)
}

func TestDesk_CashBelowTotalRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.send(
		event.SaleStarted{},
		event.ProductBarcodeScanned{Barcode: nutella},
		event.SaleFinished{},
		event.PaymentModeSelected{Mode: event.Cash},
	)
	h.out.take()

	h.send(event.CashAmountEntered{Amount: decimal.NewFromInt(1)})
	assert.Equal(t, desk.ExpectingCashAmount, h.state())
	assert.Empty(t, h.out.take())
}

func TestDesk_CardFlow(t *testing.T) {
	b := bank.NewStub(bank.Account{CardInfo: card, PIN: pin, Balance: decimal.NewFromInt(100)})
	h := newHarness(t, b)
	h.send(
		event.SaleStarted{},
		event.ProductBarcodeScanned{Barcode: nutella},
		event.SaleFinished{},
		event.PaymentModeSelected{Mode: event.CreditCard},
		event.CreditCardScanned{CardInfo: card},
	)
	assert.Equal(t, desk.ExpectingCardPin, h.state())
	h.out.take()

	// wrong pin sends the desk back to the card reader
	h.send(event.CreditCardPinEntered{PIN: 1})
	assert.Equal(t, desk.ExpectingCreditCard, h.state())
	got := h.out.take()
	require.Len(t, got, 1)
	assert.IsType(t, event.InvalidCreditCard{}, got[0].e)

	h.send(event.CreditCardScanned{CardInfo: card}, event.CreditCardPinEntered{PIN: pin})
	assert.Equal(t, desk.ExpectingSale, h.state())
	got = h.out.take()
	require.Len(t, got, 3)
	assert.Equal(t, event.CreditCard, got[0].e.(event.SaleSuccess).Mode)

	bal, _ := b.Balance(card)
	assert.True(t, bal.Equal(decimal.RequireFromString("96.51")))
}

func TestDesk_InsufficientBalance(t *testing.T) {
	b := bank.NewStub(bank.Account{CardInfo: card, PIN: pin, Balance: decimal.NewFromInt(1)})
	h := newHarness(t, b)
	h.send(
		event.SaleStarted{},
		event.ProductBarcodeScanned{Barcode: nutella},
		event.SaleFinished{},
		event.PaymentModeSelected{Mode: event.CreditCard},
		event.CreditCardScanned{CardInfo: card},
		event.CreditCardPinEntered{PIN: pin},
	)
	assert.Equal(t, desk.ExpectingCreditCard, h.state())
	got := h.out.take()
	require.NotEmpty(t, got)
	assert.Equal(t, event.InvalidCreditCard{Reason: string(bank.DebitInsufficientBalance)}, got[len(got)-1].e)

	// the customer may still switch to cash
	h.send(event.PaymentModeSelected{Mode: event.Cash})
	assert.Equal(t, desk.ExpectingCashAmount, h.state())
}

type downBank struct{}

var errDown = errors.New("bank down")

func (downBank) ValidateCard(context.Context, string, int) (string, error) { return "", errDown }

func (downBank) Debit(context.Context, string, decimal.Decimal) (bank.DebitResult, error) {
	return "", errDown
}

func TestDesk_BankFailurePropagates(t *testing.T) {
	h := newHarness(t, downBank{})
	h.send(
		event.SaleStarted{},
		event.ProductBarcodeScanned{Barcode: nutella},
		event.SaleFinished{},
		event.PaymentModeSelected{Mode: event.CreditCard},
		event.CreditCardScanned{CardInfo: card},
	)
	h.out.take()

	err := h.dsp.Dispatch(context.Background(), event.CreditCardPinEntered{PIN: pin}, h.out)
	assert.ErrorIs(t, err, errDown)
	assert.NotErrorIs(t, err, fsm.ErrIllegalState)
	assert.Equal(t, desk.ExpectingCardPin, h.state())
	assert.Empty(t, h.out.take())
}

func TestDesk_IllegalPairs(t *testing.T) {
	cases := []struct {
		name  string
		setup []event.Event
		e     event.Event
	}{
		{"scan before sale", nil, event.ProductBarcodeScanned{Barcode: nutella}},
		{"finish before sale", nil, event.SaleFinished{}},
		{"cash box before sale", nil, event.CashBoxClosed{}},
		{"pin before sale", nil, event.CreditCardPinEntered{PIN: pin}},
		{"start twice", []event.Event{event.SaleStarted{}}, event.SaleStarted{}},
		{"finish empty sale", []event.Event{event.SaleStarted{}}, event.SaleFinished{}},
		{"pay mode during scan", []event.Event{event.SaleStarted{}}, event.PaymentModeSelected{Mode: event.Cash}},
		{"card before mode", []event.Event{
			event.SaleStarted{}, event.ProductBarcodeScanned{Barcode: milk}, event.SaleFinished{},
		}, event.CreditCardScanned{CardInfo: card}},
		{"scan after finish", []event.Event{
			event.SaleStarted{}, event.ProductBarcodeScanned{Barcode: milk}, event.SaleFinished{},
		}, event.ProductBarcodeScanned{Barcode: milk}},
		{"unknown payment mode", []event.Event{
			event.SaleStarted{}, event.ProductBarcodeScanned{Barcode: milk}, event.SaleFinished{},
		}, event.PaymentModeSelected{Mode: "voucher"}},
		{"cash amount in card flow", []event.Event{
			event.SaleStarted{}, event.ProductBarcodeScanned{Barcode: milk}, event.SaleFinished{},
			event.PaymentModeSelected{Mode: event.CreditCard},
		}, event.CashAmountEntered{Amount: decimal.NewFromInt(5)}},
		{"mode change while drawer open", []event.Event{
			event.SaleStarted{}, event.ProductBarcodeScanned{Barcode: milk}, event.SaleFinished{},
			event.PaymentModeSelected{Mode: event.Cash}, event.CashAmountEntered{Amount: decimal.NewFromInt(5)},
		}, event.PaymentModeSelected{Mode: event.CreditCard}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.send(tc.setup...)
			h.out.take()
			before := h.d.Snapshot()

			err := h.d.Handle(context.Background(), tc.e, h.out)
			require.ErrorIs(t, err, fsm.ErrIllegalState)
			assert.Equal(t, before, h.d.Snapshot())
			assert.Empty(t, h.out.take())
		})
	}
}

func TestDesk_ExpressModeIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	h.send(event.ExpressModeEnabled{DeskID: self})
	assert.True(t, h.d.Snapshot().Express)
	assert.Equal(t, []emitted{{deskTopic, event.ExpressModeEnabled{DeskID: self}}}, h.out.take())

	h.send(event.ExpressModeEnabled{DeskID: self}, event.ExpressModeEnabled{DeskID: self + 1})
	assert.True(t, h.d.Snapshot().Express)
	assert.Empty(t, h.out.take())

	h.send(event.ExpressModeDisabled{DeskID: self})
	assert.False(t, h.d.Snapshot().Express)
	assert.Equal(t, []emitted{{storeTopic, event.ExpressModeDisabled{DeskID: self}}}, h.out.take())

	h.send(event.ExpressModeDisabled{DeskID: self}, event.ExpressModeDisabled{DeskID: self + 1})
	assert.False(t, h.d.Snapshot().Express)
	assert.Empty(t, h.out.take())
}

func TestDesk_ExpressLimits(t *testing.T) {
	h := newHarness(t, nil)
	h.send(event.ExpressModeEnabled{DeskID: self}, event.SaleStarted{})
	for range desk.DefaultItemLimit {
		h.send(event.ProductBarcodeScanned{Barcode: milk})
	}
	h.out.take()

	err := h.d.Handle(context.Background(), event.ProductBarcodeScanned{Barcode: milk}, h.out)
	require.ErrorIs(t, err, fsm.ErrIllegalState)
	assert.Equal(t, desk.DefaultItemLimit, h.d.Snapshot().ItemCount)

	h.send(event.SaleFinished{})
	err = h.d.Handle(context.Background(), event.PaymentModeSelected{Mode: event.CreditCard}, h.out)
	require.ErrorIs(t, err, fsm.ErrIllegalState)
	assert.Equal(t, desk.ExpectingPaymentMode, h.state())

	h.send(event.PaymentModeSelected{Mode: event.Cash})
	assert.Equal(t, desk.ExpectingCashAmount, h.state())
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := desk.New(desk.Config{Bank: bank.NewStub()})
	assert.Error(t, err)
	_, err = desk.New(desk.Config{Catalog: catalog()})
	assert.Error(t, err)
}
