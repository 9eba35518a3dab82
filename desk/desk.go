// Package desk is the cash desk application: the state machine driving one
// checkout lane from the first scan to the booked sale.
package desk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/trickstertwo/xpos/bank"
	"github.com/trickstertwo/xpos/dispatch"
	"github.com/trickstertwo/xpos/event"
	"github.com/trickstertwo/xpos/fsm"
)

// DefaultItemLimit caps the items of a sale in express mode.
const DefaultItemLimit = 8

// ErrUnknownBarcode is returned by a Catalog that has no product for a barcode.
var ErrUnknownBarcode = errors.New("desk: unknown barcode")

// State is the position of the desk in the checkout flow.
type State string

const (
	ExpectingSale          State = "ExpectingSale"
	SaleStarted            State = "SaleStarted"
	ExpectingPaymentMode   State = "ExpectingPaymentMode"
	ExpectingCashAmount    State = "ExpectingCashAmount"
	ExpectingCashBoxClosed State = "ExpectingCashBoxClosed"
	ExpectingCreditCard    State = "ExpectingCreditCard"
	ExpectingCardPin       State = "ExpectingCardPin"
)

// Product is what the desk needs to know about a scanned item.
type Product struct {
	Barcode int64
	Name    string
	Price   decimal.Decimal
}

// Catalog looks products up by barcode.
type Catalog interface {
	ProductByBarcode(ctx context.Context, barcode int64) (Product, error)
}

// CatalogFunc adapts a function to Catalog.
type CatalogFunc func(ctx context.Context, barcode int64) (Product, error)

func (f CatalogFunc) ProductByBarcode(ctx context.Context, barcode int64) (Product, error) {
	return f(ctx, barcode)
}

// StaticCatalog is a fixed in-memory catalog.
type StaticCatalog map[int64]Product

func (c StaticCatalog) ProductByBarcode(_ context.Context, barcode int64) (Product, error) {
	p, ok := c[barcode]
	if !ok {
		return Product{}, ErrUnknownBarcode
	}
	return p, nil
}

// Config wires a desk to its store, catalog and bank.
type Config struct {
	StoreID   int
	DeskID    int
	ItemLimit int
	Catalog   Catalog
	Bank      bank.Bank
}

// Snapshot is a point-in-time view of a desk.
type Snapshot struct {
	State     State           `json:"state"`
	Express   bool            `json:"express"`
	SaleID    string          `json:"sale_id,omitempty"`
	ItemCount int             `json:"item_count"`
	Total     decimal.Decimal `json:"total"`
	Mode      string          `json:"mode,omitempty"`
}

// Desk is the cash desk application. Express mode is a flag orthogonal to
// the checkout state.
type Desk struct {
	cfg        Config
	name       string
	deskTopic  string
	storeTopic string

	mu       sync.Mutex
	state    State
	express  bool
	saleID   string
	barcodes []int64
	total    decimal.Decimal
	mode     event.PaymentMode
	cardInfo string
}

var _ dispatch.Receiver = (*Desk)(nil)

// New returns a desk waiting for a sale with express mode off.
func New(cfg Config) (*Desk, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("desk: catalog is required")
	}
	if cfg.Bank == nil {
		return nil, errors.New("desk: bank is required")
	}
	if cfg.ItemLimit <= 0 {
		cfg.ItemLimit = DefaultItemLimit
	}
	return &Desk{
		cfg:        cfg,
		name:       fmt.Sprintf("desk-%d-%d", cfg.StoreID, cfg.DeskID),
		deskTopic:  event.DeskTopic(cfg.StoreID, cfg.DeskID),
		storeTopic: event.StoreTopic(cfg.StoreID),
		state:      ExpectingSale,
		total:      decimal.Zero,
	}, nil
}

func (d *Desk) Name() string { return d.name }

func (d *Desk) Accepts() []event.Kind {
	return []event.Kind{
		event.KindSaleStarted,
		event.KindProductBarcodeScanned,
		event.KindSaleFinished,
		event.KindPaymentModeSelected,
		event.KindCashAmountEntered,
		event.KindCashBoxClosed,
		event.KindCreditCardScanned,
		event.KindCreditCardPinEntered,
		event.KindExpressModeEnabled,
		event.KindExpressModeDisabled,
	}
}

// Handle applies e. Mutators change state only once every check and remote
// call has succeeded, so a rejected or failed event leaves the desk as it was.
func (d *Desk) Handle(ctx context.Context, e event.Event, out event.Publisher) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch ev := e.(type) {
	case event.SaleStarted:
		return d.startSale()
	case event.ProductBarcodeScanned:
		return d.addItemToSale(ctx, ev.Barcode, out)
	case event.SaleFinished:
		return d.finishSale()
	case event.PaymentModeSelected:
		return d.selectPaymentMode(ev.Mode)
	case event.CashAmountEntered:
		return d.startCashPayment(ctx, ev.Amount, out)
	case event.CashBoxClosed:
		return d.finishCashPayment(ctx, out)
	case event.CreditCardScanned:
		return d.startCreditCardPayment(ev.CardInfo)
	case event.CreditCardPinEntered:
		return d.finishCreditCardPayment(ctx, ev.PIN, out)
	case event.ExpressModeEnabled:
		return d.enableExpressMode(ctx, ev.DeskID, out)
	case event.ExpressModeDisabled:
		return d.disableExpressMode(ctx, ev.DeskID, out)
	default:
		return dispatch.Unhandled(d.name, e)
	}
}

// Snapshot returns the current state.
func (d *Desk) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		State:     d.state,
		Express:   d.express,
		SaleID:    d.saleID,
		ItemCount: len(d.barcodes),
		Total:     d.total,
		Mode:      string(d.mode),
	}
}

func (d *Desk) illegal(op, reason string) error {
	return fsm.Illegal(d.name, op, d.state, reason)
}

func (d *Desk) startSale() error {
	if err := fsm.Require(d.name, "startSale", d.state, ExpectingSale); err != nil {
		return err
	}
	d.reset()
	d.saleID = uuid.NewString()
	d.state = SaleStarted
	return nil
}

func (d *Desk) addItemToSale(ctx context.Context, barcode int64, out event.Publisher) error {
	if err := fsm.Require(d.name, "addItemToSale", d.state, SaleStarted); err != nil {
		return err
	}
	if d.express && len(d.barcodes) >= d.cfg.ItemLimit {
		return d.illegal("addItemToSale", fmt.Sprintf("express sale limited to %d items", d.cfg.ItemLimit))
	}

	p, err := d.cfg.Catalog.ProductByBarcode(ctx, barcode)
	if errors.Is(err, ErrUnknownBarcode) {
		return out.Publish(ctx, d.deskTopic, event.ProductBarcodeNotValid{Barcode: barcode})
	}
	if err != nil {
		return fmt.Errorf("lookup %d: %w", barcode, err)
	}

	total := d.total.Add(p.Price)
	if err := out.Publish(ctx, d.deskTopic, event.RunningTotalChanged{
		Barcode:      barcode,
		ProductName:  p.Name,
		ProductPrice: p.Price,
		RunningTotal: total,
	}); err != nil {
		return err
	}
	d.barcodes = append(d.barcodes, barcode)
	d.total = total
	return nil
}

func (d *Desk) finishSale() error {
	if err := fsm.Require(d.name, "finishSale", d.state, SaleStarted); err != nil {
		return err
	}
	if len(d.barcodes) == 0 {
		return d.illegal("finishSale", "no items")
	}
	d.state = ExpectingPaymentMode
	return nil
}

func (d *Desk) selectPaymentMode(mode event.PaymentMode) error {
	const op = "selectPaymentMode"
	if err := fsm.Require(d.name, op, d.state, ExpectingPaymentMode, ExpectingCashAmount, ExpectingCreditCard); err != nil {
		return err
	}
	switch mode {
	case event.Cash:
		d.state = ExpectingCashAmount
	case event.CreditCard:
		if d.express {
			return d.illegal(op, "express mode accepts cash only")
		}
		d.state = ExpectingCreditCard
	default:
		return d.illegal(op, fmt.Sprintf("unknown payment mode %q", mode))
	}
	d.mode = mode
	return nil
}

func (d *Desk) startCashPayment(ctx context.Context, amount decimal.Decimal, out event.Publisher) error {
	const op = "startCashPayment"
	if err := fsm.Require(d.name, op, d.state, ExpectingCashAmount); err != nil {
		return err
	}
	if amount.LessThan(d.total) {
		return d.illegal(op, fmt.Sprintf("amount %s below total %s", amount, d.total))
	}
	if err := out.Publish(ctx, d.deskTopic, event.ChangeAmountCalculated{Change: amount.Sub(d.total)}); err != nil {
		return err
	}
	d.state = ExpectingCashBoxClosed
	return nil
}

func (d *Desk) finishCashPayment(ctx context.Context, out event.Publisher) error {
	if err := fsm.Require(d.name, "finishCashPayment", d.state, ExpectingCashBoxClosed); err != nil {
		return err
	}
	return d.completeSale(ctx, event.Cash, out)
}

func (d *Desk) startCreditCardPayment(cardInfo string) error {
	const op = "startCreditCardPayment"
	if err := fsm.Require(d.name, op, d.state, ExpectingCreditCard); err != nil {
		return err
	}
	if d.express {
		return d.illegal(op, "express mode accepts cash only")
	}
	d.cardInfo = cardInfo
	d.state = ExpectingCardPin
	return nil
}

func (d *Desk) finishCreditCardPayment(ctx context.Context, pin int, out event.Publisher) error {
	if err := fsm.Require(d.name, "finishCreditCardPayment", d.state, ExpectingCardPin); err != nil {
		return err
	}

	txID, err := d.cfg.Bank.ValidateCard(ctx, d.cardInfo, pin)
	if errors.Is(err, bank.ErrCardRejected) {
		return d.refuseCard(ctx, "card rejected", out)
	}
	if err != nil {
		return fmt.Errorf("validate card: %w", err)
	}

	res, err := d.cfg.Bank.Debit(ctx, txID, d.total)
	if err != nil {
		return fmt.Errorf("debit: %w", err)
	}
	if res != bank.DebitOK {
		return d.refuseCard(ctx, string(res), out)
	}
	return d.completeSale(ctx, event.CreditCard, out)
}

func (d *Desk) refuseCard(ctx context.Context, reason string, out event.Publisher) error {
	if err := out.Publish(ctx, d.deskTopic, event.InvalidCreditCard{Reason: reason}); err != nil {
		return err
	}
	d.cardInfo = ""
	d.state = ExpectingCreditCard
	return nil
}

func (d *Desk) completeSale(ctx context.Context, mode event.PaymentMode, out event.Publisher) error {
	barcodes := append([]int64(nil), d.barcodes...)
	emits := []struct {
		topic string
		e     event.Event
	}{
		{d.deskTopic, event.SaleSuccess{SaleID: d.saleID, Total: d.total, Mode: mode}},
		{d.storeTopic, event.SaleRegistered{DeskID: d.cfg.DeskID, ItemCount: len(barcodes), Mode: mode}},
		{d.storeTopic, event.AccountSale{
			DeskID:   d.cfg.DeskID,
			SaleID:   d.saleID,
			Barcodes: barcodes,
			Total:    d.total,
			Mode:     mode,
		}},
	}
	for _, em := range emits {
		if err := out.Publish(ctx, em.topic, em.e); err != nil {
			return err
		}
	}
	d.reset()
	return nil
}

func (d *Desk) enableExpressMode(ctx context.Context, deskID int, out event.Publisher) error {
	if deskID != d.cfg.DeskID || d.express {
		return nil
	}
	if err := out.Publish(ctx, d.deskTopic, event.ExpressModeEnabled{DeskID: deskID}); err != nil {
		return err
	}
	d.express = true
	return nil
}

func (d *Desk) disableExpressMode(ctx context.Context, deskID int, out event.Publisher) error {
	if deskID != d.cfg.DeskID || !d.express {
		return nil
	}
	if err := out.Publish(ctx, d.storeTopic, event.ExpressModeDisabled{DeskID: deskID}); err != nil {
		return err
	}
	d.express = false
	return nil
}

func (d *Desk) reset() {
	d.state = ExpectingSale
	d.saleID = ""
	d.barcodes = nil
	d.total = decimal.Zero
	d.mode = ""
	d.cardInfo = ""
}
