package device

import (
	"context"
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/trickstertwo/xpos/dispatch"
	"github.com/trickstertwo/xpos/event"
	"github.com/trickstertwo/xpos/fsm"
)

// PrinterState is Idle between sales and Printing during one.
type PrinterState string

const (
	PrinterIdle     PrinterState = "Idle"
	PrinterPrinting PrinterState = "Printing"
)

// ReceiptLine is one printed item.
type ReceiptLine struct {
	Barcode int64           `json:"barcode"`
	Name    string          `json:"name"`
	Price   decimal.Decimal `json:"price"`
}

// Receipt is what the printer produced for one sale.
type Receipt struct {
	SaleID string            `json:"sale_id"`
	Lines  []ReceiptLine     `json:"lines"`
	Total  decimal.Decimal   `json:"total"`
	Change decimal.Decimal   `json:"change"`
	Mode   event.PaymentMode `json:"mode"`
}

// Printer prints one receipt per sale and keeps the finished ones.
type Printer struct {
	name string

	mu       sync.Mutex
	state    PrinterState
	current  Receipt
	receipts []Receipt
}

var _ dispatch.Receiver = (*Printer)(nil)

func NewPrinter(id Ident) *Printer {
	return &Printer{name: id.name("printer"), state: PrinterIdle}
}

func (p *Printer) Name() string { return p.name }

func (p *Printer) Accepts() []event.Kind {
	return []event.Kind{
		event.KindSaleStarted,
		event.KindRunningTotalChanged,
		event.KindChangeAmountCalculated,
		event.KindSaleSuccess,
	}
}

func (p *Printer) Handle(_ context.Context, e event.Event, _ event.Publisher) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev := e.(type) {
	case event.SaleStarted:
		return p.startReceipt()
	case event.RunningTotalChanged:
		return p.printLine(ev)
	case event.ChangeAmountCalculated:
		return p.printChange(ev.Change)
	case event.SaleSuccess:
		return p.finishReceipt(ev)
	default:
		return dispatch.Unhandled(p.name, e)
	}
}

func (p *Printer) startReceipt() error {
	if err := fsm.Require(p.name, "startReceipt", p.state, PrinterIdle); err != nil {
		return err
	}
	p.current = Receipt{}
	p.state = PrinterPrinting
	return nil
}

func (p *Printer) printLine(ev event.RunningTotalChanged) error {
	if err := fsm.Require(p.name, "printLine", p.state, PrinterPrinting); err != nil {
		return err
	}
	p.current.Lines = append(p.current.Lines, ReceiptLine{Barcode: ev.Barcode, Name: ev.ProductName, Price: ev.ProductPrice})
	p.current.Total = ev.RunningTotal
	return nil
}

func (p *Printer) printChange(change decimal.Decimal) error {
	if err := fsm.Require(p.name, "printChange", p.state, PrinterPrinting); err != nil {
		return err
	}
	p.current.Change = change
	return nil
}

func (p *Printer) finishReceipt(ev event.SaleSuccess) error {
	if err := fsm.Require(p.name, "finishReceipt", p.state, PrinterPrinting); err != nil {
		return err
	}
	p.current.SaleID = ev.SaleID
	p.current.Total = ev.Total
	p.current.Mode = ev.Mode
	p.receipts = append(p.receipts, p.current)
	p.current = Receipt{}
	p.state = PrinterIdle
	return nil
}

// State returns the printer state.
func (p *Printer) State() PrinterState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Receipts returns the finished receipts, oldest first.
func (p *Printer) Receipts() []Receipt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.receipts)
}
