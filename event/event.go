// Package event defines the closed set of domain events exchanged on the
// desk and store channels.
//
// Every variant is an immutable value type carrying primitive payload only.
// The Kind of an event is its message name on the wire; the payload is the
// codec encoding of the struct.
package event

import (
	"github.com/shopspring/decimal"
)

// Kind names an event variant.
type Kind string

const (
	KindSaleStarted            Kind = "SaleStarted"
	KindProductBarcodeScanned  Kind = "ProductBarcodeScanned"
	KindSaleFinished           Kind = "SaleFinished"
	KindPaymentModeSelected    Kind = "PaymentModeSelected"
	KindCashAmountEntered      Kind = "CashAmountEntered"
	KindCashBoxClosed          Kind = "CashBoxClosed"
	KindCreditCardScanned      Kind = "CreditCardScanned"
	KindCreditCardPinEntered   Kind = "CreditCardPinEntered"
	KindExpressModeEnabled     Kind = "ExpressModeEnabled"
	KindExpressModeDisabled    Kind = "ExpressModeDisabled"
	KindRunningTotalChanged    Kind = "RunningTotalChanged"
	KindProductBarcodeNotValid Kind = "ProductBarcodeNotValid"
	KindChangeAmountCalculated Kind = "ChangeAmountCalculated"
	KindSaleSuccess            Kind = "SaleSuccess"
	KindInvalidCreditCard      Kind = "InvalidCreditCard"
	KindSaleRegistered         Kind = "SaleRegistered"
	KindAccountSale            Kind = "AccountSale"
)

// Kinds lists every known kind.
func Kinds() []Kind {
	return []Kind{
		KindSaleStarted, KindProductBarcodeScanned, KindSaleFinished,
		KindPaymentModeSelected, KindCashAmountEntered, KindCashBoxClosed,
		KindCreditCardScanned, KindCreditCardPinEntered,
		KindExpressModeEnabled, KindExpressModeDisabled,
		KindRunningTotalChanged, KindProductBarcodeNotValid,
		KindChangeAmountCalculated, KindSaleSuccess, KindInvalidCreditCard,
		KindSaleRegistered, KindAccountSale,
	}
}

// Event is implemented by the variants of this package only.
type Event interface {
	Kind() Kind
	sealed()
}

// PaymentMode selects how a sale is paid.
type PaymentMode string

const (
	Cash       PaymentMode = "cash"
	CreditCard PaymentMode = "credit_card"
)

// Valid reports whether m is a known payment mode.
func (m PaymentMode) Valid() bool { return m == Cash || m == CreditCard }

// Cashier and device input on the desk channel.

type SaleStarted struct{}

type ProductBarcodeScanned struct {
	Barcode int64 `json:"barcode"`
}

type SaleFinished struct{}

type PaymentModeSelected struct {
	Mode PaymentMode `json:"mode"`
}

type CashAmountEntered struct {
	Amount decimal.Decimal `json:"amount"`
}

type CashBoxClosed struct{}

type CreditCardScanned struct {
	CardInfo string `json:"card_info"`
}

type CreditCardPinEntered struct {
	PIN int `json:"pin"`
}

// ExpressModeEnabled is broadcast by the coordinator on the store channel and
// re-emitted by the addressed desk on its own channel.
type ExpressModeEnabled struct {
	DeskID int `json:"desk_id"`
}

// ExpressModeDisabled is requested on the desk channel and announced by the
// desk on the store channel.
type ExpressModeDisabled struct {
	DeskID int `json:"desk_id"`
}

// Desk application output on the desk channel.

type RunningTotalChanged struct {
	Barcode      int64           `json:"barcode"`
	ProductName  string          `json:"product_name"`
	ProductPrice decimal.Decimal `json:"product_price"`
	RunningTotal decimal.Decimal `json:"running_total"`
}

type ProductBarcodeNotValid struct {
	Barcode int64 `json:"barcode"`
}

type ChangeAmountCalculated struct {
	Change decimal.Decimal `json:"change"`
}

type SaleSuccess struct {
	SaleID string          `json:"sale_id"`
	Total  decimal.Decimal `json:"total"`
	Mode   PaymentMode     `json:"mode"`
}

type InvalidCreditCard struct {
	Reason string `json:"reason"`
}

// Store channel.

// SaleRegistered feeds the express mode statistics.
type SaleRegistered struct {
	DeskID    int         `json:"desk_id"`
	ItemCount int         `json:"item_count"`
	Mode      PaymentMode `json:"mode"`
}

// AccountSale asks the inventory to book a completed sale.
type AccountSale struct {
	DeskID   int             `json:"desk_id"`
	SaleID   string          `json:"sale_id"`
	Barcodes []int64         `json:"barcodes"`
	Total    decimal.Decimal `json:"total"`
	Mode     PaymentMode     `json:"mode"`
}

func (SaleStarted) Kind() Kind            { return KindSaleStarted }
func (ProductBarcodeScanned) Kind() Kind  { return KindProductBarcodeScanned }
func (SaleFinished) Kind() Kind           { return KindSaleFinished }
func (PaymentModeSelected) Kind() Kind    { return KindPaymentModeSelected }
func (CashAmountEntered) Kind() Kind      { return KindCashAmountEntered }
func (CashBoxClosed) Kind() Kind          { return KindCashBoxClosed }
func (CreditCardScanned) Kind() Kind      { return KindCreditCardScanned }
func (CreditCardPinEntered) Kind() Kind   { return KindCreditCardPinEntered }
func (ExpressModeEnabled) Kind() Kind     { return KindExpressModeEnabled }
func (ExpressModeDisabled) Kind() Kind    { return KindExpressModeDisabled }
func (RunningTotalChanged) Kind() Kind    { return KindRunningTotalChanged }
func (ProductBarcodeNotValid) Kind() Kind { return KindProductBarcodeNotValid }
func (ChangeAmountCalculated) Kind() Kind { return KindChangeAmountCalculated }
func (SaleSuccess) Kind() Kind            { return KindSaleSuccess }
func (InvalidCreditCard) Kind() Kind      { return KindInvalidCreditCard }
func (SaleRegistered) Kind() Kind         { return KindSaleRegistered }
func (AccountSale) Kind() Kind            { return KindAccountSale }

func (SaleStarted) sealed()            {}
func (ProductBarcodeScanned) sealed()  {}
func (SaleFinished) sealed()           {}
func (PaymentModeSelected) sealed()    {}
func (CashAmountEntered) sealed()      {}
func (CashBoxClosed) sealed()          {}
func (CreditCardScanned) sealed()      {}
func (CreditCardPinEntered) sealed()   {}
func (ExpressModeEnabled) sealed()     {}
func (ExpressModeDisabled) sealed()    {}
func (RunningTotalChanged) sealed()    {}
func (ProductBarcodeNotValid) sealed() {}
func (ChangeAmountCalculated) sealed() {}
func (SaleSuccess) sealed()            {}
func (InvalidCreditCard) sealed()      {}
func (SaleRegistered) sealed()         {}
func (AccountSale) sealed()            {}
