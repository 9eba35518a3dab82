package event

import (
	"errors"
	"fmt"

	"github.com/trickstertwo/xpos"
)

// ErrUnknownKind is returned when a message name is not a known Kind.
var ErrUnknownKind = errors.New("event: unknown kind")

// Decode turns a bus message back into its typed event.
func Decode(c xpos.Codec, msg *xpos.Message) (Event, error) {
	switch Kind(msg.Name) {
	case KindSaleStarted:
		return decodeAs[SaleStarted](c, msg)
	case KindProductBarcodeScanned:
		return decodeAs[ProductBarcodeScanned](c, msg)
	case KindSaleFinished:
		return decodeAs[SaleFinished](c, msg)
	case KindPaymentModeSelected:
		return decodeAs[PaymentModeSelected](c, msg)
	case KindCashAmountEntered:
		return decodeAs[CashAmountEntered](c, msg)
	case KindCashBoxClosed:
		return decodeAs[CashBoxClosed](c, msg)
	case KindCreditCardScanned:
		return decodeAs[CreditCardScanned](c, msg)
	case KindCreditCardPinEntered:
		return decodeAs[CreditCardPinEntered](c, msg)
	case KindExpressModeEnabled:
		return decodeAs[ExpressModeEnabled](c, msg)
	case KindExpressModeDisabled:
		return decodeAs[ExpressModeDisabled](c, msg)
	case KindRunningTotalChanged:
		return decodeAs[RunningTotalChanged](c, msg)
	case KindProductBarcodeNotValid:
		return decodeAs[ProductBarcodeNotValid](c, msg)
	case KindChangeAmountCalculated:
		return decodeAs[ChangeAmountCalculated](c, msg)
	case KindSaleSuccess:
		return decodeAs[SaleSuccess](c, msg)
	case KindInvalidCreditCard:
		return decodeAs[InvalidCreditCard](c, msg)
	case KindSaleRegistered:
		return decodeAs[SaleRegistered](c, msg)
	case KindAccountSale:
		return decodeAs[AccountSale](c, msg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Name)
	}
}

func decodeAs[T Event](c xpos.Codec, msg *xpos.Message) (Event, error) {
	v, err := xpos.DecodeCodec[T](c, msg)
	if err != nil {
		return nil, fmt.Errorf("event: decode %s: %w", msg.Name, err)
	}
	return v, nil
}
