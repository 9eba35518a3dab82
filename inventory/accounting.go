package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xpos/dispatch"
	"github.com/trickstertwo/xpos/event"
)

// ErrBooking marks a failed sale booking. A booking runs in one transaction
// and skips sales that are already booked, so it can be repeated.
var ErrBooking = errors.New("inventory: booking failed")

// Retryable reports whether err is a booking failure worth repeating.
func Retryable(err error) bool {
	return errors.Is(err, ErrBooking) && !errors.Is(err, ErrProductNotFound)
}

// Accounting books completed sales announced on the store channel.
type Accounting struct {
	store  *Store
	name   string
	logger *xlog.Logger
}

var _ dispatch.Receiver = (*Accounting)(nil)

// NewAccounting returns the accounting receiver of store.
func NewAccounting(store *Store, logger *xlog.Logger) *Accounting {
	if logger == nil {
		logger = xlog.Default()
	}
	return &Accounting{store: store, name: fmt.Sprintf("accounting-%d", store.StoreID()), logger: logger}
}

func (a *Accounting) Name() string { return a.name }

func (a *Accounting) Accepts() []event.Kind {
	return []event.Kind{event.KindAccountSale}
}

func (a *Accounting) Handle(ctx context.Context, e event.Event, _ event.Publisher) error {
	switch ev := e.(type) {
	case event.AccountSale:
		return a.book(ctx, ev)
	default:
		return dispatch.Unhandled(a.name, e)
	}
}

func (a *Accounting) book(ctx context.Context, sale event.AccountSale) error {
	booked, err := a.store.BookSale(ctx, sale)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBooking, err)
	}
	if !booked {
		a.logger.Debug().Str("sale_id", sale.SaleID).Msg("sale already booked")
		return nil
	}
	a.logger.Info().
		Str("sale_id", sale.SaleID).
		Str("total", sale.Total.String()).
		Str("mode", string(sale.Mode)).
		Msg("sale booked")
	return nil
}
