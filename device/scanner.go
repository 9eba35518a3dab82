package device

import (
	"context"

	"github.com/trickstertwo/xpos/event"
)

// Scanner is the barcode scanner. It has no state of its own.
type Scanner struct {
	id  Ident
	out event.Publisher
}

func NewScanner(id Ident, out event.Publisher) *Scanner {
	return &Scanner{id: id, out: out}
}

// Scan reports a scanned barcode to the desk.
func (s *Scanner) Scan(ctx context.Context, barcode int64) error {
	return s.out.Publish(ctx, s.id.deskTopic(), event.ProductBarcodeScanned{Barcode: barcode})
}
