// Package inventory keeps products, stock and booked sales of one store.
// Every operation runs through persist, one transaction each.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
	"github.com/trickstertwo/xclock"
	"gorm.io/gorm"

	"github.com/trickstertwo/xpos/event"
	"github.com/trickstertwo/xpos/persist"
)

// ErrProductNotFound is returned when a barcode is unknown or not stocked in
// the store.
var ErrProductNotFound = errors.New("inventory: product not found")

// SeedItem describes one product and its stock for Seed.
type SeedItem struct {
	Barcode       int64           `yaml:"barcode"`
	Name          string          `yaml:"name"`
	PurchasePrice decimal.Decimal `yaml:"purchase_price"`
	SalesPrice    decimal.Decimal `yaml:"sales_price"`
	Amount        int             `yaml:"amount"`
	MinStock      int             `yaml:"min_stock"`
}

// StockedProduct is a product as sold in the store.
type StockedProduct struct {
	Barcode    int64           `json:"barcode"`
	Name       string          `json:"name"`
	SalesPrice decimal.Decimal `json:"sales_price"`
	Amount     int             `json:"amount"`
	MinStock   int             `json:"min_stock"`
}

// Store is the inventory of one store.
type Store struct {
	f       persist.Factory
	storeID int
	clock   xclock.Clock
}

// Option configures a Store.
type Option func(*Store)

func WithClock(c xclock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewStore returns the inventory of storeID backed by f.
func NewStore(f persist.Factory, storeID int, opts ...Option) *Store {
	s := &Store{f: f, storeID: storeID, clock: xclock.Default()}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// StoreID returns the store this inventory belongs to.
func (s *Store) StoreID() int { return s.storeID }

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	return persist.Do(ctx, s.f, func(pc persist.Context) error {
		return pc.Query().AutoMigrate(Models()...)
	})
}

// Seed creates missing products and sets the store's stock for each item.
func (s *Store) Seed(ctx context.Context, items []SeedItem) error {
	return persist.Do(ctx, s.f, func(pc persist.Context) error {
		for _, it := range items {
			p := Product{Barcode: it.Barcode}
			if err := pc.Query().
				Where(Product{Barcode: it.Barcode}).
				Attrs(Product{Name: it.Name, PurchasePrice: it.PurchasePrice}).
				FirstOrCreate(&p).Error; err != nil {
				return fmt.Errorf("seed product %d: %w", it.Barcode, err)
			}

			var stock StockItem
			err := pc.Query().Where("store_id = ? AND product_id = ?", s.storeID, p.ID).Take(&stock).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				stock = StockItem{
					StoreID:    s.storeID,
					ProductID:  p.ID,
					SalesPrice: it.SalesPrice,
					Amount:     it.Amount,
					MinStock:   it.MinStock,
				}
				if err := pc.Persist(&stock); err != nil {
					return fmt.Errorf("seed stock %d: %w", it.Barcode, err)
				}
			case err != nil:
				return fmt.Errorf("seed stock %d: %w", it.Barcode, err)
			default:
				if err := pc.Query().Model(&stock).Updates(map[string]any{
					"sales_price": it.SalesPrice,
					"amount":      it.Amount,
					"min_stock":   it.MinStock,
				}).Error; err != nil {
					return fmt.Errorf("seed stock %d: %w", it.Barcode, err)
				}
			}
		}
		return nil
	})
}

// ProductByBarcode looks up a product stocked in the store.
func (s *Store) ProductByBarcode(ctx context.Context, barcode int64) (StockedProduct, error) {
	return persist.Run(ctx, s.f, func(pc persist.Context) (StockedProduct, error) {
		var stock StockItem
		err := pc.Query().
			Joins("Product").
			Where(`stock_items.store_id = ? AND "Product".barcode = ?`, s.storeID, barcode).
			Take(&stock).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return StockedProduct{}, fmt.Errorf("%w: %d", ErrProductNotFound, barcode)
		}
		if err != nil {
			return StockedProduct{}, err
		}
		return stocked(stock), nil
	})
}

// BookSale records sale and takes its items out of stock. Booking a sale ID
// that is already booked does nothing and reports false.
func (s *Store) BookSale(ctx context.Context, sale event.AccountSale) (bool, error) {
	return persist.Run(ctx, s.f, func(pc persist.Context) (bool, error) {
		var n int64
		if err := pc.Query().Model(&Sale{}).Where("id = ?", sale.SaleID).Count(&n).Error; err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}

		if err := pc.Persist(&Sale{
			ID:        sale.SaleID,
			StoreID:   s.storeID,
			DeskID:    sale.DeskID,
			Mode:      string(sale.Mode),
			Total:     sale.Total,
			ItemCount: len(sale.Barcodes),
			CreatedAt: s.clock.Now(),
		}); err != nil {
			return false, fmt.Errorf("book sale %s: %w", sale.SaleID, err)
		}

		counts := make(map[int64]int, len(sale.Barcodes))
		for _, b := range sale.Barcodes {
			counts[b]++
		}
		barcodes := make([]int64, 0, len(counts))
		for b := range counts {
			barcodes = append(barcodes, b)
		}
		slices.Sort(barcodes)

		for _, b := range barcodes {
			res := pc.Query().Model(&StockItem{}).
				Where("store_id = ? AND product_id = (?)", s.storeID,
					pc.Query().Model(&Product{}).Select("id").Where("barcode = ?", b)).
				UpdateColumn("amount", gorm.Expr("amount - ?", counts[b]))
			if res.Error != nil {
				return false, fmt.Errorf("book sale %s: %w", sale.SaleID, res.Error)
			}
			if res.RowsAffected == 0 {
				return false, fmt.Errorf("book sale %s: %w: %d", sale.SaleID, ErrProductNotFound, b)
			}
		}
		return true, nil
	})
}

// Sale returns a booked sale.
func (s *Store) Sale(ctx context.Context, id string) (Sale, error) {
	return persist.Run(ctx, s.f, func(pc persist.Context) (Sale, error) {
		sale := Sale{ID: id}
		if err := pc.Refresh(&sale); err != nil {
			return Sale{}, err
		}
		return sale, nil
	})
}

// LowStock lists the products whose amount fell below their minimum.
func (s *Store) LowStock(ctx context.Context) ([]StockedProduct, error) {
	return persist.Run(ctx, s.f, func(pc persist.Context) ([]StockedProduct, error) {
		var items []StockItem
		if err := pc.Query().
			Joins("Product").
			Where("stock_items.store_id = ? AND stock_items.amount < stock_items.min_stock", s.storeID).
			Order(`"Product".barcode`).
			Find(&items).Error; err != nil {
			return nil, err
		}
		out := make([]StockedProduct, 0, len(items))
		for _, it := range items {
			out = append(out, stocked(it))
		}
		return out, nil
	})
}

func stocked(s StockItem) StockedProduct {
	return StockedProduct{
		Barcode:    s.Product.Barcode,
		Name:       s.Product.Name,
		SalesPrice: s.SalesPrice,
		Amount:     s.Amount,
		MinStock:   s.MinStock,
	}
}
