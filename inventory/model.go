package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is an article known to the enterprise.
type Product struct {
	ID            uint            `gorm:"primaryKey"`
	Barcode       int64           `gorm:"uniqueIndex;not null"`
	Name          string          `gorm:"size:128;not null"`
	PurchasePrice decimal.Decimal `gorm:"type:numeric(12,2);not null"`
}

// StockItem is the stock of one product in one store.
type StockItem struct {
	ID         uint            `gorm:"primaryKey"`
	StoreID    int             `gorm:"uniqueIndex:idx_stock_store_product;not null"`
	ProductID  uint            `gorm:"uniqueIndex:idx_stock_store_product;not null"`
	Product    Product         `gorm:"constraint:OnDelete:CASCADE"`
	SalesPrice decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Amount     int             `gorm:"not null"`
	MinStock   int             `gorm:"not null"`
}

// Sale is a booked sale. ID is the sale ID assigned by the desk.
type Sale struct {
	ID        string          `gorm:"primaryKey;size:36"`
	StoreID   int             `gorm:"index;not null"`
	DeskID    int             `gorm:"not null"`
	Mode      string          `gorm:"size:16;not null"`
	Total     decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	ItemCount int             `gorm:"not null"`
	CreatedAt time.Time
}

// Models lists every table of the package.
func Models() []any {
	return []any{&Product{}, &StockItem{}, &Sale{}}
}
