package billing

import (
	"math"

	"github.com/shopspring/decimal"

	"pharmadesk/backend/internal/domain"
)

// Stock is the catalog view a cart validates against.
type Stock interface {
	Get(id string) (domain.CatalogItem, bool)
}

// Line is one cart entry. Name and UnitPrice are captured when the line is
// first added; Stock is the last-known catalog quantity.
type Line struct {
	ItemID    string          `json:"item_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Qty       int             `json:"qty"`
	Stock     int             `json:"stock"`
}

func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Qty)))
}

// Cart is the ordered line-item ledger of one billing session.
// It is not safe for concurrent use; the owning session serializes access.
type Cart struct {
	stock Stock
	shelf domain.ShelfLifePolicy
	lines []Line
}

func NewCart(stock Stock, shelf domain.ShelfLifePolicy) *Cart {
	return &Cart{stock: stock, shelf: shelf}
}

// Rebind points the cart at a refreshed catalog snapshot. Existing lines keep
// their quantities; their stock figures are updated.
func (c *Cart) Rebind(stock Stock) {
	c.stock = stock
	for i := range c.lines {
		if item, ok := stock.Get(c.lines[i].ItemID); ok {
			c.lines[i].Stock = item.Quantity
		}
	}
}

func (c *Cart) AddLine(itemID string, delta int) (Line, error) {
	if delta < 1 {
		return Line{}, Invalid("quantity to add must be at least 1")
	}
	item, ok := c.stock.Get(itemID)
	if !ok {
		return Line{}, Invalid("medicine %q is not in the catalog", itemID)
	}
	if !c.shelf.Sellable(item.Expiry) {
		return Line{}, &StockError{Kind: ErrNearExpiry, ItemID: itemID, ItemName: item.Name, Available: item.Quantity}
	}

	if idx := c.index(itemID); idx >= 0 {
		line := &c.lines[idx]
		// Compared without adding so a huge delta cannot wrap around.
		if delta > item.Quantity-line.Qty {
			requested := line.Qty + delta
			if requested < line.Qty {
				requested = math.MaxInt
			}
			return Line{}, &StockError{
				Kind:      ErrStockLimitExceeded,
				ItemID:    itemID,
				ItemName:  item.Name,
				Requested: requested,
				Available: item.Quantity,
			}
		}
		line.Qty += delta
		line.Stock = item.Quantity
		return *line, nil
	}

	if item.Quantity == 0 {
		return Line{}, &StockError{Kind: ErrOutOfStock, ItemID: itemID, ItemName: item.Name}
	}
	if delta > item.Quantity {
		return Line{}, &StockError{
			Kind:      ErrStockLimitExceeded,
			ItemID:    itemID,
			ItemName:  item.Name,
			Requested: delta,
			Available: item.Quantity,
		}
	}

	line := Line{
		ItemID:    item.ID,
		Name:      item.Name,
		UnitPrice: item.SellingPrice,
		Qty:       delta,
		Stock:     item.Quantity,
	}
	c.lines = append(c.lines, line)
	return line, nil
}

// SetLineQty clamps qty into [1, stock] and applies it. An absent line is a
// no-op and reports found=false.
func (c *Cart) SetLineQty(itemID string, qty int) (line Line, found bool, err error) {
	idx := c.index(itemID)
	if idx < 0 {
		return Line{}, false, nil
	}
	current := &c.lines[idx]
	stock := current.Stock
	if item, ok := c.stock.Get(itemID); ok {
		stock = item.Quantity
		current.Stock = stock
	}
	if stock < 1 {
		return *current, true, &StockError{Kind: ErrOutOfStock, ItemID: itemID, ItemName: current.Name}
	}

	if qty < 1 {
		qty = 1
	}
	if qty > stock {
		qty = stock
	}
	current.Qty = qty
	return *current, true, nil
}

func (c *Cart) RemoveLine(itemID string) bool {
	idx := c.index(itemID)
	if idx < 0 {
		return false
	}
	c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
	return true
}

func (c *Cart) Clear() {
	c.lines = nil
}

func (c *Cart) Lines() []Line {
	out := make([]Line, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) Len() int {
	return len(c.lines)
}

func (c *Cart) index(itemID string) int {
	for i := range c.lines {
		if c.lines[i].ItemID == itemID {
			return i
		}
	}
	return -1
}
