package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrOutOfStock         = errors.New("out of stock")
	ErrStockLimitExceeded = errors.New("stock limit exceeded")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrNearExpiry         = errors.New("near expiry")
	ErrSaleNotFound       = errors.New("sale not found")
)

// ValidationError is a user-correctable rejection. Nothing was written.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func Invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// StockError reports a quantity rule violation for one catalog item.
type StockError struct {
	Kind      error
	ItemID    string
	ItemName  string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	switch e.Kind {
	case ErrOutOfStock:
		return fmt.Sprintf("%s is out of stock", e.ItemName)
	case ErrStockLimitExceeded:
		return fmt.Sprintf("cannot add more %s: only %d in stock", e.ItemName, e.Available)
	case ErrInsufficientStock:
		return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ItemName, e.Requested, e.Available)
	case ErrNearExpiry:
		return fmt.Sprintf("%s expires too soon to be sold", e.ItemName)
	}
	return fmt.Sprintf("stock rule violated for %s", e.ItemName)
}

func (e *StockError) Unwrap() error {
	return e.Kind
}

// PersistenceError is a store write failure. SaleRecorded tells whether the
// sale itself reached the store before the failing stage.
type PersistenceError struct {
	Stage        string
	SaleID       string
	SaleRecorded bool
	Cause        error
}

func (e *PersistenceError) Error() string {
	if e.SaleRecorded {
		return fmt.Sprintf("%s failed after sale %s was recorded: %v", e.Stage, e.SaleID, e.Cause)
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Cause)
}

func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

type OverpaymentError struct {
	Tendered    decimal.Decimal
	Outstanding decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("payment of %s exceeds the outstanding %s", e.Tendered.StringFixed(2), e.Outstanding.StringFixed(2))
}
