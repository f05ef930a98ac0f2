package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

var ErrInvalidRecord = errors.New("invalid record")

// CatalogItem is one sellable medicine batch as kept in the store.
type CatalogItem struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Batch        string          `json:"batch"`
	Quantity     int             `json:"quantity"`
	Expiry       time.Time       `json:"expiry"`
	Manufacturer string          `json:"manufacturer,omitempty"`
	BuyingPrice  decimal.Decimal `json:"buying_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	Category     string          `json:"category,omitempty"`
	SupplierID   string          `json:"supplier_id,omitempty"`
	Description  string          `json:"description,omitempty"`
	Rack         string          `json:"rack,omitempty"`
	DateAdded    time.Time       `json:"date_added"`
}

func (c CatalogItem) Validate() error {
	switch {
	case strings.TrimSpace(c.ID) == "":
		return errors.Join(ErrInvalidRecord, errors.New("catalog item id is required"))
	case strings.TrimSpace(c.Name) == "":
		return errors.Join(ErrInvalidRecord, errors.New("catalog item name is required"))
	case c.Quantity < 0:
		return errors.Join(ErrInvalidRecord, errors.New("catalog item quantity is negative"))
	case c.SellingPrice.IsNegative():
		return errors.Join(ErrInvalidRecord, errors.New("catalog item selling price is negative"))
	case c.Expiry.IsZero():
		return errors.Join(ErrInvalidRecord, errors.New("catalog item expiry is required"))
	}
	return nil
}

// Counterparty is a B2B customer pharmacy.
type Counterparty struct {
	ID                 string `json:"id"`
	PharmacyName       string `json:"pharmacy_name"`
	OwnerName          string `json:"owner_name,omitempty"`
	Phone              string `json:"phone,omitempty"`
	Address            string `json:"address,omitempty"`
	Email              string `json:"email,omitempty"`
	RegistrationNumber string `json:"registration_number,omitempty"`
}

type StockLine struct {
	MedicineID string `json:"medicine_id"`
	Qty        int    `json:"qty"`
}

// CommitIntent records that a sale was written and its stock decrement is still owed.
type CommitIntent struct {
	SaleID      string      `json:"sale_id"`
	Lines       []StockLine `json:"lines"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
}

func (c CommitIntent) Open() bool {
	return c.CompletedAt == nil
}

type StockAlerts struct {
	Expired    []CatalogItem `json:"expired"`
	NearExpiry []CatalogItem `json:"near_expiry"`
	LowStock   []CatalogItem `json:"low_stock"`
	Finished   []CatalogItem `json:"finished"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// User is the public view of an account.
type User struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
