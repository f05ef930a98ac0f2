package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type SalesType string

const (
	SalesTypeRetail SalesType = "retail"
	SalesTypeB2B    SalesType = "b2b"
)

func (t SalesType) Valid() bool {
	return t == SalesTypeRetail || t == SalesTypeB2B
}

type PaymentStatus string

const (
	PaymentStatusPaid PaymentStatus = "paid"
	PaymentStatusLeft PaymentStatus = "left"
)

func (s PaymentStatus) Valid() bool {
	return s == PaymentStatusPaid || s == PaymentStatusLeft
}

// ValidPaymentType accepts any selected method label (cash, card, upi and so on).
func ValidPaymentType(t string) bool {
	t = strings.TrimSpace(t)
	return t != "" && len(t) <= 40
}

type Payment struct {
	Type       string          `json:"type"`
	Status     PaymentStatus   `json:"status"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
	AmountLeft decimal.Decimal `json:"amount_left"`
}

type SaleLine struct {
	MedicineID string          `json:"medicine_id"`
	Name       string          `json:"name"`
	Qty        int             `json:"qty"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

type PaymentNote struct {
	Text       string          `json:"text"`
	Timestamp  time.Time       `json:"timestamp"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
	UpdatedBy  string          `json:"updated_by"`
}

// Sale is the immutable record of a completed checkout. Only Payment and
// PaymentNotes change afterwards, through reconciliation.
type Sale struct {
	ID              string          `json:"id"`
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	SoldBy          string          `json:"sold_by"`
	SalesType       SalesType       `json:"sales_type"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	VATPercent      decimal.Decimal `json:"vat_percent"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	VATAmount       decimal.Decimal `json:"vat_amount"`
	SubTotal        decimal.Decimal `json:"sub_total"`
	GrandTotal      decimal.Decimal `json:"grand_total"`
	Payment         Payment         `json:"payment"`
	CustomerInfo    CustomerInfo    `json:"customer_info"`
	Items           []SaleLine      `json:"items"`
	PaymentNotes    []PaymentNote   `json:"payment_notes,omitempty"`
}

func (s Sale) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.Join(ErrInvalidRecord, errors.New("sale id is required"))
	}
	if !s.SalesType.Valid() {
		return errors.Join(ErrInvalidRecord, fmt.Errorf("unknown sales type %q", s.SalesType))
	}
	if s.CustomerInfo.Kind() != s.SalesType {
		return errors.Join(ErrInvalidRecord, errors.New("customer info does not match sales type"))
	}
	if len(s.Items) == 0 {
		return errors.Join(ErrInvalidRecord, errors.New("sale has no items"))
	}
	for _, item := range s.Items {
		if item.Qty < 1 {
			return errors.Join(ErrInvalidRecord, fmt.Errorf("item %s has quantity %d", item.MedicineID, item.Qty))
		}
	}
	if !s.Payment.Status.Valid() {
		return errors.Join(ErrInvalidRecord, fmt.Errorf("unknown payment status %q", s.Payment.Status))
	}
	return nil
}

type RetailCustomer struct {
	Name  string
	Phone string
}

// CustomerInfo holds exactly one of Retail or B2B.
type CustomerInfo struct {
	Retail *RetailCustomer
	B2B    *Counterparty
}

func RetailInfo(name string, phone string) CustomerInfo {
	return CustomerInfo{Retail: &RetailCustomer{Name: name, Phone: phone}}
}

func B2BInfo(c Counterparty) CustomerInfo {
	return CustomerInfo{B2B: &c}
}

func (c CustomerInfo) Kind() SalesType {
	switch {
	case c.Retail != nil && c.B2B == nil:
		return SalesTypeRetail
	case c.B2B != nil && c.Retail == nil:
		return SalesTypeB2B
	}
	return ""
}

func (c CustomerInfo) DisplayName() string {
	switch c.Kind() {
	case SalesTypeRetail:
		return c.Retail.Name
	case SalesTypeB2B:
		return c.B2B.PharmacyName
	}
	return ""
}

func (c CustomerInfo) Phone() string {
	switch c.Kind() {
	case SalesTypeRetail:
		return c.Retail.Phone
	case SalesTypeB2B:
		return c.B2B.Phone
	}
	return ""
}

type retailWire struct {
	Type  SalesType `json:"type"`
	Name  string    `json:"name"`
	Phone string    `json:"phone"`
}

type b2bWire struct {
	Type SalesType `json:"type"`
	Counterparty
}

func (c CustomerInfo) MarshalJSON() ([]byte, error) {
	switch c.Kind() {
	case SalesTypeRetail:
		return json.Marshal(retailWire{Type: SalesTypeRetail, Name: c.Retail.Name, Phone: c.Retail.Phone})
	case SalesTypeB2B:
		return json.Marshal(b2bWire{Type: SalesTypeB2B, Counterparty: *c.B2B})
	}
	return nil, errors.Join(ErrInvalidRecord, errors.New("customer info must hold exactly one variant"))
}

func (c *CustomerInfo) UnmarshalJSON(data []byte) error {
	var head struct {
		Type SalesType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	switch head.Type {
	case SalesTypeRetail:
		var w retailWire
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		if strings.TrimSpace(w.Name) == "" {
			return errors.Join(ErrInvalidRecord, errors.New("retail customer name is required"))
		}
		*c = RetailInfo(w.Name, w.Phone)
	case SalesTypeB2B:
		var w b2bWire
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		if strings.TrimSpace(w.PharmacyName) == "" {
			return errors.Join(ErrInvalidRecord, errors.New("b2b customer pharmacy name is required"))
		}
		*c = B2BInfo(w.Counterparty)
	default:
		return errors.Join(ErrInvalidRecord, fmt.Errorf("unknown customer type %q", head.Type))
	}
	return nil
}
