package billing

import (
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type Totals struct {
	SubTotal       decimal.Decimal `json:"sub_total"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	VATAmount      decimal.Decimal `json:"vat_amount"`
	GrandTotal     decimal.Decimal `json:"grand_total"`
}

// ComputeTotals applies the discount to the subtotal and VAT to the discounted amount.
// The result is exact; call Rounded before persisting or rendering.
func ComputeTotals(lines []Line, discountPercent decimal.Decimal, vatPercent decimal.Decimal) Totals {
	sub := decimal.Zero
	for _, line := range lines {
		sub = sub.Add(line.Total())
	}
	discount := sub.Mul(discountPercent).Div(hundred)
	vat := sub.Sub(discount).Mul(vatPercent).Div(hundred)
	return Totals{
		SubTotal:       sub,
		DiscountAmount: discount,
		VATAmount:      vat,
		GrandTotal:     sub.Sub(discount).Add(vat),
	}
}

func (t Totals) Rounded() Totals {
	return Totals{
		SubTotal:       Round(t.SubTotal),
		DiscountAmount: Round(t.DiscountAmount),
		VATAmount:      Round(t.VATAmount),
		GrandTotal:     Round(t.GrandTotal),
	}
}

// ComputeAmountLeft is the unpaid remainder, floored at zero.
func ComputeAmountLeft(grandTotal decimal.Decimal, amountPaid decimal.Decimal) decimal.Decimal {
	left := grandTotal.Sub(amountPaid)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// ParsePercent reads a percentage field. Empty or unparsable input is zero.
func ParsePercent(raw string) decimal.Decimal {
	d, ok := ParseAmount(raw)
	if !ok {
		return decimal.Zero
	}
	return d
}

func ParseAmount(raw string) (decimal.Decimal, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}
