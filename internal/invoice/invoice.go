package invoice

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pharmadesk/backend/internal/billing"
	"pharmadesk/backend/internal/domain"
)

//go:embed templates/invoice.html
var templateFS embed.FS

const DefaultCurrency = "Rs"

// Header identifies the issuing pharmacy on printed invoices.
type Header struct {
	Name               string
	Owner              string
	Address            string
	Phone              string
	Email              string
	RegistrationNumber string
	Hours              string
}

var invoiceTemplate = template.Must(template.New("invoice.html").Funcs(template.FuncMap{
	"money": func(d decimal.Decimal) string { return billing.FormatAmount(d) },
	"date":  func(t time.Time) string { return t.Format("January 2, 2006") },
	"clock": func(t time.Time) string { return t.Format("03:04 PM") },
	"upper": strings.ToUpper,
	"inc":   func(i int) int { return i + 1 },
	"orNA": func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "N/A"
		}
		return s
	},
}).ParseFS(templateFS, "templates/invoice.html"))

type Renderer struct {
	header   Header
	currency string
	location *time.Location
}

func NewRenderer(header Header, loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.Local
	}
	return &Renderer{header: header, currency: DefaultCurrency, location: loc}
}

// Render writes the printable tax invoice for sale. Only stored sale fields
// are used, so a reprint always matches the original.
func (r *Renderer) Render(w io.Writer, sale domain.Sale) error {
	sale.CreatedAt = sale.CreatedAt.In(r.location)
	data := struct {
		Header   Header
		Sale     domain.Sale
		Currency string
	}{Header: r.header, Sale: sale, Currency: r.currency}

	if err := invoiceTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("render invoice %s: %w", sale.ID, err)
	}
	return nil
}
