package service

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pharmadesk/backend/internal/billing"
	"pharmadesk/backend/internal/domain"
	"pharmadesk/backend/internal/xid"
)

var (
	retailNamePattern  = regexp.MustCompile(`^[A-Za-z\s]{1,200}$`)
	retailPhonePattern = regexp.MustCompile(`^\d{1,14}$`)
)

const commitTimeout = 15 * time.Second

// Submit validates the session's cart and form, records the sale together with
// its commit intent, then writes the decremented stock. A call made while another
// submission of the same session is in flight is dropped and returns (nil, nil).
//
// When the stock write fails the recorded sale is returned alongside a
// PersistenceError with SaleRecorded set; the commit intent stays open for repair.
func (s *Service) Submit(ctx context.Context, sessionID string) (*domain.Sale, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	if sess.checkout != CheckoutIdle {
		sess.mu.Unlock()
		s.logger.Info("sale submission dropped: already in progress", "session", sessionID)
		return nil, nil
	}
	sess.checkout = CheckoutValidating
	lines := sess.cart.Lines()
	form := sess.form
	sess.mu.Unlock()

	sale, err := s.buildSale(sess, lines, form, actor)
	if err != nil {
		sess.mu.Lock()
		sess.checkout = CheckoutIdle
		sess.lastRejection = err.Error()
		sess.mu.Unlock()
		return nil, err
	}

	s.setCheckout(sess, CheckoutPersisting)
	intent := domain.CommitIntent{
		SaleID:    sale.ID,
		Lines:     stockLines(sale.Items),
		CreatedAt: sale.CreatedAt,
	}
	created, err := s.repo.CreateSale(ctx, sale, intent)
	if err != nil {
		s.setCheckout(sess, CheckoutIdle)
		s.logger.Error("sale write failed", "session", sessionID, "sale", sale.ID, "error", err)
		return nil, &billing.PersistenceError{Stage: "record_sale", SaleID: sale.ID, Cause: err}
	}

	s.setCheckout(sess, CheckoutCommitting)
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	quantities := make(map[string]int, len(created.Items))
	for _, line := range created.Items {
		item, _ := sess.catalog.Get(line.MedicineID)
		quantities[line.MedicineID] = item.Quantity - line.Qty
	}
	sess.catalog.ApplyQuantities(quantities)

	if err := s.repo.ApplyStock(commitCtx, created.ID, quantities, s.now().UTC()); err != nil {
		if markErr := s.repo.FailCommit(commitCtx, created.ID, err.Error()); markErr != nil {
			s.logger.Warn("could not annotate open commit", "sale", created.ID, "error", markErr)
		}
		s.logger.Error("stock update failed after sale was recorded", "session", sessionID, "sale", created.ID, "error", err)

		sess.mu.Lock()
		sess.checkout = CheckoutIdle
		sess.lastSaleID = created.ID
		sess.lastCommitFail = err.Error()
		sess.mu.Unlock()
		return created, &billing.PersistenceError{Stage: "update_stock", SaleID: created.ID, SaleRecorded: true, Cause: err}
	}
	s.loader.Invalidate(commitCtx)

	sess.mu.Lock()
	sess.resetAfterSale(created.ID)
	sess.checkout = CheckoutIdle
	sess.mu.Unlock()

	s.logger.Info("sale completed",
		"session", sessionID,
		"sale", created.ID,
		"sold_by", created.SoldBy,
		"grand_total", created.GrandTotal.StringFixed(2),
		"payment_status", created.Payment.Status,
	)
	return created, nil
}

func (s *Service) setCheckout(sess *Session, state CheckoutState) {
	sess.mu.Lock()
	sess.checkout = state
	sess.mu.Unlock()
}

// buildSale applies the submission checks in their fixed order and assembles
// the sale record. The first failing check wins.
func (s *Service) buildSale(sess *Session, lines []billing.Line, form SaleForm, actor domain.Actor) (domain.Sale, error) {
	if !form.SalesType.Valid() {
		return domain.Sale{}, billing.Invalid("select retail or b2b first")
	}
	if len(lines) == 0 {
		return domain.Sale{}, billing.Invalid("no medicines added to the bill")
	}

	var customer domain.CustomerInfo
	switch form.SalesType {
	case domain.SalesTypeRetail:
		name := strings.TrimSpace(form.CustomerName)
		phone := strings.TrimSpace(form.CustomerPhone)
		if name == "" {
			return domain.Sale{}, billing.Invalid("enter the retail customer name")
		}
		if !retailNamePattern.MatchString(name) {
			return domain.Sale{}, billing.Invalid("customer name must be letters and spaces only, at most 200 characters")
		}
		if phone != "" && !retailPhonePattern.MatchString(phone) {
			return domain.Sale{}, billing.Invalid("customer phone must be digits only, at most 14")
		}
		if phone == "" {
			phone = "N/A"
		}
		customer = domain.RetailInfo(name, phone)
	case domain.SalesTypeB2B:
		name := strings.TrimSpace(form.PharmacyName)
		entry, matches := sess.directory.ResolveExact(name)
		if matches == 0 {
			return domain.Sale{}, billing.Invalid("select a registered B2B customer")
		}
		if matches > 1 {
			s.logger.Warn("pharmacy name is ambiguous, using first match", "pharmacy_name", name, "matches", matches, "counterparty", entry.ID)
		}
		customer = domain.B2BInfo(entry)
	}

	if !domain.ValidPaymentType(form.PaymentType) {
		return domain.Sale{}, billing.Invalid("select a payment type")
	}
	if !form.PaymentStatus.Valid() {
		return domain.Sale{}, billing.Invalid("select a payment status")
	}

	discountPercent := billing.ParsePercent(form.DiscountPercent)
	vatPercent := billing.ParsePercent(form.VATPercent)
	totals := billing.ComputeTotals(lines, discountPercent, vatPercent).Rounded()

	payment := domain.Payment{
		Type:       strings.TrimSpace(form.PaymentType),
		Status:     form.PaymentStatus,
		AmountPaid: totals.GrandTotal,
		AmountLeft: decimal.Zero,
	}
	if form.PaymentStatus == domain.PaymentStatusLeft {
		if strings.TrimSpace(form.AmountPaid) == "" {
			return domain.Sale{}, billing.Invalid("enter the amount paid")
		}
		paid, ok := billing.ParseAmount(form.AmountPaid)
		if !ok || paid.IsNegative() || paid.GreaterThan(totals.GrandTotal) {
			return domain.Sale{}, billing.Invalid("amount paid must be between 0 and the grand total")
		}
		paid = billing.Round(paid)
		payment.AmountPaid = paid
		payment.AmountLeft = billing.ComputeAmountLeft(totals.GrandTotal, paid)
	}

	items := make([]domain.SaleLine, 0, len(lines))
	for _, line := range lines {
		available := 0
		if item, ok := sess.catalog.Get(line.ItemID); ok {
			available = item.Quantity
		}
		if line.Qty < 1 {
			return domain.Sale{}, billing.Invalid("quantity for %s must be at least 1", line.Name)
		}
		if line.Qty > available {
			return domain.Sale{}, &billing.StockError{
				Kind:      billing.ErrInsufficientStock,
				ItemID:    line.ItemID,
				ItemName:  line.Name,
				Requested: line.Qty,
				Available: available,
			}
		}
		items = append(items, domain.SaleLine{
			MedicineID: line.ItemID,
			Name:       line.Name,
			Qty:        line.Qty,
			UnitPrice:  line.UnitPrice,
			TotalPrice: billing.Round(line.Total()),
		})
	}

	soldBy := actor.Username
	if soldBy == "" {
		soldBy = "unknown"
	}

	return domain.Sale{
		ID:              xid.New("sale"),
		CreatedAt:       s.now().UTC(),
		SoldBy:          soldBy,
		SalesType:       form.SalesType,
		DiscountPercent: discountPercent,
		VATPercent:      vatPercent,
		DiscountAmount:  totals.DiscountAmount,
		VATAmount:       totals.VATAmount,
		SubTotal:        totals.SubTotal,
		GrandTotal:      totals.GrandTotal,
		Payment:         payment,
		CustomerInfo:    customer,
		Items:           items,
	}, nil
}

func stockLines(items []domain.SaleLine) []domain.StockLine {
	out := make([]domain.StockLine, 0, len(items))
	for _, item := range items {
		out = append(out, domain.StockLine{MedicineID: item.MedicineID, Qty: item.Qty})
	}
	return out
}
