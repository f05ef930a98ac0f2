package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pharmadesk/backend/internal/billing"
	"pharmadesk/backend/internal/domain"
	"pharmadesk/backend/internal/store"
)

// paymentTolerance absorbs rounding drift when comparing tendered amounts.
var paymentTolerance = decimal.RequireFromString("0.01")

type PaymentRequest struct {
	Amount string `json:"amount"`
	Note   string `json:"note"`
}

// OpenForPayment loads a sale for settlement. A sale that is not visible yet
// gets one re-fetch after the configured delay.
func (s *Service) OpenForPayment(ctx context.Context, sessionID string, saleID string) (domain.Sale, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.Sale{}, err
	}

	sess.mu.Lock()
	submitting := sess.payment.state == PaymentSubmitting
	sess.mu.Unlock()
	if submitting {
		return domain.Sale{}, billing.Invalid("a payment is already being submitted")
	}

	sale, err := s.repo.GetSale(ctx, saleID)
	if errors.Is(err, store.ErrNotFound) {
		if err := sleep(ctx, s.retryDelay); err != nil {
			return domain.Sale{}, err
		}
		sale, err = s.repo.GetSale(ctx, saleID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return domain.Sale{}, billing.ErrSaleNotFound
	}
	if err != nil {
		return domain.Sale{}, err
	}

	sess.mu.Lock()
	sess.payment = paymentDesk{state: PaymentOpen, saleID: sale.ID, outstanding: sale.Payment.AmountLeft}
	sess.mu.Unlock()
	return *sale, nil
}

// ApplyPayment settles part or all of the opened sale's outstanding amount.
// It re-reads the sale and writes the whole record back under a version check.
func (s *Service) ApplyPayment(ctx context.Context, sessionID string, req PaymentRequest) (domain.Sale, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Sale{}, err
	}
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.Sale{}, err
	}

	sess.mu.Lock()
	if sess.payment.state != PaymentOpen {
		sess.mu.Unlock()
		return domain.Sale{}, billing.Invalid("open a sale for payment first")
	}
	saleID := sess.payment.saleID
	sess.payment.state = PaymentSubmitting
	sess.mu.Unlock()

	updated, err := s.settle(ctx, saleID, req, actor)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err != nil {
		sess.payment.state = PaymentOpen
		return domain.Sale{}, err
	}
	sess.payment = paymentDesk{state: PaymentClosed}
	return updated, nil
}

func (s *Service) CancelPayment(ctx context.Context, sessionID string) error {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.payment.state == PaymentSubmitting {
		return billing.Invalid("a payment is being submitted")
	}
	sess.payment = paymentDesk{state: PaymentClosed}
	return nil
}

func (s *Service) settle(ctx context.Context, saleID string, req PaymentRequest, actor domain.Actor) (domain.Sale, error) {
	amount, ok := billing.ParseAmount(req.Amount)
	if !ok || !amount.IsPositive() {
		return domain.Sale{}, billing.Invalid("enter a valid amount to pay")
	}

	fresh, err := s.repo.GetSale(ctx, saleID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Sale{}, billing.ErrSaleNotFound
	}
	if err != nil {
		return domain.Sale{}, err
	}

	next, err := applyTender(*fresh, amount, req.Note, actor.Username, s.now().UTC())
	if err != nil {
		return domain.Sale{}, err
	}

	saved, err := s.repo.ReplaceSale(ctx, next, fresh.Version)
	if err != nil {
		s.logger.Error("payment write failed", "sale", saleID, "error", err)
		return domain.Sale{}, &billing.PersistenceError{Stage: "update_payment", SaleID: saleID, SaleRecorded: true, Cause: err}
	}

	s.logger.Info("payment applied",
		"sale", saleID,
		"amount", amount.StringFixed(2),
		"amount_left", saved.Payment.AmountLeft.StringFixed(2),
		"status", saved.Payment.Status,
		"user", actor.Username,
	)
	return *saved, nil
}

// applyTender computes the settled payment for sale without touching the store.
func applyTender(sale domain.Sale, amount decimal.Decimal, note string, updatedBy string, at time.Time) (domain.Sale, error) {
	newPaid := sale.Payment.AmountPaid.Add(amount)
	newLeft := sale.Payment.AmountLeft.Sub(amount)

	if newPaid.GreaterThan(sale.GrandTotal.Add(paymentTolerance)) || newLeft.LessThan(paymentTolerance.Neg()) {
		return domain.Sale{}, &billing.OverpaymentError{Tendered: amount, Outstanding: sale.Payment.AmountLeft}
	}

	sale.Payment.AmountPaid = billing.Round(newPaid)
	if newLeft.LessThan(paymentTolerance) {
		sale.Payment.AmountLeft = decimal.Zero
		sale.Payment.Status = domain.PaymentStatusPaid
	} else {
		sale.Payment.AmountLeft = billing.Round(newLeft)
		sale.Payment.Status = domain.PaymentStatusLeft
	}

	if text := strings.TrimSpace(note); text != "" {
		sale.PaymentNotes = append(slices.Clone(sale.PaymentNotes), domain.PaymentNote{
			Text:       text,
			Timestamp:  at,
			PaidAmount: amount,
			UpdatedBy:  updatedBy,
		})
	}
	return sale, nil
}

type PendingFilter struct {
	Search       string
	CustomerType domain.SalesType
	MinLeft      *decimal.Decimal
	MaxLeft      *decimal.Decimal
	Dates        DateRange
}

type PendingPayments struct {
	Sales         []domain.Sale   `json:"sales"`
	UnpaidTotal   decimal.Decimal `json:"unpaid_total"`
	CustomerCount int             `json:"customer_count"`
}

// PendingPayments lists sales with an outstanding balance.
func (s *Service) PendingPayments(ctx context.Context, filter PendingFilter) (PendingPayments, error) {
	if _, err := requireActor(ctx); err != nil {
		return PendingPayments{}, err
	}
	sales, err := s.repo.ListSales(ctx)
	if err != nil {
		return PendingPayments{}, err
	}

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	out := PendingPayments{Sales: []domain.Sale{}, UnpaidTotal: decimal.Zero}
	customers := map[string]struct{}{}
	for _, sale := range sales {
		left := sale.Payment.AmountLeft
		if !left.IsPositive() {
			continue
		}
		if search != "" && !containsAny(search, sale.CustomerInfo.DisplayName(), sale.CustomerInfo.Phone(), sale.ID) {
			continue
		}
		if filter.CustomerType != "" && sale.CustomerInfo.Kind() != filter.CustomerType {
			continue
		}
		if filter.MinLeft != nil && left.LessThan(*filter.MinLeft) {
			continue
		}
		if filter.MaxLeft != nil && left.GreaterThan(*filter.MaxLeft) {
			continue
		}
		if !filter.Dates.Contains(sale.CreatedAt) {
			continue
		}

		out.Sales = append(out.Sales, sale)
		out.UnpaidTotal = out.UnpaidTotal.Add(left)
		customers[sale.CustomerInfo.DisplayName()] = struct{}{}
	}
	out.CustomerCount = len(customers)
	return out, nil
}

func containsAny(needle string, fields ...string) bool {
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}
