package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmadesk/backend/internal/billing"
	"pharmadesk/backend/internal/catalog"
	"pharmadesk/backend/internal/domain"
	"pharmadesk/backend/internal/store"
	"pharmadesk/backend/internal/store/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func counterCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "counter", Role: domain.RoleUser})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func newTestStore() *memory.Store {
	repo := memory.New()
	expires := func(days int) time.Time { return time.Now().UTC().AddDate(0, 0, days) }
	for _, item := range []domain.CatalogItem{
		{ID: "med-a", Name: "Paracetamol 500mg", Quantity: 50, Expiry: expires(400), BuyingPrice: dec("60"), SellingPrice: dec("100")},
		{ID: "med-b", Name: "Amoxicillin 250mg", Quantity: 5, Expiry: expires(200), BuyingPrice: dec("30"), SellingPrice: dec("50")},
		{ID: "med-near", Name: "Cough Syrup", Quantity: 20, Expiry: expires(5), BuyingPrice: dec("10"), SellingPrice: dec("20")},
	} {
		repo.PutCatalogItem(item)
	}
	repo.PutCounterparty(domain.Counterparty{ID: "pharm-001", PharmacyName: "City Care Pharmacy", OwnerName: "Ravi Kumar", Phone: "9876543210"})
	return repo
}

func newTestService(repo store.Repository) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loader := catalog.NewLoader(repo, nil, 0, domain.NewShelfLifePolicy(domain.DefaultMinShelfDays), logger)
	return New(repo, loader, Options{RetryDelay: 10 * time.Millisecond, Logger: logger})
}

// openRetailSale fills a session with 2 x med-a, 10% discount and 5% VAT,
// which totals 200 / 20 / 9 / 189.
func openRetailSale(t *testing.T, svc *Service, ctx context.Context, status domain.PaymentStatus, paid string) string {
	t.Helper()
	view, err := svc.OpenSession(ctx)
	require.NoError(t, err)
	_, err = svc.AddLine(ctx, view.ID, "med-a", 2)
	require.NoError(t, err)
	_, err = svc.UpdateForm(ctx, view.ID, SaleForm{
		SalesType:       domain.SalesTypeRetail,
		CustomerName:    "Anita Rao",
		CustomerPhone:   "9000000001",
		DiscountPercent: "10",
		VATPercent:      "5",
		PaymentType:     "cash",
		PaymentStatus:   status,
		AmountPaid:      paid,
	})
	require.NoError(t, err)
	return view.ID
}

func stockOf(t *testing.T, repo store.CatalogStore, id string) int {
	t.Helper()
	items, err := repo.GetCatalogItems(context.Background(), []string{id})
	require.NoError(t, err)
	return items[id].Quantity
}

func TestSubmitRecordsSaleAndDecrementsStock(t *testing.T) {
	repo := newTestStore()
	svc := newTestService(repo)
	ctx := counterCtx()

	sid := openRetailSale(t, svc, ctx, domain.PaymentStatusPaid, "")
	sale, err := svc.Submit(ctx, sid)
	require.NoError(t, err)
	require.NotNil(t, sale)

	assert.True(t, sale.SubTotal.Equal(dec("200")))
	assert.True(t, sale.DiscountAmount.Equal(dec("20")))
	assert.True(t, sale.VATAmount.Equal(dec("9")))
	assert.True(t, sale.GrandTotal.Equal(dec("189")))
	assert.True(t, sale.Payment.AmountPaid.Equal(dec("189")))
	assert.True(t, sale.Payment.AmountLeft.IsZero())
	assert.Equal(t, "counter", sale.SoldBy)
	assert.Equal(t, "Anita Rao", sale.CustomerInfo.DisplayName())
	assert.Equal(t, 48, stockOf(t, repo, "med-a"))

	commit, err := repo.GetCommit(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.False(t, commit.Open())

	view, err := svc.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, view.Lines)
	assert.Equal(t, sale.ID, view.LastSaleID)
	assert.Equal(t, "0", view.Form.DiscountPercent)
	assert.Equal(t, CheckoutIdle, view.Checkout)
}

func TestSubmitPartialPaymentComputesAmountLeft(t *testing.T) {
	svc := newTestService(newTestStore())
	ctx := counterCtx()

	sid := openRetailSale(t, svc, ctx, domain.PaymentStatusLeft, "100")
	view, err := svc.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.True(t, view.AmountLeft.Equal(dec("89")))

	sale, err := svc.Submit(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusLeft, sale.Payment.Status)
	assert.True(t, sale.Payment.AmountPaid.Equal(dec("100")))
	assert.True(t, sale.Payment.AmountLeft.Equal(dec("89")))
}

func TestSubmitValidationOrder(t *testing.T) {
	tests := []struct {
		name   string
		add    bool
		form   SaleForm
		reason string
	}{
		{
			name:   "sales type before empty cart",
			form:   SaleForm{},
			reason: "select retail or b2b first",
		},
		{
			name:   "empty cart",
			form:   SaleForm{SalesType: domain.SalesTypeRetail},
			reason: "no medicines added to the bill",
		},
		{
			name:   "retail name required",
			add:    true,
			form:   SaleForm{SalesType: domain.SalesTypeRetail},
			reason: "enter the retail customer name",
		},
		{
			name:   "retail name letters only",
			add:    true,
			form:   SaleForm{SalesType: domain.SalesTypeRetail, CustomerName: "R2D2"},
			reason: "customer name must be letters and spaces only, at most 200 characters",
		},
		{
			name:   "retail phone digits only",
			add:    true,
			form:   SaleForm{SalesType: domain.SalesTypeRetail, CustomerName: "Anita", CustomerPhone: "+91 900"},
			reason: "customer phone must be digits only, at most 14",
		},
		{
			name:   "unregistered pharmacy",
			add:    true,
			form:   SaleForm{SalesType: domain.SalesTypeB2B, PharmacyName: "Unknown Chemist"},
			reason: "select a registered B2B customer",
		},
		{
			name:   "payment type",
			add:    true,
			form:   SaleForm{SalesType: domain.SalesTypeB2B, PharmacyName: "City Care Pharmacy"},
			reason: "select a payment type",
		},
		{
			name:   "payment status",
			add:    true,
			form:   SaleForm{SalesType: domain.SalesTypeRetail, CustomerName: "Anita", PaymentType: "upi"},
			reason: "select a payment status",
		},
		{
			name:   "amount paid required when left",
			add:    true,
			form:   SaleForm{SalesType: domain.SalesTypeRetail, CustomerName: "Anita", PaymentType: "upi", PaymentStatus: domain.PaymentStatusLeft},
			reason: "enter the amount paid",
		},
		{
			name:   "amount paid above grand total",
			add:    true,
			form:   SaleForm{SalesType: domain.SalesTypeRetail, CustomerName: "Anita", PaymentType: "upi", PaymentStatus: domain.PaymentStatusLeft, AmountPaid: "500"},
			reason: "amount paid must be between 0 and the grand total",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := newTestStore()
			svc := newTestService(repo)
			ctx := counterCtx()

			view, err := svc.OpenSession(ctx)
			require.NoError(t, err)
			if tc.add {
				_, err = svc.AddLine(ctx, view.ID, "med-a", 1)
				require.NoError(t, err)
			}
			_, err = svc.UpdateForm(ctx, view.ID, tc.form)
			require.NoError(t, err)

			sale, err := svc.Submit(ctx, view.ID)
			require.Nil(t, sale)
			var verr *billing.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.reason, verr.Reason)

			sales, err := repo.ListSales(context.Background())
			require.NoError(t, err)
			assert.Empty(t, sales)
			assert.Equal(t, 50, stockOf(t, repo, "med-a"))

			after, err := svc.GetSession(ctx, view.ID)
			require.NoError(t, err)
			assert.Equal(t, CheckoutIdle, after.Checkout)
			assert.Equal(t, tc.reason, after.LastRejection)
		})
	}
}

func TestSubmitB2BSnapshotsCounterparty(t *testing.T) {
	svc := newTestService(newTestStore())
	ctx := counterCtx()

	view, err := svc.OpenSession(ctx)
	require.NoError(t, err)
	_, err = svc.AddLine(ctx, view.ID, "med-b", 1)
	require.NoError(t, err)
	_, err = svc.UpdateForm(ctx, view.ID, SaleForm{
		SalesType:     domain.SalesTypeB2B,
		PharmacyName:  "City Care Pharmacy",
		PaymentType:   "bank transfer",
		PaymentStatus: domain.PaymentStatusPaid,
	})
	require.NoError(t, err)

	sale, err := svc.Submit(ctx, view.ID)
	require.NoError(t, err)
	require.NotNil(t, sale.CustomerInfo.B2B)
	assert.Equal(t, "pharm-001", sale.CustomerInfo.B2B.ID)
	assert.Equal(t, "Ravi Kumar", sale.CustomerInfo.B2B.OwnerName)
}

func TestSubmitRetailPhoneDefaultsToNA(t *testing.T) {
	svc := newTestService(newTestStore())
	ctx := counterCtx()

	sid := openRetailSale(t, svc, ctx, domain.PaymentStatusPaid, "")
	view, err := svc.GetSession(ctx, sid)
	require.NoError(t, err)
	form := view.Form
	form.CustomerPhone = ""
	_, err = svc.UpdateForm(ctx, sid, form)
	require.NoError(t, err)

	sale, err := svc.Submit(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, "N/A", sale.CustomerInfo.Phone())
}

func TestSubmitRejectsLineAboveSnapshotStock(t *testing.T) {
	repo := newTestStore()
	svc := newTestService(repo)
	ctx := counterCtx()

	sid := openRetailSale(t, svc, ctx, domain.PaymentStatusPaid, "")
	sess, ok := svc.sessions.get(sid, time.Now())
	require.True(t, ok)
	sess.catalog.ApplyQuantities(map[string]int{"med-a": 1})

	_, err := svc.Submit(ctx, sid)
	require.ErrorIs(t, err, billing.ErrInsufficientStock)
	assert.Equal(t, 50, stockOf(t, repo, "med-a"))
}

func TestHugeAddCannotProduceNegativeSale(t *testing.T) {
	repo := newTestStore()
	svc := newTestService(repo)
	ctx := counterCtx()

	view, err := svc.OpenSession(ctx)
	require.NoError(t, err)
	_, err = svc.AddLine(ctx, view.ID, "med-b", 1)
	require.NoError(t, err)
	_, err = svc.AddLine(ctx, view.ID, "med-b", math.MaxInt)
	require.ErrorIs(t, err, billing.ErrStockLimitExceeded)

	_, err = svc.UpdateForm(ctx, view.ID, SaleForm{
		SalesType:     domain.SalesTypeRetail,
		CustomerName:  "Anita Rao",
		PaymentType:   "cash",
		PaymentStatus: domain.PaymentStatusPaid,
	})
	require.NoError(t, err)
	sale, err := svc.Submit(ctx, view.ID)
	require.NoError(t, err)
	require.Len(t, sale.Items, 1)
	assert.Equal(t, 1, sale.Items[0].Qty)
	assert.True(t, sale.GrandTotal.Equal(dec("50")))
	assert.Equal(t, 4, stockOf(t, repo, "med-b"))
}

func TestSubmitWhileInFlightIsDropped(t *testing.T) {
	repo := newTestStore()
	svc := newTestService(repo)
	ctx := counterCtx()

	sid := openRetailSale(t, svc, ctx, domain.PaymentStatusPaid, "")
	sess, ok := svc.sessions.get(sid, time.Now())
	require.True(t, ok)
	svc.setCheckout(sess, CheckoutPersisting)

	sale, err := svc.Submit(ctx, sid)
	assert.NoError(t, err)
	assert.Nil(t, sale)

	sales, err := repo.ListSales(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sales)

	_, err = svc.AddLine(ctx, sid, "med-b", 1)
	var verr *billing.ValidationError
	assert.ErrorAs(t, err, &verr)
}

type failingStockRepo struct {
	*memory.Store
	err error
}

func (r *failingStockRepo) ApplyStock(ctx context.Context, saleID string, quantities map[string]int, at time.Time) error {
	if r.err != nil {
		return r.err
	}
	return r.Store.ApplyStock(ctx, saleID, quantities, at)
}

func TestSubmitStockFailureLeavesRepairableCommit(t *testing.T) {
	base := newTestStore()
	repo := &failingStockRepo{Store: base, err: errors.New("connection reset")}
	svc := newTestService(repo)
	ctx := counterCtx()

	sid := openRetailSale(t, svc, ctx, domain.PaymentStatusPaid, "")
	sale, err := svc.Submit(ctx, sid)
	require.NotNil(t, sale)

	var perr *billing.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "update_stock", perr.Stage)
	assert.True(t, perr.SaleRecorded)
	assert.Equal(t, sale.ID, perr.SaleID)

	stored, err := base.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.True(t, stored.GrandTotal.Equal(dec("189")))
	assert.Equal(t, 50, stockOf(t, base, "med-a"))

	view, err := svc.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Len(t, view.Lines, 1)
	assert.Equal(t, "connection reset", view.LastCommitError)

	_, err = svc.ListOpenCommits(ctx)
	require.ErrorIs(t, err, ErrForbidden)

	open, err := svc.ListOpenCommits(adminCtx())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, sale.ID, open[0].SaleID)
	assert.Equal(t, "connection reset", open[0].LastError)

	repo.err = nil
	repaired, err := svc.RepairCommit(adminCtx(), sale.ID)
	require.NoError(t, err)
	assert.False(t, repaired.Open())
	assert.Equal(t, 48, stockOf(t, base, "med-a"))

	again, err := svc.RepairCommit(adminCtx(), sale.ID)
	require.NoError(t, err)
	assert.False(t, again.Open())
	assert.Equal(t, 48, stockOf(t, base, "med-a"))
}

func TestRepairCommitFloorsAtZero(t *testing.T) {
	base := newTestStore()
	repo := &failingStockRepo{Store: base, err: errors.New("timeout")}
	svc := newTestService(repo)
	ctx := counterCtx()

	view, err := svc.OpenSession(ctx)
	require.NoError(t, err)
	_, err = svc.AddLine(ctx, view.ID, "med-b", 4)
	require.NoError(t, err)
	_, err = svc.UpdateForm(ctx, view.ID, SaleForm{SalesType: domain.SalesTypeRetail, CustomerName: "Anita", PaymentType: "cash", PaymentStatus: domain.PaymentStatusPaid})
	require.NoError(t, err)
	sale, err := svc.Submit(ctx, view.ID)
	require.Error(t, err)

	item, _ := base.GetCatalogItems(context.Background(), []string{"med-b"})
	low := item["med-b"]
	low.Quantity = 2
	base.PutCatalogItem(low)

	repo.err = nil
	_, err = svc.RepairCommit(adminCtx(), sale.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stockOf(t, base, "med-b"))
}

func TestStaleSnapshotsBothSucceed(t *testing.T) {
	repo := newTestStore()
	svc := newTestService(repo)
	ctx := counterCtx()

	var sessions []string
	for i := 0; i < 2; i++ {
		view, err := svc.OpenSession(ctx)
		require.NoError(t, err)
		_, err = svc.AddLine(ctx, view.ID, "med-b", 5)
		require.NoError(t, err)
		_, err = svc.UpdateForm(ctx, view.ID, SaleForm{SalesType: domain.SalesTypeRetail, CustomerName: "Walk In", PaymentType: "cash", PaymentStatus: domain.PaymentStatusPaid})
		require.NoError(t, err)
		sessions = append(sessions, view.ID)
	}

	for _, sid := range sessions {
		_, err := svc.Submit(ctx, sid)
		require.NoError(t, err)
	}

	sales, err := repo.ListSales(context.Background())
	require.NoError(t, err)
	assert.Len(t, sales, 2)
	assert.Equal(t, 0, stockOf(t, repo, "med-b"))
}

func TestSessionsAreOwnerScoped(t *testing.T) {
	svc := newTestService(newTestStore())

	view, err := svc.OpenSession(counterCtx())
	require.NoError(t, err)

	other := WithActor(context.Background(), domain.Actor{Username: "night", Role: domain.RoleUser})
	_, err = svc.GetSession(other, view.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.GetSession(adminCtx(), view.ID)
	require.NoError(t, err)

	_, err = svc.OpenSession(context.Background())
	require.ErrorIs(t, err, ErrForbidden)
}

func newClockedService(repo store.Repository, now *time.Time, maxSessions int) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loader := catalog.NewLoader(repo, nil, 0, domain.NewShelfLifePolicy(domain.DefaultMinShelfDays), logger)
	return New(repo, loader, Options{
		SessionIdle:        30 * time.Minute,
		MaxSessionsPerUser: maxSessions,
		Logger:             logger,
		Now:                func() time.Time { return *now },
	})
}

func TestIdleSessionsAreEvicted(t *testing.T) {
	now := time.Now()
	svc := newClockedService(newTestStore(), &now, 5)
	ctx := counterCtx()

	stale, err := svc.OpenSession(ctx)
	require.NoError(t, err)
	active, err := svc.OpenSession(ctx)
	require.NoError(t, err)

	now = now.Add(20 * time.Minute)
	_, err = svc.GetSession(ctx, active.ID)
	require.NoError(t, err)
	now = now.Add(15 * time.Minute)

	assert.Equal(t, 1, svc.EvictIdleSessions())
	_, err = svc.GetSession(ctx, stale.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = svc.GetSession(ctx, active.ID)
	require.NoError(t, err)
}

func TestEvictionSkipsSessionMidSale(t *testing.T) {
	now := time.Now()
	svc := newClockedService(newTestStore(), &now, 5)
	ctx := counterCtx()

	view, err := svc.OpenSession(ctx)
	require.NoError(t, err)
	sess, ok := svc.sessions.get(view.ID, now)
	require.True(t, ok)
	svc.setCheckout(sess, CheckoutCommitting)

	now = now.Add(2 * time.Hour)
	assert.Zero(t, svc.EvictIdleSessions())

	svc.setCheckout(sess, CheckoutIdle)
	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, svc.EvictIdleSessions())
}

func TestOpenSessionReplacesOldestAtCap(t *testing.T) {
	now := time.Now()
	svc := newClockedService(newTestStore(), &now, 2)
	ctx := counterCtx()

	var ids []string
	for i := 0; i < 3; i++ {
		view, err := svc.OpenSession(ctx)
		require.NoError(t, err)
		ids = append(ids, view.ID)
		now = now.Add(time.Minute)
	}

	_, err := svc.GetSession(ctx, ids[0])
	require.ErrorIs(t, err, ErrSessionNotFound)
	for _, id := range ids[1:] {
		sess, ok := svc.sessions.get(id, now)
		require.True(t, ok)
		svc.setCheckout(sess, CheckoutPersisting)
	}

	_, err = svc.OpenSession(ctx)
	var verr *billing.ValidationError
	require.ErrorAs(t, err, &verr)

	// Another operator is not limited by this one's sessions.
	_, err = svc.OpenSession(adminCtx())
	require.NoError(t, err)
}

func TestUpdateFormRejectsOutOfRangePercent(t *testing.T) {
	svc := newTestService(newTestStore())
	ctx := counterCtx()
	view, err := svc.OpenSession(ctx)
	require.NoError(t, err)

	_, err = svc.UpdateForm(ctx, view.ID, SaleForm{DiscountPercent: "120", VATPercent: "0"})
	var verr *billing.ValidationError
	require.ErrorAs(t, err, &verr)
}

func submitPartial(t *testing.T, svc *Service, ctx context.Context) *domain.Sale {
	t.Helper()
	sid := openRetailSale(t, svc, ctx, domain.PaymentStatusLeft, "100")
	sale, err := svc.Submit(ctx, sid)
	require.NoError(t, err)
	return sale
}

func TestApplyPaymentSettlesBalance(t *testing.T) {
	svc := newTestService(newTestStore())
	ctx := counterCtx()
	sale := submitPartial(t, svc, ctx)

	desk, err := svc.OpenSession(ctx)
	require.NoError(t, err)
	opened, err := svc.OpenForPayment(ctx, desk.ID, sale.ID)
	require.NoError(t, err)
	assert.True(t, opened.Payment.AmountLeft.Equal(dec("89")))

	updated, err := svc.ApplyPayment(ctx, desk.ID, PaymentRequest{Amount: "89", Note: "cleared at counter"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, updated.Payment.Status)
	assert.True(t, updated.Payment.AmountPaid.Equal(dec("189")))
	assert.True(t, updated.Payment.AmountLeft.IsZero())
	require.Len(t, updated.PaymentNotes, 1)
	assert.Equal(t, "counter", updated.PaymentNotes[0].UpdatedBy)
	assert.True(t, updated.PaymentNotes[0].PaidAmount.Equal(dec("89")))
	assert.Equal(t, 2, updated.Version)

	view, err := svc.GetSession(ctx, desk.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentClosed, view.Payment.State)
}

func TestApplyPaymentPartialKeepsLeft(t *testing.T) {
	svc := newTestService(newTestStore())
	ctx := counterCtx()
	sale := submitPartial(t, svc, ctx)

	desk, err := svc.OpenSession(ctx)
	require.NoError(t, err)
	_, err = svc.OpenForPayment(ctx, desk.ID, sale.ID)
	require.NoError(t, err)

	updated, err := svc.ApplyPayment(ctx, desk.ID, PaymentRequest{Amount: "40"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusLeft, updated.Payment.Status)
	assert.True(t, updated.Payment.AmountLeft.Equal(dec("49")))
	assert.Empty(t, updated.PaymentNotes)
}

func TestApplyPaymentRejectsOverpayment(t *testing.T) {
	svc := newTestService(newTestStore())
	ctx := counterCtx()
	sale := submitPartial(t, svc, ctx)

	desk, err := svc.OpenSession(ctx)
	require.NoError(t, err)
	_, err = svc.OpenForPayment(ctx, desk.ID, sale.ID)
	require.NoError(t, err)

	_, err = svc.ApplyPayment(ctx, desk.ID, PaymentRequest{Amount: "200"})
	var over *billing.OverpaymentError
	require.ErrorAs(t, err, &over)

	_, err = svc.ApplyPayment(ctx, desk.ID, PaymentRequest{Amount: "0"})
	var verr *billing.ValidationError
	require.ErrorAs(t, err, &verr)

	view, err := svc.GetSession(ctx, desk.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentOpen, view.Payment.State)

	stored, err := svc.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.True(t, stored.Payment.AmountLeft.Equal(dec("89")))
}

func TestApplyPaymentRejectsTenderAboveUnpaidSale(t *testing.T) {
	svc := newTestService(newTestStore())
	ctx := counterCtx()
	sid := openRetailSale(t, svc, ctx, domain.PaymentStatusLeft, "0")
	sale, err := svc.Submit(ctx, sid)
	require.NoError(t, err)
	require.True(t, sale.GrandTotal.Equal(dec("189")))
	require.True(t, sale.Payment.AmountLeft.Equal(dec("189")))

	desk, err := svc.OpenSession(ctx)
	require.NoError(t, err)
	_, err = svc.OpenForPayment(ctx, desk.ID, sale.ID)
	require.NoError(t, err)

	_, err = svc.ApplyPayment(ctx, desk.ID, PaymentRequest{Amount: "200"})
	var over *billing.OverpaymentError
	require.ErrorAs(t, err, &over)
	assert.True(t, over.Tendered.Equal(dec("200")))
	assert.True(t, over.Outstanding.Equal(dec("189")))

	settled, err := svc.ApplyPayment(ctx, desk.ID, PaymentRequest{Amount: "189"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, settled.Payment.Status)
	assert.True(t, settled.Payment.AmountPaid.Equal(dec("189")))
}

func TestApplyPaymentRequiresOpenDesk(t *testing.T) {
	svc := newTestService(newTestStore())
	ctx := counterCtx()
	desk, err := svc.OpenSession(ctx)
	require.NoError(t, err)

	_, err = svc.ApplyPayment(ctx, desk.ID, PaymentRequest{Amount: "10"})
	var verr *billing.ValidationError
	require.ErrorAs(t, err, &verr)
}

type delayedSaleRepo struct {
	*memory.Store
	misses atomic.Int32
	hide   int32
}

func (r *delayedSaleRepo) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	if r.misses.Add(1) <= r.hide {
		return nil, store.ErrNotFound
	}
	return r.Store.GetSale(ctx, id)
}

func TestOpenForPaymentRetriesOnce(t *testing.T) {
	base := newTestStore()
	seller := newTestService(base)
	ctx := counterCtx()
	sale := submitPartial(t, seller, ctx)

	repo := &delayedSaleRepo{Store: base, hide: 1}
	svc := newTestService(repo)
	desk, err := svc.OpenSession(ctx)
	require.NoError(t, err)

	opened, err := svc.OpenForPayment(ctx, desk.ID, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, sale.ID, opened.ID)
	assert.Equal(t, int32(2), repo.misses.Load())
}

func TestOpenForPaymentMissingSale(t *testing.T) {
	svc := newTestService(newTestStore())
	ctx := counterCtx()
	desk, err := svc.OpenSession(ctx)
	require.NoError(t, err)

	started := time.Now()
	_, err = svc.OpenForPayment(ctx, desk.ID, "sale-missing")
	require.ErrorIs(t, err, billing.ErrSaleNotFound)
	assert.GreaterOrEqual(t, time.Since(started), 10*time.Millisecond)

	view, err := svc.GetSession(ctx, desk.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentClosed, view.Payment.State)
}

type conflictingRepo struct {
	*memory.Store
}

func (r *conflictingRepo) ReplaceSale(_ context.Context, _ domain.Sale, _ int) (*domain.Sale, error) {
	return nil, store.ErrVersionConflict
}

func TestApplyPaymentVersionConflict(t *testing.T) {
	base := newTestStore()
	sale := submitPartial(t, newTestService(base), counterCtx())

	svc := newTestService(&conflictingRepo{Store: base})
	ctx := counterCtx()
	desk, err := svc.OpenSession(ctx)
	require.NoError(t, err)
	_, err = svc.OpenForPayment(ctx, desk.ID, sale.ID)
	require.NoError(t, err)

	_, err = svc.ApplyPayment(ctx, desk.ID, PaymentRequest{Amount: "89"})
	var perr *billing.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "update_payment", perr.Stage)
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	view, err := svc.GetSession(ctx, desk.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentOpen, view.Payment.State)

	require.NoError(t, svc.CancelPayment(ctx, desk.ID))
	view, err = svc.GetSession(ctx, desk.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentClosed, view.Payment.State)
}

func TestPendingPaymentsSummary(t *testing.T) {
	svc := newTestService(newTestStore())
	ctx := counterCtx()
	submitPartial(t, svc, ctx)
	submitPartial(t, svc, ctx)

	paid := openRetailSale(t, svc, ctx, domain.PaymentStatusPaid, "")
	_, err := svc.Submit(ctx, paid)
	require.NoError(t, err)

	pending, err := svc.PendingPayments(ctx, PendingFilter{})
	require.NoError(t, err)
	assert.Len(t, pending.Sales, 2)
	assert.True(t, pending.UnpaidTotal.Equal(dec("178")))
	assert.Equal(t, 1, pending.CustomerCount)

	high := dec("100")
	pending, err = svc.PendingPayments(ctx, PendingFilter{MinLeft: &high})
	require.NoError(t, err)
	assert.Empty(t, pending.Sales)

	pending, err = svc.PendingPayments(ctx, PendingFilter{Search: "9000000001", CustomerType: domain.SalesTypeRetail})
	require.NoError(t, err)
	assert.Len(t, pending.Sales, 2)

	pending, err = svc.PendingPayments(ctx, PendingFilter{CustomerType: domain.SalesTypeB2B})
	require.NoError(t, err)
	assert.Empty(t, pending.Sales)
}

func TestDateRangeCoversWholeDays(t *testing.T) {
	from := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 12, 8, 0, 0, 0, time.UTC)
	r := DateRange{From: &from, To: &to}

	assert.True(t, r.Contains(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)))
	assert.True(t, r.Contains(time.Date(2026, 3, 12, 23, 59, 59, 0, time.UTC)))
	assert.False(t, r.Contains(time.Date(2026, 3, 9, 23, 59, 59, 0, time.UTC)))
	assert.False(t, r.Contains(time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)))
	assert.True(t, DateRange{}.Contains(time.Time{}))
}

func TestSalesReportKPIs(t *testing.T) {
	svc := newTestService(newTestStore())
	ctx := counterCtx()
	submitPartial(t, svc, ctx)

	view, err := svc.OpenSession(ctx)
	require.NoError(t, err)
	_, err = svc.AddLine(ctx, view.ID, "med-b", 1)
	require.NoError(t, err)
	_, err = svc.UpdateForm(ctx, view.ID, SaleForm{SalesType: domain.SalesTypeB2B, PharmacyName: "City Care Pharmacy", PaymentType: "cheque", PaymentStatus: domain.PaymentStatusPaid})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, view.ID)
	require.NoError(t, err)

	_, err = svc.SalesReport(ctx, SalesFilter{})
	require.ErrorIs(t, err, ErrForbidden)

	report, err := svc.SalesReport(adminCtx(), SalesFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.KPIs.TransactionCount)
	assert.True(t, report.KPIs.TotalSales.Equal(dec("239")))
	// 2 x (100 - 60) + 1 x (50 - 30)
	assert.True(t, report.KPIs.EstimatedProfit.Equal(dec("100")))
	assert.Equal(t, 1, report.KPIs.UnpaidTransactions)
	assert.True(t, report.KPIs.UnpaidAmount.Equal(dec("89")))

	report, err = svc.SalesReport(adminCtx(), SalesFilter{Search: "amoxicillin"})
	require.NoError(t, err)
	require.Len(t, report.Sales, 1)
	assert.Equal(t, domain.SalesTypeB2B, report.Sales[0].SalesType)

	floor := dec("190")
	report, err = svc.SalesReport(adminCtx(), SalesFilter{MinTotal: &floor})
	require.NoError(t, err)
	assert.Empty(t, report.Sales)

	report, err = svc.SalesReport(adminCtx(), SalesFilter{SoldBy: "COUNTER", SalesType: domain.SalesTypeRetail})
	require.NoError(t, err)
	assert.Len(t, report.Sales, 1)
}

func TestSearchAndAlerts(t *testing.T) {
	svc := newTestService(newTestStore())
	ctx := counterCtx()

	found, err := svc.SearchCatalog(ctx, "syrup", 0)
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = svc.SearchCatalog(ctx, "para", 0)
	require.NoError(t, err)
	require.Len(t, found, 1)

	alerts, err := svc.StockAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts.NearExpiry, 1)
	assert.Equal(t, "med-near", alerts.NearExpiry[0].ID)
	require.Len(t, alerts.LowStock, 1)
	assert.Equal(t, "med-b", alerts.LowStock[0].ID)

	parties, err := svc.SearchCounterparties(ctx, "ravi", 0)
	require.NoError(t, err)
	assert.Len(t, parties, 1)
}
