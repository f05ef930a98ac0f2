package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pharmadesk/backend/internal/billing"
	"pharmadesk/backend/internal/catalog"
	"pharmadesk/backend/internal/domain"
	"pharmadesk/backend/internal/xid"
)

type CheckoutState string

const (
	CheckoutIdle       CheckoutState = "idle"
	CheckoutValidating CheckoutState = "validating"
	CheckoutPersisting CheckoutState = "persisting"
	CheckoutCommitting CheckoutState = "committing"
)

type PaymentState string

const (
	PaymentClosed     PaymentState = "closed"
	PaymentOpen       PaymentState = "open"
	PaymentSubmitting PaymentState = "submitting"
)

// SaleForm mirrors the billing screen inputs. Numeric fields stay raw text
// until submission so partially typed values survive round trips.
type SaleForm struct {
	SalesType       domain.SalesType     `json:"sales_type"`
	CustomerName    string               `json:"customer_name"`
	CustomerPhone   string               `json:"customer_phone"`
	PharmacyName    string               `json:"pharmacy_name"`
	DiscountPercent string               `json:"discount_percent"`
	VATPercent      string               `json:"vat_percent"`
	PaymentType     string               `json:"payment_type"`
	PaymentStatus   domain.PaymentStatus `json:"payment_status"`
	AmountPaid      string               `json:"amount_paid"`
}

func blankForm() SaleForm {
	return SaleForm{DiscountPercent: "0", VATPercent: "0"}
}

type paymentDesk struct {
	state       PaymentState
	saleID      string
	outstanding decimal.Decimal
}

// Session is one operator's billing screen: its own catalog and directory
// snapshots, cart, form and the two guarded workflows.
type Session struct {
	ID        string
	Owner     string
	CreatedAt time.Time

	mu             sync.Mutex
	catalog        *catalog.Catalog
	directory      *catalog.Directory
	cart           *billing.Cart
	form           SaleForm
	checkout       CheckoutState
	payment        paymentDesk
	lastSaleID     string
	lastRejection  string
	lastCommitFail string
}

type PaymentView struct {
	State       PaymentState    `json:"state"`
	SaleID      string          `json:"sale_id,omitempty"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

type SessionView struct {
	ID              string          `json:"id"`
	Owner           string          `json:"owner"`
	CreatedAt       time.Time       `json:"created_at"`
	CatalogLoadedAt time.Time       `json:"catalog_loaded_at"`
	Lines           []billing.Line  `json:"lines"`
	Form            SaleForm        `json:"form"`
	Totals          billing.Totals  `json:"totals"`
	AmountLeft      decimal.Decimal `json:"amount_left"`
	Checkout        CheckoutState   `json:"checkout"`
	Payment         PaymentView     `json:"payment"`
	LastSaleID      string          `json:"last_sale_id,omitempty"`
	LastRejection   string          `json:"last_rejection,omitempty"`
	LastCommitError string          `json:"last_commit_error,omitempty"`
}

// view must be called with sess.mu held.
func (sess *Session) view() SessionView {
	lines := sess.cart.Lines()
	totals := billing.ComputeTotals(lines, billing.ParsePercent(sess.form.DiscountPercent), billing.ParsePercent(sess.form.VATPercent)).Rounded()

	amountLeft := decimal.Zero
	if sess.form.PaymentStatus == domain.PaymentStatusLeft {
		paid, _ := billing.ParseAmount(sess.form.AmountPaid)
		amountLeft = billing.ComputeAmountLeft(totals.GrandTotal, paid)
	}

	return SessionView{
		ID:              sess.ID,
		Owner:           sess.Owner,
		CreatedAt:       sess.CreatedAt,
		CatalogLoadedAt: sess.catalog.LoadedAt(),
		Lines:           lines,
		Form:            sess.form,
		Totals:          totals,
		AmountLeft:      amountLeft,
		Checkout:        sess.checkout,
		Payment: PaymentView{
			State:       sess.payment.state,
			SaleID:      sess.payment.saleID,
			Outstanding: sess.payment.outstanding,
		},
		LastSaleID:      sess.lastSaleID,
		LastRejection:   sess.lastRejection,
		LastCommitError: sess.lastCommitFail,
	}
}

// resetAfterSale must be called with sess.mu held.
func (sess *Session) resetAfterSale(saleID string) {
	sess.cart.Clear()
	sess.form = blankForm()
	sess.lastSaleID = saleID
	sess.lastRejection = ""
	sess.lastCommitFail = ""
}

// busy must be called with sess.mu held.
func (sess *Session) busy() bool {
	return sess.checkout != CheckoutIdle || sess.payment.state == PaymentSubmitting
}

type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	lastSeen map[string]time.Time
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[string]*Session),
		lastSeen: make(map[string]time.Time),
	}
}

func (r *sessionRegistry) put(sess *Session, now time.Time) {
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.lastSeen[sess.ID] = now
	r.mu.Unlock()
}

// get also marks the session as used at now.
func (r *sessionRegistry) get(id string, now time.Time) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if ok {
		r.lastSeen[id] = now
	}
	return sess, ok
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	delete(r.lastSeen, id)
	r.mu.Unlock()
}

func (r *sessionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// idleSince lists sessions last used before cutoff, oldest first. An empty
// owner matches every session.
func (r *sessionRegistry) idleSince(cutoff time.Time, owner string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for id, sess := range r.sessions {
		if owner != "" && sess.Owner != owner {
			continue
		}
		if r.lastSeen[id].Before(cutoff) {
			out = append(out, sess)
		}
	}
	slices.SortFunc(out, func(a, b *Session) int {
		return r.lastSeen[a.ID].Compare(r.lastSeen[b.ID])
	})
	return out
}

func (r *sessionRegistry) countOwned(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sess := range r.sessions {
		if sess.Owner == owner {
			n++
		}
	}
	return n
}

// evict drops sess unless it is mid-sale or it was used again after cutoff.
func (r *sessionRegistry) evict(sess *Session, cutoff time.Time) bool {
	sess.mu.Lock()
	busy := sess.busy()
	sess.mu.Unlock()
	if busy {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	seen, ok := r.lastSeen[sess.ID]
	if !ok || !seen.Before(cutoff) {
		return false
	}
	delete(r.sessions, sess.ID)
	delete(r.lastSeen, sess.ID)
	return true
}

// EvictIdleSessions drops billing sessions unused for longer than the idle
// timeout. Sessions with a sale or payment in flight are kept.
func (s *Service) EvictIdleSessions() int {
	cutoff := s.now().Add(-s.sessionIdle)
	evicted := 0
	for _, sess := range s.sessions.idleSince(cutoff, "") {
		if s.sessions.evict(sess, cutoff) {
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Info("idle billing sessions evicted", "count", evicted, "remaining", s.sessions.count())
	}
	return evicted
}

// RunSessionJanitor evicts idle sessions every interval until ctx is done.
func (s *Service) RunSessionJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.EvictIdleSessions()
		}
	}
}

// makeRoom frees a slot for owner by dropping their least recently used
// idle session once they hold the maximum.
func (s *Service) makeRoom(owner string) error {
	if s.sessions.countOwned(owner) < s.maxSessions {
		return nil
	}
	cutoff := s.now().Add(time.Nanosecond)
	for _, sess := range s.sessions.idleSince(cutoff, owner) {
		if s.sessions.evict(sess, cutoff) {
			s.logger.Info("billing session replaced", "session", sess.ID, "user", owner)
			return nil
		}
	}
	return billing.Invalid("all %d billing screens are busy; wait for one to finish", s.maxSessions)
}

// OpenSession loads fresh catalog and directory snapshots for a new billing screen.
func (s *Service) OpenSession(ctx context.Context) (SessionView, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return SessionView{}, err
	}

	if err := s.makeRoom(actor.Username); err != nil {
		return SessionView{}, err
	}

	cat, err := s.loader.LoadCatalog(ctx)
	if err != nil {
		return SessionView{}, err
	}
	dir, err := s.loader.LoadDirectory(ctx)
	if err != nil {
		return SessionView{}, err
	}

	sess := &Session{
		ID:        xid.New("bs"),
		Owner:     actor.Username,
		CreatedAt: s.now().UTC(),
		catalog:   cat,
		directory: dir,
		cart:      billing.NewCart(cat, s.loader.Shelf()),
		form:      blankForm(),
		checkout:  CheckoutIdle,
		payment:   paymentDesk{state: PaymentClosed},
	}
	s.sessions.put(sess, s.now())
	s.logger.Info("billing session opened", "session", sess.ID, "user", actor.Username, "catalog_items", cat.Len())

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.view(), nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (SessionView, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.view(), nil
}

func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	busy := sess.busy()
	sess.mu.Unlock()
	if busy {
		return billing.Invalid("a sale or payment is still being processed")
	}
	s.sessions.remove(sessionID)
	return nil
}

// RefreshSession reloads both snapshots from the store. The cart keeps its
// lines and picks up the new stock figures.
func (s *Service) RefreshSession(ctx context.Context, sessionID string) (SessionView, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.checkout != CheckoutIdle {
		return SessionView{}, billing.Invalid("cannot refresh while a sale is being processed")
	}
	if err := sess.catalog.Refresh(ctx); err != nil {
		return SessionView{}, err
	}
	if err := sess.directory.Refresh(ctx); err != nil {
		return SessionView{}, err
	}
	sess.cart.Rebind(sess.catalog)
	return sess.view(), nil
}

func (s *Service) AddLine(ctx context.Context, sessionID string, itemID string, delta int) (SessionView, error) {
	return s.mutateCart(ctx, sessionID, func(sess *Session) error {
		_, err := sess.cart.AddLine(itemID, delta)
		return err
	})
}

// SetLineQty clamps silently into [1, stock]. An unknown line leaves the cart unchanged.
func (s *Service) SetLineQty(ctx context.Context, sessionID string, itemID string, qty int) (SessionView, error) {
	return s.mutateCart(ctx, sessionID, func(sess *Session) error {
		_, _, err := sess.cart.SetLineQty(itemID, qty)
		return err
	})
}

func (s *Service) RemoveLine(ctx context.Context, sessionID string, itemID string) (SessionView, error) {
	return s.mutateCart(ctx, sessionID, func(sess *Session) error {
		sess.cart.RemoveLine(itemID)
		return nil
	})
}

func (s *Service) UpdateForm(ctx context.Context, sessionID string, form SaleForm) (SessionView, error) {
	return s.mutateCart(ctx, sessionID, func(sess *Session) error {
		if form.SalesType != "" && !form.SalesType.Valid() {
			return billing.Invalid("unknown sales type %q", form.SalesType)
		}
		if form.PaymentStatus != "" && !form.PaymentStatus.Valid() {
			return billing.Invalid("unknown payment status %q", form.PaymentStatus)
		}
		for field, raw := range map[string]string{"discount": form.DiscountPercent, "vat": form.VATPercent} {
			if pct, ok := billing.ParseAmount(raw); ok && (pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100))) {
				return billing.Invalid("%s percent must be between 0 and 100", field)
			}
		}
		sess.form = form
		return nil
	})
}

func (s *Service) mutateCart(ctx context.Context, sessionID string, fn func(*Session) error) (SessionView, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.checkout != CheckoutIdle {
		return SessionView{}, billing.Invalid("a sale is being processed; wait for it to finish")
	}
	if err := fn(sess); err != nil {
		return SessionView{}, err
	}
	return sess.view(), nil
}

func (s *Service) session(ctx context.Context, sessionID string) (*Session, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	sess, ok := s.sessions.get(sessionID, s.now())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if sess.Owner != actor.Username && actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}
