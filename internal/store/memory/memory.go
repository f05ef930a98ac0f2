package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"pharmadesk/backend/internal/domain"
	"pharmadesk/backend/internal/store"
)

type Store struct {
	mu              sync.RWMutex
	medicines       map[string]domain.CatalogItem
	counterparties  map[string]domain.Counterparty
	salesByID       map[string]domain.Sale
	commitsBySale   map[string]domain.CommitIntent
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		medicines:       make(map[string]domain.CatalogItem),
		counterparties:  make(map[string]domain.Counterparty),
		salesByID:       make(map[string]domain.Sale),
		commitsBySale:   make(map[string]domain.CommitIntent),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_USER_PASSWORD, falling
// back to dev defaults with a warning. Postgres deployments never use them.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	userPwd := envOr("SEED_USER_PASSWORD", "user1234")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_USER_PASSWORD") == "" {
		slog.Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_USER_PASSWORD to override", "component", "memory-store")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"counter", userPwd, domain.RoleUser},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			// bcrypt only fails here for passwords over 72 bytes.
			panic(fmt.Sprintf("memory store: hash seed password for %s: %v", u.username, err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a small demo pharmacy inventory.
func NewSeeded() *Store {
	s := New()
	today := time.Now().UTC().Truncate(24 * time.Hour)
	expiresIn := func(days int) time.Time { return today.AddDate(0, 0, days) }
	price := decimal.RequireFromString

	for _, m := range []domain.CatalogItem{
		{ID: "med-001", Name: "Paracetamol 500mg", Batch: "PCM2401", Quantity: 240, Expiry: expiresIn(420), Manufacturer: "Cipla", BuyingPrice: price("1.20"), SellingPrice: price("2.00"), Category: "analgesic", Rack: "A1"},
		{ID: "med-002", Name: "Amoxicillin 250mg", Batch: "AMX2311", Quantity: 80, Expiry: expiresIn(180), Manufacturer: "Sun Pharma", BuyingPrice: price("6.50"), SellingPrice: price("9.00"), Category: "antibiotic", Rack: "B2"},
		{ID: "med-003", Name: "Cetirizine 10mg", Batch: "CTZ2402", Quantity: 6, Expiry: expiresIn(300), Manufacturer: "Dr. Reddy's", BuyingPrice: price("1.10"), SellingPrice: price("2.50"), Category: "antihistamine", Rack: "A3"},
		{ID: "med-004", Name: "ORS Sachet", Batch: "ORS2312", Quantity: 0, Expiry: expiresIn(500), Manufacturer: "FDC", BuyingPrice: price("15.00"), SellingPrice: price("21.00"), Category: "rehydration", Rack: "C1"},
		{ID: "med-005", Name: "Cough Syrup 100ml", Batch: "CSY2309", Quantity: 30, Expiry: expiresIn(7), Manufacturer: "Mankind", BuyingPrice: price("55.00"), SellingPrice: price("78.00"), Category: "respiratory", Rack: "D4"},
		{ID: "med-006", Name: "Metformin 500mg", Batch: "MTF2401", Quantity: 150, Expiry: expiresIn(365), Manufacturer: "USV", BuyingPrice: price("2.10"), SellingPrice: price("3.40"), Category: "antidiabetic", Rack: "B1"},
		{ID: "med-007", Name: "Vitamin C 500mg", Batch: "VTC2305", Quantity: 12, Expiry: expiresIn(-3), Manufacturer: "Abbott", BuyingPrice: price("3.00"), SellingPrice: price("4.50"), Category: "supplement", Rack: "E2"},
	} {
		m.DateAdded = today.AddDate(0, -2, 0)
		s.medicines[m.ID] = m
	}

	for _, p := range []domain.Counterparty{
		{ID: "pharm-001", PharmacyName: "City Care Pharmacy", OwnerName: "Ravi Kumar", Phone: "9876543210", Address: "12 MG Road", RegistrationNumber: "DL-20B-1123"},
		{ID: "pharm-002", PharmacyName: "Green Cross Chemists", OwnerName: "Asha Menon", Phone: "9123456780", Address: "4 Lake View", RegistrationNumber: "DL-21B-8841"},
	} {
		s.counterparties[p.ID] = p
	}

	s.usersByUsername = seedUsers()
	return s
}

// PutCatalogItem inserts or replaces one medicine record.
func (s *Store) PutCatalogItem(item domain.CatalogItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.medicines[item.ID] = item
}

func (s *Store) PutCounterparty(entry domain.Counterparty) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counterparties[entry.ID] = entry
}

func (s *Store) ListCatalogItems(_ context.Context) ([]domain.CatalogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.CatalogItem, 0, len(s.medicines))
	for _, item := range s.medicines {
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b domain.CatalogItem) int {
		return strings.Compare(a.ID, b.ID)
	})
	return items, nil
}

func (s *Store) GetCatalogItems(_ context.Context, ids []string) (map[string]domain.CatalogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.CatalogItem, len(ids))
	for _, id := range ids {
		if item, ok := s.medicines[id]; ok {
			out[id] = item
		}
	}
	return out, nil
}

func (s *Store) ListCounterparties(_ context.Context) ([]domain.Counterparty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.Counterparty, 0, len(s.counterparties))
	for _, entry := range s.counterparties {
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b domain.Counterparty) int {
		return strings.Compare(a.ID, b.ID)
	})
	return entries, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, intent domain.CommitIntent) (*domain.Sale, error) {
	if err := sale.Validate(); err != nil {
		return nil, err
	}
	if intent.SaleID != sale.ID {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.salesByID[sale.ID]; exists {
		return nil, store.ErrAlreadyExists
	}
	sale.Version = 1
	s.salesByID[sale.ID] = cloneSale(sale)
	s.commitsBySale[sale.ID] = cloneIntent(intent)

	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) ReplaceSale(_ context.Context, sale domain.Sale, expectedVersion int) (*domain.Sale, error) {
	if err := sale.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.salesByID[sale.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if current.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}
	sale.Version = current.Version + 1
	s.salesByID[sale.ID] = cloneSale(sale)

	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) ListSales(_ context.Context) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		sales = append(sales, cloneSale(sale))
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return sales, nil
}

func (s *Store) ApplyStock(_ context.Context, saleID string, quantities map[string]int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.commitsBySale[saleID]
	if !ok {
		return store.ErrNotFound
	}
	for id := range quantities {
		if _, exists := s.medicines[id]; !exists {
			return store.ErrNotFound
		}
	}
	for id, qty := range quantities {
		item := s.medicines[id]
		item.Quantity = qty
		s.medicines[id] = item
	}

	completed := at.UTC()
	intent.CompletedAt = &completed
	intent.LastError = ""
	s.commitsBySale[saleID] = intent
	return nil
}

func (s *Store) FailCommit(_ context.Context, saleID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.commitsBySale[saleID]
	if !ok {
		return store.ErrNotFound
	}
	intent.LastError = reason
	s.commitsBySale[saleID] = intent
	return nil
}

func (s *Store) GetCommit(_ context.Context, saleID string) (*domain.CommitIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	intent, ok := s.commitsBySale[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneIntent(intent)
	return &out, nil
}

func (s *Store) ListOpenCommits(_ context.Context) ([]domain.CommitIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := make([]domain.CommitIntent, 0)
	for _, intent := range s.commitsBySale {
		if intent.Open() {
			open = append(open, cloneIntent(intent))
		}
	}
	slices.SortFunc(open, func(a, b domain.CommitIntent) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return open, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRecord
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrAlreadyExists
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRecord
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneSale(src domain.Sale) domain.Sale {
	dup := src
	dup.Items = slices.Clone(src.Items)
	dup.PaymentNotes = slices.Clone(src.PaymentNotes)
	if src.CustomerInfo.Retail != nil {
		retail := *src.CustomerInfo.Retail
		dup.CustomerInfo.Retail = &retail
	}
	if src.CustomerInfo.B2B != nil {
		b2b := *src.CustomerInfo.B2B
		dup.CustomerInfo.B2B = &b2b
	}
	return dup
}

func cloneIntent(src domain.CommitIntent) domain.CommitIntent {
	dup := src
	dup.Lines = slices.Clone(src.Lines)
	if src.CompletedAt != nil {
		completed := *src.CompletedAt
		dup.CompletedAt = &completed
	}
	return dup
}
