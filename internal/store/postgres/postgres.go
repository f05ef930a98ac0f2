package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"pharmadesk/backend/internal/domain"
	"pharmadesk/backend/internal/store"
)

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type medicineRow struct {
	ID           string          `db:"id"`
	Name         string          `db:"name"`
	Batch        string          `db:"batch"`
	Quantity     int             `db:"quantity"`
	Expiry       time.Time       `db:"expiry"`
	Manufacturer string          `db:"manufacturer"`
	BuyingPrice  decimal.Decimal `db:"buying_price"`
	SellingPrice decimal.Decimal `db:"selling_price"`
	Category     string          `db:"category"`
	SupplierID   string          `db:"supplier_id"`
	Description  string          `db:"description"`
	Rack         string          `db:"rack"`
	DateAdded    time.Time       `db:"date_added"`
}

func (r medicineRow) toDomain() domain.CatalogItem {
	return domain.CatalogItem{
		ID:           r.ID,
		Name:         r.Name,
		Batch:        r.Batch,
		Quantity:     r.Quantity,
		Expiry:       r.Expiry.UTC(),
		Manufacturer: r.Manufacturer,
		BuyingPrice:  r.BuyingPrice,
		SellingPrice: r.SellingPrice,
		Category:     r.Category,
		SupplierID:   r.SupplierID,
		Description:  r.Description,
		Rack:         r.Rack,
		DateAdded:    r.DateAdded.UTC(),
	}
}

const medicineColumns = `id, name, batch, quantity, expiry, manufacturer, buying_price, selling_price,
	category, supplier_id, description, rack, date_added`

func (s *Store) ListCatalogItems(ctx context.Context) ([]domain.CatalogItem, error) {
	var rows []medicineRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+medicineColumns+` FROM medicines ORDER BY id`); err != nil {
		return nil, err
	}

	items := make([]domain.CatalogItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toDomain())
	}
	return items, nil
}

func (s *Store) GetCatalogItems(ctx context.Context, ids []string) (map[string]domain.CatalogItem, error) {
	out := make(map[string]domain.CatalogItem, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`SELECT `+medicineColumns+` FROM medicines WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []medicineRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ID] = row.toDomain()
	}
	return out, nil
}

// UpsertCatalogItem is used by seeding and tests; catalog maintenance
// happens outside this service.
func (s *Store) UpsertCatalogItem(ctx context.Context, item domain.CatalogItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if item.DateAdded.IsZero() {
		item.DateAdded = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO medicines (`+medicineColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, batch = EXCLUDED.batch, quantity = EXCLUDED.quantity,
			expiry = EXCLUDED.expiry, manufacturer = EXCLUDED.manufacturer,
			buying_price = EXCLUDED.buying_price, selling_price = EXCLUDED.selling_price,
			category = EXCLUDED.category, supplier_id = EXCLUDED.supplier_id,
			description = EXCLUDED.description, rack = EXCLUDED.rack
	`, item.ID, item.Name, item.Batch, item.Quantity, item.Expiry, item.Manufacturer, item.BuyingPrice,
		item.SellingPrice, item.Category, item.SupplierID, item.Description, item.Rack, item.DateAdded)
	return err
}

type counterpartyRow struct {
	ID                 string `db:"id"`
	PharmacyName       string `db:"pharmacy_name"`
	OwnerName          string `db:"owner_name"`
	Phone              string `db:"phone"`
	Address            string `db:"address"`
	Email              string `db:"email"`
	RegistrationNumber string `db:"registration_number"`
}

func (s *Store) ListCounterparties(ctx context.Context) ([]domain.Counterparty, error) {
	var rows []counterpartyRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, pharmacy_name, owner_name, phone, address, email, registration_number
		FROM counterparties
		ORDER BY id
	`); err != nil {
		return nil, err
	}

	entries := make([]domain.Counterparty, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, domain.Counterparty(row))
	}
	return entries, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRecord
	}
	if user.Role == "" {
		user.Role = domain.RoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return err
	}
	return nil
}

type userRow struct {
	Username  string    `db:"username"`
	Password  string    `db:"password"`
	Role      string    `db:"role"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`); err != nil {
		return nil, err
	}

	users := make([]domain.UserAccount, 0, len(rows))
	for _, row := range rows {
		users = append(users, domain.UserAccount{
			Username:  row.Username,
			Password:  row.Password,
			Role:      row.Role,
			Active:    row.Active,
			CreatedAt: row.CreatedAt.UTC(),
		})
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRecord
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
