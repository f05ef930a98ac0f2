package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"pharmadesk/backend/internal/domain"
	"pharmadesk/backend/internal/store"
)

type saleRow struct {
	ID              string          `db:"id"`
	Version         int             `db:"version"`
	CreatedAt       time.Time       `db:"created_at"`
	SoldBy          string          `db:"sold_by"`
	SalesType       string          `db:"sales_type"`
	DiscountPercent decimal.Decimal `db:"discount_percent"`
	VATPercent      decimal.Decimal `db:"vat_percent"`
	DiscountAmount  decimal.Decimal `db:"discount_amount"`
	VATAmount       decimal.Decimal `db:"vat_amount"`
	SubTotal        decimal.Decimal `db:"sub_total"`
	GrandTotal      decimal.Decimal `db:"grand_total"`
	PaymentType     string          `db:"payment_type"`
	PaymentStatus   string          `db:"payment_status"`
	AmountPaid      decimal.Decimal `db:"amount_paid"`
	AmountLeft      decimal.Decimal `db:"amount_left"`
	CustomerInfo    []byte          `db:"customer_info"`
	Items           []byte          `db:"items"`
	PaymentNotes    []byte          `db:"payment_notes"`
}

const saleColumns = `id, version, created_at, sold_by, sales_type, discount_percent, vat_percent,
	discount_amount, vat_amount, sub_total, grand_total, payment_type, payment_status,
	amount_paid, amount_left, customer_info, items, payment_notes`

func newSaleRow(sale domain.Sale) (saleRow, error) {
	customer, err := json.Marshal(sale.CustomerInfo)
	if err != nil {
		return saleRow{}, err
	}
	items, err := json.Marshal(sale.Items)
	if err != nil {
		return saleRow{}, err
	}
	notes := sale.PaymentNotes
	if notes == nil {
		notes = []domain.PaymentNote{}
	}
	notesJSON, err := json.Marshal(notes)
	if err != nil {
		return saleRow{}, err
	}

	return saleRow{
		ID:              sale.ID,
		Version:         sale.Version,
		CreatedAt:       sale.CreatedAt.UTC(),
		SoldBy:          sale.SoldBy,
		SalesType:       string(sale.SalesType),
		DiscountPercent: sale.DiscountPercent,
		VATPercent:      sale.VATPercent,
		DiscountAmount:  sale.DiscountAmount,
		VATAmount:       sale.VATAmount,
		SubTotal:        sale.SubTotal,
		GrandTotal:      sale.GrandTotal,
		PaymentType:     sale.Payment.Type,
		PaymentStatus:   string(sale.Payment.Status),
		AmountPaid:      sale.Payment.AmountPaid,
		AmountLeft:      sale.Payment.AmountLeft,
		CustomerInfo:    customer,
		Items:           items,
		PaymentNotes:    notesJSON,
	}, nil
}

func (r saleRow) toDomain() (domain.Sale, error) {
	sale := domain.Sale{
		ID:              r.ID,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt.UTC(),
		SoldBy:          r.SoldBy,
		SalesType:       domain.SalesType(r.SalesType),
		DiscountPercent: r.DiscountPercent,
		VATPercent:      r.VATPercent,
		DiscountAmount:  r.DiscountAmount,
		VATAmount:       r.VATAmount,
		SubTotal:        r.SubTotal,
		GrandTotal:      r.GrandTotal,
		Payment: domain.Payment{
			Type:       r.PaymentType,
			Status:     domain.PaymentStatus(r.PaymentStatus),
			AmountPaid: r.AmountPaid,
			AmountLeft: r.AmountLeft,
		},
	}
	if err := json.Unmarshal(r.CustomerInfo, &sale.CustomerInfo); err != nil {
		return domain.Sale{}, fmt.Errorf("sale %s customer info: %w", r.ID, err)
	}
	if err := json.Unmarshal(r.Items, &sale.Items); err != nil {
		return domain.Sale{}, fmt.Errorf("sale %s items: %w", r.ID, err)
	}
	if len(r.PaymentNotes) > 0 {
		if err := json.Unmarshal(r.PaymentNotes, &sale.PaymentNotes); err != nil {
			return domain.Sale{}, fmt.Errorf("sale %s payment notes: %w", r.ID, err)
		}
	}
	return sale, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, intent domain.CommitIntent) (*domain.Sale, error) {
	if err := sale.Validate(); err != nil {
		return nil, err
	}
	if intent.SaleID != sale.ID {
		return nil, store.ErrInvalidRecord
	}
	sale.Version = 1
	row, err := newSaleRow(sale)
	if err != nil {
		return nil, err
	}
	lines, err := json.Marshal(intent.Lines)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES (:id, :version, :created_at, :sold_by, :sales_type, :discount_percent, :vat_percent,
			:discount_amount, :vat_amount, :sub_total, :grand_total, :payment_type, :payment_status,
			:amount_paid, :amount_left, :customer_info, :items, :payment_notes)
	`, row); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyExists
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO commit_intents (sale_id, lines, created_at, last_error)
		VALUES ($1, $2, $3, '')
	`, sale.ID, lines, intent.CreatedAt.UTC()); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	var row saleRow
	err := s.db.GetContext(ctx, &row, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sale, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ReplaceSale(ctx context.Context, sale domain.Sale, expectedVersion int) (*domain.Sale, error) {
	if err := sale.Validate(); err != nil {
		return nil, err
	}
	row, err := newSaleRow(sale)
	if err != nil {
		return nil, err
	}

	var newVersion int
	err = s.db.QueryRowxContext(ctx, `
		UPDATE sales SET
			version = version + 1,
			created_at = $3, sold_by = $4, sales_type = $5,
			discount_percent = $6, vat_percent = $7, discount_amount = $8, vat_amount = $9,
			sub_total = $10, grand_total = $11, payment_type = $12, payment_status = $13,
			amount_paid = $14, amount_left = $15, customer_info = $16, items = $17, payment_notes = $18
		WHERE id = $1 AND version = $2
		RETURNING version
	`, row.ID, expectedVersion, row.CreatedAt, row.SoldBy, row.SalesType,
		row.DiscountPercent, row.VATPercent, row.DiscountAmount, row.VATAmount,
		row.SubTotal, row.GrandTotal, row.PaymentType, row.PaymentStatus,
		row.AmountPaid, row.AmountLeft, row.CustomerInfo, row.Items, row.PaymentNotes,
	).Scan(&newVersion)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM sales WHERE id = $1)`, sale.ID); err != nil {
			return nil, err
		}
		if !exists {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}

	sale.Version = newVersion
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context) ([]domain.Sale, error) {
	var rows []saleRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+saleColumns+` FROM sales ORDER BY created_at DESC`); err != nil {
		return nil, err
	}

	sales := make([]domain.Sale, 0, len(rows))
	for _, row := range rows {
		sale, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, nil
}

func (s *Store) ApplyStock(ctx context.Context, saleID string, quantities map[string]int, at time.Time) error {
	ids := make([]string, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE medicines SET quantity = $2 WHERE id = $1`, id, quantities[id])
		if err != nil {
			return err
		}
		if err := expectOneRow(res); err != nil {
			return fmt.Errorf("medicine %s: %w", id, err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE commit_intents
		SET completed_at = $2, last_error = ''
		WHERE sale_id = $1
	`, saleID, at.UTC())
	if err != nil {
		return err
	}
	if err := expectOneRow(res); err != nil {
		return fmt.Errorf("commit intent %s: %w", saleID, err)
	}

	return tx.Commit()
}

func (s *Store) FailCommit(ctx context.Context, saleID string, reason string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE commit_intents SET last_error = $2 WHERE sale_id = $1`, saleID, reason)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

type commitRow struct {
	SaleID      string       `db:"sale_id"`
	Lines       []byte       `db:"lines"`
	CreatedAt   time.Time    `db:"created_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
	LastError   string       `db:"last_error"`
}

func (r commitRow) toDomain() (domain.CommitIntent, error) {
	intent := domain.CommitIntent{
		SaleID:    r.SaleID,
		CreatedAt: r.CreatedAt.UTC(),
		LastError: r.LastError,
	}
	if err := json.Unmarshal(r.Lines, &intent.Lines); err != nil {
		return domain.CommitIntent{}, fmt.Errorf("commit intent %s lines: %w", r.SaleID, err)
	}
	if r.CompletedAt.Valid {
		completed := r.CompletedAt.Time.UTC()
		intent.CompletedAt = &completed
	}
	return intent, nil
}

func (s *Store) GetCommit(ctx context.Context, saleID string) (*domain.CommitIntent, error) {
	var row commitRow
	err := s.db.GetContext(ctx, &row, `
		SELECT sale_id, lines, created_at, completed_at, last_error
		FROM commit_intents
		WHERE sale_id = $1
	`, saleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	intent, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (s *Store) ListOpenCommits(ctx context.Context) ([]domain.CommitIntent, error) {
	var rows []commitRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT sale_id, lines, created_at, completed_at, last_error
		FROM commit_intents
		WHERE completed_at IS NULL
		ORDER BY created_at ASC
	`); err != nil {
		return nil, err
	}

	intents := make([]domain.CommitIntent, 0, len(rows))
	for _, row := range rows {
		intent, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

func expectOneRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
