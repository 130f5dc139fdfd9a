package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const defaultLockTimeout = 3 * time.Second

const (
	productColumns  = `id, business_id, name, unit_price_minor, stock_quantity, low_stock_threshold, active, updated_at`
	customerColumns = `id, business_id, name, points_balance, tier, updated_at`
	saleColumns     = `id, business_id, COALESCE(customer_id, '') AS customer_id, staff_id, staff_name,
		COALESCE(idempotency_key, '') AS idempotency_key, subtotal_minor, discount_type, discount_reason,
		discount_minor, points_redeemed, exchange_minor, total_due_minor, tendered_minor, change_minor,
		points_earned, payment_method, status, void_reason, voided_by, voided_at, created_at`
	lineColumns     = `sale_id, line_no, COALESCE(product_id, '') AS product_id, name, quantity, unit_price_minor, line_total_minor`
	movementColumns = `seq, id, business_id, product_id, delta, movement_type, stock_after, performed_by,
		performed_by_name, reason, reference_id, created_at`
)

type Store struct {
	db          *sqlx.DB
	lockTimeout time.Duration
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

	return &Store{db: db, lockTimeout: defaultLockTimeout}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables, indexes and the movement
// append-only trigger. It is safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// RecordOpeningBalances writes one "opening stock" receiving movement for
// every stocked product that has no ledger history yet, so products loaded
// straight into the catalog reconcile. Ids derive from the product key, which
// keeps concurrent or repeated runs from writing twice. It returns the number
// of movements written.
func (s *Store) RecordOpeningBalances(ctx context.Context, performedBy string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_movements (id, business_id, product_id, delta, movement_type, stock_after, performed_by, performed_by_name, reason, created_at)
		SELECT 'mov-open-' || md5(p.business_id || '/' || p.id), p.business_id, p.id, p.stock_quantity, 'receiving', p.stock_quantity, $1, $1, 'opening stock', now()
		FROM products p
		WHERE p.stock_quantity > 0
		  AND NOT EXISTS (
			SELECT 1 FROM stock_movements m
			WHERE m.business_id = p.business_id AND m.product_id = p.id
		  )
		ON CONFLICT (id) DO NOTHING
	`, performedBy)
	if err != nil {
		return 0, fmt.Errorf("record opening balances: %w", err)
	}
	return res.RowsAffected()
}

// Atomic runs fn in a READ COMMITTED transaction. Rows are locked
// explicitly by the Tx methods and lock waits are bounded by lock_timeout.
func (s *Store) Atomic(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if _, err := sqlTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return classify(err)
	}
	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return classify(err)
	}
	return classify(sqlTx.Commit())
}

func (s *Store) GetProduct(ctx context.Context, businessID string, productID string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.GetContext(ctx, &p, `SELECT `+productColumns+` FROM products WHERE business_id = $1 AND id = $2`, businessID, productID)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context, businessID string) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 64)
	err := s.db.SelectContext(ctx, &products, `
		SELECT `+productColumns+`
		FROM products
		WHERE business_id = $1 AND active = true
		ORDER BY name, id
	`, businessID)
	return products, err
}

func (s *Store) GetCustomer(ctx context.Context, businessID string, customerID string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.GetContext(ctx, &c, `SELECT `+customerColumns+` FROM customers WHERE business_id = $1 AND id = $2`, businessID, customerID)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Store) GetLoyaltyProgram(ctx context.Context, businessID string) (*domain.LoyaltyProgram, error) {
	var p domain.LoyaltyProgram
	err := s.db.GetContext(ctx, &p, `
		SELECT business_id, earn_pesos_per_point, redeem_peso_per_point
		FROM loyalty_programs
		WHERE business_id = $1
	`, businessID)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) FindSaleByID(ctx context.Context, businessID string, saleID string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", businessID, saleID)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, businessID string, key string) (*domain.Sale, error) {
	return s.findSale(ctx, "idempotency_key", businessID, key)
}

func (s *Store) findSale(ctx context.Context, column string, businessID string, value string) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.GetContext(ctx, &sale, `SELECT `+saleColumns+` FROM sales WHERE business_id = $1 AND `+column+` = $2`, businessID, value)
	if err != nil {
		return nil, notFound(err)
	}
	if err := loadLines(ctx, s.db, []*domain.Sale{&sale}); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	conditions := []string{"business_id = :business_id"}
	args := map[string]any{"business_id": filter.BusinessID}
	if filter.PaymentMethod != "" {
		conditions = append(conditions, "payment_method = :payment_method")
		args["payment_method"] = filter.PaymentMethod
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = :status")
		args["status"] = filter.Status
	}
	conditions, args = withRange(conditions, args, filter.From, filter.To)

	query := `SELECT ` + saleColumns + ` FROM sales WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY created_at DESC, id DESC` + pageClause(filter.Limit, filter.Offset)

	sales := make([]domain.Sale, 0, 32)
	if err := namedSelect(ctx, s.db, &sales, query, args); err != nil {
		return nil, err
	}

	ptrs := make([]*domain.Sale, len(sales))
	for i := range sales {
		ptrs[i] = &sales[i]
	}
	if err := loadLines(ctx, s.db, ptrs); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) ListStockMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	conditions := []string{"business_id = :business_id"}
	args := map[string]any{"business_id": filter.BusinessID}
	if filter.ProductID != "" {
		conditions = append(conditions, "product_id = :product_id")
		args["product_id"] = filter.ProductID
	}
	if filter.Type != "" {
		conditions = append(conditions, "movement_type = :movement_type")
		args["movement_type"] = filter.Type
	}
	conditions, args = withRange(conditions, args, filter.From, filter.To)

	query := `SELECT ` + movementColumns + ` FROM stock_movements WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY seq DESC` + pageClause(filter.Limit, filter.Offset)

	movements := make([]domain.StockMovement, 0, 64)
	if err := namedSelect(ctx, s.db, &movements, query, args); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) ProductLedger(ctx context.Context, businessID string, productID string) ([]domain.StockMovement, error) {
	movements := make([]domain.StockMovement, 0, 32)
	err := s.db.SelectContext(ctx, &movements, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE business_id = $1 AND product_id = $2
		ORDER BY seq
	`, businessID, productID)
	return movements, err
}

func (s *Store) FindStaffByUsername(ctx context.Context, username string) (*domain.StaffAccount, error) {
	var a domain.StaffAccount
	err := s.db.GetContext(ctx, &a, `
		SELECT id, business_id, username, display_name, password_hash, role, active, created_at
		FROM staff_accounts
		WHERE username = $1
	`, username)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// CreateStaff inserts an account unless the username is taken. It reports
// whether a row was written.
func (s *Store) CreateStaff(ctx context.Context, account domain.StaffAccount) (bool, error) {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO staff_accounts (id, business_id, username, display_name, password_hash, role, active, created_at)
		VALUES (:id, :business_id, :username, :display_name, :password_hash, :role, :active, :created_at)
		ON CONFLICT (username) DO NOTHING
	`, account)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockProducts(ctx context.Context, businessID string, productIDs []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`
		SELECT `+productColumns+`
		FROM products
		WHERE business_id = ? AND id IN (?)
		ORDER BY id
		FOR UPDATE
	`, businessID, productIDs)
	if err != nil {
		return nil, err
	}

	var rows []domain.Product
	if err := t.tx.SelectContext(ctx, &rows, t.tx.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, p := range rows {
		out[p.ID] = p
	}
	return out, nil
}

func (t *pgTx) ApplyDelta(ctx context.Context, businessID string, productID string, delta int, expectNonNegative bool) (int, error) {
	var p domain.Product
	err := t.tx.GetContext(ctx, &p, `
		SELECT `+productColumns+`
		FROM products
		WHERE business_id = $1 AND id = $2
		FOR UPDATE
	`, businessID, productID)
	if err != nil {
		return 0, notFound(err)
	}
	if !p.Tracked() {
		return domain.UnlimitedStock, nil
	}

	next := p.StockQuantity + delta
	if expectNonNegative && next < 0 {
		return 0, &store.InsufficientStockError{Shortages: []store.Shortage{{
			ProductID: p.ID,
			Name:      p.Name,
			Requested: -delta,
			Available: p.StockQuantity,
		}}}
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = $3, updated_at = now()
		WHERE business_id = $1 AND id = $2
	`, businessID, productID, next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (t *pgTx) RecordMovement(ctx context.Context, movement domain.StockMovement) (domain.StockMovement, error) {
	stmt, err := t.tx.PrepareNamedContext(ctx, `
		INSERT INTO stock_movements (
			id, business_id, product_id, delta, movement_type, stock_after,
			performed_by, performed_by_name, reason, reference_id, created_at
		)
		VALUES (
			:id, :business_id, :product_id, :delta, :movement_type, :stock_after,
			:performed_by, :performed_by_name, :reason, :reference_id, :created_at
		)
		RETURNING seq
	`)
	if err != nil {
		return domain.StockMovement{}, err
	}
	defer stmt.Close()

	if err := stmt.GetContext(ctx, &movement.Seq, movement); err != nil {
		return domain.StockMovement{}, err
	}
	return movement, nil
}

func (t *pgTx) LockCustomer(ctx context.Context, businessID string, customerID string) (*domain.Customer, error) {
	var c domain.Customer
	err := t.tx.GetContext(ctx, &c, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE business_id = $1 AND id = $2
		FOR UPDATE
	`, businessID, customerID)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (t *pgTx) ApplyPointsDelta(ctx context.Context, businessID string, customerID string, delta int64) (int64, error) {
	var balance int64
	err := t.tx.GetContext(ctx, &balance, `
		UPDATE customers
		SET points_balance = GREATEST(0, points_balance + $3), updated_at = now()
		WHERE business_id = $1 AND id = $2
		RETURNING points_balance
	`, businessID, customerID, delta)
	if err != nil {
		return 0, notFound(err)
	}
	return balance, nil
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO sales (
			id, business_id, customer_id, staff_id, staff_name, idempotency_key,
			subtotal_minor, discount_type, discount_reason, discount_minor,
			points_redeemed, exchange_minor, total_due_minor, tendered_minor, change_minor,
			points_earned, payment_method, status, created_at
		)
		VALUES (
			:id, :business_id, NULLIF(:customer_id, ''), :staff_id, :staff_name, NULLIF(:idempotency_key, ''),
			:subtotal_minor, :discount_type, :discount_reason, :discount_minor,
			:points_redeemed, :exchange_minor, :total_due_minor, :tendered_minor, :change_minor,
			:points_earned, :payment_method, :status, :created_at
		)
	`, sale)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateSale
		}
		return err
	}

	for _, line := range sale.Lines {
		line.SaleID = sale.ID
		_, err := t.tx.NamedExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, line_no, product_id, name, quantity, unit_price_minor, line_total_minor)
			VALUES (:sale_id, :line_no, NULLIF(:product_id, ''), :name, :quantity, :unit_price_minor, :line_total_minor)
		`, line)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) LockSale(ctx context.Context, businessID string, saleID string) (*domain.Sale, error) {
	var sale domain.Sale
	err := t.tx.GetContext(ctx, &sale, `SELECT `+saleColumns+` FROM sales WHERE business_id = $1 AND id = $2 FOR UPDATE`, businessID, saleID)
	if err != nil {
		return nil, notFound(err)
	}
	if err := loadLines(ctx, t.tx, []*domain.Sale{&sale}); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (t *pgTx) MarkSaleVoided(ctx context.Context, businessID string, saleID string, reason string, voidedBy string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $3, void_reason = $4, voided_by = $5, voided_at = $6
		WHERE business_id = $1 AND id = $2 AND status = $7
	`, businessID, saleID, domain.SaleStatusVoided, reason, voidedBy, at, domain.SaleStatusCompleted)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var exists bool
	if err := t.tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM sales WHERE business_id = $1 AND id = $2)`, businessID, saleID); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrAlreadyVoided
}

// loadLines attaches sale lines to every sale in one query.
func loadLines(ctx context.Context, q sqlx.QueryerContext, sales []*domain.Sale) error {
	if len(sales) == 0 {
		return nil
	}
	ids := make([]string, len(sales))
	byID := make(map[string]*domain.Sale, len(sales))
	for i, sale := range sales {
		ids[i] = sale.ID
		sale.Lines = make([]domain.SaleLine, 0, 4)
		byID[sale.ID] = sale
	}

	query, args, err := sqlx.In(`SELECT `+lineColumns+` FROM sale_lines WHERE sale_id IN (?) ORDER BY sale_id, line_no`, ids)
	if err != nil {
		return err
	}
	var lines []domain.SaleLine
	if err := sqlx.SelectContext(ctx, q, &lines, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return err
	}
	for _, line := range lines {
		if sale, ok := byID[line.SaleID]; ok {
			sale.Lines = append(sale.Lines, line)
		}
	}
	return nil
}

func namedSelect(ctx context.Context, db *sqlx.DB, dest any, query string, args map[string]any) error {
	stmt, err := db.PrepareNamedContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	return stmt.SelectContext(ctx, dest, args)
}

func withRange(conditions []string, args map[string]any, from *time.Time, to *time.Time) ([]string, map[string]any) {
	if from != nil {
		conditions = append(conditions, "created_at >= :from")
		args["from"] = *from
	}
	if to != nil {
		conditions = append(conditions, "created_at < :to")
		args["to"] = *to
	}
	return conditions, args
}

func pageClause(limit int, offset int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, max(0, offset))
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// classify maps lock and serialization failures to ErrTransientConflict so
// the caller can retry the whole unit.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %s", store.ErrTransientConflict, pgErr.Message)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
