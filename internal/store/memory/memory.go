package memory

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// DemoBusinessID owns every row created by NewSeeded.
const DemoBusinessID = "biz-demo"

// Store keeps everything in maps. Atomic holds the write lock for the whole
// unit of work and undoes its changes when the unit fails.
type Store struct {
	mu          sync.RWMutex
	products    map[string]domain.Product
	customers   map[string]domain.Customer
	programs    map[string]domain.LoyaltyProgram
	sales       map[string]*domain.Sale
	salesByIdem map[string]string
	movements   []domain.StockMovement
	nextSeq     int64
	staff       map[string]domain.StaffAccount
}

func New() *Store {
	return &Store{
		products:    make(map[string]domain.Product),
		customers:   make(map[string]domain.Customer),
		programs:    make(map[string]domain.LoyaltyProgram),
		sales:       make(map[string]*domain.Sale),
		salesByIdem: make(map[string]string),
		movements:   make([]domain.StockMovement, 0, 256),
		staff:       make(map[string]domain.StaffAccount),
	}
}

// NewSeeded builds a demo store for local development. Staff passwords come
// from SEED_OWNER_PASSWORD, SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD.
func NewSeeded(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := New()

	for _, p := range []domain.Product{
		{ID: "prd-kape", Name: "Kape Barako 250g", UnitPriceMinor: 18500, StockQuantity: 40, LowStockThreshold: 10},
		{ID: "prd-pandesal", Name: "Pandesal (10 pcs)", UnitPriceMinor: 5000, StockQuantity: 120, LowStockThreshold: 20},
		{ID: "prd-sardinas", Name: "Sardinas 155g", UnitPriceMinor: 2650, StockQuantity: 80, LowStockThreshold: 12},
		{ID: "prd-softdrink", Name: "Softdrink 1.5L", UnitPriceMinor: 8500, StockQuantity: 36, LowStockThreshold: 6},
		{ID: "prd-rice", Name: "Sinandomeng Rice 5kg", UnitPriceMinor: 32500, StockQuantity: 15, LowStockThreshold: 5},
		{ID: "prd-ice", Name: "Ice Tube", UnitPriceMinor: 500, StockQuantity: 3, LowStockThreshold: 5},
		{ID: "prd-eload", Name: "E-Load 100", UnitPriceMinor: 10000, StockQuantity: domain.UnlimitedStock},
	} {
		p.BusinessID = DemoBusinessID
		p.Active = true
		s.AddProduct(p, "system")
	}

	for _, c := range []domain.Customer{
		{ID: "cus-ana", Name: "Ana Reyes", PointsBalance: 250, Tier: "silver"},
		{ID: "cus-ben", Name: "Ben Cruz", PointsBalance: 40, Tier: "bronze"},
		{ID: "cus-carla", Name: "Carla Santos", PointsBalance: 1200, Tier: "gold"},
	} {
		c.BusinessID = DemoBusinessID
		s.AddCustomer(c)
	}

	s.SetLoyaltyProgram(domain.LoyaltyProgram{
		BusinessID:         DemoBusinessID,
		EarnPesosPerPoint:  decimal.NewFromInt(10),
		RedeemPesoPerPoint: decimal.NewFromInt(1),
	})

	if os.Getenv("SEED_OWNER_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn("using default demo staff credentials; set SEED_OWNER_PASSWORD, SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}
	for _, u := range []struct {
		username string
		name     string
		password string
		role     string
	}{
		{"owner", "Olivia Owner", envOr("SEED_OWNER_PASSWORD", "owner12345"), domain.RoleOwner},
		{"manager", "Marco Manager", envOr("SEED_MANAGER_PASSWORD", "manager123"), domain.RoleManager},
		{"cashier", "Carlo Cashier", envOr("SEED_CASHIER_PASSWORD", "cashier123"), domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		s.AddStaff(domain.StaffAccount{
			ID:           "stf-" + u.username,
			BusinessID:   DemoBusinessID,
			Username:     u.username,
			DisplayName:  u.name,
			PasswordHash: string(hash),
			Role:         u.role,
			Active:       true,
		})
	}

	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// AddProduct stores a product. Opening stock on a tracked product is written
// to the ledger as a receiving movement so the ledger always reconciles.
func (s *Store) AddProduct(p domain.Product, performedBy string) domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	p.UpdatedAt = now
	if p.Tracked() && p.StockQuantity < 0 {
		p.StockQuantity = 0
	}
	s.products[key(p.BusinessID, p.ID)] = p

	if p.Tracked() && p.StockQuantity > 0 {
		s.appendMovement(domain.StockMovement{
			ID:              xid.New("mov"),
			BusinessID:      p.BusinessID,
			ProductID:       p.ID,
			Delta:           p.StockQuantity,
			Type:            domain.MovementReceiving,
			StockAfter:      p.StockQuantity,
			PerformedBy:     performedBy,
			PerformedByName: performedBy,
			Reason:          "opening stock",
			CreatedAt:       now,
		})
	}
	return p
}

func (s *Store) AddCustomer(c domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.UpdatedAt = time.Now().UTC()
	s.customers[key(c.BusinessID, c.ID)] = c
}

func (s *Store) SetLoyaltyProgram(p domain.LoyaltyProgram) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs[p.BusinessID] = p
}

func (s *Store) AddStaff(a domain.StaffAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.staff[a.Username] = a
}

func (s *Store) Atomic(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) GetProduct(_ context.Context, businessID string, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[key(businessID, productID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListProducts(_ context.Context, businessID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.BusinessID == businessID && p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) GetCustomer(_ context.Context, businessID string, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[key(businessID, customerID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) GetLoyaltyProgram(_ context.Context, businessID string) (*domain.LoyaltyProgram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.programs[businessID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) FindSaleByID(_ context.Context, businessID string, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[saleID]
	if !ok || sale.BusinessID != businessID {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, businessID string, idempotencyKey string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	saleID, ok := s.salesByIdem[key(businessID, idempotencyKey)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(s.sales[saleID]), nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Sale, 0, 32)
	for _, sale := range s.sales {
		if sale.BusinessID != filter.BusinessID {
			continue
		}
		if filter.PaymentMethod != "" && sale.PaymentMethod != filter.PaymentMethod {
			continue
		}
		if filter.Status != "" && sale.Status != filter.Status {
			continue
		}
		if !inRange(sale.CreatedAt, filter.From, filter.To) {
			continue
		}
		out = append(out, *cloneSale(sale))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *Store) ListStockMovements(_ context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StockMovement, 0, 64)
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if m.BusinessID != filter.BusinessID {
			continue
		}
		if filter.ProductID != "" && m.ProductID != filter.ProductID {
			continue
		}
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		if !inRange(m.CreatedAt, filter.From, filter.To) {
			continue
		}
		out = append(out, m)
	}
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *Store) ProductLedger(_ context.Context, businessID string, productID string) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StockMovement, 0, 32)
	for _, m := range s.movements {
		if m.BusinessID == businessID && m.ProductID == productID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) FindStaffByUsername(_ context.Context, username string) (*domain.StaffAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.staff[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

// appendMovement requires s.mu to be held.
func (s *Store) appendMovement(m domain.StockMovement) domain.StockMovement {
	s.nextSeq++
	m.Seq = s.nextSeq
	s.movements = append(s.movements, m)
	return m
}

type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) LockProducts(_ context.Context, businessID string, productIDs []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := t.s.products[key(businessID, id)]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (t *memTx) ApplyDelta(_ context.Context, businessID string, productID string, delta int, expectNonNegative bool) (int, error) {
	k := key(businessID, productID)
	p, ok := t.s.products[k]
	if !ok {
		return 0, store.ErrNotFound
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

	prev := p
	p.StockQuantity = next
	p.UpdatedAt = time.Now().UTC()
	t.s.products[k] = p
	t.undo = append(t.undo, func() { t.s.products[k] = prev })
	return next, nil
}

func (t *memTx) RecordMovement(_ context.Context, movement domain.StockMovement) (domain.StockMovement, error) {
	recorded := t.s.appendMovement(movement)
	t.undo = append(t.undo, func() {
		t.s.movements = t.s.movements[:len(t.s.movements)-1]
		t.s.nextSeq--
	})
	return recorded, nil
}

func (t *memTx) LockCustomer(_ context.Context, businessID string, customerID string) (*domain.Customer, error) {
	c, ok := t.s.customers[key(businessID, customerID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (t *memTx) ApplyPointsDelta(_ context.Context, businessID string, customerID string, delta int64) (int64, error) {
	k := key(businessID, customerID)
	c, ok := t.s.customers[k]
	if !ok {
		return 0, store.ErrNotFound
	}

	prev := c
	c.PointsBalance = max(0, c.PointsBalance+delta)
	c.UpdatedAt = time.Now().UTC()
	t.s.customers[k] = c
	t.undo = append(t.undo, func() { t.s.customers[k] = prev })
	return c.PointsBalance, nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	if _, exists := t.s.sales[sale.ID]; exists {
		return store.ErrDuplicateSale
	}
	idemKey := ""
	if sale.IdempotencyKey != "" {
		idemKey = key(sale.BusinessID, sale.IdempotencyKey)
		if _, exists := t.s.salesByIdem[idemKey]; exists {
			return store.ErrDuplicateSale
		}
	}

	t.s.sales[sale.ID] = cloneSale(&sale)
	if idemKey != "" {
		t.s.salesByIdem[idemKey] = sale.ID
	}
	t.undo = append(t.undo, func() {
		delete(t.s.sales, sale.ID)
		if idemKey != "" {
			delete(t.s.salesByIdem, idemKey)
		}
	})
	return nil
}

func (t *memTx) LockSale(_ context.Context, businessID string, saleID string) (*domain.Sale, error) {
	sale, ok := t.s.sales[saleID]
	if !ok || sale.BusinessID != businessID {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (t *memTx) MarkSaleVoided(_ context.Context, businessID string, saleID string, reason string, voidedBy string, at time.Time) error {
	sale, ok := t.s.sales[saleID]
	if !ok || sale.BusinessID != businessID {
		return store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusCompleted {
		return store.ErrAlreadyVoided
	}

	prev := cloneSale(sale)
	voidedAt := at
	sale.Status = domain.SaleStatusVoided
	sale.VoidReason = reason
	sale.VoidedBy = voidedBy
	sale.VoidedAt = &voidedAt
	t.undo = append(t.undo, func() { t.s.sales[saleID] = prev })
	return nil
}

func key(businessID, id string) string {
	return businessID + "\x00" + id
}

func cloneSale(sale *domain.Sale) *domain.Sale {
	if sale == nil {
		return nil
	}
	cloned := *sale
	cloned.Lines = append([]domain.SaleLine(nil), sale.Lines...)
	if sale.VoidedAt != nil {
		at := *sale.VoidedAt
		cloned.VoidedAt = &at
	}
	return &cloned
}

func inRange(at time.Time, from *time.Time, to *time.Time) bool {
	if from != nil && at.Before(*from) {
		return false
	}
	if to != nil && !at.Before(*to) {
		return false
	}
	return true
}

func paginate[T any](items []T, limit int, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
