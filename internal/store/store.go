package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"posledger/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidCustomer   = errors.New("invalid customer")
	ErrAlreadyVoided     = errors.New("sale already voided")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrTransientConflict = errors.New("transient conflict")
	ErrDuplicateSale     = errors.New("duplicate idempotency key")
)

type Shortage struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// InsufficientStockError lists every cart line that could not be covered.
type InsufficientStockError struct {
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		name := s.Name
		if name == "" {
			name = s.ProductID
		}
		parts = append(parts, fmt.Sprintf("only %d in stock for %s (requested %d)", max(0, s.Available), name, s.Requested))
	}
	if len(parts) == 0 {
		return ErrInsufficientStock.Error()
	}
	return strings.Join(parts, "; ")
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Tx is one atomic unit of work. Every method runs against rows locked for
// the lifetime of the unit.
type Tx interface {
	// LockProducts locks the given products in id order and returns them
	// keyed by id. Missing products are absent from the map.
	LockProducts(ctx context.Context, businessID string, productIDs []string) (map[string]domain.Product, error)
	// ApplyDelta adds delta to a product's stock and returns the new level.
	// Untracked products return domain.UnlimitedStock and are not changed.
	ApplyDelta(ctx context.Context, businessID string, productID string, delta int, expectNonNegative bool) (int, error)
	RecordMovement(ctx context.Context, movement domain.StockMovement) (domain.StockMovement, error)
	LockCustomer(ctx context.Context, businessID string, customerID string) (*domain.Customer, error)
	// ApplyPointsDelta floors the resulting balance at zero.
	ApplyPointsDelta(ctx context.Context, businessID string, customerID string, delta int64) (int64, error)
	InsertSale(ctx context.Context, sale domain.Sale) error
	LockSale(ctx context.Context, businessID string, saleID string) (*domain.Sale, error)
	MarkSaleVoided(ctx context.Context, businessID string, saleID string, reason string, voidedBy string, at time.Time) error
}

type Repository interface {
	// Atomic runs fn in a single transaction. Any error from fn rolls back
	// every change made through the Tx.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	GetProduct(ctx context.Context, businessID string, productID string) (*domain.Product, error)
	ListProducts(ctx context.Context, businessID string) ([]domain.Product, error)
	GetCustomer(ctx context.Context, businessID string, customerID string) (*domain.Customer, error)
	GetLoyaltyProgram(ctx context.Context, businessID string) (*domain.LoyaltyProgram, error)

	FindSaleByID(ctx context.Context, businessID string, saleID string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, businessID string, key string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)

	ListStockMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error)
	// ProductLedger returns every movement of a product, oldest first.
	ProductLedger(ctx context.Context, businessID string, productID string) ([]domain.StockMovement, error)

	FindStaffByUsername(ctx context.Context, username string) (*domain.StaffAccount, error)
}
