package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// UnlimitedStock marks a product whose stock is not tracked.
const UnlimitedStock = -1

// MaxLineQuantity is the largest quantity a single sale line may carry. Stock
// and line quantities are stored as 32-bit integers.
const MaxLineQuantity = math.MaxInt32

const (
	SaleStatusCompleted = "completed"
	SaleStatusVoided    = "voided"
)

const (
	MovementSale        = "sale"
	MovementVoidRestore = "void_restore"
	MovementReceiving   = "receiving"
	MovementAdjustment  = "adjustment"
)

const (
	DiscountPercentage = "percentage"
	DiscountFixed      = "fixed"
)

const (
	PaymentCash         = "cash"
	PaymentCard         = "card"
	PaymentGCash        = "gcash"
	PaymentMaya         = "maya"
	PaymentBankTransfer = "bank_transfer"
)

type Product struct {
	ID                string    `json:"id" db:"id"`
	BusinessID        string    `json:"business_id" db:"business_id"`
	Name              string    `json:"name" db:"name"`
	UnitPriceMinor    int64     `json:"unit_price_minor" db:"unit_price_minor"`
	StockQuantity     int       `json:"stock_quantity" db:"stock_quantity"`
	LowStockThreshold int       `json:"low_stock_threshold" db:"low_stock_threshold"`
	Active            bool      `json:"active" db:"active"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

func (p Product) Tracked() bool {
	return p.StockQuantity != UnlimitedStock
}

func (p Product) LowStock() bool {
	return p.Tracked() && p.StockQuantity <= p.LowStockThreshold
}

type Customer struct {
	ID            string    `json:"id" db:"id"`
	BusinessID    string    `json:"business_id" db:"business_id"`
	Name          string    `json:"name" db:"name"`
	PointsBalance int64     `json:"points_balance" db:"points_balance"`
	Tier          string    `json:"tier" db:"tier"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// LoyaltyProgram holds a business's conversion rates. EarnPesosPerPoint is
// the amount spent per point earned; RedeemPesoPerPoint is the value of one
// redeemed point.
type LoyaltyProgram struct {
	BusinessID         string          `json:"business_id" db:"business_id"`
	EarnPesosPerPoint  decimal.Decimal `json:"earn_pesos_per_point" db:"earn_pesos_per_point"`
	RedeemPesoPerPoint decimal.Decimal `json:"redeem_peso_per_point" db:"redeem_peso_per_point"`
}

// CartLine is either a catalog reference (ProductID set) or a manual item
// carrying its own name and price.
type CartLine struct {
	ProductID      string `json:"product_id,omitempty"`
	Name           string `json:"name,omitempty"`
	UnitPriceMinor int64  `json:"unit_price_minor,omitempty"`
	Quantity       int    `json:"quantity"`
}

func (l CartLine) Manual() bool {
	return l.ProductID == ""
}

// Discount.Value is a percent for percentage discounts and minor units for
// fixed ones.
type Discount struct {
	Type   string          `json:"type"`
	Value  decimal.Decimal `json:"value"`
	Reason string          `json:"reason,omitempty"`
}

type QuoteRequest struct {
	CustomerID     string     `json:"customer_id,omitempty"`
	Lines          []CartLine `json:"lines"`
	Discount       *Discount  `json:"discount,omitempty"`
	PointsToRedeem int64      `json:"points_to_redeem,omitempty"`
}

type CompleteSaleRequest struct {
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	CustomerID     string     `json:"customer_id,omitempty"`
	Lines          []CartLine `json:"lines"`
	Discount       *Discount  `json:"discount,omitempty"`
	PointsToRedeem int64      `json:"points_to_redeem,omitempty"`
	PaymentMethod  string     `json:"payment_method"`
	TenderedMinor  *int64     `json:"tendered_minor,omitempty"`
}

type Quote struct {
	Lines               []SaleLine      `json:"lines"`
	SubtotalMinor       int64           `json:"subtotal_minor"`
	DiscountMinor       int64           `json:"discount_minor"`
	AfterDiscountMinor  int64           `json:"after_discount_minor"`
	MaxRedeemablePoints int64           `json:"max_redeemable_points"`
	PointsRedeemed      int64           `json:"points_redeemed"`
	ExchangeMinor       int64           `json:"exchange_minor"`
	TotalDueMinor       int64           `json:"total_due_minor"`
	BasePoints          int64           `json:"base_points"`
	PointsEarned        int64           `json:"points_earned"`
	Tier                string          `json:"tier,omitempty"`
	TierMultiplier      decimal.Decimal `json:"tier_multiplier"`
}

type Sale struct {
	ID             string     `json:"id" db:"id"`
	BusinessID     string     `json:"business_id" db:"business_id"`
	CustomerID     string     `json:"customer_id,omitempty" db:"customer_id"`
	StaffID        string     `json:"staff_id" db:"staff_id"`
	StaffName      string     `json:"staff_name" db:"staff_name"`
	IdempotencyKey string     `json:"idempotency_key,omitempty" db:"idempotency_key"`
	SubtotalMinor  int64      `json:"subtotal_minor" db:"subtotal_minor"`
	DiscountType   string     `json:"discount_type,omitempty" db:"discount_type"`
	DiscountReason string     `json:"discount_reason,omitempty" db:"discount_reason"`
	DiscountMinor  int64      `json:"discount_minor" db:"discount_minor"`
	PointsRedeemed int64      `json:"points_redeemed" db:"points_redeemed"`
	ExchangeMinor  int64      `json:"exchange_minor" db:"exchange_minor"`
	TotalDueMinor  int64      `json:"total_due_minor" db:"total_due_minor"`
	TenderedMinor  int64      `json:"tendered_minor" db:"tendered_minor"`
	ChangeMinor    int64      `json:"change_minor" db:"change_minor"`
	PointsEarned   int64      `json:"points_earned" db:"points_earned"`
	PaymentMethod  string     `json:"payment_method" db:"payment_method"`
	Status         string     `json:"status" db:"status"`
	VoidReason     string     `json:"void_reason,omitempty" db:"void_reason"`
	VoidedBy       string     `json:"voided_by,omitempty" db:"voided_by"`
	VoidedAt       *time.Time `json:"voided_at,omitempty" db:"voided_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	Lines          []SaleLine `json:"lines" db:"-"`
}

// SaleLine is a snapshot taken at sale time. ProductID is kept only so a void
// knows what to restock; it is empty for manual items.
type SaleLine struct {
	SaleID         string `json:"-" db:"sale_id"`
	LineNo         int    `json:"line_no" db:"line_no"`
	ProductID      string `json:"product_id,omitempty" db:"product_id"`
	Name           string `json:"name" db:"name"`
	Quantity       int    `json:"quantity" db:"quantity"`
	UnitPriceMinor int64  `json:"unit_price_minor" db:"unit_price_minor"`
	LineTotalMinor int64  `json:"line_total_minor" db:"line_total_minor"`
}

type CompleteSaleResponse struct {
	Sale          Sale   `json:"sale"`
	Duplicate     bool   `json:"duplicate"`
	PointsBalance *int64 `json:"points_balance,omitempty"`
}

type VoidSaleRequest struct {
	Reason string `json:"reason"`
}

type StockMovement struct {
	Seq             int64     `json:"seq" db:"seq"`
	ID              string    `json:"id" db:"id"`
	BusinessID      string    `json:"business_id" db:"business_id"`
	ProductID       string    `json:"product_id" db:"product_id"`
	Delta           int       `json:"delta" db:"delta"`
	Type            string    `json:"type" db:"movement_type"`
	StockAfter      int       `json:"stock_after" db:"stock_after"`
	PerformedBy     string    `json:"performed_by" db:"performed_by"`
	PerformedByName string    `json:"performed_by_name" db:"performed_by_name"`
	Reason          string    `json:"reason,omitempty" db:"reason"`
	ReferenceID     string    `json:"reference_id,omitempty" db:"reference_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

type ReceiveStockRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Notes     string `json:"notes,omitempty"`
}

type AdjustStockRequest struct {
	ProductID   string `json:"product_id"`
	NewQuantity int    `json:"new_quantity"`
	Reason      string `json:"reason"`
}

type SaleFilter struct {
	BusinessID    string
	PaymentMethod string
	Status        string
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}

type MovementFilter struct {
	BusinessID string
	ProductID  string
	Type       string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

type StockLevel struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Tracked   bool   `json:"tracked"`
	LowStock  bool   `json:"low_stock"`
}

type StaffAccount struct {
	ID           string    `json:"id" db:"id"`
	BusinessID   string    `json:"business_id" db:"business_id"`
	Username     string    `json:"username" db:"username"`
	DisplayName  string    `json:"display_name" db:"display_name"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         string    `json:"role" db:"role"`
	Active       bool      `json:"active" db:"active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken  string   `json:"access_token"`
	BusinessID   string   `json:"business_id"`
	DisplayName  string   `json:"display_name"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities"`
	ExpiresAt    string   `json:"expires_at"`
}
