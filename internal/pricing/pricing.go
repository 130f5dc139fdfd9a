// Package pricing computes sale totals and loyalty points. All amounts are
// integer minor units; rates and multipliers are decimals.
package pricing

import (
	"math"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

type Line struct {
	UnitPriceMinor int64
	Quantity       int
}

type Input struct {
	Lines          []Line
	Discount       *domain.Discount
	PointsBalance  int64
	PointsToRedeem int64
	// RedeemPesoPerPoint is the peso value of one redeemed point.
	RedeemPesoPerPoint decimal.Decimal
	// EarnPesosPerPoint is the amount spent, in pesos, per point earned.
	EarnPesosPerPoint decimal.Decimal
	TierMultiplier    decimal.Decimal
}

type Breakdown struct {
	SubtotalMinor       int64
	DiscountMinor       int64
	AfterDiscountMinor  int64
	MaxRedeemablePoints int64
	PointsRedeemed      int64
	ExchangeMinor       int64
	TotalDueMinor       int64
	BasePoints          int64
	PointsEarned        int64
}

// Calculate never fails. Out-of-range discounts and redemptions are clamped
// and a subtotal beyond int64 saturates at math.MaxInt64. Callers that
// persist totals reject such carts first with LineTotal and AddMinor.
func Calculate(in Input) Breakdown {
	var b Breakdown
	for _, line := range in.Lines {
		if line.Quantity < 1 || line.UnitPriceMinor < 0 {
			continue
		}
		total, ok := LineTotal(line.UnitPriceMinor, line.Quantity)
		if !ok {
			b.SubtotalMinor = math.MaxInt64
			continue
		}
		b.SubtotalMinor, ok = AddMinor(b.SubtotalMinor, total)
		if !ok {
			b.SubtotalMinor = math.MaxInt64
		}
	}

	b.DiscountMinor = DiscountAmount(b.SubtotalMinor, in.Discount)
	b.AfterDiscountMinor = max(0, b.SubtotalMinor-b.DiscountMinor)

	pointValueMinor := in.RedeemPesoPerPoint.Mul(hundred)
	if pointValueMinor.IsPositive() {
		affordable := decimal.NewFromInt(b.AfterDiscountMinor).Div(pointValueMinor).Floor().IntPart()
		b.MaxRedeemablePoints = min(max(0, in.PointsBalance), affordable)
		b.PointsRedeemed = min(max(0, in.PointsToRedeem), b.MaxRedeemablePoints)
		b.ExchangeMinor = decimal.NewFromInt(b.PointsRedeemed).Mul(pointValueMinor).Floor().IntPart()
	}
	b.TotalDueMinor = max(0, b.AfterDiscountMinor-b.ExchangeMinor)

	earnMinorPerPoint := in.EarnPesosPerPoint.Mul(hundred)
	if earnMinorPerPoint.IsPositive() {
		b.BasePoints = decimal.NewFromInt(b.TotalDueMinor).Div(earnMinorPerPoint).Floor().IntPart()
		multiplier := in.TierMultiplier
		if !multiplier.IsPositive() {
			multiplier = one
		}
		b.PointsEarned = decimal.NewFromInt(b.BasePoints).Mul(multiplier).Floor().IntPart()
	}

	return b
}

// DiscountAmount rounds percentage discounts half-up and caps fixed ones at
// the subtotal.
func DiscountAmount(subtotalMinor int64, discount *domain.Discount) int64 {
	if discount == nil || subtotalMinor <= 0 {
		return 0
	}

	switch discount.Type {
	case domain.DiscountPercentage:
		pct := decimal.Min(decimal.Max(discount.Value, decimal.Zero), hundred)
		return decimal.NewFromInt(subtotalMinor).Mul(pct).Div(hundred).Round(0).IntPart()
	case domain.DiscountFixed:
		value := decimal.Max(discount.Value, decimal.Zero).Floor().IntPart()
		return min(value, subtotalMinor)
	default:
		return 0
	}
}

// LineTotal multiplies price by quantity. ok is false for negative inputs or
// when the product does not fit in int64.
func LineTotal(unitPriceMinor int64, quantity int) (total int64, ok bool) {
	if unitPriceMinor < 0 || quantity < 0 {
		return 0, false
	}
	if quantity > 0 && unitPriceMinor > math.MaxInt64/int64(quantity) {
		return 0, false
	}
	return unitPriceMinor * int64(quantity), true
}

// AddMinor adds two non-negative amounts. ok is false on overflow.
func AddMinor(a, b int64) (sum int64, ok bool) {
	if a < 0 || b < 0 || a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}
