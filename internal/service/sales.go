package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/events"
	"posledger/backend/internal/inventory"
	"posledger/backend/internal/pricing"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

var hundredPercent = decimal.NewFromInt(100)

// Quote prices a cart against current catalog prices and the customer's
// current balance and tier. Nothing is written.
func (s *Service) Quote(ctx context.Context, actor domain.Actor, req domain.QuoteRequest) (domain.Quote, error) {
	if err := authorize(actor, domain.CapabilityPOS); err != nil {
		return domain.Quote{}, err
	}
	lines, err := normalizeLines(req.Lines)
	if err != nil {
		return domain.Quote{}, err
	}
	customerID := strings.TrimSpace(req.CustomerID)
	if err := validateAdjustments(req.Discount, req.PointsToRedeem, customerID); err != nil {
		return domain.Quote{}, err
	}

	products := make(map[string]domain.Product)
	for _, id := range catalogIDs(lines) {
		p, err := s.repo.GetProduct(ctx, actor.BusinessID, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return domain.Quote{}, err
		}
		products[id] = *p
	}
	saleLines, err := snapshotLines(lines, products)
	if err != nil {
		return domain.Quote{}, err
	}

	var customer *domain.Customer
	if customerID != "" {
		customer, err = s.repo.GetCustomer(ctx, actor.BusinessID, customerID)
		if errors.Is(err, store.ErrNotFound) {
			return domain.Quote{}, fmt.Errorf("%w: customer %s not found", store.ErrInvalidCustomer, customerID)
		}
		if err != nil {
			return domain.Quote{}, err
		}
	}

	program, err := s.loyaltyProgram(ctx, actor.BusinessID)
	if err != nil {
		return domain.Quote{}, err
	}
	return s.buildQuote(saleLines, req.Discount, customer, req.PointsToRedeem, program), nil
}

// CompleteSale re-prices the cart, debits stock, records one sale movement
// per product, settles points and persists the sale in one atomic unit.
// A repeated idempotency key returns the original sale untouched.
func (s *Service) CompleteSale(ctx context.Context, actor domain.Actor, req domain.CompleteSaleRequest) (domain.CompleteSaleResponse, error) {
	if err := authorize(actor, domain.CapabilityPOS); err != nil {
		return domain.CompleteSaleResponse{}, err
	}
	lines, err := normalizeLines(req.Lines)
	if err != nil {
		return domain.CompleteSaleResponse{}, err
	}
	customerID := strings.TrimSpace(req.CustomerID)
	if err := validateAdjustments(req.Discount, req.PointsToRedeem, customerID); err != nil {
		return domain.CompleteSaleResponse{}, err
	}
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.CompleteSaleResponse{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, req.PaymentMethod)
	}

	idemKey := strings.TrimSpace(req.IdempotencyKey)
	if idemKey != "" {
		existing, err := s.repo.FindSaleByIdempotency(ctx, actor.BusinessID, idemKey)
		if err == nil {
			return domain.CompleteSaleResponse{Sale: *existing, Duplicate: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.CompleteSaleResponse{}, err
		}
	}

	program, err := s.loyaltyProgram(ctx, actor.BusinessID)
	if err != nil {
		return domain.CompleteSaleResponse{}, err
	}

	var (
		sale      domain.Sale
		movements []domain.StockMovement
		balance   *int64
	)
	err = s.atomic(ctx, "complete_sale", func(tx store.Tx) error {
		movements = movements[:0]
		balance = nil

		products, err := tx.LockProducts(ctx, actor.BusinessID, catalogIDs(lines))
		if err != nil {
			return err
		}
		saleLines, err := snapshotLines(lines, products)
		if err != nil {
			return err
		}

		var customer *domain.Customer
		if customerID != "" {
			customer, err = tx.LockCustomer(ctx, actor.BusinessID, customerID)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: customer %s not found", store.ErrInvalidCustomer, customerID)
			}
			if err != nil {
				return err
			}
		}

		quote := s.buildQuote(saleLines, req.Discount, customer, req.PointsToRedeem, program)
		tendered, change, err := settle(req.PaymentMethod, req.TenderedMinor, quote.TotalDueMinor)
		if err != nil {
			return err
		}

		if shortages := findShortages(lines, products); len(shortages) > 0 {
			return &store.InsufficientStockError{Shortages: shortages}
		}

		saleID := xid.New("sale")
		for _, line := range lines {
			if line.Manual() {
				continue
			}
			m, err := s.ledger.Apply(ctx, tx, inventory.Move{
				BusinessID:        actor.BusinessID,
				ProductID:         line.ProductID,
				Delta:             -line.Quantity,
				Type:              domain.MovementSale,
				ExpectNonNegative: true,
				Performer:         actor,
				Reason:            "sale",
				ReferenceID:       saleID,
			})
			if err != nil {
				return err
			}
			if m != nil {
				movements = append(movements, *m)
			}
		}

		if customer != nil {
			current := customer.PointsBalance
			if delta := quote.PointsEarned - quote.PointsRedeemed; delta != 0 {
				current, err = tx.ApplyPointsDelta(ctx, actor.BusinessID, customer.ID, delta)
				if err != nil {
					return err
				}
			}
			balance = &current
		}

		sale = domain.Sale{
			ID:             saleID,
			BusinessID:     actor.BusinessID,
			CustomerID:     customerID,
			StaffID:        actor.StaffID,
			StaffName:      actor.DisplayName,
			IdempotencyKey: idemKey,
			SubtotalMinor:  quote.SubtotalMinor,
			DiscountMinor:  quote.DiscountMinor,
			PointsRedeemed: quote.PointsRedeemed,
			ExchangeMinor:  quote.ExchangeMinor,
			TotalDueMinor:  quote.TotalDueMinor,
			TenderedMinor:  tendered,
			ChangeMinor:    change,
			PointsEarned:   quote.PointsEarned,
			PaymentMethod:  req.PaymentMethod,
			Status:         domain.SaleStatusCompleted,
			CreatedAt:      s.now(),
			Lines:          make([]domain.SaleLine, len(quote.Lines)),
		}
		if req.Discount != nil {
			sale.DiscountType = req.Discount.Type
			sale.DiscountReason = strings.TrimSpace(req.Discount.Reason)
		}
		for i, line := range quote.Lines {
			line.SaleID = saleID
			sale.Lines[i] = line
		}

		return tx.InsertSale(ctx, sale)
	})
	if errors.Is(err, store.ErrDuplicateSale) && idemKey != "" {
		existing, findErr := s.repo.FindSaleByIdempotency(ctx, actor.BusinessID, idemKey)
		if findErr == nil {
			return domain.CompleteSaleResponse{Sale: *existing, Duplicate: true}, nil
		}
	}
	if err != nil {
		return domain.CompleteSaleResponse{}, err
	}

	s.log.Info("sale completed",
		zap.String("business_id", sale.BusinessID),
		zap.String("sale_id", sale.ID),
		zap.String("staff_id", sale.StaffID),
		zap.Int64("total_due_minor", sale.TotalDueMinor),
		zap.Int64("points_earned", sale.PointsEarned),
		zap.Int64("points_redeemed", sale.PointsRedeemed),
	)
	s.cacheSale(ctx, &sale)
	s.publish(ctx, events.Event{Type: events.SaleCompleted, BusinessID: sale.BusinessID, ActorID: actor.StaffID, Sale: &sale, OccurredAt: sale.CreatedAt})
	s.publishMovements(ctx, actor, movements)

	return domain.CompleteSaleResponse{Sale: sale, PointsBalance: balance}, nil
}

// VoidSale restores stock for every catalog line, reverses the points effect
// and marks the sale voided. Only the void fields of the sale change.
func (s *Service) VoidSale(ctx context.Context, actor domain.Actor, saleID string, reason string) (*domain.Sale, error) {
	if err := authorize(actor, domain.CapabilityVoid); err != nil {
		return nil, err
	}
	saleID = strings.TrimSpace(saleID)
	reason = strings.TrimSpace(reason)
	if saleID == "" {
		return nil, fmt.Errorf("%w: sale id is required", store.ErrValidation)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: void reason is required", store.ErrValidation)
	}

	var (
		voided    *domain.Sale
		movements []domain.StockMovement
	)
	err := s.atomic(ctx, "void_sale", func(tx store.Tx) error {
		movements = movements[:0]

		sale, err := tx.LockSale(ctx, actor.BusinessID, saleID)
		if err != nil {
			return err
		}
		if sale.Status == domain.SaleStatusVoided {
			return fmt.Errorf("%w: sale %s was voided", store.ErrAlreadyVoided, sale.ID)
		}

		restock := make(map[string]int)
		for _, line := range sale.Lines {
			if line.ProductID != "" {
				restock[line.ProductID] += line.Quantity
			}
		}
		ids := sortedKeys(restock)
		products, err := tx.LockProducts(ctx, actor.BusinessID, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := products[id]; !ok {
				s.log.Warn("product no longer exists, skipping restock", zap.String("sale_id", sale.ID), zap.String("product_id", id))
				continue
			}
			m, err := s.ledger.Apply(ctx, tx, inventory.Move{
				BusinessID:  actor.BusinessID,
				ProductID:   id,
				Delta:       restock[id],
				Type:        domain.MovementVoidRestore,
				Performer:   actor,
				Reason:      reason,
				ReferenceID: sale.ID,
			})
			if err != nil {
				return err
			}
			if m != nil {
				movements = append(movements, *m)
			}
		}

		if sale.CustomerID != "" {
			if delta := sale.PointsRedeemed - sale.PointsEarned; delta != 0 {
				_, err := tx.ApplyPointsDelta(ctx, actor.BusinessID, sale.CustomerID, delta)
				if errors.Is(err, store.ErrNotFound) {
					s.log.Warn("customer no longer exists, skipping points reversal", zap.String("sale_id", sale.ID), zap.String("customer_id", sale.CustomerID))
				} else if err != nil {
					return err
				}
			}
		}

		at := s.now()
		if err := tx.MarkSaleVoided(ctx, actor.BusinessID, sale.ID, reason, actor.StaffID, at); err != nil {
			return err
		}
		sale.Status = domain.SaleStatusVoided
		sale.VoidReason = reason
		sale.VoidedBy = actor.StaffID
		sale.VoidedAt = &at
		voided = sale
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("sale voided",
		zap.String("business_id", voided.BusinessID),
		zap.String("sale_id", voided.ID),
		zap.String("voided_by", voided.VoidedBy),
		zap.String("reason", voided.VoidReason),
	)
	if err := s.cache.Delete(ctx, cache.SaleKey(voided.BusinessID, voided.ID)); err != nil {
		s.log.Warn("invalidate receipt cache failed", zap.String("sale_id", voided.ID), zap.Error(err))
	}
	s.publish(ctx, events.Event{Type: events.SaleVoided, BusinessID: voided.BusinessID, ActorID: actor.StaffID, Sale: voided, OccurredAt: *voided.VoidedAt})
	s.publishMovements(ctx, actor, movements)

	return voided, nil
}

func (s *Service) GetSale(ctx context.Context, actor domain.Actor, saleID string) (*domain.Sale, error) {
	if err := authorize(actor, domain.CapabilityPOS, domain.CapabilityReports); err != nil {
		return nil, err
	}
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return nil, fmt.Errorf("%w: sale id is required", store.ErrValidation)
	}

	key := cache.SaleKey(actor.BusinessID, saleID)
	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn("read receipt cache failed", zap.String("sale_id", saleID), zap.Error(err))
	}
	if ok && cached.BusinessID == actor.BusinessID {
		return cached, nil
	}

	sale, err := s.repo.FindSaleByID(ctx, actor.BusinessID, saleID)
	if err != nil {
		return nil, err
	}
	s.cacheSale(ctx, sale)
	return sale, nil
}

func (s *Service) ListSales(ctx context.Context, actor domain.Actor, filter domain.SaleFilter) ([]domain.Sale, error) {
	if err := authorize(actor, domain.CapabilityReports); err != nil {
		return nil, err
	}
	filter.BusinessID = actor.BusinessID
	filter.PaymentMethod = strings.ToLower(strings.TrimSpace(filter.PaymentMethod))
	filter.Status = strings.ToLower(strings.TrimSpace(filter.Status))

	if filter.PaymentMethod != "" && !isSupportedPaymentMethod(filter.PaymentMethod) {
		return nil, fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, filter.PaymentMethod)
	}
	if filter.Status != "" && filter.Status != domain.SaleStatusCompleted && filter.Status != domain.SaleStatusVoided {
		return nil, fmt.Errorf("%w: unknown sale status %q", store.ErrValidation, filter.Status)
	}
	if err := validRange(filter.From, filter.To); err != nil {
		return nil, err
	}
	limit, offset, err := pageBounds(filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	filter.Limit, filter.Offset = limit, offset

	return s.repo.ListSales(ctx, filter)
}

func (s *Service) cacheSale(ctx context.Context, sale *domain.Sale) {
	if err := s.cache.Set(ctx, cache.SaleKey(sale.BusinessID, sale.ID), sale, s.receiptTTL); err != nil {
		s.log.Warn("write receipt cache failed", zap.String("sale_id", sale.ID), zap.Error(err))
	}
}

func (s *Service) buildQuote(lines []domain.SaleLine, discount *domain.Discount, customer *domain.Customer, pointsToRedeem int64, program domain.LoyaltyProgram) domain.Quote {
	in := pricing.Input{
		Lines:              make([]pricing.Line, len(lines)),
		Discount:           discount,
		RedeemPesoPerPoint: program.RedeemPesoPerPoint,
		EarnPesosPerPoint:  program.EarnPesosPerPoint,
	}
	for i, line := range lines {
		in.Lines[i] = pricing.Line{UnitPriceMinor: line.UnitPriceMinor, Quantity: line.Quantity}
	}

	quote := domain.Quote{Lines: lines}
	if customer != nil {
		t, _ := s.tiers.Lookup(customer.Tier)
		in.PointsBalance = customer.PointsBalance
		in.PointsToRedeem = pointsToRedeem
		in.TierMultiplier = s.tiers.Multiplier(customer.Tier)
		quote.Tier = t.Name
		quote.TierMultiplier = in.TierMultiplier
	}

	b := pricing.Calculate(in)
	quote.SubtotalMinor = b.SubtotalMinor
	quote.DiscountMinor = b.DiscountMinor
	quote.AfterDiscountMinor = b.AfterDiscountMinor
	quote.MaxRedeemablePoints = b.MaxRedeemablePoints
	quote.PointsRedeemed = b.PointsRedeemed
	quote.ExchangeMinor = b.ExchangeMinor
	quote.TotalDueMinor = b.TotalDueMinor
	if customer != nil {
		quote.BasePoints = b.BasePoints
		quote.PointsEarned = b.PointsEarned
	}
	return quote
}

// normalizeLines validates the cart and merges repeated catalog lines into
// the first occurrence. Manual items are kept as entered.
func normalizeLines(lines []domain.CartLine) ([]domain.CartLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", store.ErrValidation)
	}

	out := make([]domain.CartLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for i, line := range lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		line.Name = strings.TrimSpace(line.Name)
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: line %d quantity must be at least 1", store.ErrValidation, i+1)
		}
		if line.Quantity > domain.MaxLineQuantity {
			return nil, fmt.Errorf("%w: line %d quantity must not exceed %d", store.ErrValidation, i+1, domain.MaxLineQuantity)
		}

		if line.Manual() {
			if line.Name == "" {
				return nil, fmt.Errorf("%w: line %d needs a product or a name", store.ErrValidation, i+1)
			}
			if line.UnitPriceMinor < 0 {
				return nil, fmt.Errorf("%w: line %d price must not be negative", store.ErrValidation, i+1)
			}
			if _, ok := pricing.LineTotal(line.UnitPriceMinor, line.Quantity); !ok {
				return nil, fmt.Errorf("%w: line %d total is too large", store.ErrValidation, i+1)
			}
			out = append(out, line)
			continue
		}

		if pos, ok := index[line.ProductID]; ok {
			if out[pos].Quantity > domain.MaxLineQuantity-line.Quantity {
				return nil, fmt.Errorf("%w: combined quantity for %s must not exceed %d", store.ErrValidation, line.ProductID, domain.MaxLineQuantity)
			}
			out[pos].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(out)
		out = append(out, domain.CartLine{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return out, nil
}

func validateAdjustments(discount *domain.Discount, pointsToRedeem int64, customerID string) error {
	if discount != nil {
		switch discount.Type {
		case domain.DiscountPercentage:
			if discount.Value.IsNegative() || discount.Value.GreaterThan(hundredPercent) {
				return fmt.Errorf("%w: percentage discount must be between 0 and 100", store.ErrValidation)
			}
		case domain.DiscountFixed:
			if discount.Value.IsNegative() {
				return fmt.Errorf("%w: fixed discount must not be negative", store.ErrValidation)
			}
		default:
			return fmt.Errorf("%w: unknown discount type %q", store.ErrValidation, discount.Type)
		}
	}
	if pointsToRedeem < 0 {
		return fmt.Errorf("%w: points to redeem must not be negative", store.ErrValidation)
	}
	if pointsToRedeem > 0 && customerID == "" {
		return fmt.Errorf("%w: redeeming points requires a customer", store.ErrValidation)
	}
	return nil
}

func catalogIDs(lines []domain.CartLine) []string {
	qty := make(map[string]int, len(lines))
	for _, line := range lines {
		if !line.Manual() {
			qty[line.ProductID] += line.Quantity
		}
	}
	return sortedKeys(qty)
}

// snapshotLines copies name and price from the catalog so later catalog
// edits never change a recorded sale.
func snapshotLines(lines []domain.CartLine, products map[string]domain.Product) ([]domain.SaleLine, error) {
	out := make([]domain.SaleLine, 0, len(lines))
	var subtotal int64
	for i, line := range lines {
		name, price := line.Name, line.UnitPriceMinor
		if !line.Manual() {
			p, ok := products[line.ProductID]
			if !ok || !p.Active {
				return nil, fmt.Errorf("%w: product %s is not available", store.ErrValidation, line.ProductID)
			}
			name, price = p.Name, p.UnitPriceMinor
		}
		total, ok := pricing.LineTotal(price, line.Quantity)
		if !ok {
			return nil, fmt.Errorf("%w: line %d total is too large", store.ErrValidation, i+1)
		}
		if subtotal, ok = pricing.AddMinor(subtotal, total); !ok {
			return nil, fmt.Errorf("%w: sale subtotal is too large", store.ErrValidation)
		}
		out = append(out, domain.SaleLine{
			LineNo:         i + 1,
			ProductID:      line.ProductID,
			Name:           name,
			Quantity:       line.Quantity,
			UnitPriceMinor: price,
			LineTotalMinor: total,
		})
	}
	return out, nil
}

func findShortages(lines []domain.CartLine, products map[string]domain.Product) []store.Shortage {
	var shortages []store.Shortage
	for _, line := range lines {
		if line.Manual() {
			continue
		}
		p := products[line.ProductID]
		if p.Tracked() && p.StockQuantity < line.Quantity {
			shortages = append(shortages, store.Shortage{
				ProductID: p.ID,
				Name:      p.Name,
				Requested: line.Quantity,
				Available: p.StockQuantity,
			})
		}
	}
	return shortages
}

// settle returns the recorded tendered amount and change. Only cash can be
// over-tendered; a missing amount means exact payment.
func settle(method string, tendered *int64, totalDue int64) (int64, int64, error) {
	if tendered == nil {
		return totalDue, 0, nil
	}
	if *tendered < 0 {
		return 0, 0, fmt.Errorf("%w: tendered amount must not be negative", store.ErrValidation)
	}
	if method != domain.PaymentCash {
		return totalDue, 0, nil
	}
	if *tendered < totalDue {
		return 0, 0, fmt.Errorf("%w: tendered %d is less than total due %d", store.ErrValidation, *tendered, totalDue)
	}
	return *tendered, *tendered - totalDue, nil
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentGCash, domain.PaymentMaya, domain.PaymentBankTransfer:
		return true
	default:
		return false
	}
}
