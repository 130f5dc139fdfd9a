package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/inventory"
	"posledger/backend/internal/store"
)

func (s *Service) ReceiveStock(ctx context.Context, actor domain.Actor, req domain.ReceiveStockRequest) (*domain.StockMovement, error) {
	if err := authorize(actor, domain.CapabilityInventory); err != nil {
		return nil, err
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" {
		return nil, fmt.Errorf("%w: product id is required", store.ErrValidation)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: received quantity must be positive", store.ErrValidation)
	}

	return s.moveStock(ctx, actor, "receive_stock", req.ProductID, func(p domain.Product) (inventory.Move, error) {
		return inventory.Move{
			Delta:  req.Quantity,
			Type:   domain.MovementReceiving,
			Reason: strings.TrimSpace(req.Notes),
		}, nil
	})
}

// AdjustStock sets an absolute stock level after a count. The difference is
// computed under the row lock and recorded as a single adjustment.
func (s *Service) AdjustStock(ctx context.Context, actor domain.Actor, req domain.AdjustStockRequest) (*domain.StockMovement, error) {
	if err := authorize(actor, domain.CapabilityInventory); err != nil {
		return nil, err
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.ProductID == "" {
		return nil, fmt.Errorf("%w: product id is required", store.ErrValidation)
	}
	if req.NewQuantity < 0 {
		return nil, fmt.Errorf("%w: stock level must not be negative", store.ErrValidation)
	}
	if req.Reason == "" {
		return nil, fmt.Errorf("%w: adjustment reason is required", store.ErrValidation)
	}

	return s.moveStock(ctx, actor, "adjust_stock", req.ProductID, func(p domain.Product) (inventory.Move, error) {
		delta := req.NewQuantity - p.StockQuantity
		if delta == 0 {
			return inventory.Move{}, fmt.Errorf("%w: stock is already %d", store.ErrValidation, p.StockQuantity)
		}
		return inventory.Move{
			Delta:             delta,
			Type:              domain.MovementAdjustment,
			ExpectNonNegative: delta < 0,
			Reason:            req.Reason,
		}, nil
	})
}

// moveStock locks one tracked product, lets plan decide the move from its
// current level and applies it.
func (s *Service) moveStock(ctx context.Context, actor domain.Actor, op string, productID string, plan func(p domain.Product) (inventory.Move, error)) (*domain.StockMovement, error) {
	var recorded *domain.StockMovement
	err := s.atomic(ctx, op, func(tx store.Tx) error {
		recorded = nil

		products, err := tx.LockProducts(ctx, actor.BusinessID, []string{productID})
		if err != nil {
			return err
		}
		p, ok := products[productID]
		if !ok {
			return fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
		}
		if !p.Tracked() {
			return fmt.Errorf("%w: %s does not track stock", store.ErrValidation, p.Name)
		}

		move, err := plan(p)
		if err != nil {
			return err
		}
		move.BusinessID = actor.BusinessID
		move.ProductID = productID
		move.Performer = actor

		recorded, err = s.ledger.Apply(ctx, tx, move)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("stock moved",
		zap.String("business_id", recorded.BusinessID),
		zap.String("product_id", recorded.ProductID),
		zap.String("type", recorded.Type),
		zap.Int("delta", recorded.Delta),
		zap.Int("stock_after", recorded.StockAfter),
		zap.String("performed_by", recorded.PerformedBy),
	)
	s.publishMovements(ctx, actor, []domain.StockMovement{*recorded})
	return recorded, nil
}

func (s *Service) StockHistory(ctx context.Context, actor domain.Actor, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	if err := authorize(actor, domain.CapabilityInventory, domain.CapabilityReports); err != nil {
		return nil, err
	}
	filter.BusinessID = actor.BusinessID
	filter.ProductID = strings.TrimSpace(filter.ProductID)
	filter.Type = strings.ToLower(strings.TrimSpace(filter.Type))

	switch filter.Type {
	case "", domain.MovementSale, domain.MovementVoidRestore, domain.MovementReceiving, domain.MovementAdjustment:
	default:
		return nil, fmt.Errorf("%w: unknown movement type %q", store.ErrValidation, filter.Type)
	}
	if err := validRange(filter.From, filter.To); err != nil {
		return nil, err
	}
	limit, offset, err := pageBounds(filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	filter.Limit, filter.Offset = limit, offset

	return s.repo.ListStockMovements(ctx, filter)
}

// GetStock returns the on-hand quantity, or domain.UnlimitedStock for
// untracked products.
func (s *Service) GetStock(ctx context.Context, actor domain.Actor, productID string) (domain.StockLevel, error) {
	if err := authorize(actor, domain.CapabilityPOS, domain.CapabilityInventory, domain.CapabilityReports); err != nil {
		return domain.StockLevel{}, err
	}
	p, err := s.repo.GetProduct(ctx, actor.BusinessID, strings.TrimSpace(productID))
	if err != nil {
		return domain.StockLevel{}, err
	}
	return domain.StockLevel{
		ProductID: p.ID,
		Quantity:  p.StockQuantity,
		Tracked:   p.Tracked(),
		LowStock:  p.LowStock(),
	}, nil
}

func (s *Service) LowStock(ctx context.Context, actor domain.Actor) ([]domain.Product, error) {
	if err := authorize(actor, domain.CapabilityInventory, domain.CapabilityReports); err != nil {
		return nil, err
	}
	products, err := s.repo.ListProducts(ctx, actor.BusinessID)
	if err != nil {
		return nil, err
	}

	low := make([]domain.Product, 0, len(products))
	for _, p := range products {
		if p.LowStock() {
			low = append(low, p)
		}
	}
	return low, nil
}

// Reconcile replays a product's ledger and compares it to current stock.
func (s *Service) Reconcile(ctx context.Context, actor domain.Actor, productID string) (inventory.Report, error) {
	if err := authorize(actor, domain.CapabilityInventory, domain.CapabilityReports); err != nil {
		return inventory.Report{}, err
	}
	productID = strings.TrimSpace(productID)
	p, err := s.repo.GetProduct(ctx, actor.BusinessID, productID)
	if err != nil {
		return inventory.Report{}, err
	}
	if !p.Tracked() {
		return inventory.Report{}, fmt.Errorf("%w: %s does not track stock", store.ErrValidation, p.Name)
	}

	movements, err := s.repo.ProductLedger(ctx, actor.BusinessID, productID)
	if err != nil {
		return inventory.Report{}, err
	}
	report := inventory.Reconcile(productID, p.StockQuantity, movements)
	if !report.Consistent {
		s.log.Warn("stock ledger out of balance",
			zap.String("business_id", actor.BusinessID),
			zap.String("product_id", productID),
			zap.Int("current_stock", report.CurrentStock),
			zap.Int("ledger_total", report.LedgerTotal),
			zap.Int64("diverged_at_seq", report.DivergedAtSeq),
		)
	}
	return report, nil
}
