package service

import (
	"context"
	"errors"
	"testing"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func TestAdjustStockRecordsDifference(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	m, err := svc.AdjustStock(ctx, manager, domain.AdjustStockRequest{ProductID: "prd-c", NewQuantity: 42, Reason: "monthly count"})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if m.Delta != -8 || m.StockAfter != 42 || m.Type != domain.MovementAdjustment || m.Reason != "monthly count" {
		t.Fatalf("unexpected movement: %+v", m)
	}
	if m.PerformedBy != manager.StaffID || m.PerformedByName != manager.DisplayName {
		t.Fatalf("expected performer on movement, got %+v", m)
	}
	if got := stockOf(t, repo, "prd-c"); got != 42 {
		t.Fatalf("expected stock 42, got %d", got)
	}

	up, err := svc.AdjustStock(ctx, manager, domain.AdjustStockRequest{ProductID: "prd-c", NewQuantity: 45, Reason: "found a box"})
	if err != nil {
		t.Fatalf("adjust up: %v", err)
	}
	if up.Delta != 3 || up.StockAfter != 45 {
		t.Fatalf("unexpected upward adjustment: %+v", up)
	}
}

func TestAdjustStockRejectsBadRequests(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name string
		req  domain.AdjustStockRequest
		want error
	}{
		{name: "no change", req: domain.AdjustStockRequest{ProductID: "prd-c", NewQuantity: 50, Reason: "count"}, want: store.ErrValidation},
		{name: "missing reason", req: domain.AdjustStockRequest{ProductID: "prd-c", NewQuantity: 40}, want: store.ErrValidation},
		{name: "negative level", req: domain.AdjustStockRequest{ProductID: "prd-c", NewQuantity: -1, Reason: "count"}, want: store.ErrValidation},
		{name: "untracked", req: domain.AdjustStockRequest{ProductID: "prd-load", NewQuantity: 5, Reason: "count"}, want: store.ErrValidation},
		{name: "unknown product", req: domain.AdjustStockRequest{ProductID: "prd-zzz", NewQuantity: 5, Reason: "count"}, want: store.ErrNotFound},
		{name: "other tenant", req: domain.AdjustStockRequest{ProductID: "prd-other", NewQuantity: 5, Reason: "count"}, want: store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.AdjustStock(ctx, manager, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestReceiveStock(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	m, err := svc.ReceiveStock(ctx, manager, domain.ReceiveStockRequest{ProductID: "prd-b", Quantity: 24, Notes: "DR 1182"})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if m.Delta != 24 || m.StockAfter != 25 || m.Type != domain.MovementReceiving || m.Reason != "DR 1182" {
		t.Fatalf("unexpected movement: %+v", m)
	}
	if got := stockOf(t, repo, "prd-b"); got != 25 {
		t.Fatalf("expected stock 25, got %d", got)
	}

	if _, err := svc.ReceiveStock(ctx, manager, domain.ReceiveStockRequest{ProductID: "prd-b", Quantity: 0}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected zero quantity to be rejected, got %v", err)
	}
	if _, err := svc.ReceiveStock(ctx, manager, domain.ReceiveStockRequest{ProductID: "prd-load", Quantity: 5}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected untracked product to be rejected, got %v", err)
	}
}

func TestStockHistoryFilters(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.ReceiveStock(ctx, manager, domain.ReceiveStockRequest{ProductID: "prd-a", Quantity: 5}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := svc.CompleteSale(ctx, cashier, domain.CompleteSaleRequest{Lines: []domain.CartLine{{ProductID: "prd-a", Quantity: 1}}, PaymentMethod: domain.PaymentCash}); err != nil {
		t.Fatalf("sale: %v", err)
	}

	history, err := svc.StockHistory(ctx, manager, domain.MovementFilter{ProductID: "prd-a"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// opening stock, receiving, sale; newest first
	if len(history) != 3 {
		t.Fatalf("expected 3 movements, got %d", len(history))
	}
	if history[0].Type != domain.MovementSale || history[1].Type != domain.MovementReceiving {
		t.Fatalf("expected newest first, got %s then %s", history[0].Type, history[1].Type)
	}
	if history[0].Seq <= history[1].Seq {
		t.Fatalf("expected descending sequence, got %d then %d", history[0].Seq, history[1].Seq)
	}

	for _, m := range history {
		if m.BusinessID != testBusiness {
			t.Fatalf("history leaked movement from %s", m.BusinessID)
		}
	}

	if _, err := svc.StockHistory(ctx, manager, domain.MovementFilter{Type: "shrinkage"}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected unknown type to be rejected, got %v", err)
	}
	if _, err := svc.StockHistory(ctx, cashier, domain.MovementFilter{}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected cashier to be refused stock history, got %v", err)
	}
}

func TestLowStock(t *testing.T) {
	svc, _ := newTestService()

	low, err := svc.LowStock(context.Background(), manager)
	if err != nil {
		t.Fatalf("low stock: %v", err)
	}
	if len(low) != 1 || low[0].ID != "prd-b" {
		t.Fatalf("expected only prd-b, got %+v", low)
	}
}

func TestGetStock(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	level, err := svc.GetStock(ctx, cashier, "prd-b")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if level.Quantity != 1 || !level.Tracked || !level.LowStock {
		t.Fatalf("unexpected level for prd-b: %+v", level)
	}

	untracked, err := svc.GetStock(ctx, cashier, "prd-load")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if untracked.Quantity != domain.UnlimitedStock || untracked.Tracked || untracked.LowStock {
		t.Fatalf("unexpected level for untracked product: %+v", untracked)
	}

	if _, err := svc.GetStock(ctx, cashier, "prd-other"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected other tenant's product to be not found, got %v", err)
	}
}

func TestReconcileAfterMixedActivity(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.ReceiveStock(ctx, manager, domain.ReceiveStockRequest{ProductID: "prd-a", Quantity: 6}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	resp, err := svc.CompleteSale(ctx, cashier, domain.CompleteSaleRequest{Lines: []domain.CartLine{{ProductID: "prd-a", Quantity: 4}}, PaymentMethod: domain.PaymentCash})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}
	if _, err := svc.VoidSale(ctx, manager, resp.Sale.ID, "mistake"); err != nil {
		t.Fatalf("void: %v", err)
	}
	if _, err := svc.AdjustStock(ctx, manager, domain.AdjustStockRequest{ProductID: "prd-a", NewQuantity: 13, Reason: "damaged"}); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	report, err := svc.Reconcile(ctx, manager, "prd-a")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.Consistent || report.CurrentStock != 13 || report.LedgerTotal != 13 {
		t.Fatalf("expected consistent ledger at 13, got %+v", report)
	}
	if report.Movements != 5 {
		t.Fatalf("expected 5 movements, got %d", report.Movements)
	}

	if _, err := svc.Reconcile(ctx, manager, "prd-load"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected untracked reconcile to be rejected, got %v", err)
	}
	if _, err := svc.Reconcile(ctx, manager, "prd-other"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected another tenant's product to be invisible, got %v", err)
	}
}
