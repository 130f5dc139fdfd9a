package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func newTestStore() *Store {
	s := New()
	s.AddProduct(domain.Product{ID: "p-last", BusinessID: "biz-a", Name: "Last Unit", UnitPriceMinor: 1000, StockQuantity: 1, Active: true}, "test")
	s.AddProduct(domain.Product{ID: "p-free", BusinessID: "biz-a", Name: "Untracked", UnitPriceMinor: 500, StockQuantity: domain.UnlimitedStock, Active: true}, "test")
	s.AddCustomer(domain.Customer{ID: "c-1", BusinessID: "biz-a", Name: "Ana", PointsBalance: 10})
	return s
}

func TestApplyDeltaLastUnitSoldOnce(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.Atomic(ctx, func(tx store.Tx) error {
				_, err := tx.ApplyDelta(ctx, "biz-a", "p-last", -1, true)
				return err
			})
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInsufficientStock):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one sale of the last unit, got %d", succeeded)
	}

	p, _ := s.GetProduct(ctx, "biz-a", "p-last")
	if p.StockQuantity != 0 {
		t.Fatalf("expected stock 0, got %d", p.StockQuantity)
	}
}

func TestAtomicRollsBackEveryChange(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Atomic(ctx, func(tx store.Tx) error {
		if _, err := tx.ApplyDelta(ctx, "biz-a", "p-last", -1, true); err != nil {
			return err
		}
		if _, err := tx.RecordMovement(ctx, domain.StockMovement{ID: "m-x", BusinessID: "biz-a", ProductID: "p-last", Delta: -1, Type: domain.MovementSale}); err != nil {
			return err
		}
		if _, err := tx.ApplyPointsDelta(ctx, "biz-a", "c-1", 5); err != nil {
			return err
		}
		if err := tx.InsertSale(ctx, domain.Sale{ID: "s-1", BusinessID: "biz-a", IdempotencyKey: "k-1", Status: domain.SaleStatusCompleted}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	p, _ := s.GetProduct(ctx, "biz-a", "p-last")
	if p.StockQuantity != 1 {
		t.Fatalf("expected stock restored to 1, got %d", p.StockQuantity)
	}
	c, _ := s.GetCustomer(ctx, "biz-a", "c-1")
	if c.PointsBalance != 10 {
		t.Fatalf("expected points restored to 10, got %d", c.PointsBalance)
	}
	if _, err := s.FindSaleByID(ctx, "biz-a", "s-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected sale to be rolled back, got %v", err)
	}
	if _, err := s.FindSaleByIdempotency(ctx, "biz-a", "k-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected idempotency key to be released, got %v", err)
	}
	ledger, _ := s.ProductLedger(ctx, "biz-a", "p-last")
	if len(ledger) != 1 {
		t.Fatalf("expected only the opening movement, got %d", len(ledger))
	}
}

func TestUntrackedProductNeverMutates(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	var got int
	err := s.Atomic(ctx, func(tx store.Tx) error {
		var err error
		got, err = tx.ApplyDelta(ctx, "biz-a", "p-free", -50, true)
		return err
	})
	if err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	if got != domain.UnlimitedStock {
		t.Fatalf("expected unlimited sentinel, got %d", got)
	}
	p, _ := s.GetProduct(ctx, "biz-a", "p-free")
	if p.StockQuantity != domain.UnlimitedStock {
		t.Fatalf("expected untracked stock to stay unlimited, got %d", p.StockQuantity)
	}
}

func TestReadsAreTenantScoped(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	if _, err := s.GetProduct(ctx, "biz-b", "p-last"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found across tenants, got %v", err)
	}
	err := s.Atomic(ctx, func(tx store.Tx) error {
		_, err := tx.ApplyDelta(ctx, "biz-b", "p-last", 5, false)
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected cross-tenant delta to fail with not found, got %v", err)
	}
	products, _ := s.ListProducts(ctx, "biz-b")
	if len(products) != 0 {
		t.Fatalf("expected no products for another tenant, got %d", len(products))
	}
}

func TestInsertSaleRejectsDuplicateIdempotencyKey(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	insert := func(id string) error {
		return s.Atomic(ctx, func(tx store.Tx) error {
			return tx.InsertSale(ctx, domain.Sale{ID: id, BusinessID: "biz-a", IdempotencyKey: "same", Status: domain.SaleStatusCompleted})
		})
	}
	if err := insert("s-1"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert("s-2"); !errors.Is(err, store.ErrDuplicateSale) {
		t.Fatalf("expected duplicate sale error, got %v", err)
	}
}

func TestNewSeededLedgerMatchesStock(t *testing.T) {
	s := NewSeeded(nil)
	ctx := context.Background()

	products, err := s.ListProducts(ctx, DemoBusinessID)
	if err != nil || len(products) == 0 {
		t.Fatalf("expected seeded products, got %d (%v)", len(products), err)
	}
	for _, p := range products {
		ledger, _ := s.ProductLedger(ctx, DemoBusinessID, p.ID)
		if !p.Tracked() {
			if len(ledger) != 0 {
				t.Fatalf("expected no ledger for untracked %s", p.ID)
			}
			continue
		}
		sum := 0
		for _, m := range ledger {
			sum += m.Delta
		}
		if sum != p.StockQuantity {
			t.Fatalf("%s: ledger sums to %d, stock is %d", p.ID, sum, p.StockQuantity)
		}
	}

	if _, err := s.FindStaffByUsername(ctx, "cashier"); err != nil {
		t.Fatalf("expected seeded cashier: %v", err)
	}
}
