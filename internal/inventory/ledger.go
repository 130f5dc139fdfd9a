// Package inventory pairs every stock change with its ledger row.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

type Move struct {
	BusinessID        string
	ProductID         string
	Delta             int
	Type              string
	ExpectNonNegative bool
	Performer         domain.Actor
	Reason            string
	ReferenceID       string
}

type Ledger struct {
	now func() time.Time
}

func NewLedger(now func() time.Time) Ledger {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return Ledger{now: now}
}

// Apply changes stock and records the movement in the same unit of work.
// It returns nil without a movement for untracked products.
func (l Ledger) Apply(ctx context.Context, tx store.Tx, move Move) (*domain.StockMovement, error) {
	if move.Delta == 0 {
		return nil, fmt.Errorf("%w: stock delta must not be zero", store.ErrValidation)
	}
	if !validType(move.Type) {
		return nil, fmt.Errorf("%w: unknown movement type %q", store.ErrValidation, move.Type)
	}

	after, err := tx.ApplyDelta(ctx, move.BusinessID, move.ProductID, move.Delta, move.ExpectNonNegative)
	if err != nil {
		return nil, err
	}
	if after == domain.UnlimitedStock {
		return nil, nil
	}

	recorded, err := tx.RecordMovement(ctx, domain.StockMovement{
		ID:              xid.New("mov"),
		BusinessID:      move.BusinessID,
		ProductID:       move.ProductID,
		Delta:           move.Delta,
		Type:            move.Type,
		StockAfter:      after,
		PerformedBy:     move.Performer.StaffID,
		PerformedByName: move.Performer.DisplayName,
		Reason:          move.Reason,
		ReferenceID:     move.ReferenceID,
		CreatedAt:       l.now(),
	})
	if err != nil {
		return nil, err
	}
	return &recorded, nil
}

func validType(t string) bool {
	switch t {
	case domain.MovementSale, domain.MovementVoidRestore, domain.MovementReceiving, domain.MovementAdjustment:
		return true
	}
	return false
}

type Report struct {
	ProductID     string `json:"product_id"`
	CurrentStock  int    `json:"current_stock"`
	LedgerTotal   int    `json:"ledger_total"`
	Movements     int    `json:"movements"`
	Consistent    bool   `json:"consistent"`
	DivergedAtSeq int64  `json:"diverged_at_seq,omitempty"`
}

// Reconcile replays movements from zero, oldest first, and compares the
// result to the current stock. DivergedAtSeq names the first movement whose
// recorded stock_after disagrees with the replay.
func Reconcile(productID string, currentStock int, movements []domain.StockMovement) Report {
	ordered := make([]domain.StockMovement, len(movements))
	copy(ordered, movements)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Seq < ordered[j].Seq
	})

	report := Report{ProductID: productID, CurrentStock: currentStock, Movements: len(ordered)}
	running := 0
	for _, m := range ordered {
		running += m.Delta
		if report.DivergedAtSeq == 0 && m.StockAfter != running {
			report.DivergedAtSeq = m.Seq
		}
	}
	report.LedgerTotal = running
	report.Consistent = running == currentStock && report.DivergedAtSeq == 0
	return report
}
