package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestInsufficientStockErrorMatchesSentinel(t *testing.T) {
	var err error = &InsufficientStockError{Shortages: []Shortage{
		{ProductID: "p-1", Name: "Kape Barako", Requested: 5, Available: 3},
		{ProductID: "p-2", Requested: 2, Available: -4},
	}}
	wrapped := fmt.Errorf("complete sale: %w", err)

	if !errors.Is(wrapped, ErrInsufficientStock) {
		t.Fatalf("expected wrapped error to match ErrInsufficientStock")
	}

	var stockErr *InsufficientStockError
	if !errors.As(wrapped, &stockErr) || len(stockErr.Shortages) != 2 {
		t.Fatalf("expected to unwrap both shortages, got %v", stockErr)
	}

	msg := err.Error()
	if !strings.Contains(msg, "only 3 in stock for Kape Barako") {
		t.Fatalf("expected user-facing message, got %q", msg)
	}
	if !strings.Contains(msg, "only 0 in stock for p-2") {
		t.Fatalf("expected negative availability to read as 0, got %q", msg)
	}
}
