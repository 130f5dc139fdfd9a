package cache

import (
	"context"
	"fmt"
	"time"

	"posledger/backend/internal/domain"
)

// SaleCache holds rendered receipts. Misses are not errors.
type SaleCache interface {
	Get(ctx context.Context, key string) (*domain.Sale, bool, error)
	Set(ctx context.Context, key string, value *domain.Sale, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

func SaleKey(businessID string, saleID string) string {
	return fmt.Sprintf("sale:%s:%s", businessID, saleID)
}

type NoopSaleCache struct{}

func (NoopSaleCache) Get(_ context.Context, _ string) (*domain.Sale, bool, error) {
	return nil, false, nil
}

func (NoopSaleCache) Set(_ context.Context, _ string, _ *domain.Sale, _ time.Duration) error {
	return nil
}

func (NoopSaleCache) Delete(_ context.Context, _ string) error {
	return nil
}
