package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/events"
	"posledger/backend/internal/inventory"
	"posledger/backend/internal/store"
	"posledger/backend/internal/tier"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type Options struct {
	Logger *zap.Logger
	Tiers  *tier.Policy
	Cache  cache.SaleCache
	Events events.Publisher
	// Loyalty rates used by businesses without their own program.
	EarnPesosPerPoint  decimal.Decimal
	RedeemPesoPerPoint decimal.Decimal
	MaxConflictRetries int
	ReceiptTTL         time.Duration
	Now                func() time.Time
}

type Service struct {
	repo           store.Repository
	ledger         inventory.Ledger
	tiers          *tier.Policy
	cache          cache.SaleCache
	events         events.Publisher
	log            *zap.Logger
	defaultProgram domain.LoyaltyProgram
	maxRetries     int
	receiptTTL     time.Duration
	now            func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tiers == nil {
		opts.Tiers = tier.DefaultPolicy()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopSaleCache{}
	}
	if opts.Events == nil {
		opts.Events = events.NoopPublisher{}
	}
	if opts.EarnPesosPerPoint.IsZero() {
		opts.EarnPesosPerPoint = decimal.NewFromInt(10)
	}
	if opts.RedeemPesoPerPoint.IsZero() {
		opts.RedeemPesoPerPoint = decimal.NewFromInt(1)
	}
	if opts.MaxConflictRetries < 0 {
		opts.MaxConflictRetries = 0
	}
	if opts.ReceiptTTL <= 0 {
		opts.ReceiptTTL = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:   repo,
		ledger: inventory.NewLedger(opts.Now),
		tiers:  opts.Tiers,
		cache:  opts.Cache,
		events: opts.Events,
		log:    opts.Logger.Named("service"),
		defaultProgram: domain.LoyaltyProgram{
			EarnPesosPerPoint:  opts.EarnPesosPerPoint,
			RedeemPesoPerPoint: opts.RedeemPesoPerPoint,
		},
		maxRetries: opts.MaxConflictRetries,
		receiptTTL: opts.ReceiptTTL,
		now:        opts.Now,
	}
}

func (s *Service) Tiers() []tier.Tier {
	return s.tiers.All()
}

func (s *Service) ListProducts(ctx context.Context, actor domain.Actor) ([]domain.Product, error) {
	if err := authorize(actor, domain.CapabilityPOS, domain.CapabilityInventory, domain.CapabilityReports); err != nil {
		return nil, err
	}
	return s.repo.ListProducts(ctx, actor.BusinessID)
}

// authorize passes when the actor belongs to a business and holds at least
// one of the capabilities.
func authorize(actor domain.Actor, capabilities ...string) error {
	if strings.TrimSpace(actor.BusinessID) == "" || strings.TrimSpace(actor.StaffID) == "" {
		return fmt.Errorf("%w: missing business or staff identity", store.ErrUnauthorized)
	}
	for _, c := range capabilities {
		if actor.Can(c) {
			return nil
		}
	}
	return fmt.Errorf("%w: requires %s capability", store.ErrUnauthorized, strings.Join(capabilities, " or "))
}

// atomic retries a unit of work that lost a lock or serialization race.
func (s *Service) atomic(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.log.Debug("retrying after conflict", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * 15 * time.Millisecond):
			}
		}

		err = s.repo.Atomic(ctx, fn)
		if !errors.Is(err, store.ErrTransientConflict) {
			return err
		}
	}

	s.log.Warn("giving up after repeated conflicts", zap.String("op", op), zap.Int("retries", s.maxRetries), zap.Error(err))
	return err
}

func (s *Service) loyaltyProgram(ctx context.Context, businessID string) (domain.LoyaltyProgram, error) {
	program, err := s.repo.GetLoyaltyProgram(ctx, businessID)
	if errors.Is(err, store.ErrNotFound) {
		p := s.defaultProgram
		p.BusinessID = businessID
		return p, nil
	}
	if err != nil {
		return domain.LoyaltyProgram{}, err
	}
	return *program, nil
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn("publish event failed", zap.String("type", event.Type), zap.String("business_id", event.BusinessID), zap.Error(err))
	}
}

func (s *Service) publishMovements(ctx context.Context, actor domain.Actor, movements []domain.StockMovement) {
	for i := range movements {
		s.publish(ctx, events.Event{
			Type:       events.StockMoved,
			BusinessID: actor.BusinessID,
			ActorID:    actor.StaffID,
			Movement:   &movements[i],
			OccurredAt: movements[i].CreatedAt,
		})
	}
}

func pageBounds(limit int, offset int) (int, int, error) {
	if offset < 0 {
		return 0, 0, fmt.Errorf("%w: offset must not be negative", store.ErrValidation)
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	return min(limit, maxPageSize), offset, nil
}

func validRange(from *time.Time, to *time.Time) error {
	if from != nil && to != nil && to.Before(*from) {
		return fmt.Errorf("%w: date range end is before its start", store.ErrValidation)
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
