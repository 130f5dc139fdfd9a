// Package events announces committed sales and stock movements on Redis
// pub/sub channels.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"posledger/backend/internal/domain"
)

const (
	SaleCompleted = "sale.completed"
	SaleVoided    = "sale.voided"
	StockMoved    = "stock.moved"
)

// AllChannel receives every event regardless of type.
const AllChannel = "pos:events:all"

type Event struct {
	Type       string                `json:"type"`
	BusinessID string                `json:"business_id"`
	ActorID    string                `json:"actor_id"`
	Sale       *domain.Sale          `json:"sale,omitempty"`
	Movement   *domain.StockMovement `json:"movement,omitempty"`
	OccurredAt time.Time             `json:"occurred_at"`
}

func Channel(eventType string) string {
	return "pos:events:" + eventType
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ Event) error {
	return nil
}

type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, Channel(event.Type), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	if err := p.client.Publish(ctx, AllChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish to all channel: %w", err)
	}
	return nil
}
