package events

import (
	"context"
	"testing"
)

func TestChannelNames(t *testing.T) {
	if got := Channel(SaleCompleted); got != "pos:events:sale.completed" {
		t.Fatalf("unexpected channel %q", got)
	}
	if got := Channel(StockMoved); got != "pos:events:stock.moved" {
		t.Fatalf("unexpected channel %q", got)
	}
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	if err := p.Publish(context.Background(), Event{Type: SaleVoided}); err != nil {
		t.Fatalf("expected noop publish to succeed, got %v", err)
	}
}
