package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/domain"
)

// Sequence replays a fixed list of prices per symbol, one per Fetch, and
// keeps returning the last one once exhausted. Used by the simulate command.
type Sequence struct {
	mu     sync.Mutex
	prices map[string][]decimal.Decimal
	served map[string]int
	clock  func() time.Time
}

// NewSequence builds a Sequence. clock stamps each point; nil means time.Now.
func NewSequence(prices map[string][]decimal.Decimal, clock func() time.Time) *Sequence {
	if clock == nil {
		clock = time.Now
	}
	return &Sequence{prices: prices, served: make(map[string]int), clock: clock}
}

// Fetch returns the next configured price for symbol.
func (s *Sequence) Fetch(_ context.Context, symbol string) (domain.PricePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prices := s.prices[symbol]
	if len(prices) == 0 {
		return domain.PricePoint{}, fmt.Errorf("no simulated prices for %s", symbol)
	}
	idx := s.served[symbol]
	if idx >= len(prices) {
		idx = len(prices) - 1
	}
	s.served[symbol]++
	return domain.PricePoint{Symbol: symbol, Price: prices[idx], Timestamp: s.clock().UTC()}, nil
}

var _ PriceSource = (*Sequence)(nil)
