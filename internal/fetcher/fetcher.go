package fetcher

import (
	"context"

	"marketpulse/internal/domain"
)

// PriceSource returns the latest price for a symbol.
type PriceSource interface {
	Fetch(ctx context.Context, symbol string) (domain.PricePoint, error)
}
