package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marketpulse/internal/domain"
)

const quotePath = "/v1/quotes/"

// QuoteOptions parameterise the HTTP quote client.
type QuoteOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// QuoteClient fetches last-trade prices from a JSON quote API.
type QuoteClient struct {
	opts    QuoteOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewQuoteClient constructs a quote client.
func NewQuoteClient(opts QuoteOptions, logger zerolog.Logger) *QuoteClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &QuoteClient{
		opts:    opts,
		logger:  logger.With().Str("component", "quote_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		now:     time.Now,
	}
}

// Fetch retrieves the latest quote for symbol. A quote without a timestamp
// is stamped with the local receive time.
func (q *QuoteClient) Fetch(ctx context.Context, symbol string) (domain.PricePoint, error) {
	if q.baseURL == "" {
		return domain.PricePoint{}, errors.New("quote base url not configured")
	}
	if strings.TrimSpace(symbol) == "" {
		return domain.PricePoint{}, errors.New("symbol is required")
	}

	endpoint := q.baseURL + quotePath + url.PathEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.PricePoint{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(q.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "marketpulse/1.0")
	}
	if q.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+q.opts.APIKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("quote request %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.PricePoint{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return domain.PricePoint{}, parseHTTPError(resp.StatusCode, payload)
	}

	var quote quoteResponse
	if err := json.Unmarshal(payload, &quote); err != nil {
		return domain.PricePoint{}, fmt.Errorf("decode quote %s: %w", symbol, err)
	}
	if !quote.Price.IsPositive() {
		return domain.PricePoint{}, fmt.Errorf("quote %s: non-positive price %s", symbol, quote.Price.String())
	}
	if quote.Symbol != "" && !strings.EqualFold(quote.Symbol, symbol) {
		return domain.PricePoint{}, fmt.Errorf("quote symbol mismatch: asked %s, got %s", symbol, quote.Symbol)
	}

	ts := quote.Timestamp
	if ts.IsZero() {
		ts = q.now()
	}

	q.logger.Debug().Str("symbol", symbol).Str("price", quote.Price.String()).Time("ts", ts).Msg("quote fetched")
	return domain.PricePoint{Symbol: symbol, Price: quote.Price, Timestamp: ts.UTC()}, nil
}

type quoteResponse struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("quote api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("quote api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Code != "" {
			return fmt.Errorf("quote api error (%d): %s", status, apiErr.Code)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("quote api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("quote api error (%d)", status)
}

var _ PriceSource = (*QuoteClient)(nil)
