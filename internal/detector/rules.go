package detector

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/config"
	"marketpulse/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Band is an absolute price band. A zero side is disabled.
type Band struct {
	Up   decimal.Decimal
	Down decimal.Decimal
}

// Rules holds every rule parameter. Evaluate is pure.
type Rules struct {
	Default       Band
	Bands         map[string]Band
	Lookback      time.Duration
	VolatilityPct decimal.Decimal
	LimitUpPct    decimal.Decimal
	LimitDownPct  decimal.Decimal
	DedupBucket   time.Duration
}

// RulesFromConfig converts detector configuration into Rules.
func RulesFromConfig(cfg config.DetectorConfig) Rules {
	bands := make(map[string]Band, len(cfg.Thresholds))
	for symbol, b := range cfg.Thresholds {
		bands[strings.ToUpper(symbol)] = bandFromConfig(b)
	}
	return Rules{
		Default:       bandFromConfig(cfg.Default),
		Bands:         bands,
		Lookback:      cfg.Lookback,
		VolatilityPct: decimal.NewFromFloat(cfg.VolatilityPct),
		LimitUpPct:    decimal.NewFromFloat(cfg.LimitUpPct),
		LimitDownPct:  decimal.NewFromFloat(cfg.LimitDownPct),
		DedupBucket:   cfg.DedupBucket,
	}
}

func bandFromConfig(b config.ThresholdBand) Band {
	return Band{Up: decimal.NewFromFloat(b.Up), Down: decimal.NewFromFloat(b.Down)}
}

// BandFor returns the symbol's band, falling back to the default band.
func (r Rules) BandFor(symbol string) Band {
	if b, ok := r.Bands[strings.ToUpper(symbol)]; ok {
		return b
	}
	return r.Default
}

// Evaluate applies the rules to point given the symbol's earlier points,
// oldest first. Threshold crossings come before change-rate events.
func (r Rules) Evaluate(point domain.PricePoint, history []domain.PricePoint) []domain.PriceEvent {
	if len(history) == 0 {
		return nil
	}

	var events []domain.PriceEvent
	prev := history[len(history)-1]
	band := r.BandFor(point.Symbol)

	if band.Up.IsPositive() && point.Price.GreaterThanOrEqual(band.Up) && prev.Price.LessThan(band.Up) {
		events = append(events, r.event(point, domain.EventThresholdUp, band.Up, changeRate(point.Price, prev.Price)))
	}
	if band.Down.IsPositive() && point.Price.LessThanOrEqual(band.Down) && prev.Price.GreaterThan(band.Down) {
		events = append(events, r.event(point, domain.EventThresholdDown, band.Down, changeRate(point.Price, prev.Price)))
	}

	ref := r.reference(point.Timestamp, history)
	if !ref.Price.IsPositive() {
		return events
	}
	rate := changeRate(point.Price, ref.Price)

	switch {
	case r.LimitUpPct.IsPositive() && rate.GreaterThanOrEqual(r.LimitUpPct):
		events = append(events, r.event(point, domain.EventLimitUp, ref.Price, rate))
	case r.LimitDownPct.IsNegative() && rate.LessThanOrEqual(r.LimitDownPct):
		events = append(events, r.event(point, domain.EventLimitDown, ref.Price, rate))
	case r.VolatilityPct.IsPositive() && rate.Abs().GreaterThanOrEqual(r.VolatilityPct):
		events = append(events, r.event(point, domain.EventVolatilitySpike, ref.Price, rate))
	}
	return events
}

// reference picks the latest point at or before ts-Lookback, or the oldest
// point when the history does not reach back that far.
func (r Rules) reference(ts time.Time, history []domain.PricePoint) domain.PricePoint {
	cutoff := ts.Add(-r.Lookback)
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].Timestamp.After(cutoff) {
			return history[i]
		}
	}
	return history[0]
}

func (r Rules) event(point domain.PricePoint, eventType domain.EventType, reference, rate decimal.Decimal) domain.PriceEvent {
	return domain.PriceEvent{
		Symbol:         point.Symbol,
		EventType:      eventType,
		TriggerPrice:   point.Price,
		ReferencePrice: reference,
		ChangeRate:     rate,
		Timestamp:      point.Timestamp,
		DedupKey:       domain.DedupKey(point.Symbol, eventType, point.Timestamp, r.DedupBucket),
	}
}

func changeRate(price, reference decimal.Decimal) decimal.Decimal {
	if reference.IsZero() {
		return decimal.Zero
	}
	return price.Sub(reference).Div(reference).Mul(hundred).Round(4)
}
