package scheduler

import (
	"fmt"
	"time"

	"marketpulse/internal/config"
)

// MarketHours is a weekday trading session in a fixed location.
type MarketHours struct {
	Location *time.Location
	Open     time.Duration
	Close    time.Duration
}

// ParseMarketHours returns nil when the gate is disabled.
func ParseMarketHours(cfg config.MarketHoursConfig) (*MarketHours, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("market hours timezone %q: %w", cfg.Timezone, err)
	}
	open, err := clockOffset(cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("market hours open: %w", err)
	}
	closeAt, err := clockOffset(cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("market hours close: %w", err)
	}
	if closeAt <= open {
		return nil, fmt.Errorf("market hours close %s must be after open %s", cfg.Close, cfg.Open)
	}
	return &MarketHours{Location: loc, Open: open, Close: closeAt}, nil
}

// IsOpen reports whether t falls inside the session. Both ends are inclusive.
func (m *MarketHours) IsOpen(t time.Time) bool {
	local := t.In(m.Location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.Location)
	offset := local.Sub(midnight)
	return offset >= m.Open && offset <= m.Close
}

func clockOffset(raw string) (time.Duration, error) {
	parsed, err := time.Parse("15:04", raw)
	if err != nil {
		return 0, err
	}
	return time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute, nil
}
