// Package domain holds the value types shared by the detection and notification sides.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category groups watchlist entries by monitoring intent.
type Category string

const (
	CategoryCore      Category = "CORE"
	CategoryTheme     Category = "THEME"
	CategoryMomentum  Category = "MOMENTUM"
	CategorySatellite Category = "SATELLITE"
)

// ParseCategory normalises a category name. Empty input maps to CORE.
func ParseCategory(raw string) (Category, error) {
	switch c := Category(strings.ToUpper(strings.TrimSpace(raw))); c {
	case "":
		return CategoryCore, nil
	case CategoryCore, CategoryTheme, CategoryMomentum, CategorySatellite:
		return c, nil
	default:
		return "", fmt.Errorf("unknown watchlist category %q", raw)
	}
}

// DefaultIntervalSeconds is the polling cadence used when an entry does not set one.
func (c Category) DefaultIntervalSeconds() int {
	switch c {
	case CategoryCore:
		return 10
	case CategoryMomentum:
		return 20
	default:
		return 30
	}
}

// WatchlistEntry is a monitored symbol together with its polling metadata.
// Lower Priority values are serviced first.
type WatchlistEntry struct {
	Symbol          string    `json:"symbol"`
	Name            string    `json:"name"`
	Category        Category  `json:"category"`
	Priority        int       `json:"priority"`
	IntervalSeconds int       `json:"interval_seconds"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
}

// Interval returns the polling interval as a duration.
func (e WatchlistEntry) Interval() time.Duration {
	return time.Duration(e.IntervalSeconds) * time.Second
}

// Validate checks that an entry can be scheduled.
func (e WatchlistEntry) Validate() error {
	if strings.TrimSpace(e.Symbol) == "" {
		return errors.New("watchlist entry: symbol is required")
	}
	if e.Active && e.IntervalSeconds < 1 {
		return fmt.Errorf("watchlist entry %s: interval_seconds must be >= 1, got %d", e.Symbol, e.IntervalSeconds)
	}
	return nil
}
