package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"marketpulse/internal/domain"
)

const (
	listActiveWatchlistSQL = `SELECT symbol, name, category, priority, interval_seconds, active, created_at
    FROM watchlist
    WHERE active
    ORDER BY priority, symbol;`

	listWatchlistSQL = `SELECT symbol, name, category, priority, interval_seconds, active, created_at
    FROM watchlist
    ORDER BY priority, symbol;`

	upsertWatchlistSQL = `INSERT INTO watchlist (
        symbol, name, category, priority, interval_seconds, active
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (symbol) DO UPDATE
    SET
        name             = EXCLUDED.name,
        category         = EXCLUDED.category,
        priority         = EXCLUDED.priority,
        interval_seconds = EXCLUDED.interval_seconds,
        active           = EXCLUDED.active;`

	setWatchlistActiveSQL = `UPDATE watchlist SET active = $2 WHERE symbol = $1;`

	insertPriceSQL = `INSERT INTO price_history (symbol, ts, price)
    VALUES ($1, $2, $3::text::numeric)
    ON CONFLICT (symbol, ts) DO NOTHING;`

	recentPricesSQL = `SELECT symbol, ts, price::text
    FROM (
        SELECT symbol, ts, price
        FROM price_history
        WHERE symbol = $1 AND ts >= $2
        ORDER BY ts DESC
        LIMIT $3
    ) recent
    ORDER BY ts;`

	pricesBetweenSQL = `SELECT symbol, ts, price::text
    FROM price_history
    WHERE symbol = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts;`

	purgePricesSQL = `DELETE FROM price_history WHERE ts < $1;`

	insertEventSQL = `INSERT INTO price_events (
        dedup_key, symbol, name, event_type, trigger_price, reference_price, change_rate, ts
    ) VALUES (
        $1,$2,$3,$4,$5::text::numeric,$6::text::numeric,$7::text::numeric,$8
    )
    ON CONFLICT (dedup_key) DO NOTHING;`

	eventColumns = `dedup_key, symbol, name, event_type, trigger_price::text, reference_price::text, change_rate::text, ts`

	getEventSQL = `SELECT ` + eventColumns + ` FROM price_events WHERE dedup_key = $1;`

	listRecentEventsSQL = `SELECT ` + eventColumns + `
    FROM price_events
    ORDER BY ts DESC
    LIMIT $1;`

	upsertRecordSQL = `INSERT INTO notification_records (
        id, dedup_key, symbol, event_type, channel, status, reason, attempts, delivered_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,1,$8
    )
    ON CONFLICT (dedup_key, status) DO UPDATE
    SET
        attempts     = notification_records.attempts + 1,
        channel      = EXCLUDED.channel,
        reason       = EXCLUDED.reason,
        delivered_at = EXCLUDED.delivered_at
    RETURNING id, attempts;`

	hasSentSQL = `SELECT EXISTS (
        SELECT 1 FROM notification_records WHERE dedup_key = $1 AND status = 'SENT'
    );`

	recordColumns = `id, dedup_key, symbol, event_type, channel, status, reason, attempts, delivered_at`

	listUndeliveredSQL = `SELECT ` + recordColumns + `
    FROM notification_records f
    WHERE f.status = 'FAILED'
      AND NOT EXISTS (
        SELECT 1 FROM notification_records s
        WHERE s.dedup_key = f.dedup_key AND s.status = 'SENT'
      )
    ORDER BY f.delivered_at
    LIMIT $1;`

	listRecentRecordsSQL = `SELECT ` + recordColumns + `
    FROM notification_records
    ORDER BY delivered_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// WatchlistStore reads and maintains monitored symbols.
type WatchlistStore interface {
	ListActive(ctx context.Context) ([]domain.WatchlistEntry, error)
	ListWatchlist(ctx context.Context) ([]domain.WatchlistEntry, error)
	UpsertWatchlistEntry(ctx context.Context, entry domain.WatchlistEntry) error
	SetActive(ctx context.Context, symbol string, active bool) error
}

// PriceHistoryStore persists observed price points.
type PriceHistoryStore interface {
	AppendPrice(ctx context.Context, point domain.PricePoint) error
	// RecentPrices returns at most limit points at or after since, oldest first.
	RecentPrices(ctx context.Context, symbol string, since time.Time, limit int) ([]domain.PricePoint, error)
	ListPricesBetween(ctx context.Context, symbol string, from, to time.Time) ([]domain.PricePoint, error)
	PurgePricesBefore(ctx context.Context, before time.Time) (int64, error)
}

// EventStore keeps detected events so failed deliveries can be redriven.
type EventStore interface {
	// SaveEvent stores ev unless its dedup key already exists and reports whether it was inserted.
	SaveEvent(ctx context.Context, ev domain.PriceEvent) (bool, error)
	GetEvent(ctx context.Context, dedupKey string) (domain.PriceEvent, error)
	ListRecentEvents(ctx context.Context, limit int) ([]domain.PriceEvent, error)
}

// RecordStore audits dispatch outcomes. Records are unique per (dedup key, status).
type RecordStore interface {
	SaveRecord(ctx context.Context, rec domain.NotificationRecord) (domain.NotificationRecord, error)
	HasSent(ctx context.Context, dedupKey string) (bool, error)
	// ListUndelivered returns FAILED records whose key has no SENT record.
	ListUndelivered(ctx context.Context, limit int) ([]domain.NotificationRecord, error)
	ListRecentRecords(ctx context.Context, limit int) ([]domain.NotificationRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// ListActive returns active entries ordered by priority.
func (s *Store) ListActive(ctx context.Context) ([]domain.WatchlistEntry, error) {
	return s.queryWatchlist(ctx, listActiveWatchlistSQL)
}

// ListWatchlist returns every entry, active or not.
func (s *Store) ListWatchlist(ctx context.Context) ([]domain.WatchlistEntry, error) {
	return s.queryWatchlist(ctx, listWatchlistSQL)
}

func (s *Store) queryWatchlist(ctx context.Context, query string) ([]domain.WatchlistEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list watchlist: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.WatchlistEntry, 0)
	for rows.Next() {
		var (
			e        domain.WatchlistEntry
			category string
		)
		if err := rows.Scan(&e.Symbol, &e.Name, &category, &e.Priority, &e.IntervalSeconds, &e.Active, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan watchlist entry: %w", err)
		}
		e.Category = domain.Category(category)
		entries = append(entries, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

// UpsertWatchlistEntry inserts or replaces an entry keyed by symbol.
func (s *Store) UpsertWatchlistEntry(ctx context.Context, entry domain.WatchlistEntry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertWatchlistSQL,
		entry.Symbol,
		entry.Name,
		string(entry.Category),
		entry.Priority,
		entry.IntervalSeconds,
		entry.Active,
	); err != nil {
		return fmt.Errorf("upsert watchlist entry: %w", err)
	}
	return nil
}

// SetActive toggles an entry.
func (s *Store) SetActive(ctx context.Context, symbol string, active bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, setWatchlistActiveSQL, symbol, active)
	if err != nil {
		return fmt.Errorf("set watchlist active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendPrice stores a point; a repeated (symbol, ts) is ignored.
func (s *Store) AppendPrice(ctx context.Context, point domain.PricePoint) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertPriceSQL, point.Symbol, point.Timestamp.UTC(), point.Price.String()); err != nil {
		return fmt.Errorf("append price: %w", err)
	}
	return nil
}

// RecentPrices returns the newest points since the given time, oldest first.
func (s *Store) RecentPrices(ctx context.Context, symbol string, since time.Time, limit int) ([]domain.PricePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, recentPricesSQL, symbol, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("recent prices: %w", err)
	}
	return collectPrices(rows)
}

// ListPricesBetween lists points for symbol within [from, to).
func (s *Store) ListPricesBetween(ctx context.Context, symbol string, from, to time.Time) ([]domain.PricePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, pricesBetweenSQL, symbol, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list prices between: %w", err)
	}
	return collectPrices(rows)
}

// PurgePricesBefore enforces history retention.
func (s *Store) PurgePricesBefore(ctx context.Context, before time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, purgePricesSQL, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge prices: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SaveEvent inserts an event unless its dedup key is already stored.
func (s *Store) SaveEvent(ctx context.Context, ev domain.PriceEvent) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, insertEventSQL,
		ev.DedupKey,
		ev.Symbol,
		ev.Name,
		string(ev.EventType),
		ev.TriggerPrice.String(),
		ev.ReferencePrice.String(),
		ev.ChangeRate.String(),
		ev.Timestamp.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("save event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetEvent loads an event by dedup key.
func (s *Store) GetEvent(ctx context.Context, dedupKey string) (domain.PriceEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.PriceEvent{}, err
	}
	ev, err := scanEvent(pool.QueryRow(ctx, getEventSQL, dedupKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PriceEvent{}, ErrNotFound
	}
	return ev, err
}

// ListRecentEvents lists the newest events.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]domain.PriceEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentEventsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.PriceEvent, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// SaveRecord upserts by (dedup key, status); repeated outcomes bump Attempts.
func (s *Store) SaveRecord(ctx context.Context, rec domain.NotificationRecord) (domain.NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.NotificationRecord{}, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.DeliveredAt.IsZero() {
		rec.DeliveredAt = time.Now().UTC()
	}

	if err := pool.QueryRow(ctx, upsertRecordSQL,
		rec.ID,
		rec.DedupKey,
		rec.Symbol,
		string(rec.EventType),
		rec.Channel,
		string(rec.Status),
		rec.Reason,
		rec.DeliveredAt.UTC(),
	).Scan(&rec.ID, &rec.Attempts); err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("save notification record: %w", err)
	}
	return rec, nil
}

// HasSent reports whether a SENT record exists for the key.
func (s *Store) HasSent(ctx context.Context, dedupKey string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var sent bool
	if err := pool.QueryRow(ctx, hasSentSQL, dedupKey).Scan(&sent); err != nil {
		return false, fmt.Errorf("has sent: %w", err)
	}
	return sent, nil
}

// ListUndelivered returns FAILED records that were never SENT, oldest first.
func (s *Store) ListUndelivered(ctx context.Context, limit int) ([]domain.NotificationRecord, error) {
	return s.queryRecords(ctx, listUndeliveredSQL, limit)
}

// ListRecentRecords lists the newest records.
func (s *Store) ListRecentRecords(ctx context.Context, limit int) ([]domain.NotificationRecord, error) {
	return s.queryRecords(ctx, listRecentRecordsSQL, limit)
}

func (s *Store) queryRecords(ctx context.Context, query string, limit int) ([]domain.NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list notification records: %w", err)
	}
	defer rows.Close()

	records := make([]domain.NotificationRecord, 0, limit)
	for rows.Next() {
		var (
			rec       domain.NotificationRecord
			eventType string
			status    string
		)
		if err := rows.Scan(&rec.ID, &rec.DedupKey, &rec.Symbol, &eventType, &rec.Channel, &status, &rec.Reason, &rec.Attempts, &rec.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan notification record: %w", err)
		}
		rec.EventType = domain.EventType(eventType)
		rec.Status = domain.NotificationStatus(status)
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func collectPrices(rows pgx.Rows) ([]domain.PricePoint, error) {
	defer rows.Close()

	points := make([]domain.PricePoint, 0)
	for rows.Next() {
		var (
			p        domain.PricePoint
			priceStr string
		)
		if err := rows.Scan(&p.Symbol, &p.Timestamp, &priceStr); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		p.Price = price
		points = append(points, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

func scanEvent(row pgx.Row) (domain.PriceEvent, error) {
	var (
		ev                          domain.PriceEvent
		eventType                   string
		triggerStr, refStr, rateStr string
	)
	if err := row.Scan(&ev.DedupKey, &ev.Symbol, &ev.Name, &eventType, &triggerStr, &refStr, &rateStr, &ev.Timestamp); err != nil {
		return domain.PriceEvent{}, err
	}
	ev.EventType = domain.EventType(eventType)

	var err error
	if ev.TriggerPrice, err = decimal.NewFromString(triggerStr); err != nil {
		return domain.PriceEvent{}, fmt.Errorf("parse trigger price: %w", err)
	}
	if ev.ReferencePrice, err = decimal.NewFromString(refStr); err != nil {
		return domain.PriceEvent{}, fmt.Errorf("parse reference price: %w", err)
	}
	if ev.ChangeRate, err = decimal.NewFromString(rateStr); err != nil {
		return domain.PriceEvent{}, fmt.Errorf("parse change rate: %w", err)
	}
	return ev, nil
}

var (
	_ WatchlistStore    = (*Store)(nil)
	_ PriceHistoryStore = (*Store)(nil)
	_ EventStore        = (*Store)(nil)
	_ RecordStore       = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
)
