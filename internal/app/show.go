package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"marketpulse/internal/alerting"
)

// Show prints recent events, notification records or the watchlist.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	b, err := a.openBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	switch opts.What {
	case "events":
		return a.showEvents(ctx, b, os.Stdout, opts.Limit)
	case "records":
		return a.showRecords(ctx, b, os.Stdout, opts.Limit)
	case "watchlist":
		return a.showWatchlist(ctx, b, os.Stdout)
	}
	return fmt.Errorf("unknown listing %q; want events, records or watchlist", opts.What)
}

func (a *App) showEvents(ctx context.Context, b *backends, out io.Writer, limit int) error {
	events, err := b.events.ListRecentEvents(ctx, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "no events found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSymbol\tEvent\tPrice\tReference\tChange\tDedup key")
	for _, ev := range events {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.Timestamp.UTC().Format(time.RFC3339),
			ev.Symbol,
			ev.EventType,
			alerting.Price(ev.TriggerPrice),
			alerting.Price(ev.ReferencePrice),
			alerting.Rate(ev.ChangeRate),
			shortKey(ev.DedupKey),
		)
	}
	return writer.Flush()
}

func (a *App) showRecords(ctx context.Context, b *backends, out io.Writer, limit int) error {
	records, err := b.records.ListRecentRecords(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "no notification records found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "When\tSymbol\tEvent\tStatus\tReason\tChannel\tAttempts\tDedup key")
	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			humanize.Time(rec.DeliveredAt),
			rec.Symbol,
			rec.EventType,
			rec.Status,
			sanitizeInline(rec.Reason),
			rec.Channel,
			rec.Attempts,
			shortKey(rec.DedupKey),
		)
	}
	return writer.Flush()
}

func (a *App) showWatchlist(ctx context.Context, b *backends, out io.Writer) error {
	entries, err := b.watchlist.ListWatchlist(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "watchlist is empty")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tName\tCategory\tPriority\tInterval\tActive")
	for _, e := range entries {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Symbol,
			sanitizeInline(e.Name),
			e.Category,
			e.Priority,
			e.Interval(),
			strconv.FormatBool(e.Active),
		)
	}
	return writer.Flush()
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
