package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"marketpulse/internal/detector"
	"marketpulse/internal/domain"
)

const defaultExportWindow = 24 * time.Hour

// Export renders a symbol's price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	symbol := strings.ToUpper(strings.TrimSpace(opts.Symbol))
	if symbol == "" {
		return errors.New("--symbol is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	b, err := a.openBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	points, err := b.history.ListPricesBetween(ctx, symbol, from, to)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		a.Logger.Info().Str("symbol", symbol).Msg("no prices found for export window")
		return nil
	}

	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().Str("symbol", symbol).Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting prices")

	if opts.CSVPath != "" {
		if err := writePricesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		band := detector.RulesFromConfig(a.Config.Detector).BandFor(symbol)
		if err := writePricesPNG(opts.PNGPath, symbol, downsampled, band); err != nil {
			return err
		}
	}

	return nil
}

func downsamplePoints(points []domain.PricePoint, max int) []domain.PricePoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]domain.PricePoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writePricesCSV(path string, points []domain.PricePoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"ts", "symbol", "price"}); err != nil {
		return err
	}

	for _, p := range points {
		record := []string{
			p.Timestamp.UTC().Format(time.RFC3339),
			p.Symbol,
			p.Price.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePricesPNG(path, symbol string, points []domain.PricePoint, band detector.Band) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	price := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.Timestamp
		price[i] = p.Price.InexactFloat64()
	}

	series := []chart.Series{
		chart.TimeSeries{Name: symbol, XValues: x, YValues: price},
	}
	edges := []time.Time{x[0], x[len(x)-1]}
	if band.Up.IsPositive() {
		level := band.Up.InexactFloat64()
		series = append(series, chart.TimeSeries{
			Name:    "Threshold up",
			XValues: edges,
			YValues: []float64{level, level},
			Style:   chart.Style{StrokeColor: chart.ColorRed, StrokeDashArray: []float64{5, 5}},
		})
	}
	if band.Down.IsPositive() {
		level := band.Down.InexactFloat64()
		series = append(series, chart.TimeSeries{
			Name:    "Threshold down",
			XValues: edges,
			YValues: []float64{level, level},
			Style:   chart.Style{StrokeColor: chart.ColorBlue, StrokeDashArray: []float64{5, 5}},
		})
	}

	graph := chart.Chart{
		Title:  symbol,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Price (KRW)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
