package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"marketpulse/internal/domain"
)

var seoul = loadSeoul()

func loadSeoul() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}

// Field is one metadata line.
type Field struct {
	Name  string
	Value string
}

// Rendered is a channel-neutral alert.
type Rendered struct {
	Title  string
	Body   string
	Fields []Field
}

// Text flattens r into a single markdown-ish message.
func (r Rendered) Text() string {
	var b strings.Builder
	b.WriteString("*" + r.Title + "*\n")
	b.WriteString(r.Body + "\n")
	if len(r.Fields) > 0 {
		b.WriteString("\n```\n")
		for _, f := range r.Fields {
			fmt.Fprintf(&b, "%s: %s\n", f.Name, f.Value)
		}
		b.WriteString("```")
	}
	return b.String()
}

// Render formats a price event.
func Render(msg Message) Rendered {
	ev := msg.Event
	label := ev.Symbol
	if ev.Name != "" {
		label = fmt.Sprintf("%s %s", ev.Name, ev.Symbol)
	}

	var body string
	switch ev.EventType {
	case domain.EventThresholdUp:
		body = fmt.Sprintf("%s rose to %s, crossing %s", label, Price(ev.TriggerPrice), Price(ev.ReferencePrice))
	case domain.EventThresholdDown:
		body = fmt.Sprintf("%s fell to %s, crossing %s", label, Price(ev.TriggerPrice), Price(ev.ReferencePrice))
	case domain.EventLimitUp:
		body = fmt.Sprintf("%s hit the upper limit at %s (%s)", label, Price(ev.TriggerPrice), Rate(ev.ChangeRate))
	case domain.EventLimitDown:
		body = fmt.Sprintf("%s hit the lower limit at %s (%s)", label, Price(ev.TriggerPrice), Rate(ev.ChangeRate))
	default:
		body = fmt.Sprintf("%s moved %s to %s", label, Rate(ev.ChangeRate), Price(ev.TriggerPrice))
	}

	fields := []Field{
		{Name: "symbol", Value: ev.Symbol},
		{Name: "event", Value: string(ev.EventType)},
		{Name: "price", Value: Price(ev.TriggerPrice)},
		{Name: "reference", Value: Price(ev.ReferencePrice)},
		{Name: "change", Value: Rate(ev.ChangeRate)},
		{Name: "time", Value: ev.Timestamp.In(seoul).Format("2006-01-02 15:04:05 MST")},
	}
	if msg.Attempt > 1 {
		fields = append(fields, Field{Name: "attempt", Value: humanize.Ordinal(msg.Attempt)})
	}

	return Rendered{
		Title:  fmt.Sprintf("[MarketPulse] %s %s", ev.Symbol, ev.EventType),
		Body:   body,
		Fields: fields,
	}
}

// Price formats a KRW price with thousands separators.
func Price(d decimal.Decimal) string {
	if d.Equal(d.Truncate(0)) {
		return humanize.Comma(d.IntPart()) + "원"
	}
	f, _ := d.Float64()
	return humanize.CommafWithDigits(f, 2) + "원"
}

// Rate formats a signed percentage.
func Rate(d decimal.Decimal) string {
	s := d.StringFixed(2) + "%"
	if d.IsPositive() {
		return "+" + s
	}
	return s
}
