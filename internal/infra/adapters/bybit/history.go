package bybit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/meltica-bybit/errs"
	"github.com/coachpo/meltica-bybit/internal/domain/schema"
	"github.com/coachpo/meltica-bybit/internal/numeric"
	"github.com/coachpo/meltica-bybit/internal/observability"
)

// QueryHistory pages klines forward from req.Start. The venue returns each page newest
// first; pages are reversed and bars at or before the previous page's last bar are dropped,
// so the result is strictly increasing. A failure after the first page is logged and
// reported, and the bars gathered so far are returned.
func (p *Provider) QueryHistory(ctx context.Context, req schema.HistoryRequest) ([]schema.Bar, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	symbol := strings.TrimSpace(req.Symbol)
	category, ok := p.directory.CategoryOf(symbol)
	if !ok {
		return nil, errs.New(exchangeName, errs.CodeInvalid,
			errs.WithMessage("unknown symbol "+symbol),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	interval, err := bybitInterval(req.Interval)
	if err != nil {
		return nil, errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	if req.Start.IsZero() {
		return nil, errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("history start required"))
	}
	end := req.End
	if end.IsZero() {
		end = p.rest.now()
	}
	if end.Before(req.Start) {
		return nil, errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("history end before start"))
	}

	width := req.Interval.Duration()
	limit := p.opts.privateMeta.klineLimit
	var (
		bars   []schema.Bar
		last   time.Time
		cursor = req.Start.UTC()
	)
	for !cursor.After(end) {
		pageEnd := cursor.Add(time.Duration(limit)*width - time.Millisecond)
		if pageEnd.After(end) {
			pageEnd = end
		}
		rows, err := p.rest.fetchKlines(ctx, map[string]any{
			"category": string(category),
			"symbol":   symbol,
			"interval": interval,
			"start":    cursor.UnixMilli(),
			"end":      pageEnd.UnixMilli(),
			"limit":    limit,
		})
		if err != nil {
			if len(bars) == 0 {
				return nil, err
			}
			observability.Log().Error("bybit history page failed; returning partial result",
				observability.F("symbol", symbol), observability.F("bars", len(bars)), observability.Err(err))
			p.reportError(err)
			return bars, nil
		}
		if len(rows) == 0 {
			break
		}
		for i := len(rows) - 1; i >= 0; i-- {
			bar, ok := barFromRow(symbol, req.Interval, rows[i])
			if !ok || (!last.IsZero() && !bar.OpenTime.After(last)) {
				continue
			}
			bars = append(bars, bar)
			last = bar.OpenTime
		}
		if len(rows) < limit || last.IsZero() {
			break
		}
		next := last.Add(width)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}
	return bars, nil
}

// barFromRow reads [start, open, high, low, close, volume, turnover].
func barFromRow(symbol string, interval schema.Interval, row []string) (schema.Bar, bool) {
	if len(row) < 6 {
		return schema.Bar{}, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
	if err != nil {
		return schema.Bar{}, false
	}
	bar := schema.Bar{
		Symbol:   symbol,
		Interval: interval,
		OpenTime: time.UnixMilli(ms).UTC(),
		Open:     numeric.Canonical(row[1]),
		High:     numeric.Canonical(row[2]),
		Low:      numeric.Canonical(row[3]),
		Close:    numeric.Canonical(row[4]),
		Volume:   numeric.Canonical(row[5]),
	}
	if len(row) > 6 {
		bar.Turnover = numeric.Canonical(row[6])
	}
	return bar, true
}
