package bybit

import (
	"context"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-bybit/errs"
	"github.com/coachpo/meltica-bybit/internal/domain/schema"
	"github.com/coachpo/meltica-bybit/internal/numeric"
	"github.com/coachpo/meltica-bybit/internal/observability"
)

type bookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Update int64      `json:"u"`
	Seq    int64      `json:"seq"`
}

type executionRecord struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	ExecID      string `json:"execId"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Side        string `json:"side"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecFee     string `json:"execFee"`
	ExecTime    string `json:"execTime"`
	ExecType    string `json:"execType"`
}

// bookOwnedTickerFields are dropped from ticker pushes while the symbol's book is live;
// the book stream owns the tick's levels then.
var bookOwnedTickerFields = [...]string{"bid1Price", "bid1Size", "ask1Price", "ask1Size"}

func (p *Provider) handlers() streamHandlers {
	return streamHandlers{
		ticker:    p.onTicker,
		book:      p.onOrderbook,
		order:     p.onOrder,
		execution: p.onExecution,
		position:  p.onPosition,
		wallet:    p.onWallet,
	}
}

// onTicker folds a sparse ticker push into the symbol's tick. Nothing is emitted until a
// last price is known.
func (p *Provider) onTicker(_ context.Context, _ schema.Category, symbol string, frame wsFrame) error {
	fields, err := decodeTickerFields(frame.Data)
	if err != nil {
		return errs.New(exchangeName, errs.CodeContract,
			errs.WithMessage("decode ticker frame"), errs.WithVenueField("topic", frame.Topic), errs.WithCause(err))
	}
	if p.books.Live(symbol) {
		for _, name := range bookOwnedTickerFields {
			delete(fields, name)
		}
	}
	tick, ready := p.tickers.ApplyPartial(symbol, fields, frame.timestamp())
	if !ready {
		return nil
	}
	p.publishTick(tick)
	return nil
}

// onOrderbook applies a snapshot or delta and emits the tick carrying the new top of book.
func (p *Provider) onOrderbook(_ context.Context, _ schema.Category, symbol string, frame wsFrame) error {
	var data bookData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		return errs.New(exchangeName, errs.CodeContract,
			errs.WithMessage("decode orderbook frame"), errs.WithVenueField("topic", frame.Topic), errs.WithCause(err))
	}
	ts := frame.timestamp()
	switch frame.Type {
	case "snapshot":
		if err := p.books.ApplySnapshot(symbol, toPriceLevels(data.Bids), toPriceLevels(data.Asks), ts); err != nil {
			return errs.New(exchangeName, errs.CodeContract,
				errs.WithMessage("orderbook snapshot rejected"), errs.WithVenueField("symbol", symbol), errs.WithCause(err))
		}
	case "delta":
		applied, err := p.books.ApplyDelta(symbol, splitLevels(data.Bids), splitLevels(data.Asks), ts)
		if err != nil {
			return errs.New(exchangeName, errs.CodeContract,
				errs.WithMessage("orderbook delta rejected"), errs.WithVenueField("symbol", symbol), errs.WithCause(err))
		}
		if !applied {
			observability.Log().Debug("bybit delta dropped before snapshot",
				observability.F("symbol", symbol), observability.F("update_id", data.Update))
			return nil
		}
	default:
		return errs.New(exchangeName, errs.CodeContract,
			errs.WithMessage("unknown orderbook frame type"), errs.WithRawMessage(frame.Type))
	}
	bids, asks := p.books.TopN(symbol, p.opts.Config.TickDepth)
	p.publishTick(p.tickers.ApplyDepth(symbol, bids, asks, ts))
	return nil
}

func (p *Provider) onOrder(_ context.Context, frame wsFrame) error {
	var records []orderRecord
	if err := json.Unmarshal(frame.Data, &records); err != nil {
		return errs.New(exchangeName, errs.CodeContract, errs.WithMessage("decode order frame"), errs.WithCause(err))
	}
	for _, record := range records {
		p.applyOrderRecord(record)
	}
	return nil
}

// applyOrderRecord feeds one venue order observation through the tracker.
func (p *Provider) applyOrderRecord(record orderRecord) {
	update, err := p.orderUpdateFromRecord(record)
	if err != nil {
		p.reportError(err)
		return
	}
	order, changed, err := p.tracker.Apply(update)
	if err != nil {
		p.reportError(err)
		return
	}
	if changed {
		p.emitOrder(order)
	}
}

func (p *Provider) orderUpdateFromRecord(record orderRecord) (OrderUpdate, error) {
	status, ok := statusFromBybit(record.OrderStatus)
	if !ok {
		return OrderUpdate{}, errs.New(exchangeName, errs.CodeContract,
			errs.WithMessage("unknown order status"),
			errs.WithRawMessage(record.OrderStatus),
			errs.WithVenueField("orderId", record.OrderID))
	}
	side, _ := sideFromBybit(record.Side)
	orderType, _ := orderTypeFromBybit(record.OrderType)
	category, ok := schema.ParseCategory(record.Category)
	if !ok {
		category, _ = p.directory.CategoryOf(record.Symbol)
	}
	updated := parseMillis(record.UpdatedTime)
	if updated.IsZero() {
		updated = p.clock().UTC()
	}
	return OrderUpdate{
		LocalID:      record.OrderLinkID,
		ExchangeID:   record.OrderID,
		Symbol:       strings.TrimSpace(record.Symbol),
		Category:     category,
		Side:         side,
		Type:         orderType,
		Offset:       offsetFromReduceOnly(record.ReduceOnly),
		Price:        numeric.Canonical(record.Price),
		Quantity:     numeric.Canonical(record.Qty),
		Traded:       numeric.Canonical(record.CumExecQty),
		Status:       status,
		RejectReason: normaliseRejectReason(record.RejectReason),
		CreatedAt:    parseMillis(record.CreatedTime),
		UpdatedAt:    updated,
	}, nil
}

// onExecution turns fills into Trade records correlated to the tracked order.
func (p *Provider) onExecution(_ context.Context, frame wsFrame) error {
	var records []executionRecord
	if err := json.Unmarshal(frame.Data, &records); err != nil {
		return errs.New(exchangeName, errs.CodeContract, errs.WithMessage("decode execution frame"), errs.WithCause(err))
	}
	for _, record := range records {
		if execType := strings.TrimSpace(record.ExecType); execType != "" && execType != "Trade" {
			continue
		}
		p.emitTrade(p.tradeFromRecord(record, frame.timestamp()))
	}
	return nil
}

func (p *Provider) tradeFromRecord(record executionRecord, fallback time.Time) schema.Trade {
	side, _ := sideFromBybit(record.Side)
	category, ok := schema.ParseCategory(record.Category)
	if !ok {
		category, _ = p.directory.CategoryOf(record.Symbol)
	}
	localID := strings.TrimSpace(record.OrderLinkID)
	if order, found := p.tracker.Resolve(localID, record.OrderID); found {
		localID = order.LocalID
	}
	return schema.Trade{
		TradeID:    strings.TrimSpace(record.ExecID),
		LocalID:    localID,
		ExchangeID: strings.TrimSpace(record.OrderID),
		Symbol:     strings.TrimSpace(record.Symbol),
		Category:   category,
		Side:       side,
		Price:      numeric.Canonical(record.ExecPrice),
		Quantity:   numeric.Canonical(record.ExecQty),
		Fee:        numeric.Canonical(record.ExecFee),
		Timestamp:  resolveTimestamp(parseMillis(record.ExecTime), fallback),
	}
}

// onPosition emits every pushed position, including ones closed to zero.
func (p *Provider) onPosition(_ context.Context, frame wsFrame) error {
	var records []positionRecord
	if err := json.Unmarshal(frame.Data, &records); err != nil {
		return errs.New(exchangeName, errs.CodeContract, errs.WithMessage("decode position frame"), errs.WithCause(err))
	}
	for _, record := range records {
		p.publishPosition(p.positionFromRecord(record, frame.timestamp()))
	}
	return nil
}

func (p *Provider) positionFromRecord(record positionRecord, fallback time.Time) schema.Position {
	category, ok := schema.ParseCategory(record.Category)
	if !ok {
		category, _ = p.directory.CategoryOf(record.Symbol)
	}
	var side schema.Side
	if s, err := sideFromBybit(record.Side); err == nil {
		side = s
	}
	return schema.Position{
		Symbol:        strings.TrimSpace(record.Symbol),
		Category:      category,
		Side:          side,
		Size:          numeric.Canonical(record.Size),
		EntryPrice:    numeric.Canonical(defaultIfEmpty(record.AvgPrice, record.EntryPrice)),
		UnrealisedPnL: numeric.Canonical(record.UnrealisedPnl),
		PositionIdx:   record.PositionIdx,
		Timestamp:     resolveTimestamp(parseMillis(record.UpdatedTime), fallback),
	}
}

func (p *Provider) onWallet(_ context.Context, frame wsFrame) error {
	var records []walletRecord
	if err := json.Unmarshal(frame.Data, &records); err != nil {
		return errs.New(exchangeName, errs.CodeContract, errs.WithMessage("decode wallet frame"), errs.WithCause(err))
	}
	ts := resolveTimestamp(frame.timestamp(), p.clock().UTC())
	for _, record := range records {
		for _, bal := range balancesFromWallet(record, ts) {
			p.emitBalance(bal)
		}
	}
	return nil
}

// balancesFromWallet converts a wallet record. Available falls back to wallet balance
// less locked when the venue leaves availableToWithdraw empty.
func balancesFromWallet(record walletRecord, ts time.Time) []schema.Balance {
	out := make([]schema.Balance, 0, len(record.Coin))
	for _, coin := range record.Coin {
		name := strings.TrimSpace(coin.Coin)
		if name == "" {
			continue
		}
		total, ok := parseDecimal(coin.WalletBalance)
		if !ok {
			total = decimal.Zero
		}
		available, ok := parseDecimal(coin.AvailableToWithdraw)
		if !ok {
			locked, _ := parseDecimal(coin.Locked)
			available = total.Sub(locked)
		}
		out = append(out, schema.Balance{
			AccountType: strings.TrimSpace(record.AccountType),
			Coin:        name,
			Balance:     total.String(),
			Available:   available.String(),
			Frozen:      total.Sub(available).String(),
			Timestamp:   ts,
		})
	}
	return out
}

// decodeTickerFields flattens a ticker payload into strings. Numbers are kept verbatim.
func decodeTickerFields(data json.RawMessage) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(raw))
	for name, value := range raw {
		text := strings.TrimSpace(string(value))
		switch {
		case text == "" || text == "null":
			continue
		case text[0] == '"':
			var s string
			if err := json.Unmarshal(value, &s); err != nil {
				return nil, err
			}
			fields[name] = s
		case text[0] == '{' || text[0] == '[':
			continue
		default:
			fields[name] = text
		}
	}
	return fields, nil
}

// "EC_NoError" is the venue's placeholder on healthy orders.
func normaliseRejectReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "EC_NoError" {
		return ""
	}
	return reason
}

func parseDecimal(raw string) (decimal.Decimal, bool) {
	return numeric.Parse(raw)
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// parseMillis reads a millisecond epoch string; empty, zero or malformed input yields the zero time.
func parseMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func resolveTimestamp(primary, fallback time.Time) time.Time {
	if !primary.IsZero() {
		return primary
	}
	return fallback
}
