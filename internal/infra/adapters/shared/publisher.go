package shared

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/meltica-bybit/internal/domain/schema"
)

// Publisher wraps normalised records in canonical events and emits them on a channel.
type Publisher struct {
	providerName string
	events       chan<- *schema.Event
	clock        func() time.Time
	seqMu        sync.Mutex
	seq          map[seqKey]uint64
}

type seqKey struct {
	typ    schema.EventType
	symbol string
}

// NewPublisher creates a new shared event publisher.
func NewPublisher(providerName string, events chan<- *schema.Event, clock func() time.Time) *Publisher {
	if clock == nil {
		clock = time.Now
	}
	return &Publisher{
		providerName: providerName,
		events:       events,
		clock:        clock,
		seq:          make(map[seqKey]uint64),
	}
}

// PublishTick emits a copy of the tick so later mutations are never observed downstream.
func (p *Publisher) PublishTick(ctx context.Context, tick schema.TickSnapshot) bool {
	return p.publish(ctx, schema.EventTypeTick, tick.Symbol, tick.Clone(), tick.Timestamp)
}

// PublishOrder emits an order state.
func (p *Publisher) PublishOrder(ctx context.Context, order schema.Order) bool {
	return p.publish(ctx, schema.EventTypeOrder, order.Symbol, order, order.UpdatedAt)
}

// PublishTrade emits a fill.
func (p *Publisher) PublishTrade(ctx context.Context, trade schema.Trade) bool {
	return p.publish(ctx, schema.EventTypeTrade, trade.Symbol, trade, trade.Timestamp)
}

// PublishPosition emits a position record.
func (p *Publisher) PublishPosition(ctx context.Context, pos schema.Position) bool {
	return p.publish(ctx, schema.EventTypePosition, pos.Symbol, pos, pos.Timestamp)
}

// PublishBalance emits a balance record keyed by coin.
func (p *Publisher) PublishBalance(ctx context.Context, bal schema.Balance) bool {
	return p.publish(ctx, schema.EventTypeBalance, bal.Coin, bal, bal.Timestamp)
}

// PublishInstrument emits a discovered instrument.
func (p *Publisher) PublishInstrument(ctx context.Context, inst schema.Instrument) bool {
	return p.publish(ctx, schema.EventTypeInstrument, inst.Symbol, inst, time.Time{})
}

func (p *Publisher) publish(ctx context.Context, evtType schema.EventType, symbol string, payload any, ts time.Time) bool {
	if p == nil || p.events == nil {
		return false
	}
	now := p.clock().UTC()
	if ts.IsZero() {
		ts = now
	}
	evt := &schema.Event{
		EventID:     uuid.NewString(),
		Provider:    p.providerName,
		Symbol:      symbol,
		Type:        evtType,
		SeqProvider: p.nextSeq(evtType, symbol),
		IngestTS:    ts,
		EmitTS:      now,
		Payload:     payload,
	}
	select {
	case <-ctx.Done():
		return false
	case p.events <- evt:
		return true
	}
}

func (p *Publisher) nextSeq(evtType schema.EventType, symbol string) uint64 {
	key := seqKey{typ: evtType, symbol: symbol}
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	p.seq[key]++
	return p.seq[key]
}
