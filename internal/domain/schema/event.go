// Package schema defines the vendor-neutral trading records and the event envelope.
package schema

import (
	"fmt"
	"strings"
	"time"
)

// EventType enumerates canonical event categories.
type EventType string

const (
	// EventTypeTick carries a TickSnapshot.
	EventTypeTick EventType = "Tick"
	// EventTypeOrder carries an Order.
	EventTypeOrder EventType = "Order"
	// EventTypeTrade carries a Trade.
	EventTypeTrade EventType = "Trade"
	// EventTypePosition carries a Position.
	EventTypePosition EventType = "Position"
	// EventTypeBalance carries a Balance.
	EventTypeBalance EventType = "Balance"
	// EventTypeInstrument carries an Instrument discovered at connect.
	EventTypeInstrument EventType = "Instrument"
)

// Event represents a canonical event emitted by the adapter.
type Event struct {
	EventID     string    `json:"event_id"`
	Provider    string    `json:"provider"`
	Symbol      string    `json:"symbol"`
	Type        EventType `json:"type"`
	SeqProvider uint64    `json:"seq_provider"`
	IngestTS    time.Time `json:"ingest_ts"`
	EmitTS      time.Time `json:"emit_ts"`
	Payload     any       `json:"payload"`
}

// BuildEventKey constructs the default idempotency key for an event.
func BuildEventKey(symbol string, evtType EventType, seq uint64) string {
	return fmt.Sprintf("%s:%s:%d", strings.TrimSpace(symbol), evtType, seq)
}

// CopyEvent copies src into dst, deep-copying tick payloads.
func CopyEvent(dst, src *Event) {
	if dst == nil || src == nil {
		return
	}
	*dst = *src
	if tick, ok := src.Payload.(TickSnapshot); ok {
		dst.Payload = tick.Clone()
	}
}
