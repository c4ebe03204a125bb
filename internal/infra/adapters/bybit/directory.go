package bybit

import (
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/meltica-bybit/internal/domain/schema"
)

// Directory maps symbols to their category and contract metadata.
// It is filled during discovery and read by every other component.
type Directory struct {
	mu          sync.RWMutex
	instruments map[string]schema.Instrument
	listeners   []func(schema.Instrument)
}

// NewDirectory constructs an empty directory.
func NewDirectory() *Directory {
	return &Directory{instruments: make(map[string]schema.Instrument)}
}

// OnRegister adds a callback invoked after every registration, outside the lock.
func (d *Directory) OnRegister(fn func(schema.Instrument)) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

// Register stores inst under its symbol. Registering again overwrites the entry.
func (d *Directory) Register(inst schema.Instrument) {
	inst.Symbol = strings.TrimSpace(inst.Symbol)
	if inst.Symbol == "" {
		return
	}
	d.mu.Lock()
	d.instruments[inst.Symbol] = inst
	listeners := append([]func(schema.Instrument){}, d.listeners...)
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(inst)
	}
}

// CategoryOf returns the category of symbol. Absent symbols are not routable yet.
func (d *Directory) CategoryOf(symbol string) (schema.Category, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	inst, ok := d.instruments[strings.TrimSpace(symbol)]
	if !ok {
		return "", false
	}
	return inst.Category, true
}

// Instrument returns the metadata registered for symbol.
func (d *Directory) Instrument(symbol string) (schema.Instrument, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	inst, ok := d.instruments[strings.TrimSpace(symbol)]
	return inst, ok
}

// Symbols returns every registered symbol in lexical order.
func (d *Directory) Symbols() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.instruments))
	for symbol := range d.instruments {
		out = append(out, symbol)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of registered instruments.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.instruments)
}

// Reset forgets every instrument; listeners stay attached.
func (d *Directory) Reset() {
	d.mu.Lock()
	clear(d.instruments)
	d.mu.Unlock()
}
