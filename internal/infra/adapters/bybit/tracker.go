package bybit

import (
	"strings"
	"sync"
	"time"

	"github.com/coachpo/meltica-bybit/errs"
	"github.com/coachpo/meltica-bybit/internal/domain/schema"
	"github.com/coachpo/meltica-bybit/internal/numeric"
)

// OrderUpdate is one observation of an order from the REST or the private push channel.
// Either identifier may be empty, but not both.
type OrderUpdate struct {
	LocalID      string
	ExchangeID   string
	Symbol       string
	Category     schema.Category
	Side         schema.Side
	Type         schema.OrderType
	Offset       schema.Offset
	Price        string
	Quantity     string
	Traded       string
	Status       schema.OrderStatus
	RejectReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Tracker correlates local and exchange order identifiers and reduces every update
// into one monotonic status per order.
type Tracker struct {
	mu         sync.Mutex
	orders     map[string]*schema.Order
	byExchange map[string]string
	clock      func() time.Time
}

// NewTracker constructs an empty tracker.
func NewTracker(clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		orders:     make(map[string]*schema.Order),
		byExchange: make(map[string]string),
		clock:      clock,
	}
}

// Create records a locally accepted order in PendingSubmit.
func (t *Tracker) Create(localID string, req schema.OrderRequest, category schema.Category) (schema.Order, error) {
	localID = strings.TrimSpace(localID)
	if localID == "" {
		return schema.Order{}, errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("local order id required"))
	}
	now := t.clock().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.orders[localID]; exists {
		return schema.Order{}, errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("duplicate local order id "+localID))
	}
	order := &schema.Order{
		LocalID:   localID,
		Symbol:    req.Symbol,
		Category:  category,
		Side:      req.Side,
		Type:      req.Type,
		Offset:    req.Offset,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Traded:    "0",
		Status:    schema.StatusPendingSubmit,
		Reference: req.Reference,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.orders[localID] = order
	return *order, nil
}

// Acknowledge binds the exchange id returned by a successful submission.
func (t *Tracker) Acknowledge(localID, exchangeID string, ts time.Time) (schema.Order, bool, error) {
	return t.Apply(OrderUpdate{
		LocalID:    localID,
		ExchangeID: exchangeID,
		Status:     schema.StatusNotTraded,
		UpdatedAt:  ts,
	})
}

// Reject forces the order to Rejected after a synchronous refusal or transport failure.
// Orders that already reached a final state are left alone.
func (t *Tracker) Reject(localID, reason string, ts time.Time) (schema.Order, bool) {
	if ts.IsZero() {
		ts = t.clock().UTC()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	order, ok := t.orders[strings.TrimSpace(localID)]
	if !ok {
		return schema.Order{}, false
	}
	if order.Status.Final() {
		return *order, false
	}
	order.Status = schema.StatusRejected
	order.RejectReason = strings.TrimSpace(reason)
	order.UpdatedAt = ts
	return *order, true
}

// Apply folds an update into the tracked order. The boolean reports whether the order
// changed and should be emitted. Superseded transitions are dropped without error; an
// update that cannot be correlated at all is a contract violation.
func (t *Tracker) Apply(u OrderUpdate) (schema.Order, bool, error) {
	u.LocalID = strings.TrimSpace(u.LocalID)
	u.ExchangeID = strings.TrimSpace(u.ExchangeID)
	if u.Status.Rank() < 0 {
		return schema.Order{}, false, errs.New(exchangeName, errs.CodeContract,
			errs.WithMessage("order update with unknown status"), errs.WithRawMessage(string(u.Status)))
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = t.clock().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key, order := t.resolveLocked(u.LocalID, u.ExchangeID)
	if order == nil {
		if u.ExchangeID == "" {
			return schema.Order{}, false, errs.New(exchangeName, errs.CodeContract,
				errs.WithMessage("order update references no known identifier"),
				errs.WithVenueField("orderLinkId", u.LocalID))
		}
		return t.insertLocked(u), true, nil
	}

	bound := false
	if u.ExchangeID != "" {
		switch order.ExchangeID {
		case "":
			order.ExchangeID = u.ExchangeID
			t.byExchange[u.ExchangeID] = key
			bound = true
		case u.ExchangeID:
		default:
			return *order, false, errs.New(exchangeName, errs.CodeContract,
				errs.WithMessage("exchange order id conflicts with bound id"),
				errs.WithVenueField("orderId", u.ExchangeID),
				errs.WithVenueField("boundOrderId", order.ExchangeID))
		}
	}

	if !advances(*order, u) {
		return *order, bound && !order.Status.Final(), nil
	}
	mergeUpdate(order, u)
	return *order, true, nil
}

// Lookup resolves id as either a local or an exchange identifier.
func (t *Tracker) Lookup(id string) (schema.Order, bool) {
	id = strings.TrimSpace(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	_, order := t.resolveLocked(id, id)
	if order == nil {
		return schema.Order{}, false
	}
	return *order, true
}

// Resolve finds the order referenced by either identifier.
func (t *Tracker) Resolve(localID, exchangeID string) (schema.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, order := t.resolveLocked(strings.TrimSpace(localID), strings.TrimSpace(exchangeID))
	if order == nil {
		return schema.Order{}, false
	}
	return *order, true
}

// Len returns the number of tracked orders.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.orders)
}

// Reset forgets every order; the tracker lives for one session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.orders)
	clear(t.byExchange)
}

func (t *Tracker) resolveLocked(localID, exchangeID string) (string, *schema.Order) {
	if localID != "" {
		if order, ok := t.orders[localID]; ok {
			return localID, order
		}
	}
	if exchangeID != "" {
		if key, ok := t.byExchange[exchangeID]; ok {
			return key, t.orders[key]
		}
	}
	return "", nil
}

// insertLocked records an order first seen through the venue, e.g. placed before this session.
func (t *Tracker) insertLocked(u OrderUpdate) schema.Order {
	key := u.LocalID
	if key == "" {
		key = u.ExchangeID
	}
	created := u.CreatedAt
	if created.IsZero() {
		created = u.UpdatedAt
	}
	order := &schema.Order{
		LocalID:   u.LocalID,
		CreatedAt: created,
		Status:    schema.StatusPendingSubmit,
	}
	mergeUpdate(order, u)
	order.ExchangeID = u.ExchangeID
	t.orders[key] = order
	t.byExchange[u.ExchangeID] = key
	return *order
}

// advances reports whether u moves the order forward. Final orders never move; within
// one status only a larger traded quantity counts as progress.
func advances(current schema.Order, u OrderUpdate) bool {
	if current.Status.Final() {
		return false
	}
	next, cur := u.Status.Rank(), current.Status.Rank()
	switch {
	case next > cur:
		return true
	case next < cur:
		return false
	}
	nextQty, okNext := numeric.Parse(u.Traded)
	curQty, okCur := numeric.Parse(current.Traded)
	if !okNext {
		return false
	}
	return !okCur || nextQty.GreaterThan(curQty)
}

func mergeUpdate(order *schema.Order, u OrderUpdate) {
	order.Status = u.Status
	order.UpdatedAt = u.UpdatedAt
	if u.Traded != "" {
		order.Traded = u.Traded
	}
	if u.Price != "" {
		order.Price = u.Price
	}
	if u.Quantity != "" {
		order.Quantity = u.Quantity
	}
	if u.RejectReason != "" {
		order.RejectReason = u.RejectReason
	}
	if order.Symbol == "" {
		order.Symbol = u.Symbol
	}
	if order.Category == "" {
		order.Category = u.Category
	}
	if order.Side == "" {
		order.Side = u.Side
	}
	if order.Type == "" {
		order.Type = u.Type
	}
	if order.Offset == "" {
		order.Offset = u.Offset
	}
}
