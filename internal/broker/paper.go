package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/threshfin/signalpilot/internal/models"
)

// PaperBroker is an in-memory Broker used for paper trading and tests. It
// tracks open legs, positions and balances without external calls, and
// queues the same callback events a live binding would deliver: market legs
// fill as soon as their group is transmitted, and fills update positions.
//
// Events are queued rather than delivered inline and drained by Flush, so
// callbacks reach the handler outside the placing call, the way a live
// broker delivers them on its own goroutine.
type PaperBroker struct {
	mu         sync.Mutex
	nextID     int64
	open       map[int64]*LegState
	positions  map[string]PositionItem
	balances   []BalanceItem
	increments map[string][]PriceIncrement
	marketPx   map[string]float64
	placed     []OrderSpec
	handler    CallbackHandler
	queue      []func(CallbackHandler)
}

// Compile-time interface checks.
var _ Broker = (*PaperBroker)(nil)
var _ EventSource = (*PaperBroker)(nil)

// NewPaperBroker returns an empty paper broker with a generous cash balance.
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		nextID:     1,
		open:       make(map[int64]*LegState),
		positions:  make(map[string]PositionItem),
		balances:   []BalanceItem{{Tag: TagAvailableFunds, Currency: "USD", Value: 1e9}},
		increments: make(map[string][]PriceIncrement),
		marketPx:   make(map[string]float64),
	}
}

// Subscribe registers the callback handler. Only one handler is supported;
// the engine's reconciler is the sole consumer.
func (p *PaperBroker) Subscribe(h CallbackHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Flush delivers every queued event to the subscribed handler, in order, and
// reports how many were delivered.
func (p *PaperBroker) Flush() int {
	p.mu.Lock()
	events := p.queue
	p.queue = nil
	handler := p.handler
	p.mu.Unlock()
	if handler == nil {
		return 0
	}
	for _, ev := range events {
		ev(handler)
	}
	return len(events)
}

// enqueueLocked queues one event. Caller holds p.mu.
func (p *PaperBroker) enqueueLocked(ev func(CallbackHandler)) {
	p.queue = append(p.queue, ev)
}

// NextOrderID reserves a fresh order id.
func (p *PaperBroker) NextOrderID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	return id
}

// PlaceOrder records the leg. Market legs in a transmitted group fill
// immediately at the symbol's configured market price; everything else rests
// in the open-orders view with a Submitted status.
func (p *PaperBroker) PlaceOrder(_ context.Context, inst Instrument, spec OrderSpec) (*LegState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if spec.OrderID == 0 {
		spec.OrderID = p.nextID
		p.nextID++
	}
	p.placed = append(p.placed, spec)

	qty := spec.Quantity
	if qty == 0 && spec.CashQuantity > 0 {
		px := p.marketPx[inst.Symbol]
		if px > 0 {
			qty = spec.CashQuantity / px
		}
	}
	leg := &LegState{
		OrderID:    spec.OrderID,
		ParentID:   spec.ParentID,
		Symbol:     inst.Symbol,
		Action:     spec.Action,
		Type:       spec.Type,
		Quantity:   qty,
		LimitPrice: spec.LimitPrice,
		StopPrice:  spec.StopPrice,
		Remaining:  qty,
		Status:     models.StatusSubmitted,
		OrderRef:   spec.OrderRef,
	}
	p.open[leg.OrderID] = leg

	snapshot := *leg
	p.enqueueLocked(func(h CallbackHandler) { h.OnOrderStatus(snapshot) })
	if spec.Transmit {
		p.fillMarketLegsLocked(inst.Symbol)
	}
	return &snapshot, nil
}

// fillMarketLegsLocked fills every resting root market leg for symbol,
// updating positions and queueing the fill and portfolio events. Caller
// holds p.mu.
func (p *PaperBroker) fillMarketLegsLocked(symbol string) {
	for _, leg := range p.open {
		if leg.Symbol != symbol || leg.Type != models.TypeMarket || leg.Status != models.StatusSubmitted {
			continue
		}
		// A child market leg fills only after its parent; the paper model
		// leaves it resting, like a bracket's protective legs.
		if leg.ParentID != 0 {
			continue
		}
		px := p.marketPx[symbol]
		if px == 0 {
			px = leg.LimitPrice
		}
		leg.Status = models.StatusFilled
		leg.Filled = leg.Quantity
		leg.Remaining = 0
		leg.AvgFill = px

		pos := p.positions[symbol]
		pos.Symbol = symbol
		if leg.Action == models.ActionBuy {
			pos.Position += leg.Quantity
		} else {
			pos.Position -= leg.Quantity
		}
		pos.AvgCost = px
		if pos.Position == 0 {
			delete(p.positions, symbol)
		} else {
			p.positions[symbol] = pos
		}
		delete(p.open, leg.OrderID)

		fill := *leg
		item := PortfolioItem{
			Symbol:      symbol,
			SecType:     "STK",
			Exchange:    "PAPER",
			Position:    pos.Position,
			MarketPrice: px,
			MarketValue: pos.Position * px,
			AverageCost: pos.AvgCost,
		}
		p.enqueueLocked(func(h CallbackHandler) {
			h.OnOrderStatus(fill)
			h.OnPortfolio(item)
		})
	}
}

// CancelOrder marks the leg cancelled and queues the cancel ack.
func (p *PaperBroker) CancelOrder(_ context.Context, orderID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	leg, ok := p.open[orderID]
	if !ok {
		return fmt.Errorf("cancel: no open order %d", orderID)
	}
	leg.Status = models.StatusCancelled
	delete(p.open, orderID)
	snapshot := *leg
	p.enqueueLocked(func(h CallbackHandler) {
		h.OnCancelAck(orderID)
		h.OnOrderStatus(snapshot)
	})
	return nil
}

// OpenOrders returns the resting legs.
func (p *PaperBroker) OpenOrders(_ context.Context) ([]LegState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LegState, 0, len(p.open))
	for _, leg := range p.open {
		out = append(out, *leg)
	}
	return out, nil
}

// Positions returns the live positions.
func (p *PaperBroker) Positions(_ context.Context) ([]PositionItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PositionItem, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

// AccountSummary returns the configured balances.
func (p *PaperBroker) AccountSummary(_ context.Context) ([]BalanceItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BalanceItem, len(p.balances))
	copy(out, p.balances)
	return out, nil
}

// PriceIncrements returns the configured tick rules for the symbol.
func (p *PaperBroker) PriceIncrements(_ context.Context, inst Instrument) ([]PriceIncrement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PriceIncrement, len(p.increments[inst.Symbol]))
	copy(out, p.increments[inst.Symbol])
	return out, nil
}

// SetMarketPrice sets the price market legs fill at.
func (p *PaperBroker) SetMarketPrice(symbol string, px float64) {
	p.mu.Lock()
	p.marketPx[symbol] = px
	p.mu.Unlock()
}

// SetPosition seeds a live position, replacing any previous one.
func (p *PaperBroker) SetPosition(symbol string, position, avgCost float64) {
	p.mu.Lock()
	if position == 0 {
		delete(p.positions, symbol)
	} else {
		p.positions[symbol] = PositionItem{Symbol: symbol, Position: position, AvgCost: avgCost}
	}
	p.mu.Unlock()
}

// SetAvailableFunds replaces the account balances with a single line.
func (p *PaperBroker) SetAvailableFunds(currency string, value float64) {
	p.mu.Lock()
	p.balances = []BalanceItem{{Tag: TagAvailableFunds, Currency: currency, Value: value}}
	p.mu.Unlock()
}

// SetIncrements seeds the tick rules for a symbol.
func (p *PaperBroker) SetIncrements(symbol string, incs ...PriceIncrement) {
	p.mu.Lock()
	p.increments[symbol] = incs
	p.mu.Unlock()
}

// SeedOpenOrder plants a resting leg, bypassing PlaceOrder, so tests can
// shape the open-orders view directly.
func (p *PaperBroker) SeedOpenOrder(leg LegState) {
	p.mu.Lock()
	copied := leg
	p.open[leg.OrderID] = &copied
	if leg.OrderID >= p.nextID {
		p.nextID = leg.OrderID + 1
	}
	p.mu.Unlock()
}

// EmitOrderStatus queues an order-status event, for tests driving the
// reconciler directly.
func (p *PaperBroker) EmitOrderStatus(leg LegState) {
	p.mu.Lock()
	p.enqueueLocked(func(h CallbackHandler) { h.OnOrderStatus(leg) })
	p.mu.Unlock()
}

// EmitPortfolio queues a portfolio event.
func (p *PaperBroker) EmitPortfolio(item PortfolioItem) {
	p.mu.Lock()
	p.enqueueLocked(func(h CallbackHandler) { h.OnPortfolio(item) })
	p.mu.Unlock()
}

// EmitError queues an error event.
func (p *PaperBroker) EmitError(ev ErrorEvent) {
	p.mu.Lock()
	p.enqueueLocked(func(h CallbackHandler) { h.OnError(ev) })
	p.mu.Unlock()
}

// Placed returns every spec handed to PlaceOrder, in order.
func (p *PaperBroker) Placed() []OrderSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OrderSpec, len(p.placed))
	copy(out, p.placed)
	return out
}

// OpenOrder returns the resting leg by id, if any.
func (p *PaperBroker) OpenOrder(orderID int64) (LegState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	leg, ok := p.open[orderID]
	if !ok {
		return LegState{}, false
	}
	return *leg, true
}
