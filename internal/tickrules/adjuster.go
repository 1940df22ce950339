// Package tickrules conforms alert prices to an instrument's minimum price
// increment before submission, so the broker does not reject legs priced
// between ticks.
package tickrules

import (
	"context"
	"log"
	"math"
	"sync"

	"github.com/threshfin/signalpilot/internal/broker"
)

// Adjuster rounds prices up to the instrument's tick. Rule sets are fetched
// lazily from the broker and cached per symbol for the process lifetime.
type Adjuster struct {
	broker broker.Broker
	logger *log.Logger

	mu    sync.Mutex
	rules map[string][]broker.PriceIncrement
}

// NewAdjuster returns an Adjuster backed by b.
func NewAdjuster(b broker.Broker, logger *log.Logger) *Adjuster {
	return &Adjuster{
		broker: b,
		logger: logger,
		rules:  make(map[string][]broker.PriceIncrement),
	}
}

// Adjust returns price rounded up to the instrument's tick. Instruments with
// tiered or unknown rules pass through unchanged; rounding against the wrong
// tier would be worse than letting the broker arbitrate.
func (a *Adjuster) Adjust(ctx context.Context, inst broker.Instrument, price float64) float64 {
	if price <= 0 {
		return price
	}
	rules, err := a.rulesFor(ctx, inst)
	if err != nil {
		a.logger.Printf("tick rules unavailable for %s, passing price through: %v", inst.Symbol, err)
		return price
	}
	if len(rules) != 1 || rules[0].Increment <= 0 {
		a.logger.Printf("no uniform tick for %s (%d tiers), passing price through", inst.Symbol, len(rules))
		return price
	}
	return roundUp(price, rules[0].Increment)
}

func (a *Adjuster) rulesFor(ctx context.Context, inst broker.Instrument) ([]broker.PriceIncrement, error) {
	a.mu.Lock()
	cached, ok := a.rules[inst.Symbol]
	a.mu.Unlock()
	if ok {
		return cached, nil
	}
	rules, err := a.broker.PriceIncrements(ctx, inst)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.rules[inst.Symbol] = rules
	a.mu.Unlock()
	return rules, nil
}

// roundUp rounds price up to the next multiple of tick. Working in inverse
// multiples keeps 0.01 and 0.05 ticks exact where the quotient would not be.
func roundUp(price, tick float64) float64 {
	m := 1 / tick
	return math.Ceil(price*m-1e-9) / m
}
