// Package broker defines the capability set the engine needs from a
// brokerage execution API, together with a circuit-breaker decorator and an
// in-memory implementation used for tests and paper trading.
package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// Broker is the synchronous capability set. Calls may block on network I/O;
// every method takes a context so the alert loop can bound them.
type Broker interface {
	// PlaceOrder submits one leg and returns the broker's initial view of it.
	PlaceOrder(ctx context.Context, inst Instrument, spec OrderSpec) (*LegState, error)
	// CancelOrder requests cancellation of an open leg by id.
	CancelOrder(ctx context.Context, orderID int64) error
	// OpenOrders returns every leg the broker still considers open.
	OpenOrders(ctx context.Context) ([]LegState, error)
	// Positions returns all live positions.
	Positions(ctx context.Context) ([]PositionItem, error)
	// AccountSummary returns account balance lines.
	AccountSummary(ctx context.Context) ([]BalanceItem, error)
	// PriceIncrements returns the instrument's tick-size rule set.
	PriceIncrements(ctx context.Context, inst Instrument) ([]PriceIncrement, error)
	// NextOrderID reserves a fresh broker order id. Bracket legs need ids
	// before submission so children can reference their parent.
	NextOrderID() int64
}

// CallbackHandler receives the broker's asynchronous event streams. The
// broker invokes these on its own goroutine, concurrently with the alert
// loop; implementations must be safe for that.
type CallbackHandler interface {
	// OnOrderStatus is delivered whenever a leg's status, fill or price
	// changes. For a single order id events arrive in delivery order.
	OnOrderStatus(leg LegState)
	// OnCancelAck is delivered when the broker acknowledges a cancel
	// request, possibly more than once.
	OnCancelAck(orderID int64)
	// OnOpenOrder is delivered for legs the broker knows about that this
	// process may not, e.g. after a restart.
	OnOpenOrder(leg LegState)
	// OnPortfolio is delivered when a portfolio entry changes.
	OnPortfolio(item PortfolioItem)
	// OnError is delivered for every broker-side error report.
	OnError(ev ErrorEvent)
}

// EventSource is implemented by brokers that deliver asynchronous callbacks.
type EventSource interface {
	Subscribe(h CallbackHandler)
}

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	b Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(b) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// BreakerSettings configures circuit breaker behavior.
type BreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// CircuitBreakerBroker wraps a Broker so that a run of failed broker calls
// opens the circuit instead of stalling the alert loop on a dead connection.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// NewCircuitBreakerBroker wraps broker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, BreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerBrokerWithSettings wraps broker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings BreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// PlaceOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, inst Instrument, spec OrderSpec) (*LegState, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*LegState, error) {
		return b.PlaceOrder(ctx, inst, spec)
	})
}

// CancelOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID int64) error {
	_, err := execBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// OpenOrders wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) OpenOrders(ctx context.Context) ([]LegState, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) ([]LegState, error) {
		return b.OpenOrders(ctx)
	})
}

// Positions wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Positions(ctx context.Context) ([]PositionItem, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) {
		return b.Positions(ctx)
	})
}

// AccountSummary wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) AccountSummary(ctx context.Context) ([]BalanceItem, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) ([]BalanceItem, error) {
		return b.AccountSummary(ctx)
	})
}

// PriceIncrements wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PriceIncrements(ctx context.Context, inst Instrument) ([]PriceIncrement, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) ([]PriceIncrement, error) {
		return b.PriceIncrements(ctx, inst)
	})
}

// NextOrderID delegates id reservation; it is local bookkeeping, not a
// network call, so it bypasses the breaker.
func (c *CircuitBreakerBroker) NextOrderID() int64 {
	return c.broker.NextOrderID()
}

// Subscribe passes the handler through when the wrapped broker delivers
// events.
func (c *CircuitBreakerBroker) Subscribe(h CallbackHandler) {
	if src, ok := c.broker.(EventSource); ok {
		src.Subscribe(h)
	}
}
