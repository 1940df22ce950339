package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threshfin/signalpilot/internal/models"
)

// recorder captures callbacks for assertions.
type recorder struct {
	statuses  []LegState
	cancels   []int64
	open      []LegState
	portfolio []PortfolioItem
	errs      []ErrorEvent
}

func (r *recorder) OnOrderStatus(leg LegState)    { r.statuses = append(r.statuses, leg) }
func (r *recorder) OnCancelAck(orderID int64)     { r.cancels = append(r.cancels, orderID) }
func (r *recorder) OnOpenOrder(leg LegState)      { r.open = append(r.open, leg) }
func (r *recorder) OnPortfolio(it PortfolioItem)  { r.portfolio = append(r.portfolio, it) }
func (r *recorder) OnError(ev ErrorEvent)         { r.errs = append(r.errs, ev) }

func TestPaperBrokerRestingOrderLifecycle(t *testing.T) {
	p := NewPaperBroker()
	rec := &recorder{}
	p.Subscribe(rec)
	ctx := context.Background()

	leg, err := p.PlaceOrder(ctx, Instrument{Symbol: "AAPL"}, OrderSpec{
		Action: models.ActionBuy, Type: models.TypeLimit,
		Quantity: 10, LimitPrice: 95, Transmit: true, OrderRef: "C1_ref",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, leg.Status)

	open, err := p.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1, "an untriggered limit rests")

	require.NoError(t, p.CancelOrder(ctx, leg.OrderID))
	open, err = p.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	p.Flush()
	require.Len(t, rec.cancels, 1)
	assert.Equal(t, leg.OrderID, rec.cancels[0])
	last := rec.statuses[len(rec.statuses)-1]
	assert.Equal(t, models.StatusCancelled, last.Status)

	assert.Error(t, p.CancelOrder(ctx, leg.OrderID), "cancelling twice fails")
}

func TestPaperBrokerMarketFill(t *testing.T) {
	p := NewPaperBroker()
	rec := &recorder{}
	p.Subscribe(rec)
	p.SetMarketPrice("AAPL", 101.5)
	ctx := context.Background()

	_, err := p.PlaceOrder(ctx, Instrument{Symbol: "AAPL"}, OrderSpec{
		Action: models.ActionBuy, Type: models.TypeMarket,
		Quantity: 100, Transmit: true,
	})
	require.NoError(t, err)
	p.Flush()

	positions, err := p.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 100.0, positions[0].Position)
	assert.Equal(t, 101.5, positions[0].AvgCost)

	last := rec.statuses[len(rec.statuses)-1]
	assert.Equal(t, models.StatusFilled, last.Status)
	assert.Equal(t, 101.5, last.AvgFill)
	require.Len(t, rec.portfolio, 1)
	assert.Equal(t, 100.0, rec.portfolio[0].Position)
}

func TestPaperBrokerHoldsUntransmittedGroup(t *testing.T) {
	p := NewPaperBroker()
	p.SetMarketPrice("AAPL", 100)
	ctx := context.Background()

	parentID := p.NextOrderID()
	_, err := p.PlaceOrder(ctx, Instrument{Symbol: "AAPL"}, OrderSpec{
		OrderID: parentID, Action: models.ActionBuy,
		Type: models.TypeMarket, Quantity: 10,
	})
	require.NoError(t, err)

	positions, err := p.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions, "nothing fills before the group transmits")

	_, err = p.PlaceOrder(ctx, Instrument{Symbol: "AAPL"}, OrderSpec{
		ParentID: parentID, Action: models.ActionSell,
		Type: models.TypeStop, Quantity: 10, StopPrice: 95, Transmit: true,
	})
	require.NoError(t, err)

	positions, err = p.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1, "transmit releases the parent market leg")

	open, err := p.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1, "the protective child keeps resting")
	assert.Equal(t, models.TypeStop, open[0].Type)
}

// failingBroker errors on every call, for breaker tests.
type failingBroker struct{}

func (failingBroker) PlaceOrder(context.Context, Instrument, OrderSpec) (*LegState, error) {
	return nil, errors.New("connection refused")
}
func (failingBroker) CancelOrder(context.Context, int64) error {
	return errors.New("connection refused")
}
func (failingBroker) OpenOrders(context.Context) ([]LegState, error) {
	return nil, errors.New("connection refused")
}
func (failingBroker) Positions(context.Context) ([]PositionItem, error) {
	return nil, errors.New("connection refused")
}
func (failingBroker) AccountSummary(context.Context) ([]BalanceItem, error) {
	return nil, errors.New("connection refused")
}
func (failingBroker) PriceIncrements(context.Context, Instrument) ([]PriceIncrement, error) {
	return nil, errors.New("connection refused")
}
func (failingBroker) NextOrderID() int64 { return 1 }

func TestCircuitBreakerPassesThroughSuccess(t *testing.T) {
	p := NewPaperBroker()
	p.SetPosition("AAPL", 30, 100)
	cb := NewCircuitBreakerBroker(p)

	positions, err := cb.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 30.0, positions[0].Position)

	balances, err := cb.AccountSummary(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, balances)
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreakerBrokerWithSettings(failingBroker{}, BreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.5,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cb.OpenOrders(ctx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState, "circuit still closed on call %d", i)
	}

	_, err := cb.OpenOrders(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState, "circuit opens after the failure run")
}

func TestCircuitBreakerSubscribePassthrough(t *testing.T) {
	p := NewPaperBroker()
	cb := NewCircuitBreakerBroker(p)
	rec := &recorder{}
	cb.Subscribe(rec)

	p.EmitError(ErrorEvent{ReqID: 1, Code: 504, Message: "timeout"})
	p.Flush()
	require.Len(t, rec.errs, 1)
	assert.Equal(t, 504, rec.errs[0].Code)
}
