package engine

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threshfin/signalpilot/internal/broker"
	"github.com/threshfin/signalpilot/internal/ledger"
	"github.com/threshfin/signalpilot/internal/models"
	"github.com/threshfin/signalpilot/internal/tickrules"
)

func newTestReconciler(t *testing.T) (*Reconciler, *broker.PaperBroker, ledger.Store) {
	t.Helper()
	b := broker.NewPaperBroker()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	r := NewReconciler(b, store, log.New(io.Discard, "", 0))
	b.Subscribe(r)
	return r, b, store
}

func TestReconcilerUpdatesKnownOrder(t *testing.T) {
	_, b, store := newTestReconciler(t)

	require.NoError(t, store.InsertOrder(models.OrderRecord{
		Key: "2026-08-27 10:00:00.000", OrderID: 5, Ticker: "AAPL",
		Action: models.ActionBuy, OrderType: models.TypeLimit,
		LimitPrice: 100.5, Quantity: 10,
		Status: models.StatusSubmitted, OrderRef: testRef,
	}))

	b.EmitOrderStatus(broker.LegState{
		OrderID: 5, Symbol: "AAPL", Action: models.ActionBuy,
		Type: models.TypeLimit, Quantity: 10, AvgFill: 100.4,
		Filled: 10, Status: models.StatusFilled,
	})
	b.Flush()

	rec, err := store.FindOrderByID(5)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusFilled, rec.Status)
	assert.Equal(t, 100.4, rec.AvgFill)
	assert.Equal(t, 10.0, rec.Position, "the fill delta lands in position")
	assert.Equal(t, 100.5, rec.LimitPrice, "the zero limit in the event must not clobber")
}

func TestReconcilerSynthesizesUnknownOrder(t *testing.T) {
	_, b, store := newTestReconciler(t)

	b.EmitOrderStatus(broker.LegState{
		OrderID: 99, Symbol: "TSLA", Action: models.ActionSell,
		Type: models.TypeLimit, Quantity: 4, LimitPrice: 250,
		Status: models.StatusSubmitted,
	})
	b.Flush()

	rec, err := store.FindOrderByID(99)
	require.NoError(t, err)
	require.NotNil(t, rec, "unknown ids get a synthesized row")
	assert.Equal(t, "TSLA", rec.Ticker)
	assert.True(t, strings.HasPrefix(rec.OrderRef, "sync_"),
		"a synthesized row carries a generated reference")
}

func TestReconcilerCancelFlow(t *testing.T) {
	r, _, store := newTestReconciler(t)

	require.NoError(t, store.InsertOrder(models.OrderRecord{
		Key: "2026-08-27 10:00:00.000", OrderID: 8, AlertPrice: 55.5,
		Ticker: "AAPL", Action: models.ActionBuy, OrderType: models.TypeLimit,
		Quantity: 5, Status: models.StatusSubmitted, OrderRef: testRef,
	}))

	r.OnCancelAck(8)
	r.OnCancelAck(8)

	rec, err := store.FindOrderByID(8)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, rec.Status)
	assert.Equal(t, -55.5, rec.AvgFill)
}

func TestReconcilerOpenOrderSnapshot(t *testing.T) {
	r, _, store := newTestReconciler(t)

	leg := broker.LegState{
		OrderID: 31, Symbol: "MSFT", Action: models.ActionBuy,
		Type: models.TypeStop, Quantity: 7, StopPrice: 300,
		Status: models.StatusPreSubmitted, OrderRef: "C1_1hcore",
	}
	r.OnOpenOrder(leg)
	rec, err := store.FindOrderByID(31)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "C1_1hcore", rec.OrderRef)

	// Replays of the snapshot do not duplicate the row.
	r.OnOpenOrder(leg)
	rows, err := store.FindOrders("MSFT", "C1_1hcore")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestReconcilerPortfolioAndErrors(t *testing.T) {
	r, _, store := newTestReconciler(t)

	r.OnPortfolio(broker.PortfolioItem{
		Symbol: "AAPL", Position: 30, MarketValue: 3045, AverageCost: 100.2,
	})
	pos, err := store.PortfolioPosition("AAPL")
	require.NoError(t, err)
	assert.Equal(t, 30.0, pos)

	r.OnError(broker.ErrorEvent{ReqID: 5, Code: 201, Symbol: "AAPL", Message: "rejected"})
}

// TestRoundTripEntryFillClose drives the full loop: a market entry fills at
// the paper broker, the reconciler folds the fill and portfolio update into
// the ledger, and a close alert then flattens the position from that state.
func TestRoundTripEntryFillClose(t *testing.T) {
	b := broker.NewPaperBroker()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	logger := log.New(io.Discard, "", 0)
	eng := New(b, store, tickrules.NewAdjuster(b, logger), testClientID, logger)
	b.Subscribe(NewReconciler(b, store, logger))
	b.SetMarketPrice("AAPL", 101.5)
	ctx := context.Background()

	out, err := eng.Dispatch(ctx, testAlert(models.VerbEntryLong, 100))
	require.NoError(t, err)
	require.Equal(t, models.OutcomeSubmitted, out)
	b.Flush()

	rows, err := store.FindOrders("AAPL", testRef)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusFilled, rows[0].Status)
	assert.Equal(t, 101.5, rows[0].AvgFill)

	pos, err := store.PortfolioPosition("AAPL")
	require.NoError(t, err)
	assert.Equal(t, 100.0, pos)

	out, err = eng.Dispatch(ctx, testAlert(models.VerbClose, models.QuantityAll))
	require.NoError(t, err)
	require.Equal(t, models.OutcomeSubmitted, out)
	b.Flush()

	placed := b.Placed()
	require.Len(t, placed, 2)
	assert.Equal(t, models.ActionSell, placed[1].Action)
	assert.Equal(t, 100.0, placed[1].Quantity)

	positions, err := b.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions, "the close flattens the paper position")
}
