package engine

import (
	"context"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/threshfin/signalpilot/internal/broker"
	"github.com/threshfin/signalpilot/internal/ledger"
	"github.com/threshfin/signalpilot/internal/models"
)

// Reconciler applies the broker's asynchronous callbacks to the ledger. It
// runs on the broker's delivery goroutine, concurrently with the alert loop,
// and the ledger is the only state the two share. Callbacks never fail the
// stream; ledger errors are logged and the next event proceeds.
type Reconciler struct {
	broker broker.Broker
	store  ledger.Store
	logger *log.Logger
}

var _ broker.CallbackHandler = (*Reconciler)(nil)

// NewReconciler builds a Reconciler. A nil logger falls back to stderr.
func NewReconciler(b broker.Broker, store ledger.Store, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(os.Stderr, "reconcile ", log.LstdFlags)
	}
	return &Reconciler{broker: b, store: store, logger: logger}
}

// OnOrderStatus reconciles a status report by order id. An id the ledger has
// never seen gets a synthesized row first, so later quantity and duplicate
// queries are never starved. A fill fast-paths the symbol's portfolio row
// from the live positions view rather than waiting for the next snapshot.
func (r *Reconciler) OnOrderStatus(leg broker.LegState) {
	rec, err := r.store.FindOrderByID(leg.OrderID)
	if err != nil {
		r.logger.Printf("order status %d: %v", leg.OrderID, err)
		return
	}
	if rec == nil {
		r.synthesize(leg)
	}
	if leg.Status == models.StatusCancelled || leg.Status == models.StatusApiCancelled {
		if err := r.store.MarkCancelled(leg.OrderID); err != nil {
			r.logger.Printf("order status %d: %v", leg.OrderID, err)
		}
		return
	}
	if err := r.store.UpdateOrderStatus(leg.OrderID, leg.Status, leg.Quantity, leg.AvgFill, leg.LimitPrice, leg.StopPrice); err != nil {
		r.logger.Printf("order status %d: %v", leg.OrderID, err)
		return
	}
	if leg.Filled > 0 {
		if err := r.store.UpdateOrderPosition(leg.OrderID, leg.Filled); err != nil {
			r.logger.Printf("order status %d: %v", leg.OrderID, err)
		}
	}
	if leg.Status == models.StatusFilled {
		r.refreshPortfolio(leg.Symbol)
	}
}

// OnCancelAck finalizes the cancelled row. Brokers deliver cancel acks more
// than once; MarkCancelled is idempotent.
func (r *Reconciler) OnCancelAck(orderID int64) {
	if err := r.store.MarkCancelled(orderID); err != nil {
		r.logger.Printf("cancel ack %d: %v", orderID, err)
	}
}

// OnOpenOrder records legs the broker knows about that the ledger does not,
// which happens after a restart when the snapshot replays resting orders.
func (r *Reconciler) OnOpenOrder(leg broker.LegState) {
	rec, err := r.store.FindOrderByID(leg.OrderID)
	if err != nil {
		r.logger.Printf("open order %d: %v", leg.OrderID, err)
		return
	}
	if rec == nil {
		r.synthesize(leg)
	}
}

// OnPortfolio upserts the symbol's portfolio row from the snapshot.
func (r *Reconciler) OnPortfolio(item broker.PortfolioItem) {
	err := r.store.UpsertPortfolio(models.OrderRecord{
		Key:           models.NowKey(),
		Ticker:        item.Symbol,
		Position:      item.Position,
		MarketValue:   item.MarketValue,
		AvgPrice:      item.AverageCost,
		UnrealizedPnL: item.UnrealizedPnL,
		RealizedPnL:   item.RealizedPnL,
	})
	if err != nil {
		r.logger.Printf("portfolio %s: %v", item.Symbol, err)
	}
}

// OnError appends the report regardless of order state.
func (r *Reconciler) OnError(ev broker.ErrorEvent) {
	err := r.store.InsertError(models.ErrorRecord{
		Key:     models.NowKey(),
		ReqID:   ev.ReqID,
		Code:    ev.Code,
		Symbol:  ev.Symbol,
		Message: ev.Message,
	})
	if err != nil {
		r.logger.Printf("error event %d: %v", ev.ReqID, err)
	}
}

// synthesize inserts a row for a leg with no originating alert. The row gets
// a fresh key and a uuid-suffixed reference when the broker reports none, so
// it can never collide with a client-placed leg.
func (r *Reconciler) synthesize(leg broker.LegState) {
	ref := leg.OrderRef
	if ref == "" {
		ref = "sync_" + uuid.NewString()[:8]
	}
	rec := models.OrderRecord{
		Key:        models.NowKey(),
		OrderID:    leg.OrderID,
		Ticker:     leg.Symbol,
		Action:     leg.Action,
		OrderType:  leg.Type,
		LimitPrice: leg.LimitPrice,
		StopPrice:  leg.StopPrice,
		Quantity:   leg.Quantity,
		AvgFill:    leg.AvgFill,
		Status:     leg.Status,
		OrderRef:   ref,
		ParentID:   leg.ParentID,
	}
	if rec.Status == "" {
		rec.Status = models.StatusPendingSubmit
	}
	if err := r.store.InsertOrder(rec); err != nil {
		r.logger.Printf("synthesize order %d: %v", leg.OrderID, err)
	}
}

// refreshPortfolio pushes the live position for symbol into its portfolio
// row so a close-all right after a fill sees the position without waiting
// for the broker's snapshot cadence.
func (r *Reconciler) refreshPortfolio(symbol string) {
	positions, err := r.broker.Positions(context.Background())
	if err != nil {
		r.logger.Printf("refresh portfolio %s: %v", symbol, err)
		return
	}
	for _, p := range positions {
		if p.Symbol != symbol {
			continue
		}
		err := r.store.UpsertPortfolio(models.OrderRecord{
			Key:      models.NowKey(),
			Ticker:   symbol,
			Position: p.Position,
			AvgPrice: p.AvgCost,
		})
		if err != nil {
			r.logger.Printf("refresh portfolio %s: %v", symbol, err)
		}
		return
	}
}
