package models

// Action is the side of an order.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Reverse returns the opposite side.
func (a Action) Reverse() Action {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// OrderType is the broker order type of one leg.
type OrderType string

const (
	TypeMarket    OrderType = "MKT"
	TypeLimit     OrderType = "LMT"
	TypeStop      OrderType = "STP"
	TypeStopLimit OrderType = "STP LMT"
)

// OrderStatus is the broker-reported lifecycle state of a leg.
type OrderStatus string

const (
	StatusPendingSubmit OrderStatus = "PendingSubmit"
	StatusApiPending    OrderStatus = "ApiPending"
	StatusPreSubmitted  OrderStatus = "PreSubmitted"
	StatusSubmitted     OrderStatus = "Submitted"
	StatusPendingCancel OrderStatus = "PendingCancel"
	StatusApiCancelled  OrderStatus = "ApiCancelled"
	StatusCancelled     OrderStatus = "Cancelled"
	StatusFilled        OrderStatus = "Filled"
	StatusInactive      OrderStatus = "Inactive"
)

// IsActive reports whether the leg can still trade.
func (s OrderStatus) IsActive() bool {
	switch s {
	case StatusPendingSubmit, StatusApiPending, StatusPreSubmitted, StatusSubmitted:
		return true
	}
	return false
}

// IsDone reports whether the leg has reached a terminal state.
func (s OrderStatus) IsDone() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusApiCancelled, StatusInactive:
		return true
	}
	return false
}

const (
	// PortfolioStatus marks ledger rows that hold a portfolio snapshot
	// rather than an order.
	PortfolioStatus = "Portfolio"

	// PortfolioRefPrefix prefixes the order reference of portfolio rows.
	PortfolioRefPrefix = "Ptf_"

	// NoOpenPositions is the position sentinel stored when the broker
	// reports no live position for a symbol.
	NoOpenPositions = -1e10

	// CancelledPriceMark is written into a cancelled row's price columns
	// when no original price is recorded.
	CancelledPriceMark = -1e10
)

// PortfolioRef is the order reference of a symbol's portfolio row.
func PortfolioRef(symbol string) string {
	return PortfolioRefPrefix + symbol
}

// OrderRecord is one ledger row. Order rows and portfolio rows share the
// shape; portfolio rows carry PortfolioStatus and the Ptf_ reference.
type OrderRecord struct {
	Key           string
	AlertPrice    float64
	OrderID       int64
	Ticker        string
	Action        Action
	OrderType     OrderType
	LimitPrice    float64
	StopPrice     float64
	Quantity      float64
	AvgFill       float64
	Status        OrderStatus
	OrderRef      string
	ParentID      int64
	Position      float64
	MarketValue   float64
	AvgPrice      float64
	UnrealizedPnL float64
	RealizedPnL   float64
}

// FilledDelta returns the row's reconciled fill signed by its side. The
// position column is authoritative; a row the broker marked Filled before
// its position report landed falls back to the ordered quantity.
func (r *OrderRecord) FilledDelta() float64 {
	qty := r.Position
	if qty == 0 && r.Status == StatusFilled {
		qty = r.Quantity
	}
	if r.Action == ActionSell {
		return -qty
	}
	return qty
}

// IsFilled reports whether the row represents a completed fill: either the
// broker marked it Filled, or the reconciled position caught up with the
// ordered quantity before the final status arrived.
func (r *OrderRecord) IsFilled() bool {
	if r.Status == StatusFilled {
		return true
	}
	return r.Quantity > 0 && r.Quantity == r.Position
}

// ErrorRecord is one broker error report kept for operator inspection.
type ErrorRecord struct {
	Key     string
	ReqID   int64
	Code    int
	Symbol  string
	Message string
}
