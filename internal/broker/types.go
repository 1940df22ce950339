package broker

import "github.com/threshfin/signalpilot/internal/models"

// Instrument identifies a tradable contract.
type Instrument struct {
	Symbol   string
	Currency string
	Class    models.InstrumentClass
}

// OrderSpec is one leg to be submitted. Bracket groups are expressed as a
// parent spec (Transmit=false) followed by child specs pointing at it; the
// final leg of the group carries Transmit=true so the broker treats the group
// atomically.
type OrderSpec struct {
	OrderID  int64
	ParentID int64
	Action   models.Action
	Type     models.OrderType
	Quantity float64
	// CashQuantity replaces Quantity for crypto buys, which trade in cash
	// amounts rather than units.
	CashQuantity float64
	LimitPrice   float64
	StopPrice    float64
	TIF          string
	OrderRef     string
	Transmit     bool
}

// LegState is the broker's view of one submitted leg. PlaceOrder returns it
// as the submission handle; OpenOrders and the order-status stream deliver
// the same shape.
type LegState struct {
	OrderID    int64
	ParentID   int64
	Symbol     string
	Action     models.Action
	Type       models.OrderType
	Quantity   float64
	LimitPrice float64
	StopPrice  float64
	AvgFill    float64
	Filled     float64
	Remaining  float64
	Status     models.OrderStatus
	OrderRef   string
}

// PositionItem is one live position reported by the broker.
type PositionItem struct {
	Symbol   string
	Position float64
	AvgCost  float64
}

// BalanceItem is one account-summary line.
type BalanceItem struct {
	Tag      string
	Currency string
	Value    float64
}

// TagAvailableFunds is the account-summary tag carrying spendable cash.
const TagAvailableFunds = "AvailableFunds"

// PriceIncrement is one tick-size range of an instrument's market rule:
// prices at or above LowEdge move in steps of Increment.
type PriceIncrement struct {
	LowEdge   float64
	Increment float64
}

// PortfolioItem is one portfolio snapshot entry from the broker's account
// update stream.
type PortfolioItem struct {
	Symbol        string
	ContractID    int64
	SecType       string
	Exchange      string
	Position      float64
	MarketPrice   float64
	MarketValue   float64
	AverageCost   float64
	UnrealizedPnL float64
	RealizedPnL   float64
}

// ErrorEvent is one error report from the broker's error stream.
type ErrorEvent struct {
	ReqID   int64
	Code    int
	Symbol  string
	Message string
}
