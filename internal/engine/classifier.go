// Package engine turns validated alerts into broker orders and reconciles
// the broker's asynchronous callbacks into the ledger. The decision surface
// is a single Dispatch call returning a closed set of outcome codes.
package engine

import "github.com/threshfin/signalpilot/internal/models"

// OrderShape is the concrete order graph an alert's price fields select.
type OrderShape int

const (
	ShapeNone OrderShape = iota

	// Single-leg entries.
	ShapeMarket
	ShapeLimit
	ShapeStop
	ShapeStopLimit

	// Entry plus one attached exit leg.
	ShapeMarketWithLimit
	ShapeMarketWithStop
	ShapeLimitWithLimit
	ShapeLimitWithStop

	// Entry plus both exit legs.
	ShapeBracketMarket
	ShapeBracketLimit
	ShapeBracketStop

	// Adjustments to resting exit legs.
	ShapeUpdateBracket
	ShapeUpdateLimitLeg
	ShapeUpdateStopLeg
)

var shapeNames = map[OrderShape]string{
	ShapeNone:            "none",
	ShapeMarket:          "market",
	ShapeLimit:           "limit",
	ShapeStop:            "stop",
	ShapeStopLimit:       "stop-limit",
	ShapeMarketWithLimit: "market+limit",
	ShapeMarketWithStop:  "market+stop",
	ShapeLimitWithLimit:  "limit+limit",
	ShapeLimitWithStop:   "limit+stop",
	ShapeBracketMarket:   "bracket-market",
	ShapeBracketLimit:    "bracket-limit",
	ShapeBracketStop:     "bracket-stop",
	ShapeUpdateBracket:   "update-bracket",
	ShapeUpdateLimitLeg:  "update-limit-leg",
	ShapeUpdateStopLeg:   "update-stop-leg",
}

func (s OrderShape) String() string { return shapeNames[s] }

// Presence vector bits, fixed order. A field is present iff its price is
// strictly positive.
const (
	bitEntryLimit = 1 << 3
	bitEntryStop  = 1 << 2
	bitExitLimit  = 1 << 1
	bitExitStop   = 1 << 0
)

func presenceVector(a *models.AlertIntent) uint8 {
	var v uint8
	if a.EntryLimit > 0 {
		v |= bitEntryLimit
	}
	if a.EntryStop > 0 {
		v |= bitEntryStop
	}
	if a.ExitLimit > 0 {
		v |= bitExitLimit
	}
	if a.ExitStop > 0 {
		v |= bitExitStop
	}
	return v
}

// ClassifyEntry maps an entry alert's presence vector to its order shape.
// Unmatched patterns return false, never a best-effort guess.
func ClassifyEntry(a *models.AlertIntent) (OrderShape, bool) {
	switch presenceVector(a) {
	case 0b0000:
		return ShapeMarket, true
	case 0b1000:
		return ShapeLimit, true
	case 0b0100:
		return ShapeStop, true
	case 0b1100:
		return ShapeStopLimit, true
	case 0b0010:
		return ShapeMarketWithLimit, true
	case 0b0001:
		return ShapeMarketWithStop, true
	case 0b1010:
		return ShapeLimitWithLimit, true
	case 0b1001:
		return ShapeLimitWithStop, true
	case 0b0011:
		return ShapeBracketMarket, true
	case 0b1011:
		return ShapeBracketLimit, true
	case 0b0111:
		return ShapeBracketStop, true
	}
	return ShapeNone, false
}

// ClassifyExit maps an exit alert's presence vector to the update shape.
func ClassifyExit(a *models.AlertIntent) (OrderShape, bool) {
	switch presenceVector(a) {
	case 0b0011:
		return ShapeUpdateBracket, true
	case 0b0010:
		return ShapeUpdateLimitLeg, true
	case 0b0001:
		return ShapeUpdateStopLeg, true
	}
	return ShapeNone, false
}

// ClassifyClose reports whether a close or close-all alert is well formed:
// the derived order is always a plain market leg, so any price field present
// makes the alert unsupported.
func ClassifyClose(a *models.AlertIntent) bool {
	return presenceVector(a) == 0
}

// legCount is the number of broker legs the shape submits.
func (s OrderShape) legCount() int {
	switch s {
	case ShapeMarket, ShapeLimit, ShapeStop, ShapeStopLimit:
		return 1
	case ShapeMarketWithLimit, ShapeMarketWithStop, ShapeLimitWithLimit, ShapeLimitWithStop:
		return 2
	case ShapeBracketMarket, ShapeBracketLimit, ShapeBracketStop:
		return 3
	}
	return 0
}
