// Package models defines the alert, order and ledger types shared across
// the engine, broker bindings and storage.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Verb is the directive carried by an alert.
type Verb string

const (
	VerbEntryLong   Verb = "entry_long"
	VerbEntryShort  Verb = "entry_short"
	VerbClose       Verb = "close"
	VerbCloseAll    Verb = "close_all"
	VerbCancelLong  Verb = "cancel_long"
	VerbCancelShort Verb = "cancel_short"
	VerbCancelAll   Verb = "cancel_all"
	VerbExitLong    Verb = "exit_long"
	VerbExitShort   Verb = "exit_short"
)

// InstrumentClass selects the contract family an alert trades.
type InstrumentClass string

const (
	ClassEquity InstrumentClass = "equity"
	ClassForex  InstrumentClass = "forex"
	ClassCrypto InstrumentClass = "crypto"
)

// Valid reports whether the class is one the engine trades.
func (c InstrumentClass) Valid() bool {
	switch c {
	case ClassEquity, ClassForex, ClassCrypto:
		return true
	}
	return false
}

const (
	// QuantityAll is the sentinel quantity meaning "the whole position"
	// on close and exit verbs.
	QuantityAll = -1e10

	// OrderRefMaxLen caps the broker-visible order reference.
	OrderRefMaxLen = 20

	// DefaultTIF is applied when an alert carries no time-in-force.
	DefaultTIF = "GTC"
)

// AlertIntent is one decoded alert. Zero prices mean "not provided"; the
// four price fields form the presence vector the classifier dispatches on.
type AlertIntent struct {
	Key        string          `json:"key"`
	Timestamp  int64           `json:"timestamp"`
	Symbol     string          `json:"symbol"`
	Currency   string          `json:"currency"`
	Class      InstrumentClass `json:"contract"`
	Verb       Verb            `json:"direction"`
	Quantity   float64         `json:"qty"`
	EntryLimit float64         `json:"entryLimit"`
	EntryStop  float64         `json:"entryStop"`
	ExitLimit  float64         `json:"exitLimit"`
	ExitStop   float64         `json:"exitStop"`
	Price      float64         `json:"price"`
	Timeframe  string          `json:"timeframe"`
	OrderRef   string          `json:"orderRef"`
	TIF        string          `json:"tif"`
}

// IsEntry reports whether the verb opens a position.
func (v Verb) IsEntry() bool {
	return v == VerbEntryLong || v == VerbEntryShort
}

// IsExit reports whether the verb adjusts a resting exit leg.
func (v Verb) IsExit() bool {
	return v == VerbExitLong || v == VerbExitShort
}

// EntryAction maps a directional verb to the side of its opening order.
// Exit verbs map to the side of the resting exit legs they adjust.
func (v Verb) EntryAction() Action {
	switch v {
	case VerbEntryLong, VerbExitShort:
		return ActionBuy
	default:
		return ActionSell
	}
}

// ClientRefPrefix is the order-reference prefix that marks orders owned by
// this client id.
func ClientRefPrefix(clientID int) string {
	return fmt.Sprintf("C%d_", clientID)
}

// ExtendedOrderRef builds the broker-visible order reference from the client
// prefix, the alert's timeframe and its reference, truncated to the broker's
// limit.
func ExtendedOrderRef(clientID int, timeframe, ref string) string {
	full := ClientRefPrefix(clientID) + timeframe + ref
	if len(full) > OrderRefMaxLen {
		full = full[:OrderRefMaxLen]
	}
	return full
}

// TimestampKey renders a millisecond epoch as the ledger's correlation key.
func TimestampKey(msEpoch int64) string {
	t := time.UnixMilli(msEpoch).UTC()
	return t.Format("2006-01-02 15:04:05.000")
}

// NowKey returns a correlation key for the current instant, used when an
// event arrives with no originating alert.
func NowKey() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05.000")
}

// NormalizedSymbol strips the exchange prefix some alert feeds attach.
func NormalizedSymbol(sym string) string {
	if i := strings.IndexByte(sym, ':'); i >= 0 {
		return sym[i+1:]
	}
	return sym
}
