package models

// Outcome is the terminal disposition of one alert. Every alert resolves to
// exactly one outcome; Submitted is the only success.
type Outcome int

const (
	// OutcomeUnrecognizedVerb: the alert's verb is not one the engine knows.
	OutcomeUnrecognizedVerb Outcome = iota
	// OutcomeSubmitted: every leg of the decision reached the broker.
	OutcomeSubmitted
	// OutcomeUnsupportedCombination: the price presence vector matches no
	// known order shape for the verb.
	OutcomeUnsupportedCombination
	// OutcomeInvalidMessage: the alert failed structural validation.
	OutcomeInvalidMessage
	// OutcomeNoInstrument: the instrument class is unknown.
	OutcomeNoInstrument
	// OutcomeNotSupportedForInstrumentClass: the shape is legal but the
	// instrument class cannot trade it.
	OutcomeNotSupportedForInstrumentClass
	// OutcomeNoMatchingLedgerEntry: no ledger rows correspond to the alert.
	OutcomeNoMatchingLedgerEntry
	// OutcomeNoOpenPosition: the broker reports no live position to close.
	OutcomeNoOpenPosition
	// OutcomeQuantityExceedsPosition: the ledger's filled quantity is
	// larger than the broker's live position.
	OutcomeQuantityExceedsPosition
	// OutcomeInvalidAdjustedQuantity: an exit adjustment asked for more
	// than the resting leg carries.
	OutcomeInvalidAdjustedQuantity
	// OutcomeOrderTypeMismatch: the single open order's type differs from
	// the leg the update targets.
	OutcomeOrderTypeMismatch
	// OutcomeParentNotFilled: a child-leg update requires a filled parent.
	OutcomeParentNotFilled
	// OutcomeLegNotActive: a bracket update found a leg no longer active.
	OutcomeLegNotActive
	// OutcomeTooManyDuplicateOrders: more than three open orders share the
	// alert's reference.
	OutcomeTooManyDuplicateOrders
	// OutcomeNoOpenOrder: no open order matches the alert's reference.
	OutcomeNoOpenOrder
	// OutcomeInsufficientFunds: available funds cannot cover the entry.
	OutcomeInsufficientFunds
)

var outcomeNames = map[Outcome]string{
	OutcomeUnrecognizedVerb:               "UnrecognizedVerb",
	OutcomeSubmitted:                      "Submitted",
	OutcomeUnsupportedCombination:         "UnsupportedCombination",
	OutcomeInvalidMessage:                 "InvalidMessage",
	OutcomeNoInstrument:                   "NoInstrument",
	OutcomeNotSupportedForInstrumentClass: "NotSupportedForInstrumentClass",
	OutcomeNoMatchingLedgerEntry:          "NoMatchingLedgerEntry",
	OutcomeNoOpenPosition:                 "NoOpenPosition",
	OutcomeQuantityExceedsPosition:        "QuantityExceedsPosition",
	OutcomeInvalidAdjustedQuantity:        "InvalidAdjustedQuantity",
	OutcomeOrderTypeMismatch:              "OrderTypeMismatch",
	OutcomeParentNotFilled:                "ParentNotFilled",
	OutcomeLegNotActive:                   "LegNotActive",
	OutcomeTooManyDuplicateOrders:         "TooManyDuplicateOrders",
	OutcomeNoOpenOrder:                    "NoOpenOrder",
	OutcomeInsufficientFunds:              "InsufficientFunds",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "Unknown"
}
