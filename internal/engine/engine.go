package engine

import (
	"context"
	"log"
	"os"

	"github.com/threshfin/signalpilot/internal/broker"
	"github.com/threshfin/signalpilot/internal/ledger"
	"github.com/threshfin/signalpilot/internal/models"
	"github.com/threshfin/signalpilot/internal/tickrules"
)

// closeLookback is how many alert batches deriveClose sums over. One batch
// per close keeps a close scoped to the lot its reference entered.
const closeLookback = 1

// Engine is the decision engine: one alert in, one outcome code out. It is
// driven by a single consumer loop; reconciliation callbacks run concurrently
// and share only the ledger with it.
type Engine struct {
	broker   broker.Broker
	store    ledger.Store
	adjuster *tickrules.Adjuster
	logger   *log.Logger
	clientID int
}

// New builds an Engine. A nil logger falls back to stderr.
func New(b broker.Broker, store ledger.Store, adjuster *tickrules.Adjuster, clientID int, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "engine ", log.LstdFlags)
	}
	return &Engine{
		broker:   b,
		store:    store,
		adjuster: adjuster,
		logger:   logger,
		clientID: clientID,
	}
}

// Dispatch resolves one alert to a terminal outcome. A non-nil error means a
// broker or ledger failure before the alert reached a terminal state; the
// caller may redeliver the alert, and placement's existence checks make that
// safe even when some legs already landed.
func (e *Engine) Dispatch(ctx context.Context, a *models.AlertIntent) (models.Outcome, error) {
	if a.Key == "" || a.Symbol == "" {
		return models.OutcomeInvalidMessage, nil
	}
	// The "all" sentinel sizes closes, exits and cancels from state the
	// engine already holds; entries have no such state and need a real qty.
	if a.Quantity <= 0 && (a.Quantity != models.QuantityAll || a.Verb.IsEntry()) {
		return models.OutcomeInvalidMessage, nil
	}
	if !a.Class.Valid() {
		return models.OutcomeNoInstrument, nil
	}
	a.Symbol = models.NormalizedSymbol(a.Symbol)

	inst := broker.Instrument{Symbol: a.Symbol, Currency: a.Currency, Class: a.Class}
	extRef := models.ExtendedOrderRef(e.clientID, a.Timeframe, a.OrderRef)

	outcome, err := e.dispatch(ctx, a, inst, extRef)
	if err != nil {
		e.logger.Printf("alert %s %s %s failed: %v", a.Key, a.Verb, a.Symbol, err)
		return 0, err
	}
	e.logger.Printf("alert %s %s %s -> %s", a.Key, a.Verb, a.Symbol, outcome)
	return outcome, nil
}

func (e *Engine) dispatch(ctx context.Context, a *models.AlertIntent, inst broker.Instrument, extRef string) (models.Outcome, error) {
	switch a.Verb {
	case models.VerbEntryLong, models.VerbEntryShort:
		shape, ok := ClassifyEntry(a)
		if !ok {
			return models.OutcomeUnsupportedCombination, nil
		}
		return e.placeEntry(ctx, a, inst, shape, extRef)

	case models.VerbClose:
		// Derivation runs first: a close that cannot be sized reports the
		// derivation failure even when it also carries stray prices.
		dec, outcome, err := e.deriveClose(ctx, a, extRef)
		if err != nil {
			return 0, err
		}
		if outcome != models.OutcomeSubmitted {
			return outcome, nil
		}
		if !ClassifyClose(a) {
			return models.OutcomeUnsupportedCombination, nil
		}
		return e.placeClose(ctx, a, inst, dec, extRef)

	case models.VerbCloseAll:
		// Resting entries and exits for the symbol would fight the
		// flattening order; clear them first, best effort.
		if _, err := e.cancelOpenOrders(ctx, a.Symbol, extRef, "", false); err != nil {
			e.logger.Printf("close-all pre-cancel for %s: %v", a.Symbol, err)
		}
		dec, outcome, err := e.deriveCloseAll(ctx, a)
		if err != nil {
			return 0, err
		}
		if outcome != models.OutcomeSubmitted {
			return outcome, nil
		}
		if !ClassifyClose(a) {
			return models.OutcomeUnsupportedCombination, nil
		}
		return e.placeClose(ctx, a, inst, dec, extRef)

	case models.VerbCancelLong:
		return e.cancelVerb(ctx, a.Symbol, extRef, models.ActionBuy, true)

	case models.VerbCancelShort:
		return e.cancelVerb(ctx, a.Symbol, extRef, models.ActionSell, true)

	case models.VerbCancelAll:
		return e.cancelVerb(ctx, a.Symbol, extRef, "", false)

	case models.VerbExitLong, models.VerbExitShort:
		shape, ok := ClassifyExit(a)
		if !ok {
			return models.OutcomeUnsupportedCombination, nil
		}
		if inst.Class == models.ClassCrypto {
			return models.OutcomeNotSupportedForInstrumentClass, nil
		}
		return e.placeUpdate(ctx, a, inst, shape, extRef)
	}
	return models.OutcomeUnrecognizedVerb, nil
}

func (e *Engine) cancelVerb(ctx context.Context, symbol, ref string, action models.Action, exact bool) (models.Outcome, error) {
	n, err := e.cancelOpenOrders(ctx, symbol, ref, action, exact)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return models.OutcomeNoOpenOrder, nil
	}
	return models.OutcomeSubmitted, nil
}
