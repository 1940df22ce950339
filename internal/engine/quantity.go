package engine

import (
	"context"
	"math"

	"github.com/threshfin/signalpilot/internal/models"
)

// closeDecision is the derived order for a close or close-all alert.
type closeDecision struct {
	action   models.Action
	quantity float64
}

// livePosition returns the broker's reported position for the symbol.
func (e *Engine) livePosition(ctx context.Context, symbol string) (float64, bool, error) {
	positions, err := e.broker.Positions(ctx)
	if err != nil {
		return 0, false, err
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.Position != 0 {
			return p.Position, true, nil
		}
	}
	return 0, false, nil
}

// deriveClose resolves a close alert against the ledger's filled rows and the
// broker's live position. The derived action flattens the lot; the quantity
// never exceeds what the ledger saw fill.
func (e *Engine) deriveClose(ctx context.Context, a *models.AlertIntent, orderRef string) (closeDecision, models.Outcome, error) {
	filled, found, err := e.store.FilledQuantity(a.Symbol, orderRef, closeLookback)
	if err != nil {
		return closeDecision{}, 0, err
	}
	if !found || filled == 0 {
		return closeDecision{}, models.OutcomeNoMatchingLedgerEntry, nil
	}
	return e.resolveClose(ctx, a, filled)
}

// deriveCloseAll resolves a close-all alert from the portfolio row's
// remembered position instead of summed fills.
func (e *Engine) deriveCloseAll(ctx context.Context, a *models.AlertIntent) (closeDecision, models.Outcome, error) {
	held, err := e.store.PortfolioPosition(a.Symbol)
	if err != nil {
		return closeDecision{}, 0, err
	}
	if held == models.NoOpenPositions || held == 0 {
		return closeDecision{}, models.OutcomeNoMatchingLedgerEntry, nil
	}
	return e.resolveClose(ctx, a, held)
}

// resolveClose checks the ledger-derived quantity against the live position
// and produces the flattening order. A ledger quantity larger than the live
// position is a critical inconsistency and is never clamped.
func (e *Engine) resolveClose(ctx context.Context, a *models.AlertIntent, ledgerQty float64) (closeDecision, models.Outcome, error) {
	live, ok, err := e.livePosition(ctx, a.Symbol)
	if err != nil {
		return closeDecision{}, 0, err
	}
	if !ok {
		return closeDecision{}, models.OutcomeNoOpenPosition, nil
	}
	if math.Abs(ledgerQty) > math.Abs(live) {
		e.logger.Printf("CRITICAL: ledger quantity %.4f exceeds live position %.4f for %s",
			ledgerQty, live, a.Symbol)
		return closeDecision{}, models.OutcomeQuantityExceedsPosition, nil
	}

	action := models.ActionSell
	if ledgerQty < 0 {
		action = models.ActionBuy
	}
	qty := math.Abs(ledgerQty)
	if a.Quantity != models.QuantityAll && a.Quantity < qty {
		qty = a.Quantity
	}
	return closeDecision{action: action, quantity: qty}, models.OutcomeSubmitted, nil
}

// adjustedExitQuantity applies the exit sizing rule: "all" keeps the resting
// leg's size; otherwise the request must fit inside it. Exits never grow a
// leg.
func adjustedExitQuantity(requested, current float64) (float64, bool) {
	if requested == models.QuantityAll {
		return current, true
	}
	if requested > 0 && requested <= current {
		return requested, true
	}
	return 0, false
}
