package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/threshfin/signalpilot/internal/broker"
	"github.com/threshfin/signalpilot/internal/models"
)

// entrySpecs builds the leg group for an entry shape. Legs come back in role
// order: entry parent first, exit legs after, and only the final leg carries
// Transmit so the broker holds the group until it is complete.
func (e *Engine) entrySpecs(ctx context.Context, a *models.AlertIntent, inst broker.Instrument, shape OrderShape, extRef string) []broker.OrderSpec {
	act := a.Verb.EntryAction()
	tif := a.TIF
	if tif == "" {
		tif = models.DefaultTIF
	}
	if inst.Class == models.ClassCrypto {
		// Crypto venues reject resting day/GTC orders through this API.
		tif = "IOC"
	}

	adjust := func(px float64) float64 { return e.adjuster.Adjust(ctx, inst, px) }

	parent := broker.OrderSpec{
		OrderID:  e.broker.NextOrderID(),
		Action:   act,
		Quantity: a.Quantity,
		TIF:      tif,
		OrderRef: extRef,
	}
	switch shape {
	case ShapeMarket, ShapeMarketWithLimit, ShapeMarketWithStop, ShapeBracketMarket:
		parent.Type = models.TypeMarket
	case ShapeLimit, ShapeLimitWithLimit, ShapeLimitWithStop, ShapeBracketLimit:
		parent.Type = models.TypeLimit
		parent.LimitPrice = adjust(a.EntryLimit)
	case ShapeStop, ShapeBracketStop:
		parent.Type = models.TypeStop
		parent.StopPrice = adjust(a.EntryStop)
	case ShapeStopLimit:
		parent.Type = models.TypeStopLimit
		parent.LimitPrice = adjust(a.EntryLimit)
		parent.StopPrice = adjust(a.EntryStop)
	}
	if inst.Class == models.ClassCrypto && act == models.ActionBuy {
		parent.CashQuantity = a.Quantity
		parent.Quantity = 0
	}

	legs := []broker.OrderSpec{parent}
	rev := act.Reverse()
	if a.ExitLimit > 0 && shape != ShapeMarket && shape != ShapeLimit && shape != ShapeStop && shape != ShapeStopLimit {
		legs = append(legs, broker.OrderSpec{
			OrderID:    e.broker.NextOrderID(),
			ParentID:   parent.OrderID,
			Action:     rev,
			Type:       models.TypeLimit,
			Quantity:   a.Quantity,
			LimitPrice: adjust(a.ExitLimit),
			TIF:        tif,
			OrderRef:   extRef,
		})
	}
	if a.ExitStop > 0 && shape != ShapeMarket && shape != ShapeLimit && shape != ShapeStop && shape != ShapeStopLimit {
		legs = append(legs, broker.OrderSpec{
			OrderID:   e.broker.NextOrderID(),
			ParentID:  parent.OrderID,
			Action:    rev,
			Type:      models.TypeStop,
			Quantity:  a.Quantity,
			StopPrice: adjust(a.ExitStop),
			TIF:       tif,
			OrderRef:  extRef,
		})
	}
	legs[len(legs)-1].Transmit = true
	return legs
}

// submitLegs sends each spec to the broker and appends its ledger row before
// moving on, so a reconciliation callback racing the placement always finds a
// row to update. Legs the ledger already holds under the same correlation key
// are skipped, which makes reprocessing a partially landed alert safe.
func (e *Engine) submitLegs(ctx context.Context, a *models.AlertIntent, inst broker.Instrument, specs []broker.OrderSpec, extRef string) (models.Outcome, error) {
	for _, spec := range specs {
		exists, err := e.store.OrderExists(a.Key, a.Symbol, extRef, spec.Action, spec.Type)
		if err != nil {
			return 0, err
		}
		if exists {
			e.logger.Printf("skipping duplicate %s %s leg for %s ref %s key %s",
				spec.Action, spec.Type, a.Symbol, extRef, a.Key)
			continue
		}
		leg, err := e.broker.PlaceOrder(ctx, inst, spec)
		if err != nil {
			// Already-placed legs of this group stay live; the failure is
			// recorded and the alert re-surfaces for reprocessing.
			if ierr := e.store.InsertError(models.ErrorRecord{
				Key:     a.Key,
				ReqID:   spec.OrderID,
				Symbol:  a.Symbol,
				Message: err.Error(),
			}); ierr != nil {
				e.logger.Printf("recording placement failure: %v", ierr)
			}
			return 0, fmt.Errorf("place %s %s leg for %s: %w", spec.Action, spec.Type, a.Symbol, err)
		}
		status := leg.Status
		if status == "" {
			status = models.StatusPendingSubmit
		}
		qty := spec.Quantity
		if qty == 0 {
			qty = spec.CashQuantity
		}
		rec := models.OrderRecord{
			Key:        a.Key,
			AlertPrice: a.Price,
			OrderID:    leg.OrderID,
			Ticker:     a.Symbol,
			Action:     spec.Action,
			OrderType:  spec.Type,
			LimitPrice: spec.LimitPrice,
			StopPrice:  spec.StopPrice,
			Quantity:   qty,
			Status:     status,
			OrderRef:   extRef,
			ParentID:   spec.ParentID,
		}
		if err := e.store.InsertOrder(rec); err != nil {
			return 0, err
		}
	}
	return models.OutcomeSubmitted, nil
}

// checkFunds verifies available funds cover the entry's notional cost. The
// check is best effort: without a usable reference price it passes.
func (e *Engine) checkFunds(ctx context.Context, a *models.AlertIntent, inst broker.Instrument) (bool, error) {
	price := a.EntryLimit
	if price <= 0 {
		price = a.EntryStop
	}
	if price <= 0 {
		price = a.Price
	}
	cost := a.Quantity * price
	if inst.Class == models.ClassCrypto && a.Verb.EntryAction() == models.ActionBuy {
		cost = a.Quantity
	}
	if cost <= 0 {
		return true, nil
	}

	balances, err := e.broker.AccountSummary(ctx)
	if err != nil {
		return false, err
	}
	var funds float64
	var seen bool
	for _, b := range balances {
		if b.Tag != broker.TagAvailableFunds {
			continue
		}
		if b.Currency == a.Currency {
			funds = b.Value
			seen = true
			break
		}
		if !seen {
			funds = b.Value
			seen = true
		}
	}
	if !seen {
		return true, nil
	}
	if cost > funds {
		e.logger.Printf("insufficient funds for %s: need %.2f %s, have %.2f",
			a.Symbol, cost, a.Currency, funds)
		return false, nil
	}
	return true, nil
}

// placeEntry classifies, funds-checks and submits an entry alert.
func (e *Engine) placeEntry(ctx context.Context, a *models.AlertIntent, inst broker.Instrument, shape OrderShape, extRef string) (models.Outcome, error) {
	if inst.Class == models.ClassCrypto && shape != ShapeMarket && shape != ShapeLimit {
		return models.OutcomeNotSupportedForInstrumentClass, nil
	}
	ok, err := e.checkFunds(ctx, a, inst)
	if err != nil {
		return 0, err
	}
	if !ok {
		return models.OutcomeInsufficientFunds, nil
	}
	return e.submitLegs(ctx, a, inst, e.entrySpecs(ctx, a, inst, shape, extRef), extRef)
}

// placeClose submits the derived flattening market leg.
func (e *Engine) placeClose(ctx context.Context, a *models.AlertIntent, inst broker.Instrument, dec closeDecision, extRef string) (models.Outcome, error) {
	spec := broker.OrderSpec{
		OrderID:  e.broker.NextOrderID(),
		Action:   dec.action,
		Type:     models.TypeMarket,
		Quantity: dec.quantity,
		TIF:      models.DefaultTIF,
		OrderRef: extRef,
		Transmit: true,
	}
	if inst.Class == models.ClassCrypto {
		spec.TIF = "IOC"
	}
	return e.submitLegs(ctx, a, inst, []broker.OrderSpec{spec}, extRef)
}

// openOrdersByRef returns the broker's open legs for the symbol whose
// reference starts with ref.
func (e *Engine) openOrdersByRef(ctx context.Context, symbol, ref string) ([]broker.LegState, error) {
	open, err := e.broker.OpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	var out []broker.LegState
	for _, leg := range open {
		if leg.Symbol == symbol && strings.HasPrefix(leg.OrderRef, ref) {
			out = append(out, leg)
		}
	}
	return out, nil
}

// placeUpdate mutates resting exit legs in place. The ledger must know the
// reference at all, then the broker's live open-order view decides which legs
// are eligible; both checks fail closed.
func (e *Engine) placeUpdate(ctx context.Context, a *models.AlertIntent, inst broker.Instrument, shape OrderShape, extRef string) (models.Outcome, error) {
	known, err := e.store.FindOrders(a.Symbol, extRef)
	if err != nil {
		return 0, err
	}
	if len(known) == 0 {
		return models.OutcomeNoMatchingLedgerEntry, nil
	}

	matches, err := e.openOrdersByRef(ctx, a.Symbol, extRef)
	if err != nil {
		return 0, err
	}

	var targets []broker.LegState
	switch len(matches) {
	case 0:
		return models.OutcomeNoOpenOrder, nil
	case 1:
		leg := matches[0]
		if !e.legMatchesShape(leg, shape) {
			return models.OutcomeOrderTypeMismatch, nil
		}
		targets = []broker.LegState{leg}
	case 2:
		// Two open legs are a bracket's exits once the entry filled. An
		// entry leg still among them means the parent has not filled.
		for _, leg := range matches {
			if leg.ParentID == 0 {
				return models.OutcomeParentNotFilled, nil
			}
		}
		targets, err = e.selectUpdateTargets(matches, shape)
		if err != nil {
			return e.targetOutcome(err), nil
		}
	case 3:
		var parent *broker.LegState
		var children []broker.LegState
		for i := range matches {
			if matches[i].ParentID == 0 {
				parent = &matches[i]
			} else {
				children = append(children, matches[i])
			}
		}
		if parent == nil || parent.Status != models.StatusFilled {
			return models.OutcomeParentNotFilled, nil
		}
		targets, err = e.selectUpdateTargets(children, shape)
		if err != nil {
			return e.targetOutcome(err), nil
		}
	default:
		return models.OutcomeTooManyDuplicateOrders, nil
	}

	for _, leg := range targets {
		qty, ok := adjustedExitQuantity(a.Quantity, leg.Quantity)
		if !ok {
			return models.OutcomeInvalidAdjustedQuantity, nil
		}
		spec := broker.OrderSpec{
			OrderID:    leg.OrderID,
			ParentID:   leg.ParentID,
			Action:     leg.Action,
			Type:       leg.Type,
			Quantity:   qty,
			LimitPrice: leg.LimitPrice,
			StopPrice:  leg.StopPrice,
			TIF:        models.DefaultTIF,
			OrderRef:   leg.OrderRef,
			Transmit:   true,
		}
		switch leg.Type {
		case models.TypeLimit:
			spec.LimitPrice = e.adjuster.Adjust(ctx, inst, a.ExitLimit)
		case models.TypeStop:
			spec.StopPrice = e.adjuster.Adjust(ctx, inst, a.ExitStop)
		}
		placed, err := e.broker.PlaceOrder(ctx, inst, spec)
		if err != nil {
			return 0, fmt.Errorf("update leg %d for %s: %w", leg.OrderID, a.Symbol, err)
		}
		rec := models.OrderRecord{
			Key:        a.Key,
			AlertPrice: a.Price,
			OrderID:    placed.OrderID,
			Ticker:     a.Symbol,
			Action:     spec.Action,
			OrderType:  spec.Type,
			LimitPrice: spec.LimitPrice,
			StopPrice:  spec.StopPrice,
			Quantity:   qty,
			Status:     models.StatusPendingSubmit,
			OrderRef:   leg.OrderRef,
			ParentID:   spec.ParentID,
		}
		if err := e.store.InsertOrder(rec); err != nil {
			return 0, err
		}
	}
	return models.OutcomeSubmitted, nil
}

// legMatchesShape reports whether a lone open leg is a legal target for the
// update shape.
func (e *Engine) legMatchesShape(leg broker.LegState, shape OrderShape) bool {
	switch shape {
	case ShapeUpdateLimitLeg:
		return leg.Type == models.TypeLimit
	case ShapeUpdateStopLeg:
		return leg.Type == models.TypeStop
	case ShapeUpdateBracket:
		return leg.Type == models.TypeLimit || leg.Type == models.TypeStop
	}
	return false
}

type targetErr int

const (
	errTypeMismatch targetErr = iota
	errLegNotActive
)

func (t targetErr) Error() string {
	if t == errLegNotActive {
		return "leg not active"
	}
	return "order type mismatch"
}

func (e *Engine) targetOutcome(err error) models.Outcome {
	if t, ok := err.(targetErr); ok && t == errLegNotActive {
		return models.OutcomeLegNotActive
	}
	return models.OutcomeOrderTypeMismatch
}

// selectUpdateTargets picks which exit legs the shape mutates. Bracket
// updates take both legs and require both to still be active; single-leg
// updates take the leg of matching type.
func (e *Engine) selectUpdateTargets(legs []broker.LegState, shape OrderShape) ([]broker.LegState, error) {
	if shape == ShapeUpdateBracket {
		for _, leg := range legs {
			if !leg.Status.IsActive() {
				return nil, errLegNotActive
			}
		}
		return legs, nil
	}
	want := models.TypeLimit
	if shape == ShapeUpdateStopLeg {
		want = models.TypeStop
	}
	for _, leg := range legs {
		if leg.Type != want {
			continue
		}
		if !leg.Status.IsActive() {
			return nil, errLegNotActive
		}
		return []broker.LegState{leg}, nil
	}
	return nil, errTypeMismatch
}

// cancelOpenOrders cancels open legs for the symbol. With exact set, only
// legs matching the full reference and side are cancelled; otherwise every
// leg carrying this client's reference prefix goes. Legs already pending
// cancel are left alone. Returns how many cancels were issued.
func (e *Engine) cancelOpenOrders(ctx context.Context, symbol, ref string, action models.Action, exact bool) (int, error) {
	open, err := e.broker.OpenOrders(ctx)
	if err != nil {
		return 0, err
	}
	prefix := models.ClientRefPrefix(e.clientID)
	var n int
	for _, leg := range open {
		if leg.Symbol != symbol || leg.Status == models.StatusPendingCancel {
			continue
		}
		if exact {
			if leg.OrderRef != ref || leg.Action != action {
				continue
			}
		} else if !strings.HasPrefix(leg.OrderRef, prefix) {
			continue
		}
		if err := e.broker.CancelOrder(ctx, leg.OrderID); err != nil {
			return n, fmt.Errorf("cancel order %d: %w", leg.OrderID, err)
		}
		n++
	}
	return n, nil
}
