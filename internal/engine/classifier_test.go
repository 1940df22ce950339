package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/threshfin/signalpilot/internal/models"
)

// vectorAlert builds an alert whose presence vector matches the four flags,
// in fixed order: entry-limit, entry-stop, exit-limit, exit-stop.
func vectorAlert(v uint8) *models.AlertIntent {
	a := &models.AlertIntent{}
	if v&bitEntryLimit != 0 {
		a.EntryLimit = 100
	}
	if v&bitEntryStop != 0 {
		a.EntryStop = 99
	}
	if v&bitExitLimit != 0 {
		a.ExitLimit = 110
	}
	if v&bitExitStop != 0 {
		a.ExitStop = 95
	}
	return a
}

func TestClassifyEntryTotal(t *testing.T) {
	want := map[uint8]OrderShape{
		0b0000: ShapeMarket,
		0b1000: ShapeLimit,
		0b0100: ShapeStop,
		0b1100: ShapeStopLimit,
		0b0010: ShapeMarketWithLimit,
		0b0001: ShapeMarketWithStop,
		0b1010: ShapeLimitWithLimit,
		0b1001: ShapeLimitWithStop,
		0b0011: ShapeBracketMarket,
		0b1011: ShapeBracketLimit,
		0b0111: ShapeBracketStop,
	}
	for v := uint8(0); v < 16; v++ {
		shape, ok := ClassifyEntry(vectorAlert(v))
		if expected, defined := want[v]; defined {
			assert.True(t, ok, "vector %04b must classify", v)
			assert.Equal(t, expected, shape, "vector %04b", v)
		} else {
			assert.False(t, ok, "vector %04b must be unsupported", v)
			assert.Equal(t, ShapeNone, shape, "vector %04b", v)
		}
	}
}

func TestClassifyExitTotal(t *testing.T) {
	want := map[uint8]OrderShape{
		0b0011: ShapeUpdateBracket,
		0b0010: ShapeUpdateLimitLeg,
		0b0001: ShapeUpdateStopLeg,
	}
	for v := uint8(0); v < 16; v++ {
		shape, ok := ClassifyExit(vectorAlert(v))
		if expected, defined := want[v]; defined {
			assert.True(t, ok, "vector %04b must classify", v)
			assert.Equal(t, expected, shape, "vector %04b", v)
		} else {
			assert.False(t, ok, "vector %04b must be unsupported", v)
		}
	}
}

func TestClassifyCloseRejectsAnyPrice(t *testing.T) {
	for v := uint8(0); v < 16; v++ {
		got := ClassifyClose(vectorAlert(v))
		assert.Equal(t, v == 0, got, "vector %04b", v)
	}
}

func TestShapeLegCounts(t *testing.T) {
	assert.Equal(t, 1, ShapeMarket.legCount())
	assert.Equal(t, 1, ShapeStopLimit.legCount())
	assert.Equal(t, 2, ShapeLimitWithStop.legCount())
	assert.Equal(t, 3, ShapeBracketLimit.legCount())
	assert.Equal(t, 0, ShapeUpdateBracket.legCount())
}

func TestAdjustedExitQuantity(t *testing.T) {
	qty, ok := adjustedExitQuantity(models.QuantityAll, 30)
	assert.True(t, ok)
	assert.Equal(t, 30.0, qty)

	qty, ok = adjustedExitQuantity(10, 30)
	assert.True(t, ok)
	assert.Equal(t, 10.0, qty)

	_, ok = adjustedExitQuantity(31, 30)
	assert.False(t, ok, "exits never grow a leg")

	_, ok = adjustedExitQuantity(0, 30)
	assert.False(t, ok)

	_, ok = adjustedExitQuantity(-5, 30)
	assert.False(t, ok)
}
