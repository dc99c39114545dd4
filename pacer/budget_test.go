// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package pacer

import (
	"testing"

	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/ratetypes"
	"github.com/stretchr/testify/assert"
)

func TestBudgetRefillsAndCaps(t *testing.T) {
	b := NewIntervalBudget(ratetypes.KilobitsPerSec(800), false) // 100 B/ms
	b.IncreaseBudget(clock.FromMillis(10))
	assert.EqualValues(t, 1000, b.BytesRemaining())

	// Refilling again without spending replaces (no buildup), not adds.
	b.IncreaseBudget(clock.FromMillis(10))
	assert.EqualValues(t, 1000, b.BytesRemaining())
}

func TestBudgetCapsAtWindow(t *testing.T) {
	b := NewIntervalBudget(ratetypes.KilobitsPerSec(800), true)
	b.IncreaseBudget(clock.FromMillis(1000)) // far more than the 500ms cap
	assert.EqualValues(t, b.cap(), b.BytesRemaining())
}

func TestBudgetOveruseRepaidBeforeCap(t *testing.T) {
	b := NewIntervalBudget(ratetypes.KilobitsPerSec(800), false)
	b.IncreaseBudget(clock.FromMillis(10))
	b.UseBudget(ratetypes.Bytes(1200)) // overshoot by 200 bytes
	assert.EqualValues(t, -200, b.BytesRemaining())

	b.IncreaseBudget(clock.FromMillis(5)) // adds 500 bytes since remaining is negative
	assert.EqualValues(t, 300, b.BytesRemaining())
}

func TestHasBudget(t *testing.T) {
	b := NewIntervalBudget(ratetypes.KilobitsPerSec(800), false)
	assert.False(t, b.HasBudget())
	b.IncreaseBudget(clock.FromMillis(10))
	assert.True(t, b.HasBudget())
	b.UseBudget(ratetypes.Bytes(1000))
	assert.False(t, b.HasBudget())
}

func TestReset(t *testing.T) {
	b := NewIntervalBudget(ratetypes.KilobitsPerSec(800), false)
	b.IncreaseBudget(clock.FromMillis(10))
	b.Reset()
	assert.EqualValues(t, 0, b.BytesRemaining())
}
