// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampArithmetic(t *testing.T) {
	a := FromMicros(1000)
	b := FromMicros(1500)

	assert.Equal(t, FromMillis(0).Micros()+500, b.Sub(a).Micros())
	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.Equal(t, b, a.Add(FromDuration(500*time.Microsecond)))
}

func TestInfinity(t *testing.T) {
	assert.True(t, PlusInfinityTime().IsPlusInfinity())
	assert.True(t, MinusInfinityTime().IsMinusInfinity())
	assert.True(t, PlusInfinity().IsPlusInfinity())

	sum := PlusInfinityTime().Sub(MinusInfinityTime())
	assert.True(t, sum.IsPlusInfinity())
}

func TestSimulatedClockAdvance(t *testing.T) {
	c := NewSimulated()
	require.Equal(t, ZeroTime(), c.Now())

	c.Advance(FromMillis(5))
	assert.Equal(t, int64(5000), c.Now().Micros())

	assert.Panics(t, func() {
		c.Advance(FromDuration(-time.Microsecond))
	})
}

func TestTimeDeltaMul(t *testing.T) {
	d := FromMillis(100).Mul(1.08)
	assert.InDelta(t, 108000, d.Micros(), 1)
}
