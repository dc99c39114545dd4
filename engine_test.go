// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package mediabwe

import (
	"testing"

	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/googcc"
	"github.com/emiago/mediabwe/pacer"
	"github.com/emiago/mediabwe/ratetypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngineEnqueuesStartupProbes(t *testing.T) {
	clk := clock.NewSimulated()
	e := New(WithClock(clk), WithStartRate(ratetypes.KilobitsPerSec(300)))
	assert.Greater(t, e.Pacer.QueueLength(), 0)
}

func TestEngineTickDrainsPacerAndReportsTarget(t *testing.T) {
	clk := clock.NewSimulated()
	e := New(WithClock(clk), WithStartRate(ratetypes.KilobitsPerSec(300)))

	sent := 0
	out := e.Tick(clk.Now(), func(pkt pacer.Packet) ratetypes.DataSize {
		sent++
		return pkt.Size
	})
	require.True(t, out.TargetChanged)
	assert.Equal(t, ratetypes.KilobitsPerSec(300), e.TargetRate())
	assert.Greater(t, sent, 0)
}

func TestEngineFiresOnTargetTransferRate(t *testing.T) {
	clk := clock.NewSimulated()
	var got []googcc.TargetTransferRate
	e := New(
		WithClock(clk),
		WithStartRate(ratetypes.KilobitsPerSec(300)),
		WithOnTargetTransferRate(func(r googcc.TargetTransferRate) { got = append(got, r) }),
	)

	e.Tick(clk.Now(), func(pkt pacer.Packet) ratetypes.DataSize { return pkt.Size })
	require.Len(t, got, 1)
	assert.Equal(t, ratetypes.KilobitsPerSec(300), got[0].TargetRate)
}

func TestEngineRequestsKeyframeOnNackOverflow(t *testing.T) {
	clk := clock.NewSimulated()
	var requested bool
	e := New(
		WithClock(clk),
		WithStartRate(ratetypes.KilobitsPerSec(300)),
		WithRequestKeyframe(func() { requested = true }),
	)

	// Force the NackModule into overflow: one huge forward gap exceeds
	// the 1000-entry cap in a single OnReceivedPacket call.
	e.OnReceivedPacket(0, clk.Now())
	e.OnReceivedPacket(5000, clk.Now())

	e.Tick(clk.Now(), func(pkt pacer.Packet) ratetypes.DataSize { return pkt.Size })
	assert.True(t, requested)
}
