// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package googcc

import (
	"testing"

	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/ratetypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartupEmitsProbeClusters(t *testing.T) {
	c := New(DefaultConfig(), ratetypes.KilobitsPerSec(300))
	clusters := c.OnStartup(ratetypes.KilobitsPerSec(300))
	require.Len(t, clusters, 2)
}

func TestTickReportsTargetChangedOnFirstTick(t *testing.T) {
	c := New(DefaultConfig(), ratetypes.KilobitsPerSec(300))
	out := c.Tick(clock.FromMillis(0))
	assert.True(t, out.TargetChanged)
	assert.Equal(t, ratetypes.KilobitsPerSec(300), out.TargetRate)
}

func TestTargetIsBoundedByRemoteEstimate(t *testing.T) {
	c := New(DefaultConfig(), ratetypes.KilobitsPerSec(1000))
	c.OnRemoteEstimate(ratetypes.KilobitsPerSec(500))
	out := c.Tick(clock.FromMillis(0))
	assert.True(t, out.TargetRate.LessOrEqual(ratetypes.KilobitsPerSec(500)))
}

func TestPacerConfigUsesMediaMultiplier(t *testing.T) {
	c := New(DefaultConfig(), ratetypes.KilobitsPerSec(1000))
	out := c.Tick(clock.FromMillis(0))
	require.True(t, out.TargetChanged)
	assert.Equal(t, ratetypes.KilobitsPerSec(2500), out.Pacer.MediaRate)
}

func TestNoTargetChangeOnSubsequentIdenticalTick(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg, ratetypes.KilobitsPerSec(300))
	c.Tick(clock.FromMillis(0))
	out := c.Tick(clock.FromMillis(25))
	assert.False(t, out.TargetChanged)
}

func TestCongestionWindowHasFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CongestionWindowEnabled = true
	c := New(cfg, ratetypes.KilobitsPerSec(10))
	out := c.Tick(clock.FromMillis(0))
	require.True(t, out.HaveCongestionWindow)
	assert.True(t, out.CongestionWindow.GreaterOrEqual(ratetypes.Bytes(3000)))
}

func TestNetworkDownPausesTarget(t *testing.T) {
	c := New(DefaultConfig(), ratetypes.KilobitsPerSec(300))
	c.Tick(clock.FromMillis(0))
	c.OnNetworkDown()
	out := c.Tick(clock.FromMillis(25))
	assert.False(t, out.TargetChanged)
	assert.Equal(t, ratetypes.KilobitsPerSec(300), out.TargetRate)
}

func TestCongestionWindowPushbackScalesTargetDown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CongestionWindowEnabled = true
	cfg.CongestionWindowPushback = true
	c := New(cfg, ratetypes.KilobitsPerSec(1000))

	out := c.Tick(clock.FromMillis(0))
	require.False(t, out.HaveCongestionWindow, "pushback mode must not also surface the raw window")
	unthrottled := out.TargetRate

	c.UpdateOutstandingData(ratetypes.Bytes(1_000_000))
	out = c.Tick(clock.FromMillis(25))
	assert.True(t, out.TargetRate.LessOrEqual(unthrottled))
}

func TestOnTargetTransferRateFiresOnChange(t *testing.T) {
	c := New(DefaultConfig(), ratetypes.KilobitsPerSec(300))
	var got []TargetTransferRate
	c.OnTargetTransferRate = func(r TargetTransferRate) { got = append(got, r) }

	c.Tick(clock.FromMillis(0))
	require.Len(t, got, 1)
	assert.Equal(t, ratetypes.KilobitsPerSec(300), got[0].TargetRate)

	c.Tick(clock.FromMillis(25))
	assert.Len(t, got, 1, "no further callback while target is unchanged")
}

func TestNetworkRouteChangeResetsProbeIDs(t *testing.T) {
	c := New(DefaultConfig(), ratetypes.KilobitsPerSec(300))
	clusters := c.OnStartup(ratetypes.KilobitsPerSec(300))
	lastID := clusters[len(clusters)-1].ID

	c.OnNetworkRouteChange(ratetypes.KilobitsPerSec(300), false)
	fresh := c.OnStartup(ratetypes.KilobitsPerSec(300))
	assert.LessOrEqual(t, fresh[0].ID, lastID)
}
