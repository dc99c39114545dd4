// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package lossbwe

import (
	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/ratetypes"
)

// RTTBackoffConfig configures the RTT-based floor, grounded in
// original_source's loss_based_bandwidth_estimation.h.
type RTTBackoffConfig struct {
	RTTLimit      clock.TimeDelta
	DropInterval  clock.TimeDelta
	DropFraction  float64
	BandwidthFloor ratetypes.DataRate
}

func DefaultRTTBackoffConfig() RTTBackoffConfig {
	return RTTBackoffConfig{
		RTTLimit:       clock.FromMillis(500),
		DropInterval:   clock.FromMillis(1000),
		DropFraction:   0.8,
		BandwidthFloor: ratetypes.KilobitsPerSec(5),
	}
}

// RTTBackoff clamps the loss-based output further when RTT has exceeded a
// limit for a sustained interval: the rate is dropped by DropFraction,
// repeatedly, down to BandwidthFloor, for as long as RTT remains high.
type RTTBackoff struct {
	cfg RTTBackoffConfig

	rttHighSince clock.Timestamp
	rttIsHigh    bool
	lastDrop     clock.Timestamp
	haveLastDrop bool
}

func NewRTTBackoff(cfg RTTBackoffConfig) *RTTBackoff {
	return &RTTBackoff{cfg: cfg}
}

// OnRTT records a fresh RTT sample.
func (b *RTTBackoff) OnRTT(rtt clock.TimeDelta, now clock.Timestamp) {
	if rtt.Less(b.cfg.RTTLimit) {
		b.rttIsHigh = false
		return
	}
	if !b.rttIsHigh {
		b.rttHighSince = now
		b.rttIsHigh = true
	}
}

// Apply returns rate, possibly reduced if RTT has been over the limit for
// at least DropInterval (re-applying the drop once per DropInterval while
// RTT stays high), floored at BandwidthFloor.
func (b *RTTBackoff) Apply(rate ratetypes.DataRate, now clock.Timestamp) ratetypes.DataRate {
	if !b.rttIsHigh {
		return rate
	}
	if now.Sub(b.rttHighSince).Less(b.cfg.DropInterval) {
		return rate
	}
	if b.haveLastDrop && now.Sub(b.lastDrop).Less(b.cfg.DropInterval) {
		return rate
	}

	dropped := rate.Mul(1 - b.cfg.DropFraction)
	if dropped.Less(b.cfg.BandwidthFloor) {
		dropped = b.cfg.BandwidthFloor
	}
	b.lastDrop = now
	b.haveLastDrop = true
	return dropped
}
