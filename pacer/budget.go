// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package pacer implements the leaky-bucket egress scheduler, grounded in
// original_source/modules/pacing/interval_budget.{h,cc} and
// paced_sender.h, rebuilt with media/rtp_session.go's periodic-tick idiom
// (its time.Ticker-driven Monitor loop).
package pacer

import (
	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/ratetypes"
)

// windowCap is the 500ms budget cap.
var windowCap = clock.FromMillis(500)

// IntervalBudget is a leaky bucket: a target rate and a capped byte
// balance, refilled by elapsed time and drained by sent bytes.
type IntervalBudget struct {
	rate             ratetypes.DataRate
	bytesRemaining   int64 // can be negative: "overuse" that must be repaid first
	buildUpUnderuse  bool
}

// NewIntervalBudget builds a budget for rate. buildUpUnderuse controls
// whether unused budget in an idle interval carries forward (true) or is
// cleared (false, the default).
func NewIntervalBudget(rate ratetypes.DataRate, buildUpUnderuse bool) *IntervalBudget {
	return &IntervalBudget{rate: rate, buildUpUnderuse: buildUpUnderuse}
}

func (b *IntervalBudget) cap() int64 {
	return ratetypes.SizeOverInterval(b.rate, windowCap).Bytes()
}

// SetRate changes the target rate without touching the current balance.
func (b *IntervalBudget) SetRate(rate ratetypes.DataRate) { b.rate = rate }

func (b *IntervalBudget) Rate() ratetypes.DataRate { return b.rate }

// IncreaseBudget refills the bucket by rate*dt. A prior overuse (negative
// balance) is always repaid by addition first; a prior underuse (positive,
// unspent balance) only carries forward when buildUpUnderuse is set, else
// this interval's allotment simply replaces it -- an idle interval forfeits
// its surplus instead of stockpiling it for a future burst. The result is
// capped at the 500ms window cap either way.
func (b *IntervalBudget) IncreaseBudget(dt clock.TimeDelta) {
	added := ratetypes.SizeOverInterval(b.rate, dt).Bytes()

	if b.bytesRemaining < 0 || b.buildUpUnderuse {
		b.bytesRemaining += added
	} else {
		b.bytesRemaining = added
	}

	if cap := b.cap(); b.bytesRemaining > cap {
		b.bytesRemaining = cap
	}
}

// UseBudget drains size bytes, allowed to go negative (the pacer is
// permitted to slightly overrun a send that completes a packet).
func (b *IntervalBudget) UseBudget(size ratetypes.DataSize) {
	b.bytesRemaining -= size.Bytes()
}

// BytesRemaining returns the current balance, possibly negative.
func (b *IntervalBudget) BytesRemaining() int64 { return b.bytesRemaining }

// HasBudget reports whether at least one more byte can be sent right now.
func (b *IntervalBudget) HasBudget() bool { return b.bytesRemaining > 0 }

// Reset clears accumulated budget, used when a pacer resumes after a
// network-down pause.
func (b *IntervalBudget) Reset() { b.bytesRemaining = 0 }
