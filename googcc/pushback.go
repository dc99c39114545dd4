// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package googcc

import "github.com/emiago/mediabwe/ratetypes"

// pushbackFloor is the lowest rate CongestionWindowPushbackController will
// ever scale the target down to, regardless of fill ratio.
var pushbackFloor = ratetypes.KilobitsPerSec(30)

// CongestionWindowPushbackController is an alternate consumer of the
// computed congestion window, grounded in
// original_source/call/rtp_transport_controller_send.cc's
// CongestionWindowPushbackController: instead of handing the raw window to
// the Pacer, it scales the outgoing target rate down as outstanding bytes
// approach (or exceed) the window, so a congested link is dampened before
// the Pacer's own bytes-in-flight gate ever engages.
type CongestionWindowPushbackController struct {
	window            ratetypes.DataSize
	haveWindow        bool
	outstandingBytes ratetypes.DataSize
}

func NewCongestionWindowPushbackController() *CongestionWindowPushbackController {
	return &CongestionWindowPushbackController{}
}

// SetDataWindow records the window computed this tick (the
// target * (min_feedback_rtt + extra_ms) formula).
func (p *CongestionWindowPushbackController) SetDataWindow(window ratetypes.DataSize) {
	p.window = window
	p.haveWindow = true
}

// UpdateOutstandingData records the current bytes-in-flight counter (the
// same value the Pacer's congestion-window gate reads).
func (p *CongestionWindowPushbackController) UpdateOutstandingData(bytes ratetypes.DataSize) {
	p.outstandingBytes = bytes
}

// UpdateTargetBitrate scales rate down when outstanding bytes exceed the
// window: >150% fill applies a 0.9x factor, >100% fill applies 0.95x,
// otherwise rate passes through unchanged. The result never drops below
// pushbackFloor.
func (p *CongestionWindowPushbackController) UpdateTargetBitrate(rate ratetypes.DataRate) ratetypes.DataRate {
	if !p.haveWindow || p.window.Bytes() <= 0 {
		return rate
	}

	fillRatio := float64(p.outstandingBytes.Bytes()) / float64(p.window.Bytes())
	switch {
	case fillRatio > 1.5:
		rate = rate.Mul(0.9)
	case fillRatio > 1.0:
		rate = rate.Mul(0.95)
	}

	if rate.Less(pushbackFloor) {
		rate = pushbackFloor
	}
	return rate
}
