// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package delaybwe composes InterArrival, TrendlineEstimator and AimdRateControl
// into the DelayBasedBwe component: it consumes per-packet feedback and
// produces a delay-based target rate.
package delaybwe

import (
	"github.com/emiago/mediabwe/aimd"
	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/interarrival"
	"github.com/emiago/mediabwe/packetfeedback"
	"github.com/emiago/mediabwe/ratetypes"
	"github.com/emiago/mediabwe/trendline"
)

// Config configures the composed estimator.
type Config struct {
	AIMD aimd.Config
}

func DefaultConfig() Config {
	return Config{AIMD: aimd.DefaultConfig()}
}

// Estimator is the DelayBasedBwe component.
type Estimator struct {
	ia        *interarrival.InterArrival
	trend     *trendline.Estimator
	rateCtrl  *aimd.Controller

	lastSeenUsage trendline.Usage
}

func New(cfg Config, startRate ratetypes.DataRate) *Estimator {
	return &Estimator{
		ia:       interarrival.New(),
		trend:    trendline.New(),
		rateCtrl: aimd.New(cfg.AIMD, startRate),
	}
}

// Result is returned for every feedback batch processed.
type Result struct {
	TargetRate ratetypes.DataRate
	Usage      trendline.Usage
	Updated    bool // false if no new group boundary was crossed
}

// OnPacketFeedback feeds one received PacketFeedback.Result -- which must
// carry a real (non-infinite) ReceiveTime -- plus the RTT and optional
// acknowledged rate at this point in time, and returns the refreshed
// estimate. Results are expected in send-sequence order within a batch,
// matching the TransportFeedbackAdapter's sort-by-sequence contract.
func (e *Estimator) OnPacketFeedback(r packetfeedback.Result, rtt clock.TimeDelta, ackedRate ratetypes.DataRate, haveAcked bool, now clock.Timestamp) Result {
	if !r.IsReceived() {
		return Result{TargetRate: e.rateCtrl.Rate(), Usage: e.lastSeenUsage}
	}

	deltas, ok := e.ia.ComputeDeltas(r.Sent.SendTime, r.ReceiveTime, r.Sent.Size)
	if !ok {
		return Result{TargetRate: e.rateCtrl.Rate(), Usage: e.lastSeenUsage}
	}

	usage := e.trend.Update(deltas.SendDelta, deltas.ArrivalDelta, r.ReceiveTime)
	e.lastSeenUsage = usage
	rate := e.rateCtrl.Update(usage, ackedRate, haveAcked, rtt, now)

	return Result{TargetRate: rate, Usage: usage, Updated: true}
}

// TargetRate returns the current delay-based rate without processing new
// feedback.
func (e *Estimator) TargetRate() ratetypes.DataRate { return e.rateCtrl.Rate() }

// LinkCapacity exposes the AIMD link-capacity estimate for the
// stable_bandwidth_estimate config flag.
func (e *Estimator) LinkCapacity() (ratetypes.DataRate, bool) { return e.rateCtrl.LinkCapacity() }

// Reset reinitializes InterArrival/Trendline state, used on a network
// route change. The AIMD rate itself is left untouched; callers that also
// want the rate reset should construct a new Estimator.
func (e *Estimator) Reset() {
	e.ia = interarrival.New()
	e.trend = trendline.New()
}
