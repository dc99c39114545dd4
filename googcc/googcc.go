// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package googcc implements the GoogCcController arbiter: it combines the
// delay-based, loss-based and (if present) remote receiver-estimated rates
// into a single target, emits Pacer configuration, forwards probe
// clusters, and computes the optional congestion window. Grounded in
// original_source/modules/congestion_controller/goog_cc/goog_cc_network_control.cc
// and call/rtp_transport_controller_send.cc (the owner of the periodic
// tick and the congestion-window pushback wiring), rebuilt as a one-way
// dataflow: ingest in, Output out, no back-references to the pacer or
// estimators.
package googcc

import (
	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/delaybwe"
	"github.com/emiago/mediabwe/lossbwe"
	"github.com/emiago/mediabwe/packetfeedback"
	"github.com/emiago/mediabwe/probe"
	"github.com/emiago/mediabwe/ratetypes"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTickInterval is the periodic processing interval.
var DefaultTickInterval = clock.FromMillis(25)

// windowWeight smooths the congestion window against its previous value.
const windowWeight = 0.5

// congestionWindowFloor is the minimum data window.
var congestionWindowFloor = ratetypes.Bytes(3000)

// Config configures the GoogCcController.
type Config struct {
	Delay delaybwe.Config
	Loss  lossbwe.Config
	Probe probe.Config

	MinTotalAllocated ratetypes.DataRate
	MaxPaddingRate    ratetypes.DataRate

	TickInterval clock.TimeDelta

	CongestionWindowEnabled bool
	CongestionWindowExtra   clock.TimeDelta // "extra_ms" in the window formula

	// CongestionWindowPushback selects which consumer gets the computed
	// window: false (default) hands it straight to the Pacer via
	// Output.CongestionWindow; true instead runs it through
	// CongestionWindowPushbackController, which scales TargetRate down
	// as outstanding bytes approach the window instead of exposing the
	// raw window to the Pacer.
	CongestionWindowPushback bool
}

func DefaultConfig() Config {
	return Config{
		Delay:        delaybwe.DefaultConfig(),
		Loss:         lossbwe.DefaultConfig(),
		Probe:        probe.DefaultConfig(),
		TickInterval: DefaultTickInterval,
	}
}

// PacerConfig is the output pushed to the Pacer whenever the target rate
// changes.
type PacerConfig struct {
	MediaRate   ratetypes.DataRate
	PaddingRate ratetypes.DataRate
	TimeWindow  clock.TimeDelta
}

// Output is everything a tick of the controller can produce. Any field may
// be absent (TargetChanged false, Probes nil, HaveCongestionWindow false):
// callers check the flags and forward non-empty parts to the Pacer.
type Output struct {
	TargetRate     ratetypes.DataRate
	TargetChanged  bool
	Pacer          PacerConfig
	Probes         []probe.Cluster
	CongestionWindow     ratetypes.DataSize
	HaveCongestionWindow bool
}

// TargetTransferRate is the payload of the `on_target_transfer_rate`
// observer contract, fired on every rate change.
type TargetTransferRate struct {
	AtTime        clock.Timestamp
	TargetRate    ratetypes.DataRate
	LossRateRatio float64
	RTT           clock.TimeDelta
	BwePeriod     clock.TimeDelta
}

// Controller is the GoogCcController arbiter.
type Controller struct {
	log zerolog.Logger

	cfg Config

	delay *delaybwe.Estimator
	loss  *lossbwe.Estimator
	probe *probe.Controller

	lastTarget    ratetypes.DataRate
	haveLastTick  bool

	rembRate    ratetypes.DataRate
	haveREMB    bool

	minFeedbackRTT clock.TimeDelta
	haveRTT        bool

	lastWindow ratetypes.DataSize
	haveWindow bool

	lastLossRatio float64
	lastRTT       clock.TimeDelta

	paused bool

	// OnTargetTransferRate mirrors rtp_transport_controller_send.cc's
	// observer contract: fired once per Tick whenever the target rate
	// changes. Nil by default; callers that want the notification set it
	// before the first Tick.
	OnTargetTransferRate func(TargetTransferRate)

	pushback *CongestionWindowPushbackController
}

// New builds a Controller starting at startRate.
func New(cfg Config, startRate ratetypes.DataRate) *Controller {
	c := &Controller{
		log:   log.Logger.With().Str("component", "googcc").Logger(),
		cfg:   cfg,
		delay: delaybwe.New(cfg.Delay, startRate),
		loss:  lossbwe.New(cfg.Loss, startRate),
		probe: probe.New(cfg.Probe),
		lastTarget: startRate,
	}
	if cfg.CongestionWindowEnabled && cfg.CongestionWindowPushback {
		c.pushback = NewCongestionWindowPushbackController()
	}
	return c
}

// OnStartup requests the ProbeController's startup clusters; callers
// forward these to the Pacer exactly once, at session start.
func (c *Controller) OnStartup(startRate ratetypes.DataRate) []probe.Cluster {
	return c.probe.OnStartup(startRate)
}

// OnPacketFeedback feeds one received-or-lost packet result into the
// delay-based estimator. ackedRate/haveAcked is the bitrate the
// TransportFeedbackAdapter computed for this batch.
func (c *Controller) OnPacketFeedback(r packetfeedback.Result, rtt clock.TimeDelta, ackedRate ratetypes.DataRate, haveAcked bool, now clock.Timestamp) {
	c.delay.OnPacketFeedback(r, rtt, ackedRate, haveAcked, now)
}

// OnLossReport feeds one RTCP receiver-report-derived loss interval into
// the loss-based estimator.
func (c *Controller) OnLossReport(packetsLostDelta, packetsExpectedDelta int64, rtt clock.TimeDelta, now clock.Timestamp) {
	c.loss.OnLossReport(packetsLostDelta, packetsExpectedDelta, rtt, now)
	if packetsExpectedDelta > 0 {
		c.lastLossRatio = float64(packetsLostDelta) / float64(packetsExpectedDelta)
	}
}

// OnRTT feeds an RTT sample to the loss estimator's independent RTT-backoff
// sub-state and records it for the congestion-window formula's
// min_feedback_rtt term and for on_target_transfer_rate.
func (c *Controller) OnRTT(rtt clock.TimeDelta, now clock.Timestamp) {
	c.loss.ReportRTT(rtt, now)
	c.lastRTT = rtt
	if !c.haveRTT || rtt.Less(c.minFeedbackRTT) {
		c.minFeedbackRTT = rtt
		c.haveRTT = true
	}
}

// OnRemoteEstimate feeds a REMB-derived receiver estimate, if the remote
// end sends one.
func (c *Controller) OnRemoteEstimate(rate ratetypes.DataRate) {
	c.rembRate = rate
	c.haveREMB = true
}

// SetALR forwards application-limited-region state to the probe
// controller.
func (c *Controller) SetALR(inALR bool) *probe.Cluster { return c.probe.SetALR(inALR) }

// OnNetworkRouteChange resets delay-based and probe state, and optionally
// loss-based state.
func (c *Controller) OnNetworkRouteChange(startRate ratetypes.DataRate, resetLoss bool) {
	c.delay.Reset()
	c.probe = probe.New(c.cfg.Probe)
	c.haveLastTick = false
	if resetLoss {
		c.loss = lossbwe.New(c.cfg.Loss, startRate)
	}
}

// OnNetworkDown pauses the controller; the caller is expected to also
// pause the Pacer and, on OnNetworkUp, zero its outstanding-data counter.
func (c *Controller) OnNetworkDown() { c.paused = true }

// OnNetworkUp resumes the controller after a down period.
func (c *Controller) OnNetworkUp() { c.paused = false }

// Tick runs one periodic processing step: it computes the new target
// rate, and -- only if it changed -- a PacerConfig and, if warranted, new
// probe clusters. The congestion window, if enabled, is recomputed on
// every tick regardless of whether the target changed.
func (c *Controller) Tick(now clock.Timestamp) Output {
	if c.paused {
		return Output{TargetRate: c.lastTarget}
	}

	target := c.computeTarget()

	out := Output{TargetRate: target}
	if !target.Equal(c.lastTarget) || !c.haveLastTick {
		out.TargetChanged = true
		out.Pacer = c.pacerConfig(target)

		if cl := c.probe.OnTargetRateUpdated(target); cl != nil {
			out.Probes = append(out.Probes, *cl)
		}
	}
	c.lastTarget = target
	c.haveLastTick = true

	if c.cfg.CongestionWindowEnabled {
		window := c.computeCongestionWindow(target)
		if c.pushback != nil {
			c.pushback.SetDataWindow(window)
			out.TargetRate = c.pushback.UpdateTargetBitrate(out.TargetRate)
			if out.TargetChanged {
				out.Pacer = c.pacerConfig(out.TargetRate)
			}
		} else {
			out.CongestionWindow = window
			out.HaveCongestionWindow = true
		}
	}

	if out.TargetChanged && c.OnTargetTransferRate != nil {
		c.OnTargetTransferRate(TargetTransferRate{
			AtTime:        now,
			TargetRate:    out.TargetRate,
			LossRateRatio: c.lastLossRatio,
			RTT:           c.lastRTT,
			BwePeriod:     c.cfg.TickInterval,
		})
	}

	return out
}

// UpdateOutstandingData forwards the pacer's bytes-in-flight counter to the
// congestion-window pushback controller, when enabled. A no-op otherwise.
func (c *Controller) UpdateOutstandingData(bytes ratetypes.DataSize) {
	if c.pushback != nil {
		c.pushback.UpdateOutstandingData(bytes)
	}
}

func (c *Controller) computeTarget() ratetypes.DataRate {
	target := ratetypes.Min(c.loss.Rate(), c.delay.TargetRate())
	if c.haveREMB {
		target = ratetypes.Min(target, c.rembRate)
	}
	return target.Clamp(c.cfg.Loss.MinRate, c.cfg.Loss.MaxRate)
}

func (c *Controller) pacerConfig(target ratetypes.DataRate) PacerConfig {
	media := ratetypes.Max(target, c.cfg.MinTotalAllocated).Mul(2.5)
	padding := ratetypes.Min(c.cfg.MaxPaddingRate, target)
	return PacerConfig{
		MediaRate:   media,
		PaddingRate: padding,
		TimeWindow:  clock.FromSeconds(1),
	}
}

// computeCongestionWindow implements the target *
// (min_feedback_rtt + extra_ms) formula, floored at 3kB and smoothed
// against the previous window.
func (c *Controller) computeCongestionWindow(target ratetypes.DataRate) ratetypes.DataSize {
	rtt := c.minFeedbackRTT
	if !c.haveRTT {
		rtt = clock.Zero()
	}
	window := ratetypes.SizeOverInterval(target, rtt.Add(c.cfg.CongestionWindowExtra))
	if window.Less(congestionWindowFloor) {
		window = congestionWindowFloor
	}
	if c.haveWindow {
		window = ratetypes.Bytes(int64(float64(c.lastWindow.Bytes())*(1-windowWeight) + float64(window.Bytes())*windowWeight))
	}
	c.lastWindow = window
	c.haveWindow = true
	return window
}

// TargetRate returns the last computed target without ticking.
func (c *Controller) TargetRate() ratetypes.DataRate { return c.lastTarget }
