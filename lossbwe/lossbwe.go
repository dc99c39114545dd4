// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package lossbwe implements the loss-driven rate controller, grounded in
// original_source's
// modules/bitrate_controller/send_side_bandwidth_estimation.{h,cc} and
// loss_based_bandwidth_estimation.h (the RTT-backoff sub-state).
package lossbwe

import (
	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/ratetypes"
)

const (
	minPacketsForValidReport = 20
	reportIntervalMs         = 5000
	reportTimeoutFactor      = 1.2 // "1.2 x 5000ms" validity window
	feedbackSilenceFactor    = 3   // "3 x 5000ms" before the 0.8x backoff
	lowLossThreshold         = 0.02
	highLossThreshold        = 0.10
	decreaseGuardBaseMs      = 300
	historyWindow            = 1000 // ms, the min_bitrate_history span
	historyPruneRatio        = 0.65
	increaseMultiplier       = 1.08
	increaseAddend           = 1000 // bps, "+1kbps"
)

// Config configures the loss-based estimator.
type Config struct {
	MinRate ratetypes.DataRate
	MaxRate ratetypes.DataRate

	// BitrateThreshold gates the "loss <= 2%" increase rule: increase only
	// applies when current rate exceeds this threshold.
	BitrateThreshold ratetypes.DataRate

	FeedbackTimeoutExperiment bool

	RTTBackoff RTTBackoffConfig
}

func DefaultConfig() Config {
	return Config{
		MinRate:          ratetypes.KilobitsPerSec(30),
		MaxRate:          ratetypes.KilobitsPerSec(100_000),
		BitrateThreshold: ratetypes.KilobitsPerSec(0),
		RTTBackoff:       DefaultRTTBackoffConfig(),
	}
}

type historyEntry struct {
	t    clock.Timestamp
	rate ratetypes.DataRate
}

// Estimator is the LossBasedBwe component.
type Estimator struct {
	cfg Config

	currentRate ratetypes.DataRate

	lastFractionLoss uint8
	haveFraction     bool

	lossDeltaNum    int64 // accumulated packets_lost_delta awaiting enough samples
	lossDeltaDenom  int64 // accumulated packets_expected_delta

	lastValidReport clock.Timestamp
	haveValidReport bool

	timeLastDecrease clock.Timestamp
	haveLastDecrease bool

	history []historyEntry

	backoff *RTTBackoff
}

func New(cfg Config, startRate ratetypes.DataRate) *Estimator {
	return &Estimator{
		cfg:         cfg,
		currentRate: startRate.Clamp(cfg.MinRate, cfg.MaxRate),
		backoff:     NewRTTBackoff(cfg.RTTBackoff),
	}
}

func (e *Estimator) Rate() ratetypes.DataRate { return e.currentRate }

// UpdateMinHistory maintains the rolling minimum-rate-over-1s window:
// entries span at most 1s and are non-decreasing in rate from back to
// front.
func (e *Estimator) UpdateMinHistory(now clock.Timestamp) {
	cutoff := now.Sub(clock.FromMillis(historyWindow))
	i := 0
	for i < len(e.history) && !e.history[i].t.After(cutoff) {
		i++
	}
	e.history = e.history[i:]

	for len(e.history) > 0 {
		last := e.history[len(e.history)-1]
		if last.rate.GreaterOrEqual(e.currentRate.Mul(historyPruneRatio)) {
			e.history = e.history[:len(e.history)-1]
			continue
		}
		break
	}

	e.history = append(e.history, historyEntry{t: now, rate: e.currentRate})
}

func (e *Estimator) minHistoryFront() (ratetypes.DataRate, bool) {
	if len(e.history) == 0 {
		return ratetypes.DataRate{}, false
	}
	return e.history[0].rate, true
}

// OnLossReport feeds one RTCP receiver-report-derived interval:
// packetsLostDelta/packetsExpectedDelta since the previous report, RTT, and
// now. Returns the updated loss-based rate.
func (e *Estimator) OnLossReport(packetsLostDelta, packetsExpectedDelta int64, rtt clock.TimeDelta, now clock.Timestamp) ratetypes.DataRate {
	e.UpdateMinHistory(now)

	e.lossDeltaNum += packetsLostDelta
	e.lossDeltaDenom += packetsExpectedDelta

	if e.lossDeltaDenom < minPacketsForValidReport {
		// Not enough samples yet this interval; accumulate and wait.
		// Feedback silence is still checked so a prolonged gap is detected
		// even though no interval ever gathers the 20 packets needed for a
		// valid report.
		e.maybeTimeoutBackoff(now)
		return e.applyBackoff(now)
	}

	fraction := float64(e.lossDeltaNum*256) / float64(e.lossDeltaDenom)
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 255 {
		fraction = 255
	}
	e.lastFractionLoss = uint8(fraction)
	e.haveFraction = true
	e.lastValidReport = now
	e.haveValidReport = true
	e.lossDeltaNum, e.lossDeltaDenom = 0, 0

	e.applyLossRules(rtt, now)
	return e.applyBackoff(now)
}

func (e *Estimator) applyLossRules(rtt clock.TimeDelta, now clock.Timestamp) {
	if !e.haveValidReport {
		return
	}
	if now.Sub(e.lastValidReport).Greater(clock.FromMillis(reportTimeoutFactor * reportIntervalMs)) {
		e.maybeTimeoutBackoff(now)
		return
	}

	lossRatio := float64(e.lastFractionLoss) / 256

	switch {
	case lossRatio <= lowLossThreshold:
		if e.currentRate.Greater(e.cfg.BitrateThreshold) {
			front, ok := e.minHistoryFront()
			if ok {
				e.currentRate = front.Mul(increaseMultiplier).Add(ratetypes.BitsPerSec(increaseAddend))
			}
		}
		// equality / below-threshold case falls through to hold.
	case lossRatio <= highLossThreshold:
		// hold
	default:
		guard := clock.FromMillis(decreaseGuardBaseMs).Add(rtt)
		elapsedSinceDecrease := clock.PlusInfinity()
		if e.haveLastDecrease {
			elapsedSinceDecrease = now.Sub(e.timeLastDecrease)
		}
		if elapsedSinceDecrease.GreaterOrEqual(guard) || !e.haveLastDecrease {
			e.currentRate = e.currentRate.Mul(float64(512-int(e.lastFractionLoss)) / 512)
			e.timeLastDecrease = now
			e.haveLastDecrease = true
		}
	}

	e.currentRate = e.currentRate.Clamp(e.cfg.MinRate, e.cfg.MaxRate)
}

func (e *Estimator) maybeTimeoutBackoff(now clock.Timestamp) {
	if !e.cfg.FeedbackTimeoutExperiment || !e.haveValidReport {
		return
	}
	if now.Sub(e.lastValidReport).Less(clock.FromMillis(feedbackSilenceFactor * reportIntervalMs)) {
		return
	}
	e.currentRate = e.currentRate.Mul(0.8).Clamp(e.cfg.MinRate, e.cfg.MaxRate)
	e.lossDeltaNum, e.lossDeltaDenom = 0, 0
	e.lastValidReport = now
}

func (e *Estimator) applyBackoff(now clock.Timestamp) ratetypes.DataRate {
	e.currentRate = e.backoff.Apply(e.currentRate, now)
	return e.currentRate
}

// LastFractionLoss returns the most recently computed fraction lost,
// scaled to [0,255].
func (e *Estimator) LastFractionLoss() (uint8, bool) { return e.lastFractionLoss, e.haveFraction }

// ReportRTT feeds the RTT-backoff sub-estimator independently of loss
// reports, since RTT can be sampled more frequently than loss.
func (e *Estimator) ReportRTT(rtt clock.TimeDelta, now clock.Timestamp) {
	e.backoff.OnRTT(rtt, now)
}
