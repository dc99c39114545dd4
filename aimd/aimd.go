// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package aimd implements the Additive-Increase/Multiplicative-Decrease
// delay-based rate controller, grounded in thesyncim/bwe's
// rate_controller.go RateControlState machine and rebuilt in this repo's
// idiom (DataRate/TimeDelta value types, zerolog-free pure state so it
// composes cleanly under delaybwe.DelayBasedBwe).
package aimd

import (
	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/ratetypes"
	"github.com/emiago/mediabwe/trendline"
)

// State is the AIMD state machine position.
type State int

const (
	Hold State = iota
	Increase
	Decrease
)

func (s State) String() string {
	switch s {
	case Increase:
		return "increase"
	case Decrease:
		return "decrease"
	default:
		return "hold"
	}
}

// transition table.
var transitions = map[State]map[trendline.Usage]State{
	Hold: {
		trendline.Overuse:  Decrease,
		trendline.Normal:   Increase,
		trendline.Underuse: Hold,
	},
	Increase: {
		trendline.Overuse:  Decrease,
		trendline.Normal:   Increase,
		trendline.Underuse: Hold,
	},
	Decrease: {
		trendline.Overuse:  Decrease,
		trendline.Normal:   Hold,
		trendline.Underuse: Hold,
	},
}

const (
	defaultBeta            = 0.85
	multiplicativeIncrease  = 1.08 // per second, when far from link capacity
	additiveIncreaseBaseBytes = 1000
)

// Config configures the AIMD controller's bounds.
type Config struct {
	MinRate ratetypes.DataRate
	MaxRate ratetypes.DataRate
	Beta    float64 // multiplicative decrease factor, default 0.85
}

func DefaultConfig() Config {
	return Config{
		MinRate: ratetypes.KilobitsPerSec(30),
		MaxRate: ratetypes.KilobitsPerSec(100_000),
		Beta:    defaultBeta,
	}
}

// Controller is the AimdRateControl state machine.
type Controller struct {
	cfg Config

	state State
	rate  ratetypes.DataRate

	lastDecreaseTime     clock.Timestamp
	haveLastDecrease     bool
	lastBitrateChange    clock.Timestamp
	haveLastBitrateChange bool

	linkCapacity       ratetypes.DataRate
	haveLinkCapacity   bool
}

func New(cfg Config, startRate ratetypes.DataRate) *Controller {
	if cfg.Beta <= 0 {
		cfg.Beta = defaultBeta
	}
	return &Controller{
		cfg:   cfg,
		state: Hold,
		rate:  startRate.Clamp(cfg.MinRate, cfg.MaxRate),
	}
}

// Rate returns the current delay-based bitrate.
func (c *Controller) Rate() ratetypes.DataRate { return c.rate }

// State returns the current AIMD state.
func (c *Controller) State() State { return c.state }

// LinkCapacity returns the link-capacity estimate, updated on every
// overuse event, used for the "stable_bandwidth_estimate" config flag.
func (c *Controller) LinkCapacity() (ratetypes.DataRate, bool) {
	return c.linkCapacity, c.haveLinkCapacity
}

// Update advances the state machine given the current delay-based signal,
// an optional acknowledged rate (the rate feedback actually demonstrated),
// RTT, and now. ackedRate may be the zero value if unknown, in which case
// increase/decrease bounds that need it are skipped.
func (c *Controller) Update(usage trendline.Usage, ackedRate ratetypes.DataRate, haveAcked bool, rtt clock.TimeDelta, now clock.Timestamp) ratetypes.DataRate {
	next, ok := transitions[c.state][usage]
	if !ok {
		next = Hold
	}
	c.state = next

	switch c.state {
	case Increase:
		c.increase(ackedRate, haveAcked, rtt, now)
	case Decrease:
		c.decrease(ackedRate, haveAcked, now)
	case Hold:
		// no change
	}

	c.rate = c.rate.Clamp(c.cfg.MinRate, c.cfg.MaxRate)
	return c.rate
}

func (c *Controller) increase(ackedRate ratetypes.DataRate, haveAcked bool, rtt clock.TimeDelta, now clock.Timestamp) {
	nearCapacity := c.haveLinkCapacity && c.rate.GreaterOrEqual(c.linkCapacity.Mul(0.9)) && c.rate.LessOrEqual(c.linkCapacity.Mul(1.1))

	if nearCapacity {
		// Additive increase of (1000B + half-RTT throughput) per RTT.
		halfRTT := rtt.Mul(0.5)
		halfRTTBytes := ratetypes.SizeOverInterval(c.rate, halfRTT)
		increaseBytes := ratetypes.Bytes(additiveIncreaseBaseBytes + halfRTTBytes.Bytes())

		var perRTT clock.TimeDelta
		if rtt.Micros() > 0 {
			perRTT = rtt
		} else {
			perRTT = clock.FromMillis(100)
		}
		rateIncrease := ratetypes.RateOverInterval(increaseBytes, perRTT)
		c.rate = c.rate.Add(rateIncrease)
	} else {
		// Multiplicative increase x1.08 per second.
		dt := c.intervalSinceLastChange(now)
		factor := exp1p08(dt.Seconds())
		c.rate = c.rate.Mul(factor)
	}

	if haveAcked {
		cap := ackedRate.Mul(1.5)
		if c.rate.Greater(cap) {
			c.rate = cap
		}
	}
	c.lastBitrateChange = now
	c.haveLastBitrateChange = true
}

// exp1p08 applies the 1.08x-per-second multiplicative increase continuously
// scaled to dtSeconds, matching "x1.08 per second" rather than a fixed
// per-call step so the result is independent of call frequency.
func exp1p08(dtSeconds float64) float64 {
	if dtSeconds <= 0 {
		return 1
	}
	if dtSeconds > 1 {
		dtSeconds = 1
	}
	// Linear approximation of (1.08)^dt is accurate enough over [0,1]s and
	// matches the source's per-update scaling.
	return 1 + (multiplicativeIncrease-1)*dtSeconds
}

func (c *Controller) intervalSinceLastChange(now clock.Timestamp) clock.TimeDelta {
	if !c.haveLastBitrateChange {
		return clock.FromMillis(0)
	}
	return now.Sub(c.lastBitrateChange)
}

func (c *Controller) decrease(ackedRate ratetypes.DataRate, haveAcked bool, now clock.Timestamp) {
	if haveAcked {
		ema := ackedRate
		if c.haveLinkCapacity {
			const alpha = 0.5
			ema = ratetypes.BitsPerSec(int64(alpha*float64(ackedRate.BitsPerSecond()) + (1-alpha)*float64(c.linkCapacity.BitsPerSecond())))
		}
		c.linkCapacity = ema
		c.haveLinkCapacity = true
	}

	newRate := c.rate.Mul(c.cfg.Beta)
	if haveAcked {
		floor := ackedRate.Mul(c.cfg.Beta)
		if newRate.Less(floor) {
			newRate = floor
		}
		if newRate.Greater(c.rate) {
			newRate = c.rate
		}
	}
	c.rate = newRate
	c.lastDecreaseTime = now
	c.haveLastDecrease = true
	c.lastBitrateChange = now
	c.haveLastBitrateChange = true
}

// LastDecreaseTime returns when the controller last applied a decrease, and
// whether one has ever occurred.
func (c *Controller) LastDecreaseTime() (clock.Timestamp, bool) {
	return c.lastDecreaseTime, c.haveLastDecrease
}
