// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package probe implements the ProbeController state machine and
// ProbeBitrateEstimator, grounded in
// original_source/modules/congestion_controller/goog_cc/goog_cc_network_control.cc
// (the controller that owns probe scheduling) and adapted to this repo's
// Clock/DataRate value types.
package probe

import (
	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/ratetypes"
)

// State is the ProbeController state machine position.
type State int

const (
	Init State = iota
	WaitingForProbingResult
	ProbingComplete
	Done
)

const (
	defaultMinProbeDuration = 15 // ms, byte budget = target_rate * this
	startupMultiplier1      = 3.0
	startupMultiplier2      = 6.0
	rampupThresholdRatio    = 1.5
	defaultMinPacketCount   = 5
)

// Cluster describes a single probe burst, handed to the Pacer.
type Cluster struct {
	ID          int
	TargetRate  ratetypes.DataRate
	ByteBudget  ratetypes.DataSize
	MinPackets  int
}

// Config configures the ProbeController.
type Config struct {
	MaxRate          ratetypes.DataRate
	MinProbeDuration clock.TimeDelta
	MinPacketCount   int
}

func DefaultConfig() Config {
	return Config{
		MaxRate:          ratetypes.KilobitsPerSec(100_000),
		MinProbeDuration: clock.FromMillis(defaultMinProbeDuration),
		MinPacketCount:   defaultMinPacketCount,
	}
}

// Controller issues probe clusters at startup, on ALR exit, and on target
// rate increases.
type Controller struct {
	cfg Config

	state State
	nextID int

	lastProbeTarget ratetypes.DataRate
	haveLastProbe   bool

	inALR bool
}

func New(cfg Config) *Controller {
	return &Controller{cfg: cfg, state: Init}
}

func (c *Controller) State() State { return c.state }

// OnStartup returns the two startup probe clusters (3x and 6x the starting
// rate, each capped by MaxRate), or nil once the controller has left Init.
func (c *Controller) OnStartup(startRate ratetypes.DataRate) []Cluster {
	if c.state != Init {
		return nil
	}
	c.state = WaitingForProbingResult

	targets := []ratetypes.DataRate{
		ratetypes.Min(startRate.Mul(startupMultiplier1), c.cfg.MaxRate),
		ratetypes.Min(startRate.Mul(startupMultiplier2), c.cfg.MaxRate),
	}

	var clusters []Cluster
	for _, t := range targets {
		clusters = append(clusters, c.newCluster(t))
	}
	if len(clusters) > 0 {
		c.lastProbeTarget = clusters[len(clusters)-1].TargetRate
		c.haveLastProbe = true
	}
	return clusters
}

// OnTargetRateUpdated is called whenever GoogCcController computes a new
// target. If the new rate exceeds 1.5x the last probe's target and we are
// not application-limited, another probe is scheduled.
func (c *Controller) OnTargetRateUpdated(newRate ratetypes.DataRate) *Cluster {
	if c.inALR {
		return nil
	}
	if c.haveLastProbe && newRate.LessOrEqual(c.lastProbeTarget.Mul(rampupThresholdRatio)) {
		return nil
	}

	cl := c.newCluster(ratetypes.Min(newRate.Mul(2), c.cfg.MaxRate))
	c.lastProbeTarget = cl.TargetRate
	c.haveLastProbe = true
	c.state = WaitingForProbingResult
	return &cl
}

// SetALR toggles the application-limited-region flag. Leaving ALR returns
// a rampup probe at the last probe target (if any probe was issued);
// entering ALR returns nil.
func (c *Controller) SetALR(inALR bool) *Cluster {
	wasInALR := c.inALR
	c.inALR = inALR
	if wasInALR && !inALR && c.haveLastProbe {
		// Exiting ALR: request a rampup probe at the last known target.
		cl := c.newCluster(c.lastProbeTarget)
		c.state = WaitingForProbingResult
		return &cl
	}
	return nil
}

// OnCongestionDrop is called when GoogCcController attributes a sudden rate
// drop to congestion (not loss): outside ALR it returns a re-probe at the
// pre-drop rate right away; inside ALR it returns nil and the drop is not
// remembered for later.
func (c *Controller) OnCongestionDrop(preDropRate ratetypes.DataRate) *Cluster {
	if c.inALR {
		return nil
	}
	cl := c.newCluster(preDropRate)
	c.state = WaitingForProbingResult
	return &cl
}

// OnProbeResult transitions the controller once a cluster has been
// measured (or has expired).
func (c *Controller) OnProbeResult(measured bool) {
	if measured {
		c.state = ProbingComplete
	} else {
		c.state = Done
	}
}

func (c *Controller) newCluster(target ratetypes.DataRate) Cluster {
	c.nextID++
	budget := ratetypes.SizeOverInterval(target, c.cfg.MinProbeDuration)
	return Cluster{
		ID:         c.nextID,
		TargetRate: target,
		ByteBudget: budget,
		MinPackets: c.cfg.MinPacketCount,
	}
}
