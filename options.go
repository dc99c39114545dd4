// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package mediabwe

import (
	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/googcc"
	"github.com/emiago/mediabwe/ratetypes"
	"github.com/rs/zerolog"
)

// config is built once at startup from EngineOptions, the same
// functional-options shape diago.go uses for DiagoOption.
type config struct {
	clock                clock.Clock
	startRate            ratetypes.DataRate
	minRate              ratetypes.DataRate
	maxRate              ratetypes.DataRate
	congestion           bool
	congestionPushback   bool
	log                  zerolog.Logger
	onTargetTransferRate func(googcc.TargetTransferRate)
	requestKeyframe      func()
}

func defaultConfig() config {
	return config{
		clock:     clock.NewReal(),
		startRate: ratetypes.KilobitsPerSec(300),
		minRate:   ratetypes.KilobitsPerSec(30),
		maxRate:   ratetypes.KilobitsPerSec(100_000),
		log:       zerolog.Nop(),
	}
}

// EngineOption configures a New Engine, mirroring diago.DiagoOption.
type EngineOption func(*config)

// WithClock overrides the Engine's time source, normally only used in
// tests (clock.NewSimulated()).
func WithClock(c clock.Clock) EngineOption {
	return func(cfg *config) { cfg.clock = c }
}

// WithStartRate sets the initial send rate before any feedback arrives.
func WithStartRate(r ratetypes.DataRate) EngineOption {
	return func(cfg *config) { cfg.startRate = r }
}

// WithRateBounds sets the [min,max] the target rate is clamped to.
func WithRateBounds(min, max ratetypes.DataRate) EngineOption {
	return func(cfg *config) { cfg.minRate, cfg.maxRate = min, max }
}

// WithCongestionWindowPushback turns on the congestion window; pushback
// selects whether the window is handed straight to the Pacer (false, the
// default Output.CongestionWindow path) or instead scales the target rate
// down via googcc.CongestionWindowPushbackController (true).
func WithCongestionWindowPushback(enabled bool, pushback bool) EngineOption {
	return func(cfg *config) { cfg.congestion = enabled; cfg.congestionPushback = pushback }
}

// WithLogger attaches a logger, the same role WithClientOptions' logger
// plumbing plays in diago.
func WithLogger(l zerolog.Logger) EngineOption {
	return func(cfg *config) { cfg.log = l }
}

// WithOnTargetTransferRate registers the on_target_transfer_rate
// observer, fired on every Engine.Tick that changes the target rate.
func WithOnTargetTransferRate(fn func(googcc.TargetTransferRate)) EngineOption {
	return func(cfg *config) { cfg.onTargetTransferRate = fn }
}

// WithRequestKeyframe registers the key-frame request sender the NackModule
// invokes on list overflow.
func WithRequestKeyframe(fn func()) EngineOption {
	return func(cfg *config) { cfg.requestKeyframe = fn }
}

func (cfg config) googccConfig() googcc.Config {
	gc := googcc.DefaultConfig()
	gc.Loss.MinRate = cfg.minRate
	gc.Loss.MaxRate = cfg.maxRate
	gc.CongestionWindowEnabled = cfg.congestion
	gc.CongestionWindowPushback = cfg.congestionPushback
	return gc
}
