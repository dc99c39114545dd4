// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package pacer

import (
	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/ratetypes"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// minSendInterval is the elapsed time credited to the budgets on the first
// Process call, when there is no previous tick to measure from.
var minSendInterval = clock.FromMillis(5)

// Sender is the callback the Pacer drains packets into. It returns the
// number of bytes actually written to the wire, which may be less than
// pkt.Size for a partially-sent packet (media/rtp_session.go's
// RTPSession.writeRTP pattern of returning (int, error) simplified to a
// pure byte count here).
type Sender func(pkt Packet) ratetypes.DataSize

// Config configures a Pacer.
type Config struct {
	// PaceMultiplier inflates the media budget above the configured send
	// rate so the pacer can catch up after a burst without exceeding the
	// configured congestion window.
	PaceMultiplier float64
	// CongestionWindowEnabled is not read by the Pacer: outstanding-data
	// pushback is switched on and off only through SetCongestionWindow.
	CongestionWindowEnabled bool
}

// DefaultConfig returns a Pacer with no extra burst multiplier: when driven
// by GoogCcController, the 2.5x media-rate headroom is already applied in
// PacerConfig.MediaRate, so stacking a second multiplier here would
// double-inflate the budget. PaceMultiplier is for callers that drive
// SetPacingRates directly from a raw target rate.
func DefaultConfig() Config {
	return Config{PaceMultiplier: 1, CongestionWindowEnabled: false}
}

// Pacer is the leaky-bucket egress scheduler: packets queued by
// EnqueuePacket are released at a configured rate, smoothing bursts from
// the encoder to match the estimated available bandwidth, and -- when a
// congestion window is set -- paused once too much data is outstanding.
type Pacer struct {
	log zerolog.Logger

	cfg Config
	clk clock.Clock

	q *queue

	mediaBudget   *IntervalBudget
	paddingBudget *IntervalBudget

	lastProcess    clock.Timestamp
	haveLastProc   bool

	congestionWindow     ratetypes.DataSize
	outstandingData      ratetypes.DataSize
	haveCongestionWindow bool
}

// New builds a Pacer. clk supplies Now() for Process ticks.
func New(cfg Config, clk clock.Clock) *Pacer {
	return &Pacer{
		log:           log.Logger.With().Str("component", "pacer").Logger(),
		cfg:           cfg,
		clk:           clk,
		q:             newQueue(),
		mediaBudget:   NewIntervalBudget(ratetypes.DataRate{}, false),
		paddingBudget: NewIntervalBudget(ratetypes.DataRate{}, false),
	}
}

// SetPacingRates sets the media and padding target rates, typically driven
// by GoogCcController's PacerConfig output.
func (p *Pacer) SetPacingRates(media, padding ratetypes.DataRate) {
	p.mediaBudget.SetRate(media.Mul(p.paceMultiplier()))
	p.paddingBudget.SetRate(padding)
}

func (p *Pacer) paceMultiplier() float64 {
	if p.cfg.PaceMultiplier <= 0 {
		return 1
	}
	return p.cfg.PaceMultiplier
}

// SetCongestionWindow enables pushback: Process will refuse to release
// non-probe packets once OutstandingData() has reached window; probe
// packets are still sent. A zero window with enabled=false (the default)
// disables pushback entirely.
func (p *Pacer) SetCongestionWindow(window ratetypes.DataSize, enabled bool) {
	p.congestionWindow = window
	p.haveCongestionWindow = enabled
}

// EnqueuePacket adds a packet to be released by a future Process call.
func (p *Pacer) EnqueuePacket(pkt Packet) {
	p.q.Push(pkt)
}

// OnPacketAcked reduces the outstanding-data pushback counter as feedback
// confirms delivery (or loss) of a previously sent packet.
func (p *Pacer) OnPacketAcked(size ratetypes.DataSize) {
	p.outstandingData = p.outstandingData.Sub(size)
	if p.outstandingData.Bytes() < 0 {
		p.outstandingData = ratetypes.DataSize{}
	}
}

// OutstandingData returns bytes sent but not yet acknowledged or declared
// lost, used for congestion-window pushback.
func (p *Pacer) OutstandingData() ratetypes.DataSize { return p.outstandingData }

// QueueLength reports the number of packets currently queued.
func (p *Pacer) QueueLength() int { return p.q.Len() }

// Process is the periodic tick (driven by the same time.Ticker idiom as
// media/rtp_session.go's Monitor loop): it refills the budgets by the
// elapsed time and drains the queue through send while budget remains.
func (p *Pacer) Process(now clock.Timestamp, send Sender) {
	var dt clock.TimeDelta
	if p.haveLastProc {
		dt = now.Sub(p.lastProcess)
		if dt.Less(clock.Zero()) {
			dt = clock.Zero()
		}
	} else {
		dt = minSendInterval
	}
	p.lastProcess = now
	p.haveLastProc = true

	p.mediaBudget.IncreaseBudget(dt)
	p.paddingBudget.IncreaseBudget(dt)

	for {
		pkt, ok := p.q.Pop()
		if !ok {
			return
		}

		if pkt.ClusterID == 0 && p.haveCongestionWindow && p.outstandingData.GreaterOrEqual(p.congestionWindow) {
			p.log.Debug().Msg("pacer: congestion window pushback, holding queue")
			p.q.PushFront(pkt)
			return
		}

		budget := p.mediaBudget
		if pkt.Priority == PriorityPadding {
			budget = p.paddingBudget
		}
		if pkt.ClusterID == 0 && !budget.HasBudget() {
			// No budget left for ordinary traffic this tick; put the packet
			// back at the front of its stream for the next Process call.
			p.q.PushFront(pkt)
			return
		}

		sent := send(pkt)
		if sent.Bytes() == 0 && pkt.Size.Bytes() > 0 {
			// The downstream send failed: the pacer never blocks, so the
			// packet goes back to the head of its queue and is
			// reconsidered on the next Process call instead of being
			// dropped.
			p.q.PushFront(pkt)
			return
		}
		budget.UseBudget(sent)
		p.outstandingData = p.outstandingData.Add(sent)
	}
}
